// Package config loads the sidecar's file-based configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/opsdeck/sidecar/internal/app/domain/connector"
)

// ProfilesConfig is the integration profiles file. Profiles are a closed
// set: only ids listed here can be used at runtime.
type ProfilesConfig struct {
	Profiles []ProfileEntry `yaml:"profiles"`
}

// ProfileEntry is one tenant/app registration in profiles.yaml.
type ProfileEntry struct {
	ID       string   `yaml:"id"`
	TenantID string   `yaml:"tenant_id"`
	ClientID string   `yaml:"client_id"`
	Scopes   []string `yaml:"scopes"`
}

// LoadProfiles loads the integration profiles from config/profiles.yaml.
func LoadProfiles() ([]connector.Profile, error) {
	return LoadProfilesFromPath(filepath.Join("config", "profiles.yaml"))
}

// LoadProfilesFromPath loads the integration profiles from a specific path.
func LoadProfilesFromPath(path string) ([]connector.Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles config: %w", err)
	}

	var cfg ProfilesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse profiles config: %w", err)
	}

	seen := make(map[string]bool, len(cfg.Profiles))
	profiles := make([]connector.Profile, 0, len(cfg.Profiles))
	for i, entry := range cfg.Profiles {
		id := strings.TrimSpace(entry.ID)
		if id == "" {
			return nil, fmt.Errorf("profile %d: id is required", i)
		}
		if seen[id] {
			return nil, fmt.Errorf("profile %s: duplicate id", id)
		}
		seen[id] = true
		profiles = append(profiles, connector.Profile{
			ID:       id,
			TenantID: strings.TrimSpace(entry.TenantID),
			ClientID: strings.TrimSpace(entry.ClientID),
			Scopes:   entry.Scopes,
		})
	}
	return profiles, nil
}

// LoadProfilesOrDefault loads profiles or returns the default set if the
// file is missing.
func LoadProfilesOrDefault(path string) []connector.Profile {
	profiles, err := LoadProfilesFromPath(path)
	if err != nil {
		return DefaultProfiles()
	}
	return profiles
}

// DefaultProfiles returns placeholder registrations for the two standard
// operating profiles. Tenant and client ids must be filled in before the
// device-code flow can run.
func DefaultProfiles() []connector.Profile {
	scopes := []string{"offline_access", "Mail.ReadWrite", "Calendars.Read", "User.Read"}
	return []connector.Profile{
		{ID: "olumie", Scopes: scopes},
		{ID: "everest", Scopes: scopes},
	}
}
