// Package main runs the loopback governance sidecar: an HTTP control plane
// for deal records, triage, policy gates, automation control, and the
// mail/calendar integration connector.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	app "github.com/opsdeck/sidecar/internal/app"
	"github.com/opsdeck/sidecar/internal/app/httpapi"
	"github.com/opsdeck/sidecar/internal/app/metrics"
	"github.com/opsdeck/sidecar/internal/app/storage/file"
	"github.com/opsdeck/sidecar/internal/app/storage/ledger"
	"github.com/opsdeck/sidecar/internal/config"
	"github.com/opsdeck/sidecar/pkg/logger"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:48080", "listen address (loopback only)")
	dataDir := flag.String("data", "data", "data directory for ledgers, deals, and tokens")
	profilesPath := flag.String("profiles", filepath.Join("config", "profiles.yaml"), "integration profiles file")
	operatorKey := flag.String("operator-key", "", "operator key guarding the API")
	rps := flag.Int("rps", 50, "per-client request rate limit (0 disables)")
	flag.Parse()

	if v := os.Getenv("SIDECAR_ADDR"); v != "" {
		*addr = v
	}
	if v := os.Getenv("SIDECAR_DATA_DIR"); v != "" {
		*dataDir = v
	}
	if v := os.Getenv("SIDECAR_PROFILES"); v != "" {
		*profilesPath = v
	}
	if v := os.Getenv("SIDECAR_OPERATOR_KEY"); v != "" {
		*operatorKey = v
	}

	log := logger.NewDefault("sidecar")

	if err := requireLoopback(*addr); err != nil {
		log.WithError(err).Error("refusing to start")
		os.Exit(1)
	}
	if *operatorKey == "" {
		log.Warn("SIDECAR_OPERATOR_KEY not set; API auth is disabled")
	}

	ledgerStore, err := ledger.New(filepath.Join(*dataDir, "ledger"))
	if err != nil {
		log.WithError(err).Error("open ledger store")
		os.Exit(1)
	}
	dealStore, err := file.NewDealStore(filepath.Join(*dataDir, "deals"))
	if err != nil {
		log.WithError(err).Error("open deal store")
		os.Exit(1)
	}
	tokenStore, err := file.NewTokenStore(filepath.Join(*dataDir, "tokens"))
	if err != nil {
		log.WithError(err).Error("open token store")
		os.Exit(1)
	}

	profiles := config.LoadProfilesOrDefault(*profilesPath)
	log.WithField("profiles", len(profiles)).Info("integration profiles loaded")

	application, err := app.New(app.Stores{
		Ledger: ledgerStore,
		Deals:  dealStore,
		Tokens: tokenStore,
	}, app.Options{Profiles: profiles}, log)
	if err != nil {
		log.WithError(err).Error("build application")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Error("start application")
		os.Exit(1)
	}

	apiHandler := httpapi.NewHandler(application, httpapi.Options{
		OperatorKey:       *operatorKey,
		DataDir:           *dataDir,
		RequestsPerSecond: *rps,
		Log:               log,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", apiHandler)

	server := &http.Server{
		Addr:         *addr,
		Handler:      metrics.InstrumentHandler(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.WithField("addr", *addr).Info("sidecar listening")
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.WithError(err).Error("server error")
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("application stop")
	}

	log.Info("sidecar stopped")
}

// requireLoopback rejects any bind address that would expose the control
// plane beyond the local host.
func requireLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("parse listen address %q: %w", addr, err)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("listen address %q is not loopback", addr)
	}
	return nil
}
