// Package ledger implements the file-backed append-only record store. Each
// stream lives in its own JSONL file under the data directory and carries its
// own mutex, so concurrent writers to the same stream are serialized while
// independent streams never contend.
package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/opsdeck/sidecar/internal/app/metrics"
)

// Store is a directory of append-only JSONL streams.
type Store struct {
	dir string

	mu      sync.Mutex
	streams map[string]*stream
}

type stream struct {
	mu   sync.Mutex
	path string
}

// New creates the data directory if needed and returns a store rooted there.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("ledger dir is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	return &Store{dir: dir, streams: make(map[string]*stream)}, nil
}

func (s *Store) stream(name string) (*stream, error) {
	if name == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[name]
	if !ok {
		st = &stream{path: filepath.Join(s.dir, name+".jsonl")}
		s.streams[name] = st
	}
	return st, nil
}

// Append marshals the record and durably appends it as one line. The stream
// lock is held for the whole write so concurrent appends never interleave
// partial lines.
func (s *Store) Append(ctx context.Context, name string, record any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st, err := s.stream(name)
	if err != nil {
		return err
	}

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", name, err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	f, err := os.OpenFile(st.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		metrics.RecordLedgerAppend(name, false)
		return fmt.Errorf("open %s stream: %w", name, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		metrics.RecordLedgerAppend(name, false)
		return fmt.Errorf("append %s record: %w", name, err)
	}
	metrics.RecordLedgerAppend(name, true)
	return nil
}

// Replay returns every valid JSON line of the stream in file order. Corrupt
// lines are dropped without aborting the read; a missing stream file replays
// as empty.
func (s *Store) Replay(ctx context.Context, name string) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st, err := s.stream(name)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	f, err := os.Open(st.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s stream: %w", name, err)
	}
	defer f.Close()

	var records [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 || !json.Valid(line) {
			continue
		}
		rec := make([]byte, len(line))
		copy(rec, line)
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s stream: %w", name, err)
	}
	return records, nil
}

// Count returns the number of valid records currently in the stream.
func (s *Store) Count(ctx context.Context, name string) (int, error) {
	records, err := s.Replay(ctx, name)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}
