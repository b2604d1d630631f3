package chainstore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/Mindburn-Labs/ccos/pkg/causalchain"
)

// FileStore appends one JSON object per line to a local file.
type FileStore struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

type fileRecord struct {
	Sequence  uint64              `json:"sequence"`
	ChainHash string              `json:"chain_hash"`
	Action    *causalchain.Action `json:"action"`
}

// OpenFile opens path for appending, creating it if missing.
func OpenFile(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open ledger file: %w", err)
	}
	return &FileStore{path: path, f: f}, nil
}

func (s *FileStore) Append(_ context.Context, rec causalchain.StoredAction) error {
	line, err := json.Marshal(fileRecord{Sequence: rec.Sequence, ChainHash: rec.ChainHash, Action: rec.Action})
	if err != nil {
		return fmt.Errorf("encode action %s: %w", rec.Action.ActionID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("ledger file closed")
	}
	if _, err := s.f.Write(append(line, '\n')); err != nil {
		return err
	}
	return s.f.Sync()
}

func (s *FileStore) Load(ctx context.Context) ([]causalchain.StoredAction, error) {
	return s.read(ctx, func(*causalchain.Action) bool { return true })
}

func (s *FileStore) LoadSession(ctx context.Context, sessionID string) ([]causalchain.StoredAction, error) {
	return s.read(ctx, func(a *causalchain.Action) bool { return a.SessionID == sessionID })
}

func (s *FileStore) read(ctx context.Context, keep func(*causalchain.Action) bool) ([]causalchain.StoredAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var out []causalchain.StoredAction
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec fileRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("ledger file line %d: %w", line, err)
		}
		if rec.Action == nil || !keep(rec.Action) {
			continue
		}
		out = append(out, causalchain.StoredAction{Sequence: rec.Sequence, ChainHash: rec.ChainHash, Action: rec.Action})
	}
	return out, sc.Err()
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
