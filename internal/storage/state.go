package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"liquidityKeeper/internal/storage/postgres"
)

// StateStore persists the time of the last executed rebalance.
type StateStore interface {
	Load(ctx context.Context) (time.Time, bool, error)
	Save(ctx context.Context, at time.Time) error
}

// FileStateStore stores state in a local JSON file.
type FileStateStore struct {
	Path string
}

type stateRecord struct {
	LastRebalance string `json:"last_rebalance"`
	UpdatedAt     string `json:"updated_at"`
}

func (s *FileStateStore) Load(ctx context.Context) (time.Time, bool, error) {
	if s == nil || s.Path == "" {
		return time.Time{}, false, nil
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("read state: %w", err)
	}

	var rec stateRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return time.Time{}, false, fmt.Errorf("parse state: %w", err)
	}
	at, err := time.Parse(time.RFC3339Nano, rec.LastRebalance)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse state: %w", err)
	}
	return at, true, nil
}

func (s *FileStateStore) Save(ctx context.Context, at time.Time) error {
	if s == nil || s.Path == "" {
		return nil
	}
	dir := filepath.Dir(s.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}

	rec := stateRecord{
		LastRebalance: at.UTC().Format(time.RFC3339Nano),
		UpdatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state tmp: %w", err)
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}

// DBStateStore stores state in the keeper_state table.
type DBStateStore struct {
	Store *postgres.Store
	Name  string
}

func (s *DBStateStore) Load(ctx context.Context) (time.Time, bool, error) {
	if s == nil || s.Store == nil {
		return time.Time{}, false, nil
	}
	return s.Store.LoadState(ctx, s.Name)
}

func (s *DBStateStore) Save(ctx context.Context, at time.Time) error {
	if s == nil || s.Store == nil {
		return nil
	}
	return s.Store.SaveState(ctx, s.Name, at)
}
