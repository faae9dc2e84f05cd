package params

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Store returns the latest committed parameters. Staging and delays happen
// before a version reaches the store.
type Store interface {
	Latest(ctx context.Context) (Params, error)
}

// Committer accepts a new version from the governance identity.
type Committer interface {
	Commit(ctx context.Context, caller string, p Params) (Params, error)
}

// CheckCommit validates p against the latest committed version and the
// caller, assigning the next version number when p has none.
func CheckCommit(governor, caller string, latest *Params, p Params) (Params, error) {
	if governor != "" && caller != governor {
		return Params{}, fmt.Errorf("%w: %q may not commit params", ErrUnauthorized, caller)
	}
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	switch {
	case latest == nil && p.Version == 0:
		p.Version = 1
	case latest != nil && p.Version == 0:
		p.Version = latest.Version + 1
	case latest != nil && p.Version <= latest.Version:
		return Params{}, fmt.Errorf("%w: %d <= %d", ErrStaleVersion, p.Version, latest.Version)
	}
	return p, nil
}

// MemoryStore keeps committed versions in memory.
type MemoryStore struct {
	Governor string

	mu       sync.RWMutex
	versions []Params
}

// NewMemoryStore seeds a store with initial committed params.
func NewMemoryStore(initial Params) (*MemoryStore, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	if initial.Version == 0 {
		initial.Version = 1
	}
	return &MemoryStore{versions: []Params{initial}}, nil
}

func (s *MemoryStore) Latest(ctx context.Context) (Params, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.versions) == 0 {
		return Params{}, ErrNotFound
	}
	return s.versions[len(s.versions)-1], nil
}

func (s *MemoryStore) Commit(ctx context.Context, caller string, p Params) (Params, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *Params
	if len(s.versions) > 0 {
		latest = &s.versions[len(s.versions)-1]
	}
	committed, err := CheckCommit(s.Governor, caller, latest, p)
	if err != nil {
		return Params{}, err
	}
	s.versions = append(s.versions, committed)
	return committed, nil
}

// FileStore keeps committed versions in a YAML file.
type FileStore struct {
	Path     string
	Governor string

	mu sync.Mutex
}

type fileDocument struct {
	Versions []Params `yaml:"versions"`
}

func (s *FileStore) load() (fileDocument, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return fileDocument{}, nil
		}
		return fileDocument{}, fmt.Errorf("read params: %w", err)
	}
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fileDocument{}, fmt.Errorf("parse params: %w", err)
	}
	sort.Slice(doc.Versions, func(i, j int) bool {
		return doc.Versions[i].Version < doc.Versions[j].Version
	})
	return doc, nil
}

func (s *FileStore) Latest(ctx context.Context) (Params, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return Params{}, err
	}
	if len(doc.Versions) == 0 {
		return Params{}, fmt.Errorf("%w: %s", ErrNotFound, s.Path)
	}
	latest := doc.Versions[len(doc.Versions)-1]
	if err := latest.Validate(); err != nil {
		return Params{}, fmt.Errorf("version %d: %w", latest.Version, err)
	}
	return latest, nil
}

func (s *FileStore) Commit(ctx context.Context, caller string, p Params) (Params, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return Params{}, err
	}
	var latest *Params
	if len(doc.Versions) > 0 {
		latest = &doc.Versions[len(doc.Versions)-1]
	}
	committed, err := CheckCommit(s.Governor, caller, latest, p)
	if err != nil {
		return Params{}, err
	}
	doc.Versions = append(doc.Versions, committed)

	data, err := yaml.Marshal(doc)
	if err != nil {
		return Params{}, fmt.Errorf("marshal params: %w", err)
	}
	dir := filepath.Dir(s.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Params{}, fmt.Errorf("create params dir: %w", err)
		}
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return Params{}, fmt.Errorf("write params tmp: %w", err)
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		return Params{}, fmt.Errorf("rename params: %w", err)
	}
	return committed, nil
}
