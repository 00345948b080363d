package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Save writes cfg as YAML to path through a temporary file and a rename.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// Store is the running configuration shared by the web handlers. Changes
// are persisted when a path is set; hardware built from the previous
// values keeps them until it is rebuilt.
type Store struct {
	mu   sync.RWMutex
	cfg  *Config
	path string
}

// NewStore wraps cfg. An empty path keeps changes in memory only.
func NewStore(cfg *Config, path string) *Store {
	return &Store{cfg: cfg, path: path}
}

// Get returns a copy of the current configuration.
func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// Update applies fn to a copy, validates it, persists it and swaps it in.
func (s *Store) Update(fn func(*Config)) (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cfg.Clone()
	fn(next)
	if err := next.Validate(); err != nil {
		return nil, err
	}
	if s.path != "" {
		if err := Save(s.path, next); err != nil {
			return nil, err
		}
	}
	s.cfg = next
	return next.Clone(), nil
}
