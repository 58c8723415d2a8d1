package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	cacheDirMode  = 0o700
	cacheFileMode = 0o600
)

// CookieStore persists serialized sessions keyed by account id.
type CookieStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// FileCookieStore keeps every entry in one JSON object on disk. Each Set
// reloads the file, merges the single key and writes it back, so entries
// written by other accounts are preserved.
type FileCookieStore struct {
	path string
	mu   sync.Mutex
}

var _ CookieStore = (*FileCookieStore)(nil)

func NewFileCookieStore(path string) *FileCookieStore {
	return &FileCookieStore{path: filepath.Clean(path)}
}

func (s *FileCookieStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.load()
	if err != nil {
		return "", false, err
	}
	value, ok := data[key]
	if !ok || value == "" {
		return "", false, nil
	}
	return value, true, nil
}

func (s *FileCookieStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return errors.New("cookie cache key is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.load()
	if err != nil {
		// An unreadable cache is rebuilt rather than blocking the run.
		data = make(map[string]string)
	}
	data[key] = value

	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cookie cache: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), cacheDirMode); err != nil {
		return fmt.Errorf("create cookie cache directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, encoded, cacheFileMode); err != nil {
		return fmt.Errorf("write cookie cache: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace cookie cache: %w", err)
	}
	return nil
}

func (s *FileCookieStore) load() (map[string]string, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return make(map[string]string), nil
		}
		return nil, fmt.Errorf("read cookie cache %s: %w", s.path, err)
	}

	data := make(map[string]string)
	if len(raw) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse cookie cache %s: %w", s.path, err)
	}
	return data, nil
}

// persistSession writes the session's cookie string under key.
func persistSession(ctx context.Context, store CookieStore, key string, s *Session) error {
	if store == nil || s == nil || s.Empty() {
		return nil
	}
	return store.Set(ctx, key, s.String())
}
