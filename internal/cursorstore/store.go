package cursorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentworkforce/doclist/internal/doclist"
)

// Store persists the applied change-feed cursor per view key.
type Store interface {
	doclist.CursorStore
	Close() error
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*JSONFile)(nil)
	_ Store = (*Postgres)(nil)
	_ Store = (*SQLite)(nil)
)

type Memory struct {
	mu      sync.Mutex
	cursors map[string]string
}

func NewMemory() *Memory {
	return &Memory{cursors: map[string]string{}}
}

func (m *Memory) LoadCursor(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[key], nil
}

func (m *Memory) SaveCursor(_ context.Context, key, cursor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[key] = cursor
	return nil
}

func (m *Memory) Close() error {
	return nil
}

// JSONFile keeps every cursor in one JSON object, rewritten atomically on
// each save.
type JSONFile struct {
	Path string

	mu sync.Mutex
}

func NewJSONFile(path string) *JSONFile {
	return &JSONFile{Path: path}
}

func (f *JSONFile) LoadCursor(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cursors, err := f.read()
	if err != nil {
		return "", err
	}
	return cursors[key], nil
}

func (f *JSONFile) SaveCursor(_ context.Context, key, cursor string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cursors, err := f.read()
	if err != nil {
		return err
	}
	cursors[key] = cursor
	data, err := json.MarshalIndent(cursors, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(f.Path, data, 0o644)
}

func (f *JSONFile) Close() error {
	return nil
}

func (f *JSONFile) read() (map[string]string, error) {
	cursors := map[string]string{}
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return cursors, nil
	}
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return cursors, nil
	}
	if err := json.Unmarshal(data, &cursors); err != nil {
		return nil, fmt.Errorf("cursor file %s: %w", f.Path, err)
	}
	return cursors, nil
}

// BuildFromDSN picks a backend by scheme: memory://, file:///path (or a bare
// path), postgres://..., sqlite:///path. An empty dsn yields a memory store.
func BuildFromDSN(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemory(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFile(path), nil
	case "memory", "mem", "inmem":
		return NewMemory(), nil
	case "postgres", "postgresql":
		return NewPostgres(dsn)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLite(path)
	case "mysql":
		return nil, fmt.Errorf("%w: cursor store %s", doclist.ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported cursor store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", doclist.ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", doclist.ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", doclist.ErrInvalidInput
	}
	return path, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
