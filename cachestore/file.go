package cachestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/natefinch/atomic"
)

// File stores one file per key in a directory. Writes go through a
// temporary file and rename, so readers never see partial entries.
type File struct {
	dir string
	now func() time.Time
}

// NewFile creates dir if needed and returns a file driver rooted there.
func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory %q: %w", dir, err)
	}
	return &File{dir: dir, now: time.Now}, nil
}

var keyReplacer = strings.NewReplacer("/", "_", "\\", "_", ":", "_", "..", "_")

func (f *File) path(key string) string {
	return filepath.Join(f.dir, keyReplacer.Replace(key)+".bundle")
}

// Load reads the entry for key; expired entries are removed.
func (f *File) Load(_ context.Context, key string, sourceMTime int64) ([]byte, bool) {
	p := f.path(key)
	raw, err := os.ReadFile(p)
	if err != nil {
		return nil, false
	}
	stamp, expires, data, err := open(raw)
	if err != nil {
		return nil, false
	}
	if expires != 0 && f.now().UnixNano() >= expires {
		_ = os.Remove(p)
		return nil, false
	}
	if !fresh(stamp, expires, sourceMTime, f.now()) {
		return nil, false
	}
	return data, true
}

// Save atomically replaces the entry for key.
func (f *File) Save(_ context.Context, key string, data []byte, ttl time.Duration) error {
	if err := atomic.WriteFile(f.path(key), bytes.NewReader(seal(data, f.now(), ttl))); err != nil {
		return fmt.Errorf("writing cache entry %q: %w", key, err)
	}
	return nil
}

// Delete removes the entry for key.
func (f *File) Delete(_ context.Context, key string) error {
	err := os.Remove(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Clear removes every entry in the directory.
func (f *File) Clear(_ context.Context) error {
	matches, err := filepath.Glob(filepath.Join(f.dir, "*.bundle"))
	if err != nil {
		return err
	}
	var errs []error
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
