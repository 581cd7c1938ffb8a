package stencil

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// ----------------------------- Compiled bundles -----------------------------

const bundleVersion = 1

// Bundle is a fully expanded compiled template plus the auxiliary state
// captured while compiling it. Parents, includes and imports are inlined,
// so a bundle renders without touching the sources again.
type Bundle struct {
	Version      int               `json:"version"`
	Name         string            `json:"name"`
	Path         string            `json:"path,omitempty"`
	SourceMTime  int64             `json:"source_mtime"`
	Root         []Node            `json:"root"`
	Sections     map[string][]Node `json:"sections,omitempty"`
	Macros       map[string]*Macro `json:"macros,omitempty"`
	Imports      []string          `json:"imports,omitempty"`
	Literals     map[string]string `json:"literals,omitempty"`
	LiteralVars  []string          `json:"literal_vars,omitempty"`
	Extras       map[string]string `json:"extras,omitempty"`
	Dependencies map[string]int64  `json:"dependencies,omitempty"`
}

// Encode serializes the bundle. Map keys are emitted sorted, so equal
// bundles encode to identical bytes.
func (b *Bundle) Encode() ([]byte, error) {
	return json.Marshal(b)
}

// DecodeBundle parses an encoded bundle.
func DecodeBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decoding bundle: %w", err)
	}
	if b.Version != bundleVersion {
		return nil, fmt.Errorf("decoding bundle: unsupported version %d", b.Version)
	}
	return &b, nil
}

// ----------------------------- Template cache -------------------------------

// Driver is the key/value store behind the template cache. Load must report
// a miss when the stored entry was saved before sourceMTime (unix nanos).
type Driver interface {
	Load(ctx context.Context, key string, sourceMTime int64) ([]byte, bool)
	Save(ctx context.Context, key string, data []byte, ttl time.Duration) error
}

// CacheConfig tunes a TemplateCache.
type CacheConfig struct {
	// Namespace prefixes every key.
	Namespace string
	// TTL is passed to the driver on save; zero keeps entries forever.
	TTL time.Duration
	// TrackDependencies also invalidates a bundle when a parent, include or
	// import it inlined has changed since it was compiled.
	TrackDependencies bool
}

// TemplateCache stores compiled bundles keyed by source path.
type TemplateCache struct {
	driver Driver
	cfg    CacheConfig
	logger *zap.Logger
}

// NewTemplateCache wraps driver.
func NewTemplateCache(driver Driver, cfg CacheConfig, logger *zap.Logger) *TemplateCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TemplateCache{driver: driver, cfg: cfg, logger: logger}
}

// Key digests the absolute source path.
func (c *TemplateCache) Key(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return fmt.Sprintf("%s%016x", c.cfg.Namespace, xxhash.Sum64String(path))
}

// Load returns a fresh bundle for key. Absent, stale and corrupt entries are
// all misses.
func (c *TemplateCache) Load(ctx context.Context, key string, sourceMTime int64) (*Bundle, bool) {
	data, ok := c.driver.Load(ctx, key, sourceMTime)
	if !ok {
		c.logger.Debug("template cache miss", zap.String("key", key))
		return nil, false
	}
	b, err := DecodeBundle(data)
	if err != nil {
		c.logger.Warn("discarding corrupt cache entry", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if b.SourceMTime < sourceMTime {
		c.logger.Debug("template cache stale", zap.String("key", key), zap.String("template", b.Name))
		return nil, false
	}
	if c.cfg.TrackDependencies {
		if dep, changed := changedDependency(b); changed {
			c.logger.Debug("template dependency changed",
				zap.String("key", key),
				zap.String("template", b.Name),
				zap.String("dependency", dep))
			return nil, false
		}
	}
	c.logger.Debug("template cache hit", zap.String("key", key), zap.String("template", b.Name))
	return b, true
}

// changedDependency reports the first inlined source that is gone or newer
// than when the bundle was compiled.
func changedDependency(b *Bundle) (string, bool) {
	for path, mtime := range b.Dependencies {
		if path == b.Path {
			continue
		}
		info, err := os.Stat(path)
		if err != nil || info.ModTime().UnixNano() > mtime {
			return path, true
		}
	}
	return "", false
}

// Save stores b under key. Concurrent saves for one key race and the last
// writer wins.
func (c *TemplateCache) Save(ctx context.Context, key string, b *Bundle) error {
	data, err := b.Encode()
	if err != nil {
		c.logger.Warn("encoding bundle", zap.String("key", key), zap.Error(err))
		return err
	}
	if err := c.driver.Save(ctx, key, data, c.cfg.TTL); err != nil {
		c.logger.Warn("saving bundle", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}
