package stencil

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/oarkflow/stencil/cachestore"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, &Config{
		TemplatePath:      []string{"."},
		Suffix:            []string{".html", ".tpl"},
		Cache:             true,
		CachePath:         "stencil:",
		CacheDriver:       DriverMemory,
		CacheDir:          ".stencil-cache",
		RedisAddr:         "localhost:6379",
		SQLiteDSN:         "stencil-cache.db",
		MacroMode:         "control_flow",
		MaxDepth:          defaultMaxDepth,
		TrackDependencies: true,
		LogLevel:          "info",
		LogFormat:         "console",
	}, cfg)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stencil.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
template_path: [views, shared]
suffix: [.tmpl]
cache_driver: file
cache_dir: /tmp/stencil
cache_expires: 90
strict: true
autoescape: true
macro_mode: full
max_depth: 8
track_dependencies: false
log_level: debug
log_format: json
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"views", "shared"}, cfg.TemplatePath)
	assert.Equal(t, []string{".tmpl"}, cfg.Suffix)
	assert.Equal(t, DriverFile, cfg.CacheDriver)
	assert.Equal(t, "/tmp/stencil", cfg.CacheDir)
	assert.Equal(t, 90, cfg.CacheExpires)
	assert.True(t, cfg.Strict)
	assert.True(t, cfg.AutoEscape)
	assert.Equal(t, "full", cfg.MacroMode)
	assert.Equal(t, 8, cfg.MaxDepth)
	assert.False(t, cfg.TrackDependencies)
	assert.Equal(t, "json", cfg.LogFormat)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "reading config")
}

func TestLoadConfigEnv(t *testing.T) {
	t.Setenv("STENCIL_STRICT", "true")
	t.Setenv("STENCIL_TEMPLATE_PATH", "a, b")
	t.Setenv("STENCIL_MAX_DEPTH", "4")
	t.Setenv("STENCIL_CACHE_DRIVER", "none")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.True(t, cfg.Strict)
	assert.Equal(t, []string{"a", "b"}, cfg.TemplatePath)
	assert.Equal(t, 4, cfg.MaxDepth)
	assert.Equal(t, DriverNone, cfg.CacheDriver)
}

func TestConfigValidate(t *testing.T) {
	cfg := &Config{
		CacheDriver:  "memcached",
		MacroMode:    "eager",
		MaxDepth:     -1,
		CacheExpires: -5,
		LogLevel:     "loud",
		LogFormat:    "xml",
	}
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown cache_driver "memcached"`,
		`unknown macro mode "eager"`,
		"max_depth must not be negative",
		"cache_expires must not be negative",
		`invalid log_level "loud"`,
		`invalid log_format "xml"`,
	} {
		assert.ErrorContains(t, err, want)
	}

	assert.NoError(t, (&Config{}).Validate())
}

func TestConfigDriver(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	mr := miniredis.RunT(t)

	tests := []struct {
		cfg  Config
		want any
	}{
		{Config{CacheDriver: DriverMemory}, &cachestore.Memory{}},
		{Config{CacheDriver: ""}, &cachestore.Memory{}},
		{Config{CacheDriver: DriverFile, CacheDir: filepath.Join(dir, "files")}, &cachestore.File{}},
		{Config{CacheDriver: DriverSQLite, SQLiteDSN: filepath.Join(dir, "cache.db")}, &cachestore.SQLite{}},
		{Config{CacheDriver: DriverRedis, RedisAddr: mr.Addr(), CachePath: "x:"}, &cachestore.Redis{}},
	}
	for _, tt := range tests {
		d, err := tt.cfg.Driver(ctx)
		require.NoError(t, err, tt.cfg.CacheDriver)
		assert.IsType(t, tt.want, d, tt.cfg.CacheDriver)
		if c, ok := d.(interface{ Close() error }); ok {
			assert.NoError(t, c.Close())
		}
	}

	d, err := (&Config{CacheDriver: DriverNone}).Driver(ctx)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestNewFromConfig(t *testing.T) {
	ctx := context.Background()
	dir := writeTemplates(t, map[string]string{"page.html": `{{ $v }}`})
	mr := miniredis.RunT(t)

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	cfg.TemplatePath = []string{dir}
	cfg.CacheDriver = DriverRedis
	cfg.RedisAddr = mr.Addr()
	cfg.Strict = true
	cfg.AutoEscape = true
	cfg.LogLevel = "warn"
	cfg.CacheExpires = 60

	e, err := NewFromConfig(ctx, cfg)
	require.NoError(t, err)
	assert.True(t, e.opts.Strict)
	assert.True(t, e.opts.AutoEscape)
	assert.Equal(t, time.Minute, e.opts.CacheExpires)
	assert.True(t, e.Logger().Core().Enabled(zapcore.WarnLevel))
	assert.False(t, e.Logger().Core().Enabled(zapcore.InfoLevel))

	out, err := e.RenderString(ctx, "page", map[string]any{"v": "<x>"})
	require.NoError(t, err)
	assert.Equal(t, "&lt;x&gt;", out)
	assert.Len(t, mr.Keys(), 1)

	_, err = e.RenderString(ctx, "page", nil)
	var ee *EvaluationError
	assert.ErrorAs(t, err, &ee)

	require.NoError(t, e.Close())

	t.Run("cache off", func(t *testing.T) {
		cfg := *cfg
		cfg.CacheDriver = DriverNone
		e, err := NewFromConfig(ctx, &cfg)
		require.NoError(t, err)
		assert.Nil(t, e.Cache())
		assert.NoError(t, e.Close())
	})

	t.Run("unreachable redis", func(t *testing.T) {
		cfg := *cfg
		cfg.RedisAddr = "127.0.0.1:1"
		_, err := NewFromConfig(ctx, &cfg)
		assert.ErrorContains(t, err, `cache driver "redis"`)
	})

	t.Run("watching", func(t *testing.T) {
		cfg := *cfg
		cfg.CacheDriver = DriverMemory
		cfg.Watch = true
		e, err := NewFromConfig(ctx, &cfg)
		require.NoError(t, err)
		require.NotNil(t, e.watcher)
		assert.NoError(t, e.Close())
		assert.NoError(t, e.Close())
	})
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger("debug", "json")
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))

	l, err = NewLogger("", "")
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, l.Core().Enabled(zapcore.InfoLevel))

	_, err = NewLogger("loud", "console")
	assert.Error(t, err)
	_, err = NewLogger("info", "xml")
	assert.Error(t, err)
}
