package stencil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/oarkflow/stencil/cachestore"
)

// ----------------------------- Configuration --------------------------------

// Config is the file/env form of the engine options.
type Config struct {
	TemplatePath      []string `mapstructure:"template_path" yaml:"template_path"`
	Suffix            []string `mapstructure:"suffix" yaml:"suffix"`
	Cache             bool     `mapstructure:"cache" yaml:"cache"`
	CachePath         string   `mapstructure:"cache_path" yaml:"cache_path"`
	CacheExpires      int      `mapstructure:"cache_expires" yaml:"cache_expires"`
	CacheDriver       string   `mapstructure:"cache_driver" yaml:"cache_driver"`
	CacheDir          string   `mapstructure:"cache_dir" yaml:"cache_dir"`
	RedisAddr         string   `mapstructure:"redis_addr" yaml:"redis_addr"`
	SQLiteDSN         string   `mapstructure:"sqlite_dsn" yaml:"sqlite_dsn"`
	Strict            bool     `mapstructure:"strict" yaml:"strict"`
	AutoEscape        bool     `mapstructure:"autoescape" yaml:"autoescape"`
	MacroMode         string   `mapstructure:"macro_mode" yaml:"macro_mode"`
	MaxDepth          int      `mapstructure:"max_depth" yaml:"max_depth"`
	TrackDependencies bool     `mapstructure:"track_dependencies" yaml:"track_dependencies"`
	LogLevel          string   `mapstructure:"log_level" yaml:"log_level"`
	LogFormat         string   `mapstructure:"log_format" yaml:"log_format"`
	Watch             bool     `mapstructure:"watch" yaml:"watch"`
}

// Cache driver names accepted by Config.CacheDriver.
const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverRedis  = "redis"
	DriverSQLite = "sqlite"
	DriverNone   = "none"
)

// NewViper returns a viper instance carrying the config defaults and the
// STENCIL_ environment binding.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("template_path", []string{"."})
	v.SetDefault("suffix", []string{".html", ".tpl"})
	v.SetDefault("cache", true)
	v.SetDefault("cache_path", "stencil:")
	v.SetDefault("cache_expires", 0)
	v.SetDefault("cache_driver", DriverMemory)
	v.SetDefault("cache_dir", ".stencil-cache")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("sqlite_dsn", "stencil-cache.db")
	v.SetDefault("strict", false)
	v.SetDefault("autoescape", false)
	v.SetDefault("macro_mode", "control_flow")
	v.SetDefault("max_depth", defaultMaxDepth)
	v.SetDefault("track_dependencies", true)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("watch", false)

	v.SetEnvPrefix("STENCIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig reads path (yaml, json or toml) with STENCIL_ environment
// overrides. An empty path loads defaults and environment only.
func LoadConfig(path string) (*Config, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %q: %w", path, err)
		}
	}
	return ConfigFromViper(v)
}

// ConfigFromViper decodes an already populated viper instance.
func ConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	// Comma separated env values arrive as one element or split untrimmed.
	cfg.TemplatePath = splitList(strings.Join(cfg.TemplatePath, ","))
	cfg.Suffix = splitList(strings.Join(cfg.Suffix, ","))
	if len(cfg.TemplatePath) == 0 {
		cfg.TemplatePath = []string{"."}
	}
	if len(cfg.Suffix) == 0 {
		cfg.Suffix = []string{".html", ".tpl"}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = fastTrim(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks enumerated and numeric fields.
func (c *Config) Validate() error {
	var errs []error
	switch c.CacheDriver {
	case DriverMemory, DriverFile, DriverRedis, DriverSQLite, DriverNone, "":
	default:
		errs = append(errs, fmt.Errorf("unknown cache_driver %q", c.CacheDriver))
	}
	if _, err := ParseMacroMode(c.MacroMode); err != nil {
		errs = append(errs, err)
	}
	if c.MaxDepth < 0 {
		errs = append(errs, fmt.Errorf("max_depth must not be negative, got %d", c.MaxDepth))
	}
	if c.CacheExpires < 0 {
		errs = append(errs, fmt.Errorf("cache_expires must not be negative, got %d", c.CacheExpires))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); c.LogLevel != "" && err != nil {
		errs = append(errs, fmt.Errorf("invalid log_level %q", c.LogLevel))
	}
	switch c.LogFormat {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid log_format %q", c.LogFormat))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Driver builds the configured cache driver. It returns nil for "none".
func (c *Config) Driver(ctx context.Context) (Driver, error) {
	expires := time.Duration(c.CacheExpires) * time.Second
	switch c.CacheDriver {
	case DriverNone:
		return nil, nil
	case DriverFile:
		return cachestore.NewFile(c.CacheDir)
	case DriverRedis:
		return cachestore.DialRedis(ctx, c.RedisAddr, c.CachePath)
	case DriverSQLite:
		return cachestore.NewSQLite(c.SQLiteDSN)
	default:
		if expires <= 0 {
			expires = -1
		}
		return cachestore.NewMemory(expires, 10*time.Minute), nil
	}
}

// Options converts the config into engine options, including a logger and
// the cache driver.
func (c *Config) Options(ctx context.Context) ([]Option, error) {
	mode, err := ParseMacroMode(c.MacroMode)
	if err != nil {
		return nil, err
	}
	logger, err := NewLogger(c.LogLevel, c.LogFormat)
	if err != nil {
		return nil, err
	}
	opts := []Option{
		WithTemplatePath(c.TemplatePath...),
		WithSuffix(c.Suffix...),
		WithCache(c.Cache && c.CacheDriver != DriverNone),
		WithCachePath(c.CachePath),
		WithCacheExpires(time.Duration(c.CacheExpires) * time.Second),
		WithStrict(c.Strict),
		WithAutoEscape(c.AutoEscape),
		WithMacroMode(mode),
		WithMaxDepth(c.MaxDepth),
		WithTrackDependencies(c.TrackDependencies),
		WithLogger(logger),
	}
	if c.Cache {
		driver, err := c.Driver(ctx)
		if err != nil {
			return nil, fmt.Errorf("cache driver %q: %w", c.CacheDriver, err)
		}
		if driver != nil {
			opts = append(opts, WithCacheDriver(driver))
		}
	}
	return opts, nil
}

// NewFromConfig builds an engine from cfg. extra options apply last. With
// Watch set, changed templates are recompiled in the background until Close.
func NewFromConfig(ctx context.Context, cfg *Config, extra ...Option) (*Engine, error) {
	opts, err := cfg.Options(ctx)
	if err != nil {
		return nil, err
	}
	e, err := New(append(opts, extra...)...)
	if err != nil {
		return nil, err
	}
	if cfg.Watch {
		w, err := e.NewWatcher()
		if err != nil {
			e.Close()
			return nil, err
		}
		w.Start(context.WithoutCancel(ctx))
		e.watcher = w
	}
	return e, nil
}

// Close stops the background watcher and releases the cache driver when it
// holds a connection or file handle.
func (e *Engine) Close() error {
	var errs []error
	if e.watcher != nil {
		errs = append(errs, e.watcher.Stop())
	}
	if c, ok := e.opts.CacheDriver.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// ----------------------------- Logging --------------------------------------

// NewLogger builds a zap logger writing to stderr. format is "console" or
// "json"; level is any zap level name.
func NewLogger(level, format string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		var err error
		if lvl, err = zapcore.ParseLevel(level); err != nil {
			return nil, fmt.Errorf("log level %q: %w", level, err)
		}
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.RFC3339TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	var encoder zapcore.Encoder
	switch format {
	case "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	case "", "console":
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return nil, fmt.Errorf("log format %q: want console or json", format)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), lvl)
	return zap.New(core).Named("stencil"), nil
}
