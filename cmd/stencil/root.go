package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oarkflow/stencil"
)

var (
	cfgFile string
	v       = stencil.NewViper()
)

var rootCmd = &cobra.Command{
	Use:   "stencil",
	Short: "Compile and render stencil templates",
	Long: `stencil compiles templates into cached bundles and renders them.

Configuration is read from --config (or STENCIL_CONFIG_FILE), then
STENCIL_* environment variables, then flags.

Examples:
  stencil render page --data page.yaml
  stencil compile layouts/base
  stencil watch --template-path ./views`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	flags.StringSlice("template-path", []string{"."}, "template search directories")
	flags.StringSlice("suffix", []string{".html", ".tpl"}, "template file suffixes")
	flags.String("cache-driver", stencil.DriverMemory, "cache driver (memory, file, redis, sqlite, none)")
	flags.Bool("strict", false, "fail on evaluation errors")
	flags.Bool("autoescape", false, "HTML-escape emitted values")
	flags.String("macro-mode", "control_flow", "macro compilation mode (control_flow, full)")
	flags.StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "console", "log format (console, json)")

	for key, flag := range map[string]string{
		"template_path": "template-path",
		"suffix":        "suffix",
		"cache_driver":  "cache-driver",
		"strict":        "strict",
		"autoescape":    "autoescape",
		"macro_mode":    "macro-mode",
		"log_level":     "log-level",
		"log_format":    "log-format",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}
}

func initConfig() {
	if cfgFile == "" {
		cfgFile = os.Getenv("STENCIL_CONFIG_FILE")
	}
	if cfgFile == "" {
		return
	}
	v.SetConfigFile(cfgFile)
	if err := v.ReadInConfig(); err != nil {
		fmt.Fprintln(os.Stderr, "reading config:", err)
		os.Exit(1)
	}
}

// newEngine builds an engine from the merged configuration.
func newEngine(ctx context.Context) (*stencil.Engine, error) {
	cfg, err := stencil.ConfigFromViper(v)
	if err != nil {
		return nil, err
	}
	// The watch command runs its own watcher.
	cfg.Watch = false
	e, err := stencil.NewFromConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}
	return e, nil
}
