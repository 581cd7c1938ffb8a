package main

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var compileCmd = &cobra.Command{
	Use:   "compile <name>...",
	Short: "Compile templates and print their bundles",
	Long: `Compile templates, store them in the configured cache and print each
bundle as JSON.

Examples:
  stencil compile page
  stencil compile page --quiet --cache-driver file`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCompile,
}

var (
	compileQuiet bool
	compileData  string
)

func init() {
	rootCmd.AddCommand(compileCmd)
	compileCmd.Flags().BoolVarP(&compileQuiet, "quiet", "q", false, "only warm the cache, print nothing")
	compileCmd.Flags().StringVarP(&compileData, "data", "d", "", "scope visible to preprocess blocks")
}

func runCompile(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	scope, err := loadData(compileData)
	if err != nil {
		return err
	}
	e, err := newEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	if compileQuiet {
		return e.Precompile(ctx, args...)
	}
	for _, name := range args {
		b, err := e.Compile(ctx, name, scope)
		if err != nil {
			return err
		}
		data, err := b.Encode()
		if err != nil {
			return err
		}
		var out bytes.Buffer
		if err := json.Indent(&out, data, "", "  "); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out.String())
	}
	return nil
}
