package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var renderCmd = &cobra.Command{
	Use:   "render <name>",
	Short: "Render a template to stdout",
	Long: `Render a template with data read from a YAML or JSON file.

Examples:
  stencil render page
  stencil render emails/welcome --data user.json`,
	Args: cobra.ExactArgs(1),
	RunE: runRender,
}

var renderData string

func init() {
	rootCmd.AddCommand(renderCmd)
	renderCmd.Flags().StringVarP(&renderData, "data", "d", "", "YAML or JSON file with the render scope")
}

func runRender(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	scope, err := loadData(renderData)
	if err != nil {
		return err
	}
	e, err := newEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()
	return e.Render(ctx, cmd.OutOrStdout(), args[0], scope)
}

// loadData decodes a scope file. JSON input is valid YAML.
func loadData(path string) (map[string]any, error) {
	scope := make(map[string]any)
	if path == "" {
		return scope, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading data file: %w", err)
	}
	if err := yaml.Unmarshal(data, &scope); err != nil {
		return nil, fmt.Errorf("decoding data file %q: %w", path, err)
	}
	return scope, nil
}
