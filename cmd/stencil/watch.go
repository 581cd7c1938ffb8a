package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch [name]...",
	Short: "Recompile templates into the cache as they change",
	Long: `Watch the template path and recompile changed templates, along with
every template that extends, includes or imports them.

Examples:
  stencil watch
  stencil watch page layouts/base --cache-driver redis`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := newEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	w, err := e.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Stop()

	out := cmd.OutOrStdout()
	w.AddCallback(func(name string, err error) {
		if err != nil {
			fmt.Fprintf(out, "%s: %v\n", name, err)
			return
		}
		fmt.Fprintf(out, "%s: compiled\n", name)
	})
	w.Start(ctx, args...)

	<-ctx.Done()
	if ctx.Err() == context.Canceled {
		return nil
	}
	return ctx.Err()
}
