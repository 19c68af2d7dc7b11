package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/isdmx/execbox/logger"
	"github.com/isdmx/execbox/sandbox"
)

var pullCmd = &cobra.Command{
	Use:   "pull [image...]",
	Short: "Pull sandbox images ahead of time",
	Long: `Make sure sandbox images are present on the container engine. Without
arguments every configured language image and the terminal default image are
pulled. Images already present are only recorded in the image cache file.

Examples:
  execbox pull
  execbox pull python:3.10-alpine`,
	RunE: runPull,
}

func init() {
	rootCmd.AddCommand(pullCmd)
}

func runPull(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := logger.NewFromConfig(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	images := args
	if len(images) == 0 {
		profiles, err := sandbox.NewProfileTable(cfg.Languages)
		if err != nil {
			return err
		}
		images = append(profiles.Images(), cfg.Terminal.DefaultImage)
	}

	rt, err := sandbox.NewRuntime(log, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()
	registry := newRegistry(log, cfg, rt, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var errs error
	seen := make(map[string]bool, len(images))
	for _, image := range images {
		if image == "" || seen[image] {
			continue
		}
		seen[image] = true

		if err := registry.Ensure(ctx, image); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", image, err)
			errs = multierr.Append(errs, err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ready\n", image)
	}
	return errs
}
