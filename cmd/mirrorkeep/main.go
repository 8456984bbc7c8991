// Package main is the MirrorKeep command line interface.
package main

import (
	"context"
	"os"
	"runtime/debug"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/mirrorkeep/mirrorkeep/pkg/config"
	mlog "github.com/mirrorkeep/mirrorkeep/pkg/log"
	"github.com/mirrorkeep/mirrorkeep/pkg/version"
)

var (
	rootCmd = &cobra.Command{
		Use:          "mirrorkeep",
		Short:        "Mirror upstream Git repositories into Gitea",
		Long:         "MirrorKeep continuously mirrors a curated set of upstream Git repositories into a self-hosted Gitea server.",
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.AddCommand(
		serveCmd,
		manCmd,
	)

	rootCmd.CompletionOptions.HiddenDefaultCmd = true

	if len(version.CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + version.CommitSHA[0:7] + ")\n")
	}
	if version.Version == "" {
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Sum != "" {
			version.Version = info.Main.Version
		} else {
			version.Version = "unknown (built from source)"
		}
	}
	rootCmd.Version = version.Version
}

func main() {
	ctx := context.Background()

	cfg := config.DefaultConfig()
	if cfg.Exist() {
		if err := cfg.ParseFile(); err != nil {
			log.Fatal("parse config", "err", err)
		}
	}
	if err := cfg.ParseEnv(); err != nil {
		log.Fatal("parse environment", "err", err)
	}

	ctx = config.WithContext(ctx, cfg)

	logger, f, err := mlog.NewLogger(cfg)
	if err != nil {
		log.Errorf("error creating logger: %v", err)
	}

	if f != nil {
		defer f.Close() // nolint: errcheck
	}

	// Set global logger
	log.SetDefault(logger)

	// Set the max number of processes to the number of CPUs
	// This is useful when running mirrorkeep in a container
	if _, err := maxprocs.Set(maxprocs.Logger(log.Debugf)); err != nil {
		log.Warn("couldn't set automaxprocs", "error", err)
	}

	ctx = log.WithContext(ctx, logger)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
