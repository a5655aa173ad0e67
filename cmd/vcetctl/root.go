package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vcetai/vcet-assist/internal/wire"
	"github.com/vcetai/vcet-assist/pkg/config"
)

var (
	envFile string
	verbose bool

	cfg    config.Config
	logger *slog.Logger
)

// Seams replaced in tests.
var (
	buildApp   = wire.Build
	buildIndex = wire.Index
)

var rootCmd = &cobra.Command{
	Use:          "vcetctl",
	Short:        "VCET Assist command-line tools",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var files []string
		if envFile != "" {
			files = append(files, envFile)
		}
		c, err := config.Load(files...)
		if err != nil {
			return err
		}
		cfg = c

		level := slog.LevelWarn
		if verbose {
			level = c.SlogLevel()
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load (default .env)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at the configured level instead of warnings only")
}
