package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/timebridge/timebridge/internal/client"
	"github.com/timebridge/timebridge/internal/config"
	"github.com/timebridge/timebridge/internal/events"
)

var rootCmd = &cobra.Command{
	Use:   "timebridge",
	Short: "Keep Notion timers and Toggl time entries in sync",
	Long: `Timebridge mirrors a "running timer" state between Notion task pages
and Toggl Track time entries. Changes on either side are detected
(webhook on the Notion side, cursor poll on the Toggl side), queued as
idempotent jobs, and applied by a dispatcher.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup()
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if apiClient != nil {
			return apiClient.Close()
		}
		return nil
	},
}

var (
	cfgFile    string
	jsonOutput bool
	verbose    bool

	cfg       *config.Config
	logger    *events.Logger
	apiClient *client.Client
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file path (default searches ., $HOME/.timebridge)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output results as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug logging")
}

func setup() error {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}

	output := os.Stderr
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		output = f
	}
	logger = events.New(level, cfg.Log.Format, output)

	apiClient, err = client.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("init client: %w", err)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
