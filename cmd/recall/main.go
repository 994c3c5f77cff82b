// Package main is the entry point for the recall CLI: it runs the resolution
// service, resolves one-shot questions in process, and reads the turn journal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/normanking/recall/internal/config"
	"github.com/normanking/recall/internal/logging"
)

var (
	version = "0.1.0"
	cfgPath string
	verbose bool
	cfg     *config.Config
	log     *logging.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "recall",
		Short: "recall - conversational audio recall",
		Long: `recall figures out which song, track or piece of media a user means from
text, speech, humming or background audio, asking clarifying questions when
it is not sure.

Run the service:      recall serve
Ask a question:       recall ask "that song that goes na na na hey hey"
Identify a hum:       recall ask --modality hummed-audio --audio hum.pcm
Show a conversation:  recall history <conversation-id>`,
		PersistentPreRunE:  initialize,
		PersistentPostRunE: shutdown,
		SilenceUsage:       true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.recall/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("recall v%s\n", version)
		},
	})
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, styles.err.Render("Error: ")+err.Error())
		os.Exit(1)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// INITIALIZATION
// ═══════════════════════════════════════════════════════════════════════════════

func initialize(cmd *cobra.Command, args []string) error {
	var err error
	if cfgPath != "" {
		cfg, err = config.LoadFromPath(cfgPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logCfg := &logging.Config{
		Level:    cfg.Logging.Level,
		FilePath: cfg.Logging.File,
		Console:  cfg.Logging.Console,
		Colored:  true,
	}
	if verbose {
		logCfg.Level = "debug"
		logCfg.ShowCaller = true
	}
	// One-shot commands keep stderr quiet unless asked.
	if cmd.Name() != "serve" && !verbose {
		logCfg.Console = false
	}

	log, err = logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	log.Debug().Str("config", getConfigPath()).Str("command", cmd.Name()).Msg("[CLI] session started")
	return nil
}

func shutdown(cmd *cobra.Command, args []string) error {
	return log.Close()
}

// getConfigPath returns the config file path in use.
func getConfigPath() string {
	if cfgPath != "" {
		return cfgPath
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".recall", "config.yaml")
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
