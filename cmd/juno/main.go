package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ChamsBouzaiene/juno/internal/config"
)

var version = "dev"

// cli holds the state shared by all subcommands.
type cli struct {
	configPath string
	manager    *config.Manager
	cfg        *config.Config
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	c := &cli{}
	rootCmd := &cobra.Command{
		Use:           "juno",
		Short:         "Run coding subagents through an MCP tool server",
		Long:          "Juno executes instructions with a coding subagent (claude, codex, gemini, cursor) exposed as an MCP tool, with retries, rate-limit backoff and progress streaming.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load()
		},
	}
	rootCmd.PersistentFlags().StringVar(&c.configPath, "config", "", "Path to config.yaml (default: $JUNO_CONFIG or the user config dir)")

	rootCmd.AddCommand(newRunCommand(c))
	rootCmd.AddCommand(newServeCommand(c))
	rootCmd.AddCommand(newHistoryCommand(c))
	rootCmd.AddCommand(newStatsCommand(c))
	rootCmd.AddCommand(newEventsCommand(c))
	rootCmd.AddCommand(newConfigCommand(c))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (c *cli) load() error {
	if c.configPath != "" {
		c.manager = config.NewManagerAt(c.configPath)
	} else {
		m, err := config.NewManager()
		if err != nil {
			return err
		}
		c.manager = m
	}
	cfg, err := c.manager.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	c.cfg = cfg
	return nil
}
