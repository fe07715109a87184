// Package cli provides the command-line interface for the ledger.
package cli

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"tradedesk/internal/config"
	"tradedesk/internal/logging"
	"tradedesk/internal/store"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2026-10-01"
)

// App holds the application dependencies. The store is opened on first use
// so that config commands work without touching the data directory.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	ledger *store.SQLiteStore
}

// Ledger opens the store on first call and returns it.
func (a *App) Ledger(ctx context.Context) (*store.SQLiteStore, error) {
	if a.ledger != nil {
		return a.ledger, nil
	}
	if a.Config == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	opts := a.Config.StoreOptions()
	logger := a.Logger
	opts.Logger = &logger
	s, err := store.Open(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	a.ledger = s
	return s, nil
}

// Close flushes and closes the store if it was opened.
func (a *App) Close() error {
	if a.ledger == nil {
		return nil
	}
	err := a.ledger.Close()
	a.ledger = nil
	return err
}

// NewRootCmd creates the root command for the CLI. Configuration is loaded
// from --config before any subcommand runs.
func NewRootCmd(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tradedesk",
		Short: "TradeDesk ledger - local ledger and agent memory store",
		Long: `TradeDesk keeps the trading assistant's ledger, notes and agent memory in a
local SQLite database mirrored to a JSON snapshot.

Use 'tradedesk serve --stdio' to expose the method contract to the desktop shell.
Use 'tradedesk call --list' to see the available methods.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			configDir, _ := cmd.Flags().GetString("config")
			if app.Config == nil {
				cfg, err := config.Load(configDir)
				if err != nil {
					return err
				}
				app.Config = cfg
				app.Logger = logging.NewLoggerWithConfig(cfg.LogConfig())
			}

			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return app.Close()
		},
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/tradedesk)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	addCoreCommands(rootCmd, app)
	addLedgerCommands(rootCmd, app)
	addServiceCommands(rootCmd, app)

	return rootCmd
}

// Execute runs the root command.
func Execute(ctx context.Context, app *App, args []string) error {
	cmd := NewRootCmd(app)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if closeErr := app.Close(); err == nil {
		err = closeErr
	}
	return err
}

// addCoreCommands adds core utility commands.
func addCoreCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("TradeDesk ledger v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate the ledger configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			return showConfig(output, app.Config)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"path": app.Config.Path})
			} else {
				output.Println(app.Config.Path)
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				output.JSON(map[string]bool{"valid": true})
			} else {
				output.Success("Configuration is valid")
			}
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) error {
	output.Bold("Store")
	output.Printf("  Data Dir:        %s\n", cfg.Store.DataDir)
	output.Printf("  Database:        %s\n", cfg.Store.DBFile)
	output.Printf("  Mirror:          %s\n", cfg.Store.MirrorFile)
	output.Printf("  Fallback:        %v\n", cfg.Store.AllowFallback)
	output.Printf("  Reserve Window:  %s\n", cfg.Store.ReserveWindow)
	output.Println()

	output.Bold("Retention")
	output.Printf("  Agent Memory Cap: %s\n", FormatCount(int64(cfg.Retention.AgentMemoryCap)))
	output.Printf("  Non-prunable:    %v\n", cfg.Retention.NonPrunable)
	output.Printf("  Floors:          %v\n", cfg.Retention.Floors)
	output.Printf("  Ceilings:        %v\n", cfg.Retention.Ceilings)
	output.Println()

	output.Bold("Mirror")
	output.Printf("  Enabled:         %v\n", cfg.Mirror.Enabled)
	output.Printf("  Debounce:        %s\n", cfg.Mirror.Debounce)
	output.Println()

	output.Bold("Maintenance")
	output.Printf("  Enabled:         %v\n", cfg.Maintenance.Enabled)
	output.Printf("  Archive:         %s (after %s)\n", cfg.Maintenance.ArchiveSpec, FormatDuration(cfg.Maintenance.ArchiveAfter))
	output.Printf("  Prune Cache:     %s\n", cfg.Maintenance.PruneSpec)
	output.Printf("  Checkpoint:      %s\n", cfg.Maintenance.CheckpointSpec)
	output.Println()

	output.Bold("Logging")
	output.Printf("  Level:           %s\n", cfg.Logging.Level)
	output.Printf("  File:            %v (%s)\n", cfg.Logging.File, cfg.Logging.FilePath)

	return nil
}
