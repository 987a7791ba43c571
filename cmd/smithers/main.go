package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/mpataki/smithers/internal/config"
	"github.com/mpataki/smithers/internal/jsonval"
	"github.com/mpataki/smithers/internal/orchestrator"
	"github.com/mpataki/smithers/internal/telemetry"
	"github.com/mpataki/smithers/internal/tui"
)

// cli holds the state shared by every command of one invocation.
type cli struct {
	cfg      *config.Config
	logger   *slog.Logger
	provider *telemetry.Provider

	dbPath    string
	logLevel  string
	logFormat string
	jsonOut   bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := &cli{}
	rootCmd := &cobra.Command{
		Use:           "smithers",
		Short:         "Durable coordination for autonomous coding agents",
		Long:          "Smithers records workflow executions, shared state, the build-fix lease, the VCS queue and the ticket backlog in one SQLite database shared by every agent process.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd.Context(), cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return c.teardown()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if !isatty.IsTerminal(os.Stdout.Fd()) {
				return cmd.Help()
			}
			return c.runDashboard(cmd.Context())
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&c.dbPath, "db", "", "database path (overrides SMITHERS_DB_PATH)")
	flags.StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&c.logFormat, "log-format", "", "log format: text or json")
	flags.BoolVar(&c.jsonOut, "json", false, "print JSON (default when stdout is not a terminal)")

	rootCmd.AddCommand(c.newExecCommand())
	rootCmd.AddCommand(c.newStateCommand())
	rootCmd.AddCommand(c.newLeaseCommand())
	rootCmd.AddCommand(c.newVCSCommand())
	rootCmd.AddCommand(c.newTicketsCommand())
	rootCmd.AddCommand(c.newQueryCommand())
	rootCmd.AddCommand(c.newScriptCommand())
	rootCmd.AddCommand(c.newCheckerCommand())
	rootCmd.AddCommand(c.newDashboardCommand())

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func (c *cli) setup(ctx context.Context, cmd *cobra.Command) error {
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if c.dbPath != "" {
		cfg.DBPath = c.dbPath
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}
	if c.logFormat != "" {
		cfg.LogFormat = c.logFormat
	}
	if !cmd.Flags().Changed("json") {
		c.jsonOut = !isatty.IsTerminal(os.Stdout.Fd())
	}
	c.cfg = cfg
	c.logger = telemetry.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(c.logger)

	c.provider, err = telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to init telemetry: %w", err)
	}
	return nil
}

func (c *cli) teardown() error {
	if c.provider == nil {
		return nil
	}
	return c.provider.Shutdown(context.Background())
}

// withOrchestrator opens the store for the duration of fn.
func (c *cli) withOrchestrator(fn func(o *orchestrator.Orchestrator) error) error {
	o, err := orchestrator.Open(c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer o.Close()
	return fn(o)
}

// print writes v as JSON, or calls human when output is for a terminal.
func (c *cli) print(v any, human func()) error {
	if c.jsonOut || human == nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	human()
	return nil
}

// parseJSONArg accepts a JSON document, falling back to a bare string so
// `state set phase review` works without quoting.
func parseJSONArg(s string) jsonval.Value {
	if v, err := jsonval.Parse([]byte(s)); err == nil {
		return v
	}
	return jsonval.StringValue(s)
}

func (c *cli) runDashboard(ctx context.Context) error {
	return c.withOrchestrator(func(o *orchestrator.Orchestrator) error {
		p := tea.NewProgram(tui.NewApp(o), tea.WithAltScreen(), tea.WithContext(ctx))
		_, err := p.Run()
		return err
	})
}

func (c *cli) newDashboardCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Open the live dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runDashboard(cmd.Context())
		},
	}
}
