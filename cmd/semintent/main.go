// Package main provides the semintent binary entry point.
// Semintent turns natural-language intents into validated tool plans and
// executes them step by step behind circuit breakers and rate limits.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/semintent/config"
	"github.com/c360studio/semintent/plan"
	"github.com/c360studio/semintent/tools"
	"github.com/c360studio/semintent/tools/sim"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "semintent"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func rootCmd() *cobra.Command {
	var flags globalFlags

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Plan execution and reliability engine",
		Long: `Semintent turns natural-language intents into validated tool plans
and runs them one step at a time.

It provides:
- Plan validation against a live tool registry
- Step execution with confirmation gates and reference resolution
- Circuit breakers, rate limits and retries around every tool call
- Failure-driven re-planning with a persistent audit trail`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "text", "Log format (text, json)")

	cmd.AddCommand(
		serveCmd(&flags),
		validateCmd(&flags),
		toolsCmd(),
		configCmd(&flags),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)

	return cmd
}

func serveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(cmd.ErrOrStderr(), flags.logLevel, flags.logFormat)
			slog.SetDefault(logger)

			cfg, err := config.NewLoader(logger).Load(flags.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := NewApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			logger.Info("Semintent ready",
				"version", Version,
				"addr", cfg.Server.Addr,
				"storage", cfg.Storage.Backend,
				"planner", cfg.Planner.Mode)
			return app.Run(ctx)
		},
	}
}

func validateCmd(flags *globalFlags) *cobra.Command {
	var checkFreshness bool

	cmd := &cobra.Command{
		Use:   "validate <plan.json>",
		Short: "Validate a plan file against the built-in tools",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read plan: %w", err)
			}
			res := validatePlanFile(raw, checkFreshness)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if !res.Valid {
				return fmt.Errorf("plan is invalid: %d error(s)", len(res.Errors))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&checkFreshness, "check-freshness", false, "Reject plans whose created_at is outside the freshness window")
	return cmd
}

// validatePlanFile checks raw against the simulated tool set.
func validatePlanFile(raw []byte, checkFreshness bool) plan.Result {
	registry := tools.NewRegistry()
	for _, t := range sim.All() {
		registry.MustRegister(t)
	}
	opts := []plan.Option{
		plan.WithToolLookup(registry),
		plan.WithIrreversibleTools(append(registry.Irreversible(), plan.DefaultIrreversibleTools...)...),
	}
	if !checkFreshness {
		opts = append(opts, plan.WithFreshness(0, 0))
	}
	v := plan.NewValidator(opts...)

	res := v.Validate(raw)
	if res.Valid {
		if errs := v.ValidateToolNames(res.Plan); len(errs) > 0 {
			return plan.Result{Valid: false, Plan: res.Plan, Errors: errs}
		}
	}
	return res
}

func toolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the built-in tools",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			for _, t := range sim.All() {
				def := t.Definition()
				flag := ""
				if def.Irreversible {
					flag = " (requires confirmation)"
				}
				fmt.Fprintf(out, "%-20s %s%s\n", def.Name, def.Description, flag)
			}
		},
	}
}

func configCmd(flags *globalFlags) *cobra.Command {
	var initUser bool

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(cmd.ErrOrStderr(), flags.logLevel, flags.logFormat)
			loader := config.NewLoader(logger)

			if initUser {
				path, err := loader.EnsureUserConfig()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "User config: %s\n", path)
				return nil
			}

			cfg, err := loader.Load(flags.configPath)
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().BoolVar(&initUser, "init", false, "Write a default user config if none exists")
	return cmd
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// run is split out so tests can drive the command tree.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cmd := rootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd.ExecuteContext(ctx)
}
