// Package main provides the examgate binary entry point.
// Examgate is an inference gateway that routes exam questions to workflow
// executors with knowledge-base planning and output validation.
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

	"github.com/c360studio/examgate/config"
	"github.com/c360studio/examgate/knowledge"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "examgate"
)

func main() {
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
		Short: "Exam question inference gateway",
		Long: `Examgate accepts exam questions over HTTP, classifies them into
sub-types, plans knowledge-base retrieval and runs them on remote
workflows, falling back to an offline provider when the executor is
unavailable. Progress is streamed to clients over Server-Sent Events.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags)
		},
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "text", "Log format (text, json)")

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags)
		},
	})

	var failFast bool
	checkCmd := &cobra.Command{
		Use:   "check-kb",
		Short: "Validate knowledge mappings against the registry and scenarios",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckKB(cmd.OutOrStdout(), flags, failFast)
		},
	}
	checkCmd.Flags().BoolVar(&failFast, "fail-fast", false, "Fail on an unreadable registry file")
	cmd.AddCommand(checkCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

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
	if strings.ToLower(format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func loadConfig(flags globalFlags, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.NewLoader(logger, config.WithConfigFile(flags.configPath)).Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func runServe(ctx context.Context, flags globalFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := newLogger(os.Stderr, flags.logLevel, flags.logFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(flags, logger)
	if err != nil {
		return err
	}

	app, err := NewApp(cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	logger.Info("Examgate ready",
		"version", Version,
		"addr", cfg.Server.Addr,
		"env", cfg.Server.Env,
		"scenarios", app.scenarios.Count(),
		"upstream_configured", cfg.Upstream.Configured())

	return app.Run(signalCtx)
}

func runCheckKB(out io.Writer, flags globalFlags, failFast bool) error {
	logger := newLogger(os.Stderr, flags.logLevel, flags.logFormat)

	cfg, err := loadConfig(flags, logger)
	if err != nil {
		return err
	}
	if failFast {
		cfg.Knowledge.FailFast = true
	}

	res, err := loadResources(cfg, logger, false)
	if err != nil {
		return err
	}
	report := res.check(cfg)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if !report.OK() {
		return fmt.Errorf("knowledge check failed: %s", summarize(report))
	}
	return nil
}

func summarize(r knowledge.Report) string {
	parts := make([]string, 0, 3)
	if r.Registry.LoadError != nil {
		parts = append(parts, "registry "+r.Registry.LoadError.Reason)
	}
	if n := len(r.MappingErrors); n > 0 {
		parts = append(parts, fmt.Sprintf("%d mapping load errors", n))
	}
	if n := len(r.Issues); n > 0 {
		parts = append(parts, fmt.Sprintf("%d issues", n))
	}
	return strings.Join(parts, ", ")
}
