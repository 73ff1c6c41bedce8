package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/raceboard/racewrap/internal/config"
	"github.com/raceboard/racewrap/internal/logging"
	"github.com/raceboard/racewrap/internal/session"
	"github.com/raceboard/racewrap/internal/telemetry"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Version is set at build time.
var Version = "dev"

func main() {
	code, err := run(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if code == 0 {
			code = 1
		}
	}
	os.Exit(code)
}

// app carries the state shared by the root command and its subcommands for one invocation.
type app struct {
	cfg    *config.Config
	stdin  *os.File
	stdout io.Writer
	stderr io.Writer

	sessionID string
	logger    *log.Logger
	closers   []func()
	exitCode  int
}

func run(ctx context.Context, args []string, stdin *os.File, stdout, stderr io.Writer) (int, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return 1, fmt.Errorf("load config: %w", err)
	}

	a := &app{
		cfg:       cfg,
		stdin:     stdin,
		stdout:    stdout,
		stderr:    stderr,
		sessionID: uuid.New().String(),
		logger:    log.New(io.Discard),
	}
	defer a.close()

	cmd := newRootCommand(a)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		return a.exitCode, err
	}
	return a.exitCode, nil
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "racewrap [flags] [--] <command> [args...]",
		Short: "Run an interactive CLI and report each prompt/response turn to Raceboard",
		Long: "racewrap runs an interactive command on a pseudo-terminal, relays everything unchanged " +
			"and reports every inferred prompt/response turn to a Raceboard server.\n\n" +
			"Flags after the command name belong to the command. Use -- to wrap a program named " +
			"like a racewrap subcommand.",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := session.New(cmd.Context(), session.Options{
				Config:  a.cfg,
				Argv:    args,
				Stdin:   a.stdin,
				Stdout:  a.stdout,
				Notices: a.stderr,
				Logger:  a.logger,
				ID:      a.sessionID,
			})
			if err != nil {
				a.exitCode = 1
				return err
			}
			code, err := s.Run(cmd.Context())
			a.exitCode = code
			return err
		},
	}

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.Flags().SetInterspersed(false)

	flags := root.PersistentFlags()
	flags.String("raceboard-cmd", "", "raceboard CLI to invoke (default from config or "+config.EnvRaceboardCommand+")")
	flags.String("server", "", "Raceboard server base URL for health checks")
	flags.String("title-prefix", "", "prefix for race titles")
	flags.Bool("no-health-check", false, "skip the Raceboard server health check")
	flags.Bool("no-raw", false, "leave the real terminal in cooked mode")
	flags.Bool("quiet", false, "suppress race started/completed notices")
	flags.Bool("debug", false, "write debug records to the log file")

	root.AddCommand(
		newDoctorCommand(a),
		newBugreportCommand(a),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if a.cfg == nil {
			return errors.New("config is required")
		}
		if err := applyFlagOverrides(cmd, a.cfg); err != nil {
			return err
		}
		if err := a.cfg.Validate(); err != nil {
			return fmt.Errorf("validate config: %w", err)
		}
		return a.initObservability(cmd)
	}

	return root
}

func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	stringOverrides := []struct {
		name   string
		target *string
	}{
		{"raceboard-cmd", &cfg.RaceboardCommand},
		{"server", &cfg.ServerURL},
		{"title-prefix", &cfg.TitlePrefix},
	}
	for _, override := range stringOverrides {
		if !flags.Changed(override.name) {
			continue
		}
		value, err := flags.GetString(override.name)
		if err != nil {
			return fmt.Errorf("read --%s: %w", override.name, err)
		}
		if override.name == "title-prefix" {
			*override.target = value
			continue
		}
		*override.target = strings.TrimSpace(value)
	}

	boolOverrides := []struct {
		name  string
		apply func(bool)
	}{
		{"no-health-check", func(set bool) { cfg.HealthCheck = !set }},
		{"no-raw", func(set bool) { cfg.RawTerminal = !set }},
		{"quiet", func(set bool) { cfg.Quiet = set }},
		{"debug", func(set bool) {
			if set {
				cfg.LogLevel = "debug"
			}
		}},
	}
	for _, override := range boolOverrides {
		if !flags.Changed(override.name) {
			continue
		}
		value, err := flags.GetBool(override.name)
		if err != nil {
			return fmt.Errorf("read --%s: %w", override.name, err)
		}
		override.apply(value)
	}
	return nil
}

// initObservability opens the session log file, installs tracing when an endpoint is
// configured and starts the root span that turn spans nest under.
func (a *app) initObservability(cmd *cobra.Command) error {
	ctx := cmd.Context()
	runtimeLogger, err := logging.New(ctx,
		logging.WithSessionID(a.sessionID),
		logging.WithLevel(a.cfg.LogLevel),
	)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	a.closers = append(a.closers, func() {
		if closeErr := runtimeLogger.Close(); closeErr != nil {
			fmt.Fprintf(a.stderr, "failed to close logger: %v\n", closeErr)
		}
	})
	a.logger = runtimeLogger.Logger

	shutdown, err := telemetry.Init(ctx, telemetry.Options{Endpoint: a.cfg.OTelEndpoint, Logger: a.logger})
	if err != nil {
		a.logger.Warn("telemetry disabled", "err", err)
	} else {
		a.closers = append(a.closers, shutdown)
	}

	spanCtx, span := otel.Tracer("racewrap").Start(ctx, "racewrap."+cmd.Name(), trace.WithAttributes(
		attribute.String("session_id", a.sessionID),
		attribute.String("version", Version),
	))
	a.closers = append(a.closers, func() { span.End() })
	if spanContext := span.SpanContext(); spanContext.HasTraceID() {
		a.logger = runtimeLogger.WithTraceID(spanContext.TraceID().String()).Logger
	}
	cmd.SetContext(spanCtx)

	a.logger.With("command", cmd.Name(), "version", Version).Debug("command invocation")
	return nil
}

// close runs teardown hooks in reverse registration order.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
