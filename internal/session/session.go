// Package session composes one wrapped run: preflight, PTY relay, turn inference,
// progress reporting and teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/raceboard/racewrap/internal/config"
	"github.com/raceboard/racewrap/internal/doctor"
	"github.com/raceboard/racewrap/internal/notify"
	"github.com/raceboard/racewrap/internal/progress"
	"github.com/raceboard/racewrap/internal/raceboard"
	"github.com/raceboard/racewrap/internal/relay"
	"github.com/raceboard/racewrap/internal/turn"
)

// Client is the Raceboard surface a session uses.
type Client interface {
	turn.Tracker
	progress.Updater
	doctor.HealthChecker
}

// Options configures New.
type Options struct {
	Config *config.Config
	Argv   []string
	Stdin  *os.File
	// Stdout receives the wrapped program's output unchanged.
	Stdout io.Writer
	// Notices receives operator notices, normally stderr.
	Notices io.Writer
	Logger  *log.Logger
	// Client overrides the Raceboard client built from Config.
	Client Client
	// ID overrides the generated session identifier.
	ID string
}

// Session is the context object for one wrapped run. It implements relay.Tap.
type Session struct {
	id         string
	argv       []string
	logger     *log.Logger
	notifier   *notify.Notifier
	preflight  *doctor.Manager
	machine    *turn.Machine
	supervisor *progress.Supervisor
	relay      *relay.Relay
}

// New wires every component of a session. It performs no I/O.
func New(ctx context.Context, opts Options) (*Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(opts.Argv) == 0 || opts.Argv[0] == "" {
		return nil, errors.New("command to wrap is required")
	}
	cfg := config.Defaults()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Notices == nil {
		opts.Notices = os.Stderr
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	logger = logger.With("session_id", id)

	client := opts.Client
	if client == nil {
		built, err := raceboard.NewClient(raceboard.Options{
			Command:   cfg.RaceboardCommand,
			ServerURL: cfg.ServerURL,
			Timeout:   cfg.CommandTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("create raceboard client: %w", err)
		}
		client = built
	}

	preflight, err := doctor.NewManager(client, doctor.Config{
		Program:          opts.Argv[0],
		RaceboardCommand: cfg.RaceboardCommand,
		ServerURL:        cfg.ServerURL,
		HealthCheck:      cfg.HealthCheck,
	})
	if err != nil {
		return nil, fmt.Errorf("create preflight: %w", err)
	}

	reporter, err := progress.NewReporter(client, progress.Config{
		Interval: cfg.ProgressInterval,
		ETA:      cfg.ETA,
		Ceiling:  cfg.SafetyCeiling,
	}, logger.WithPrefix("progress"))
	if err != nil {
		return nil, fmt.Errorf("create progress reporter: %w", err)
	}
	supervisor := progress.NewSupervisor(ctx, reporter)

	notifier := notify.New(opts.Notices, cfg.Quiet)
	machine, err := turn.NewMachine(client, turn.Config{
		TitlePrefix:   cfg.TitlePrefix,
		PreviewLength: cfg.PreviewLength,
		ETA:           cfg.ETA,
	},
		turn.WithLauncher(supervisor),
		turn.WithNotifier(notifier),
		turn.WithLogger(logger.WithPrefix("turn")),
	)
	if err != nil {
		return nil, fmt.Errorf("create turn machine: %w", err)
	}

	s := &Session{
		id:         id,
		argv:       append([]string{}, opts.Argv...),
		logger:     logger,
		notifier:   notifier,
		preflight:  preflight,
		machine:    machine,
		supervisor: supervisor,
	}
	s.relay, err = relay.New(opts.Stdin, opts.Stdout, s, relay.Config{
		PollTimeout: cfg.PollTimeout,
		ChunkSize:   cfg.ChunkSize,
		RawTerminal: cfg.RawTerminal,
	}, logger.WithPrefix("relay"))
	if err != nil {
		return nil, fmt.Errorf("create relay: %w", err)
	}
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Machine exposes the turn machine for inspection.
func (s *Session) Machine() *turn.Machine {
	return s.machine
}

// Run performs the preflight, relays until the wrapped program exits and returns its exit
// code. Preflight problems are shown as warnings and never stop the run.
func (s *Session) Run(ctx context.Context) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.logger.Info("session starting", "argv", s.argv)

	report := s.preflight.RunOnce(ctx)
	for _, warning := range report.Warnings() {
		s.logger.Warn("preflight", "warning", warning)
		s.notifier.Warn(warning)
	}

	code, err := s.relay.Run(ctx, s.argv)
	if err != nil {
		// The relay never started, so Close was not called through the tap.
		s.stopReporters()
		return code, fmt.Errorf("run %s: %w", s.argv[0], err)
	}
	s.logger.Info("session finished", "exit_code", code)
	return code, nil
}

// Input feeds keystrokes to the turn machine.
func (s *Session) Input(ctx context.Context, p []byte) {
	s.machine.Input(ctx, p)
}

// Output feeds program output to the turn machine.
func (s *Session) Output(ctx context.Context, p []byte) {
	s.machine.Output(ctx, p)
}

// Close force-completes an open turn, then cancels and awaits every progress reporter.
func (s *Session) Close(ctx context.Context) {
	s.machine.Close(ctx)
	s.stopReporters()
}

func (s *Session) stopReporters() {
	if err := s.supervisor.Stop(); err != nil {
		s.logger.Error("progress reporter failed", "err", err)
	}
}
