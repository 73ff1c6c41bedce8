// Package turn infers prompt/response turns from the byte streams of a wrapped program and
// reports their lifecycle to a tracker.
package turn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/raceboard/racewrap/internal/classify"
	"github.com/raceboard/racewrap/internal/progress"
	"github.com/raceboard/racewrap/internal/telemetry"
	"github.com/raceboard/racewrap/internal/telemetry/invariants"
)

// Phase is the state of the turn machine.
type Phase string

const (
	// PhaseIdle means no turn is open.
	PhaseIdle Phase = "idle"
	// PhaseAwaitingResponse means a prompt was submitted and its response is accumulating.
	PhaseAwaitingResponse Phase = "awaiting_response"
)

const (
	defaultTitlePrefix   = "Codex: "
	defaultPreviewLength = 50
	// maxLineBytes bounds the unterminated output tail.
	maxLineBytes = 64 * 1024
)

// Tracker records turns in the external progress-tracking service.
type Tracker interface {
	Start(ctx context.Context, prompt string, title string, eta time.Duration) (string, error)
	Complete(ctx context.Context, turnID string, exitCode int, message string) error
}

// Launcher starts a background progress task bound to one turn.
type Launcher interface {
	Launch(turnID string, current progress.CurrentFunc)
}

// Notifier surfaces turn lifecycle to the operator.
type Notifier interface {
	TurnStarted(turnID string, title string)
	TurnCompleted(turnID string, responseLength int)
	Warn(message string)
}

// Config controls how turns are titled and estimated. TitlePrefix is used verbatim, so an
// empty prefix titles turns with the preview alone.
type Config struct {
	TitlePrefix   string
	PreviewLength int
	ETA           time.Duration
}

// DefaultConfig returns the codex titling and estimate defaults.
func DefaultConfig() Config {
	return Config{
		TitlePrefix:   defaultTitlePrefix,
		PreviewLength: defaultPreviewLength,
		ETA:           progress.DefaultETA,
	}
}

// Machine is the turn state machine. Input and Output must be called from one goroutine;
// CurrentTurn may be read from any goroutine.
type Machine struct {
	tracker  Tracker
	launcher Launcher
	notifier Notifier
	logger   *log.Logger

	titlePrefix   string
	previewLength int
	eta           time.Duration

	phase    Phase
	current  atomic.Value
	pending  []byte
	response strings.Builder
	span     *telemetry.TurnSpan

	line        []byte
	tailHandled bool
}

// Option customizes a Machine.
type Option func(*Machine)

// WithLauncher attaches the progress task launcher.
func WithLauncher(launcher Launcher) Option {
	return func(m *Machine) {
		if launcher != nil {
			m.launcher = launcher
		}
	}
}

// WithNotifier attaches the operator notifier.
func WithNotifier(notifier Notifier) Option {
	return func(m *Machine) {
		if notifier != nil {
			m.notifier = notifier
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *log.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewMachine builds an idle machine reporting to tracker.
func NewMachine(tracker Tracker, cfg Config, options ...Option) (*Machine, error) {
	if tracker == nil {
		return nil, errors.New("turn tracker is required")
	}
	if cfg.PreviewLength <= 0 {
		cfg.PreviewLength = defaultPreviewLength
	}
	if cfg.ETA <= 0 {
		cfg.ETA = progress.DefaultETA
	}

	m := &Machine{
		tracker:       tracker,
		launcher:      noopLauncher{},
		notifier:      noopNotifier{},
		logger:        log.New(io.Discard),
		titlePrefix:   cfg.TitlePrefix,
		previewLength: cfg.PreviewLength,
		eta:           cfg.ETA,
		phase:         PhaseIdle,
	}
	m.current.Store("")
	for _, option := range options {
		if option != nil {
			option(m)
		}
	}
	return m, nil
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	return m.phase
}

// CurrentTurn returns the identifier of the open turn, or "" when none is being reported.
func (m *Machine) CurrentTurn() string {
	id, _ := m.current.Load().(string)
	return id
}

// PendingPrompt returns the input typed since the last submission.
func (m *Machine) PendingPrompt() string {
	return sanitizeInput(m.pending)
}

// Response returns the response text accumulated for the open turn.
func (m *Machine) Response() string {
	return m.response.String()
}

// Input consumes bytes typed by the user. A carriage return or newline submits the pending
// prompt; bytes before the terminator belong to that prompt.
func (m *Machine) Input(ctx context.Context, chunk []byte) {
	for _, b := range chunk {
		switch b {
		case '\r', '\n':
			m.submit(ctx)
		case 0x7f, '\b':
			m.pending = dropLastRune(m.pending)
		case 0x03, 0x15:
			m.pending = m.pending[:0]
		default:
			m.pending = append(m.pending, b)
		}
	}
}

// Output consumes bytes printed by the wrapped program. Lines are assembled across chunks;
// an unterminated tail is checked once against the start-anchored prompt markers because
// prompts are printed without a newline. Response text is kept as decoded, CR included.
func (m *Machine) Output(ctx context.Context, chunk []byte) {
	for len(chunk) > 0 {
		idx := bytes.IndexByte(chunk, '\n')
		if idx < 0 {
			m.line = append(m.line, chunk...)
			break
		}
		m.line = append(m.line, chunk[:idx]...)
		chunk = chunk[idx+1:]
		m.flushLine(ctx)
	}

	if len(m.line) > maxLineBytes {
		m.flushLine(ctx)
		return
	}
	if len(m.line) == 0 || m.tailHandled {
		return
	}
	tail := decode(m.line)
	if classify.IsIdlePromptPrefix(tail) {
		m.tailHandled = true
		m.HandleLine(ctx, tail)
	}
}

// HandleLine applies one complete output line to the machine.
func (m *Machine) HandleLine(ctx context.Context, line string) {
	category := classify.Classify(line)

	if m.phase == PhaseIdle {
		if category == classify.StartsIdlePrompt {
			m.pending = m.pending[:0]
		}
		return
	}

	switch {
	case category == classify.StartsIdlePrompt:
		m.complete(ctx, "idle prompt")
		m.pending = m.pending[:0]
	case classify.EndsResponseLine(line, m.response.Len() > 0):
		m.complete(ctx, "response end")
	default:
		m.response.WriteString(line)
		m.response.WriteByte('\n')
	}
}

// Close completes a turn left open when the session ends.
func (m *Machine) Close(ctx context.Context) {
	if m.phase == PhaseAwaitingResponse {
		m.complete(ctx, "session ended")
	}
}

func (m *Machine) flushLine(ctx context.Context) {
	line := decode(m.line)
	handled := m.tailHandled
	m.line = m.line[:0]
	m.tailHandled = false
	if !handled {
		m.HandleLine(ctx, line)
	}
}

func (m *Machine) submit(ctx context.Context) {
	prompt := strings.TrimSpace(sanitizeInput(m.pending))
	m.pending = m.pending[:0]
	if prompt == "" {
		return
	}
	if m.phase == PhaseAwaitingResponse {
		m.complete(ctx, "superseded by new prompt")
	}
	if err := m.start(ctx, prompt); err != nil {
		m.logger.Warn("turn start not reported", "err", err)
		m.notifier.Warn(fmt.Sprintf("Failed to start race: %v", err))
	}
}

// start opens a turn. The phase changes even when the tracker fails so classification keeps
// running; such a turn simply has no identifier to report against.
func (m *Machine) start(ctx context.Context, prompt string) (err error) {
	title := m.titlePrefix + Preview(prompt, m.previewLength)
	invariants.CheckSingleOpenTurn(ctx, "turn.start", m.CurrentTurn())
	invariants.CheckPhaseTransitionLegal(ctx, "turn.start", string(m.phase), string(PhaseAwaitingResponse), m.phase == PhaseIdle)
	m.phase = PhaseAwaitingResponse
	m.response.Reset()

	spanCtx, span := telemetry.StartTurn(ctx, telemetry.TurnRequest{Title: title, Prompt: prompt, ETA: m.eta})
	m.span = span

	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("start turn: panic: %v", recovered)
		}
		span.RecordError("start", err)
	}()

	id, err := m.tracker.Start(spanCtx, prompt, title, m.eta)
	if err != nil {
		return fmt.Errorf("start turn: %w", err)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("start turn: tracker returned empty turn id")
	}

	m.current.Store(id)
	span.SetTurnID(id)
	m.logger.Info("turn started", "turn_id", id, "title", title)
	m.notifier.TurnStarted(id, title)
	m.launcher.Launch(id, m.CurrentTurn)
	return nil
}

// complete reports the open turn before clearing its identifier, so a progress task bound
// to it sees the turn superseded on its next wake.
func (m *Machine) complete(ctx context.Context, reason string) {
	id := m.CurrentTurn()
	length := m.response.Len()
	invariants.CheckPhaseTransitionLegal(ctx, "turn.complete", string(m.phase), string(PhaseIdle), m.phase == PhaseAwaitingResponse)

	if id != "" {
		message := fmt.Sprintf("Response length: %d chars", length)
		if err := m.tracker.Complete(ctx, id, 0, message); err != nil {
			m.logger.Warn("turn completion not reported", "turn_id", id, "err", err)
			m.span.RecordError("complete", err)
		} else {
			m.logger.Info("turn completed", "turn_id", id, "reason", reason, "response_bytes", length)
		}
		m.notifier.TurnCompleted(id, length)
	}

	m.span.End(reason, m.response.String())
	m.span = nil
	m.current.Store("")
	m.phase = PhaseIdle
	m.response.Reset()
}

type noopLauncher struct{}

func (noopLauncher) Launch(string, progress.CurrentFunc) {}

type noopNotifier struct{}

func (noopNotifier) TurnStarted(string, string) {}

func (noopNotifier) TurnCompleted(string, int) {}

func (noopNotifier) Warn(string) {}
