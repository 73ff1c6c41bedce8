package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/raceboard/racewrap/internal/progress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInputSubmissionStartsOneTurn(t *testing.T) {
	t.Parallel()

	tracker := &fakeTracker{}
	launcher := &fakeLauncher{}
	machine := newTestMachine(t, tracker, WithLauncher(launcher))

	machine.Input(context.Background(), []byte("explain recursion\n"))

	require.Len(t, tracker.starts, 1)
	assert.Equal(t, "explain recursion", tracker.starts[0].prompt)
	assert.Equal(t, "Codex: explain recursion", tracker.starts[0].title)
	assert.Equal(t, 15*time.Second, tracker.starts[0].eta)
	assert.Equal(t, PhaseAwaitingResponse, machine.Phase())
	assert.Equal(t, "race-1", machine.CurrentTurn())
	assert.Empty(t, machine.PendingPrompt())
	assert.Equal(t, []string{"race-1"}, launcher.launched)
}

func TestInputAccumulatesAcrossChunks(t *testing.T) {
	t.Parallel()

	tracker := &fakeTracker{}
	machine := newTestMachine(t, tracker)

	for _, key := range []string{"e", "x", "p", "l", "a", "i", "n"} {
		machine.Input(context.Background(), []byte(key))
	}
	assert.Equal(t, "explain", machine.PendingPrompt())
	assert.Empty(t, tracker.starts)

	machine.Input(context.Background(), []byte("\r"))
	require.Len(t, tracker.starts, 1)
	assert.Equal(t, "explain", tracker.starts[0].prompt)
}

func TestBlankSubmissionStartsNothing(t *testing.T) {
	t.Parallel()

	tracker := &fakeTracker{}
	machine := newTestMachine(t, tracker)

	machine.Input(context.Background(), []byte("\n"))
	machine.Input(context.Background(), []byte("   \r\n"))

	assert.Empty(t, tracker.starts)
	assert.Equal(t, PhaseIdle, machine.Phase())
}

func TestTitlePreviewIsTruncatedTo50Runes(t *testing.T) {
	t.Parallel()

	tracker := &fakeTracker{}
	machine := newTestMachine(t, tracker)

	prompt := strings.Repeat("é", 80)
	machine.Input(context.Background(), []byte(prompt+"\n"))

	require.Len(t, tracker.starts, 1)
	assert.Equal(t, prompt, tracker.starts[0].prompt)
	preview := strings.TrimPrefix(tracker.starts[0].title, "Codex: ")
	assert.Equal(t, strings.Repeat("é", 50), preview)
}

func TestLineEditingKeys(t *testing.T) {
	t.Parallel()

	tracker := &fakeTracker{}
	machine := newTestMachine(t, tracker)

	machine.Input(context.Background(), []byte("helo"))
	machine.Input(context.Background(), []byte{0x7f, 0x7f})
	machine.Input(context.Background(), []byte("llo\x1b[D"))
	assert.Equal(t, "hello", machine.PendingPrompt())

	machine.Input(context.Background(), []byte{0x15})
	assert.Empty(t, machine.PendingPrompt())

	machine.Input(context.Background(), []byte("naïve"))
	machine.Input(context.Background(), []byte{0x7f})
	assert.Equal(t, "naïv", machine.PendingPrompt())
}

func TestOutputCompletesOnReturnToPrompt(t *testing.T) {
	t.Parallel()

	tracker := &fakeTracker{}
	machine := newTestMachine(t, tracker)
	ctx := context.Background()

	machine.Input(ctx, []byte("say hello\n"))
	machine.HandleLine(ctx, "codex> ")
	require.Len(t, tracker.completes, 1, "echoed prompt line closes the turn")

	machine.Input(ctx, []byte("say hello again\n"))
	machine.HandleLine(ctx, "hello world")
	assert.Len(t, tracker.completes, 1)
	machine.HandleLine(ctx, "codex> ")

	require.Len(t, tracker.completes, 2)
	last := tracker.completes[1]
	assert.Equal(t, "race-2", last.id)
	assert.Equal(t, 0, last.exitCode)
	assert.Equal(t, "Response length: 12 chars", last.message)
	assert.Equal(t, PhaseIdle, machine.Phase())
	assert.Empty(t, machine.CurrentTurn())
	assert.Empty(t, machine.Response())
}

func TestPromptLinesWhileOpenIssueExactlyOneComplete(t *testing.T) {
	t.Parallel()

	tracker := &fakeTracker{}
	machine := newTestMachine(t, tracker)
	ctx := context.Background()

	machine.Input(ctx, []byte("question\n"))
	tracker.events = nil

	machine.HandleLine(ctx, "hello world")
	assert.Empty(t, tracker.events)
	machine.HandleLine(ctx, "codex> ")
	machine.HandleLine(ctx, "codex> ")

	assert.Equal(t, []string{"complete race-1"}, tracker.events)
}

func TestExplicitCompletionMarkerEndsResponse(t *testing.T) {
	t.Parallel()

	tracker := &fakeTracker{}
	machine := newTestMachine(t, tracker)
	ctx := context.Background()

	machine.Input(ctx, []byte("refactor\n"))
	machine.HandleLine(ctx, "working")
	machine.HandleLine(ctx, "Done. 2 files")

	require.Len(t, tracker.completes, 1)
	assert.Equal(t, "Response length: 8 chars", tracker.completes[0].message)
	assert.Equal(t, PhaseIdle, machine.Phase())
}

func TestEmptyLineAfterContentEndsResponse(t *testing.T) {
	t.Parallel()

	tracker := &fakeTracker{}
	machine := newTestMachine(t, tracker)
	ctx := context.Background()

	machine.Input(ctx, []byte("haiku\n"))
	machine.HandleLine(ctx, "")
	assert.Empty(t, tracker.completes, "blank line before content is response text")

	machine.HandleLine(ctx, "first paragraph")
	machine.HandleLine(ctx, "")
	require.Len(t, tracker.completes, 1)

	machine.HandleLine(ctx, "second paragraph")
	assert.Len(t, tracker.completes, 1, "idle lines are ignored")
}

func TestIdlePromptClearsPendingInput(t *testing.T) {
	t.Parallel()

	tracker := &fakeTracker{}
	machine := newTestMachine(t, tracker)
	ctx := context.Background()

	machine.Input(ctx, []byte("half typed"))
	machine.HandleLine(ctx, "other output")
	assert.Equal(t, "half typed", machine.PendingPrompt())

	machine.HandleLine(ctx, ">>> ")
	assert.Empty(t, machine.PendingPrompt())
	assert.Empty(t, tracker.completes)
}

func TestOutputAssemblesLinesAcrossChunks(t *testing.T) {
	t.Parallel()

	tracker := &fakeTracker{}
	machine := newTestMachine(t, tracker)
	ctx := context.Background()

	machine.Input(ctx, []byte("go\n"))
	machine.Output(ctx, []byte("hel"))
	machine.Output(ctx, []byte("lo wor"))
	machine.Output(ctx, []byte("ld\r\nDo"))
	assert.Empty(t, tracker.completes)
	assert.Equal(t, "hello world\r\n", machine.Response())

	machine.Output(ctx, []byte("ne.\r\n"))
	require.Len(t, tracker.completes, 1)
	assert.Equal(t, "Response length: 13 chars", tracker.completes[0].message)
}

func TestPromptTailWithoutNewlineIsHandledOnce(t *testing.T) {
	t.Parallel()

	tracker := &fakeTracker{}
	machine := newTestMachine(t, tracker)
	ctx := context.Background()

	machine.Input(ctx, []byte("go\n"))
	machine.Output(ctx, []byte("answer\r\ncodex> "))
	require.Len(t, tracker.completes, 1, "prompt tail closes the turn before any newline")

	// Typed keys are echoed onto the prompt line; the submission opens the next turn and
	// the echoed line, once terminated, must not close it again.
	machine.Input(ctx, []byte("n"))
	machine.Output(ctx, []byte("n"))
	machine.Input(ctx, []byte("ext\r"))
	machine.Output(ctx, []byte("ext\r\n"))

	require.Len(t, tracker.starts, 2)
	assert.Equal(t, "next", tracker.starts[1].prompt)
	assert.Len(t, tracker.completes, 1)
	assert.Equal(t, PhaseAwaitingResponse, machine.Phase())
}

func TestTurnBoundariesDoNotDependOnChunking(t *testing.T) {
	t.Parallel()

	output := "Enter the following: export PATH=$HOME/bin\r\nand reload your shell\r\n"
	splits := map[string][]string{
		"whole":        {output},
		"after colon":  {"Enter the following:", output[len("Enter the following:"):]},
		"byte by byte": strings.Split(output, ""),
		"prompt split": {"Enter the", " following:", " export PATH=$HOME/bin\r", "\nand reload your shell\r\n"},
	}

	for name, chunks := range splits {
		name, chunks := name, chunks
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			tracker := &fakeTracker{}
			machine := newTestMachine(t, tracker)
			ctx := context.Background()

			machine.Input(ctx, []byte("how do I fix my path\n"))
			for _, chunk := range chunks {
				machine.Output(ctx, []byte(chunk))
			}

			assert.Empty(t, tracker.completes)
			assert.Equal(t, PhaseAwaitingResponse, machine.Phase())
			assert.Equal(t, output, machine.Response())
		})
	}
}

func TestEndAnchoredPromptClosesTurnOnceLineIsComplete(t *testing.T) {
	t.Parallel()

	tracker := &fakeTracker{}
	machine := newTestMachine(t, tracker)
	ctx := context.Background()

	machine.Input(ctx, []byte("configure\n"))
	machine.Output(ctx, []byte("Enter your name:"))
	assert.Empty(t, tracker.completes, "an end-anchored marker needs the whole line")

	machine.Output(ctx, []byte("\r\n"))
	require.Len(t, tracker.completes, 1)
	assert.Equal(t, PhaseIdle, machine.Phase())
}

func TestResponseLengthCountsDecodedBytes(t *testing.T) {
	t.Parallel()

	tracker := &fakeTracker{}
	machine := newTestMachine(t, tracker)
	ctx := context.Background()

	machine.Input(ctx, []byte("colour\n"))
	machine.Output(ctx, []byte("\x1b[32mok\x1b[0m\r\nDone.\r\n"))

	require.Len(t, tracker.completes, 1)
	want := len("\x1b[32mok\x1b[0m\r\n")
	assert.Equal(t, fmt.Sprintf("Response length: %d chars", want), tracker.completes[0].message)
}

func TestEmptyTitlePrefixIsKept(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.TitlePrefix = ""
	tracker := &fakeTracker{}
	machine, err := NewMachine(tracker, cfg)
	require.NoError(t, err)

	machine.Input(context.Background(), []byte("explain recursion\n"))

	require.Len(t, tracker.starts, 1)
	assert.Equal(t, "explain recursion", tracker.starts[0].title)
}

func TestOutputDecodesInvalidUTF8(t *testing.T) {
	t.Parallel()

	tracker := &fakeTracker{}
	machine := newTestMachine(t, tracker)
	ctx := context.Background()

	machine.Input(ctx, []byte("go\n"))
	machine.Output(ctx, []byte{'o', 'k', 0xff, 0xfe, '\n'})

	assert.True(t, strings.HasPrefix(machine.Response(), "ok"))
	assert.NotContains(t, machine.Response(), string([]byte{0xff}))
}

func TestLongUnterminatedOutputIsFlushed(t *testing.T) {
	t.Parallel()

	tracker := &fakeTracker{}
	machine := newTestMachine(t, tracker)
	ctx := context.Background()

	machine.Input(ctx, []byte("go\n"))
	machine.Output(ctx, []byte(strings.Repeat("x", maxLineBytes+1)))

	assert.Len(t, machine.Response(), maxLineBytes+2)
	assert.Empty(t, machine.line)
}

func TestCloseCompletesOpenTurn(t *testing.T) {
	t.Parallel()

	tracker := &fakeTracker{}
	machine := newTestMachine(t, tracker)
	ctx := context.Background()

	machine.Input(ctx, []byte("long task\n"))
	machine.HandleLine(ctx, "partial")
	machine.Close(ctx)

	require.Len(t, tracker.completes, 1)
	assert.Equal(t, "race-1", tracker.completes[0].id)

	machine.Close(ctx)
	assert.Len(t, tracker.completes, 1, "close is idempotent once idle")
}

func TestStartFailureKeepsClassifyingWithoutEvents(t *testing.T) {
	t.Parallel()

	tracker := &fakeTracker{startErr: errors.New("exit status 1")}
	notifier := &fakeNotifier{}
	launcher := &fakeLauncher{}
	machine := newTestMachine(t, tracker, WithNotifier(notifier), WithLauncher(launcher))
	ctx := context.Background()

	machine.Input(ctx, []byte("prompt\n"))
	assert.Equal(t, PhaseAwaitingResponse, machine.Phase())
	assert.Empty(t, machine.CurrentTurn())
	assert.Empty(t, launcher.launched)
	require.Len(t, notifier.warnings, 1)
	assert.Contains(t, notifier.warnings[0], "exit status 1")

	machine.HandleLine(ctx, "codex> ")
	assert.Empty(t, tracker.completes)
	assert.Equal(t, PhaseIdle, machine.Phase())
}

func TestStartPanicIsContained(t *testing.T) {
	t.Parallel()

	tracker := &fakeTracker{startPanic: true}
	notifier := &fakeNotifier{}
	machine := newTestMachine(t, tracker, WithNotifier(notifier))

	require.NotPanics(t, func() {
		machine.Input(context.Background(), []byte("prompt\n"))
	})
	require.Len(t, notifier.warnings, 1)
	assert.Contains(t, notifier.warnings[0], "panic")
}

func TestEmptyTurnIDIsTreatedAsStartFailure(t *testing.T) {
	t.Parallel()

	tracker := &fakeTracker{blankID: true}
	machine := newTestMachine(t, tracker)

	machine.Input(context.Background(), []byte("prompt\n"))
	assert.Empty(t, machine.CurrentTurn())
	machine.Close(context.Background())
	assert.Empty(t, tracker.completes)
}

func TestNewSubmissionCompletesOpenTurnFirst(t *testing.T) {
	t.Parallel()

	tracker := &fakeTracker{}
	machine := newTestMachine(t, tracker)

	machine.Input(context.Background(), []byte("first\nsecond\n"))

	assert.Equal(t, []string{"start race-1", "complete race-1", "start race-2"}, tracker.events)
	assert.Equal(t, "race-2", machine.CurrentTurn())
}

func TestCompleteFailureStillClearsTurn(t *testing.T) {
	t.Parallel()

	tracker := &fakeTracker{completeErr: errors.New("unreachable")}
	machine := newTestMachine(t, tracker)
	ctx := context.Background()

	machine.Input(ctx, []byte("prompt\n"))
	machine.HandleLine(ctx, "codex> ")

	assert.Equal(t, PhaseIdle, machine.Phase())
	assert.Empty(t, machine.CurrentTurn())
}

func TestCompleteIsReportedBeforeTurnIDIsCleared(t *testing.T) {
	t.Parallel()

	tracker := &fakeTracker{}
	machine := newTestMachine(t, tracker)
	tracker.onComplete = func(id string) {
		assert.Equal(t, id, machine.CurrentTurn())
	}
	ctx := context.Background()

	machine.Input(ctx, []byte("prompt\n"))
	machine.HandleLine(ctx, "codex> ")
	require.Len(t, tracker.completes, 1)
}

func TestNewMachineRequiresTracker(t *testing.T) {
	t.Parallel()

	_, err := NewMachine(nil, Config{})
	require.Error(t, err)
}

func TestPreview(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "hello world", Preview("  hello world  ", 50))
	assert.Equal(t, "abc", Preview("abcdef", 3))
	assert.Equal(t, "a b", Preview("a\nb", 50))
	assert.Equal(t, "日本", Preview("日本語", 2))
}

func newTestMachine(t *testing.T, tracker Tracker, options ...Option) *Machine {
	t.Helper()
	machine, err := NewMachine(tracker, DefaultConfig(), options...)
	require.NoError(t, err)
	return machine
}

type startCall struct {
	prompt string
	title  string
	eta    time.Duration
}

type completeCall struct {
	id       string
	exitCode int
	message  string
}

type fakeTracker struct {
	starts      []startCall
	completes   []completeCall
	events      []string
	startErr    error
	completeErr error
	startPanic  bool
	blankID     bool
	onComplete  func(id string)
}

func (f *fakeTracker) Start(_ context.Context, prompt, title string, eta time.Duration) (string, error) {
	if f.startPanic {
		panic("tracker exploded")
	}
	f.starts = append(f.starts, startCall{prompt: prompt, title: title, eta: eta})
	if f.startErr != nil {
		return "", f.startErr
	}
	if f.blankID {
		return "  \n", nil
	}
	id := fmt.Sprintf("race-%d", len(f.starts))
	f.events = append(f.events, "start "+id)
	return id + "\n", nil
}

func (f *fakeTracker) Complete(_ context.Context, id string, exitCode int, message string) error {
	if f.onComplete != nil {
		f.onComplete(id)
	}
	f.completes = append(f.completes, completeCall{id: id, exitCode: exitCode, message: message})
	f.events = append(f.events, "complete "+id)
	return f.completeErr
}

type fakeLauncher struct {
	launched []string
}

func (f *fakeLauncher) Launch(turnID string, _ progress.CurrentFunc) {
	f.launched = append(f.launched, turnID)
}

type fakeNotifier struct {
	started   []string
	completed []string
	warnings  []string
}

func (f *fakeNotifier) TurnStarted(turnID, _ string) {
	f.started = append(f.started, turnID)
}

func (f *fakeNotifier) TurnCompleted(turnID string, _ int) {
	f.completed = append(f.completed, turnID)
}

func (f *fakeNotifier) Warn(message string) {
	f.warnings = append(f.warnings, message)
}
