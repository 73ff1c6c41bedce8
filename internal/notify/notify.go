// Package notify prints short operator notices next to the wrapped program's output.
package notify

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

const (
	// GreenOk marks completed races.
	GreenOk = "#33FF33"
	// Butterscotch marks started races.
	Butterscotch = "#FF9966"
	// YellowCaution marks warnings.
	YellowCaution = "#FFCC00"
)

const (
	iconStarted   = "🏁"
	iconCompleted = "✅"
	iconWarning   = "⚠"
)

// Notifier writes notices to w. Every notice starts with "\r\n" so it lands on a fresh
// line even while the terminal is in raw mode.
type Notifier struct {
	mu        sync.Mutex
	w         io.Writer
	quiet     bool
	started   lipgloss.Style
	completed lipgloss.Style
	warning   lipgloss.Style
}

// New builds a notifier writing to w. A quiet notifier only prints warnings.
func New(w io.Writer, quiet bool) *Notifier {
	if w == nil {
		w = io.Discard
	}
	renderer := lipgloss.NewRenderer(w)
	return &Notifier{
		w:         w,
		quiet:     quiet,
		started:   renderer.NewStyle().Foreground(lipgloss.Color(Butterscotch)),
		completed: renderer.NewStyle().Foreground(lipgloss.Color(GreenOk)),
		warning:   renderer.NewStyle().Foreground(lipgloss.Color(YellowCaution)).Bold(true),
	}
}

// TurnStarted announces a newly registered race.
func (n *Notifier) TurnStarted(turnID string, _ string) {
	if n.quiet {
		return
	}
	n.print(n.started, fmt.Sprintf("%s Race started: %s", iconStarted, turnID))
}

// TurnCompleted announces a finished race.
func (n *Notifier) TurnCompleted(turnID string, _ int) {
	if n.quiet {
		return
	}
	n.print(n.completed, fmt.Sprintf("%s Race completed: %s", iconCompleted, turnID))
}

// Warn prints a warning regardless of quiet mode.
func (n *Notifier) Warn(message string) {
	n.print(n.warning, fmt.Sprintf("%s %s", iconWarning, message))
}

func (n *Notifier) print(style lipgloss.Style, text string) {
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	_, _ = fmt.Fprint(n.w, "\r\n"+style.Render(text)+"\r\n")
}
