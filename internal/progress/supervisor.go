package progress

import (
	"context"
	"sync/atomic"

	"github.com/sourcegraph/conc"
)

// Supervisor owns the lifetime of every reporter goroutine spawned for a session.
// Reporters stop on their own when superseded; Stop cancels the rest and waits for them.
type Supervisor struct {
	reporter *Reporter
	ctx      context.Context
	cancel   context.CancelFunc
	wg       conc.WaitGroup
	stopped  atomic.Bool
	launched atomic.Int64
}

// NewSupervisor derives the cancellation token for all reporters from parent.
func NewSupervisor(parent context.Context, reporter *Reporter) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{
		reporter: reporter,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Launch starts a reporter for turnID. It is a no-op after Stop.
func (s *Supervisor) Launch(turnID string, current CurrentFunc) {
	if s == nil || s.reporter == nil || turnID == "" || s.stopped.Load() {
		return
	}
	s.launched.Add(1)
	s.wg.Go(func() {
		s.reporter.Run(s.ctx, turnID, current)
	})
}

// Launched returns how many reporters were started.
func (s *Supervisor) Launched() int {
	if s == nil {
		return 0
	}
	return int(s.launched.Load())
}

// Stop cancels running reporters and waits for them. A reporter panic is recovered and
// returned as an error instead of crashing the session.
func (s *Supervisor) Stop() error {
	if s == nil || !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	if recovered := s.wg.WaitAndRecover(); recovered != nil {
		return recovered.AsError()
	}
	return nil
}
