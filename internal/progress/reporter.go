// Package progress estimates and reports elapsed-time progress for an open turn.
package progress

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/raceboard/racewrap/internal/telemetry/invariants"
)

const (
	// DefaultInterval is the pause between two progress updates.
	DefaultInterval = 2 * time.Second
	// DefaultETA is the target duration a turn is expected to take.
	DefaultETA = 15 * time.Second
	// DefaultCeiling stops a reporter whose turn end was never detected.
	DefaultCeiling = 5 * time.Minute
	// MaxPercent is the highest value a reporter sends. 100 is left to the explicit completion.
	MaxPercent = 95
)

// Updater forwards one progress value for a turn to the tracking service.
type Updater interface {
	Update(ctx context.Context, turnID string, progress int) error
}

// CurrentFunc returns the identifier of the turn that is open right now.
type CurrentFunc func() string

// Config controls reporter cadence and limits.
type Config struct {
	Interval time.Duration
	ETA      time.Duration
	Ceiling  time.Duration
}

// Reporter sends periodic progress estimates for one turn at a time.
type Reporter struct {
	updater  Updater
	interval time.Duration
	eta      time.Duration
	ceiling  time.Duration
	logger   *log.Logger
	now      func() time.Time
	after    func(time.Duration) <-chan time.Time
}

// NewReporter builds a reporter, applying defaults for zero durations.
func NewReporter(updater Updater, cfg Config, logger *log.Logger) (*Reporter, error) {
	if updater == nil {
		return nil, errors.New("progress updater is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ETA <= 0 {
		cfg.ETA = DefaultETA
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = DefaultCeiling
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Reporter{
		updater:  updater,
		interval: cfg.Interval,
		eta:      cfg.ETA,
		ceiling:  cfg.Ceiling,
		logger:   logger,
		now:      time.Now,
		after:    time.After,
	}, nil
}

// Run reports progress for turnID until current no longer returns it, the safety ceiling
// elapses or ctx is cancelled. Send failures are logged and otherwise ignored.
func (r *Reporter) Run(ctx context.Context, turnID string, current CurrentFunc) {
	if r == nil || turnID == "" || current == nil {
		return
	}
	started := r.now()
	logger := r.logger.With("turn_id", turnID)

	for {
		if current() != turnID {
			logger.Debug("progress reporter stopped", "reason", "superseded")
			return
		}
		elapsed := r.now().Sub(started)
		if elapsed > r.ceiling {
			logger.Warn("progress reporter stopped", "reason", "safety ceiling", "elapsed", elapsed)
			return
		}

		percent := Percent(elapsed, r.eta)
		invariants.CheckProgressWithinCeiling(ctx, "progress.run", percent, MaxPercent)
		if err := r.updater.Update(ctx, turnID, percent); err != nil {
			logger.Debug("progress update failed", "progress", percent, "err", err)
		}

		select {
		case <-ctx.Done():
			logger.Debug("progress reporter stopped", "reason", "cancelled")
			return
		case <-r.after(r.interval):
		}
	}
}

// Percent maps elapsed time against eta onto 0..MaxPercent.
func Percent(elapsed, eta time.Duration) int {
	if elapsed <= 0 {
		return 0
	}
	if eta <= 0 || elapsed >= eta {
		return MaxPercent
	}
	return int(float64(elapsed) / float64(eta) * MaxPercent)
}
