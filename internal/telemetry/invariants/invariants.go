// Package invariants emits telemetry events when a turn-tracking invariant is broken.
// Checks never alter control flow; callers decide what to do with the result.
package invariants

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// InvariantSingleOpenTurn requires the previous turn to be closed before a new one starts.
	InvariantSingleOpenTurn = "single_open_turn"
	// InvariantPhaseTransitionLegal requires the turn machine to alternate between idle and awaiting_response.
	InvariantPhaseTransitionLegal = "phase_transition_legal"
	// InvariantProgressWithinCeiling requires reported progress to stay within 0..ceiling.
	InvariantProgressWithinCeiling = "progress_within_ceiling"
)

const (
	// SeverityWarn is used for non-fatal invariant violations.
	SeverityWarn = "warn"
	// SeverityError is used for fatal invariant violations.
	SeverityError = "error"
)

var invariantChecksEnabled atomic.Bool

func init() {
	invariantChecksEnabled.Store(true)
}

// ViolationDetails captures invariant violation context for telemetry events.
type ViolationDetails struct {
	WhatInvariant string
	WhereDetected string
	WhyViolated   string
	Additional    map[string]string
}

// SetEnabled globally enables or disables invariant checks.
func SetEnabled(enabled bool) {
	invariantChecksEnabled.Store(enabled)
}

// Enabled reports whether invariant checks are currently enabled.
func Enabled() bool {
	return invariantChecksEnabled.Load()
}

// InvariantViolation emits an invariant.violation event on the active span. Without an
// active span a short span is created to carry it.
func InvariantViolation(
	ctx context.Context,
	invariantName string,
	severity string,
	details ViolationDetails,
) {
	if !Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	invariantName = strings.TrimSpace(invariantName)
	if invariantName == "" {
		invariantName = "unknown_invariant"
	}

	attrs := []attribute.KeyValue{
		attribute.String("invariant_name", invariantName),
		attribute.String("severity", normalizeSeverity(severity)),
		attribute.String("what_invariant", strings.TrimSpace(details.WhatInvariant)),
		attribute.String("where_detected", strings.TrimSpace(details.WhereDetected)),
		attribute.String("why_violated", strings.TrimSpace(details.WhyViolated)),
	}
	keys := make([]string, 0, len(details.Additional))
	for key := range details.Additional {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if value := strings.TrimSpace(details.Additional[key]); value != "" {
			attrs = append(attrs, attribute.String("context."+key, value))
		}
	}

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		span.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
		return
	}

	_, span := otel.Tracer("racewrap/invariants").Start(ctx, "invariant.violation")
	defer span.End()
	span.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
}

// CheckSingleOpenTurn validates that no turn identifier survives into a new submission.
func CheckSingleOpenTurn(ctx context.Context, whereDetected string, openTurnID string) bool {
	openTurnID = strings.TrimSpace(openTurnID)
	if openTurnID == "" {
		return true
	}
	InvariantViolation(ctx, InvariantSingleOpenTurn, SeverityError, ViolationDetails{
		WhatInvariant: "at most one turn is open at a time",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("turn %s still open at new submission", openTurnID),
		Additional: map[string]string{
			"open_turn_id": openTurnID,
		},
	})
	return false
}

// CheckPhaseTransitionLegal validates one turn machine transition.
func CheckPhaseTransitionLegal(ctx context.Context, whereDetected, fromPhase, toPhase string, legal bool) bool {
	if legal {
		return true
	}
	InvariantViolation(ctx, InvariantPhaseTransitionLegal, SeverityError, ViolationDetails{
		WhatInvariant: "turn machine transition is legal",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("illegal transition from=%s to=%s", fromPhase, toPhase),
		Additional: map[string]string{
			"from_phase": strings.TrimSpace(fromPhase),
			"to_phase":   strings.TrimSpace(toPhase),
		},
	})
	return false
}

// CheckProgressWithinCeiling validates a progress value before it is sent.
func CheckProgressWithinCeiling(ctx context.Context, whereDetected string, progress, ceiling int) bool {
	if progress >= 0 && progress <= ceiling {
		return true
	}
	InvariantViolation(ctx, InvariantProgressWithinCeiling, SeverityWarn, ViolationDetails{
		WhatInvariant: "reported progress stays within 0..ceiling",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("progress=%d outside 0..%d", progress, ceiling),
		Additional: map[string]string{
			"progress": fmt.Sprintf("%d", progress),
			"ceiling":  fmt.Sprintf("%d", ceiling),
		},
	})
	return false
}

func normalizeSeverity(value string) string {
	if strings.ToLower(strings.TrimSpace(value)) == SeverityWarn {
		return SeverityWarn
	}
	return SeverityError
}
