package invariants

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInvariantViolationAddsEventToActiveSpan(t *testing.T) {
	enableChecks(t, true)
	recorder, restore := installTracerProvider()
	defer restore()

	ctx, span := otel.Tracer("test/invariants").Start(context.Background(), "operation")
	InvariantViolation(ctx, InvariantSingleOpenTurn, SeverityError, ViolationDetails{
		WhatInvariant: "one open turn",
		WhereDetected: "turn.start",
		WhyViolated:   "turn race-1 still open",
		Additional: map[string]string{
			"open_turn_id": "race-1",
			"empty":        "  ",
		},
	})
	span.End()

	events := spanEventsByName(recorder, "operation")
	require.Len(t, events, 1)
	assert.Equal(t, "invariant.violation", events[0].Name)
	assert.Equal(t, InvariantSingleOpenTurn, eventAttr(events[0], "invariant_name"))
	assert.Equal(t, SeverityError, eventAttr(events[0], "severity"))
	assert.Equal(t, "turn.start", eventAttr(events[0], "where_detected"))
	assert.Equal(t, "race-1", eventAttr(events[0], "context.open_turn_id"))
	assert.Empty(t, eventAttr(events[0], "context.empty"))
}

func TestInvariantViolationWithoutSpanCreatesOne(t *testing.T) {
	enableChecks(t, true)
	recorder, restore := installTracerProvider()
	defer restore()

	InvariantViolation(context.Background(), "", "bogus", ViolationDetails{WhereDetected: "progress.run"})

	events := spanEventsByName(recorder, "invariant.violation")
	require.Len(t, events, 1)
	assert.Equal(t, "unknown_invariant", eventAttr(events[0], "invariant_name"))
	assert.Equal(t, SeverityError, eventAttr(events[0], "severity"))
}

func TestInvariantViolationDisabledSkipsEmission(t *testing.T) {
	enableChecks(t, false)
	recorder, restore := installTracerProvider()
	defer restore()

	ctx, span := otel.Tracer("test/invariants").Start(context.Background(), "operation")
	InvariantViolation(ctx, InvariantSingleOpenTurn, SeverityError, ViolationDetails{
		WhereDetected: "turn.start",
	})
	span.End()

	require.Len(t, spanEventsByName(recorder, "operation"), 0)
}

func TestChecksPassWithoutEmitting(t *testing.T) {
	enableChecks(t, true)
	recorder, restore := installTracerProvider()
	defer restore()

	ctx, span := otel.Tracer("test/invariants").Start(context.Background(), "operation")
	assert.True(t, CheckSingleOpenTurn(ctx, "turn.start", " "))
	assert.True(t, CheckPhaseTransitionLegal(ctx, "turn.transition", "idle", "awaiting_response", true))
	assert.True(t, CheckProgressWithinCeiling(ctx, "progress.run", 0, 95))
	assert.True(t, CheckProgressWithinCeiling(ctx, "progress.run", 95, 95))
	span.End()

	assert.Empty(t, spanEventsByName(recorder, "operation"))
}

func TestPredefinedInvariantChecksEmitExpectedNames(t *testing.T) {
	enableChecks(t, true)

	tests := []struct {
		name          string
		wantInvariant string
		wantSeverity  string
		run           func(ctx context.Context) bool
	}{
		{
			name:          "single_open_turn",
			wantInvariant: InvariantSingleOpenTurn,
			wantSeverity:  SeverityError,
			run: func(ctx context.Context) bool {
				return CheckSingleOpenTurn(ctx, "turn.start", "race-7")
			},
		},
		{
			name:          "phase_transition_legal",
			wantInvariant: InvariantPhaseTransitionLegal,
			wantSeverity:  SeverityError,
			run: func(ctx context.Context) bool {
				return CheckPhaseTransitionLegal(ctx, "turn.transition", "idle", "idle", false)
			},
		},
		{
			name:          "progress_within_ceiling",
			wantInvariant: InvariantProgressWithinCeiling,
			wantSeverity:  SeverityWarn,
			run: func(ctx context.Context) bool {
				return CheckProgressWithinCeiling(ctx, "progress.run", 96, 95)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder, restore := installTracerProvider()
			defer restore()

			ctx, span := otel.Tracer("test/invariants").Start(context.Background(), "operation")
			assert.False(t, tt.run(ctx))
			span.End()

			events := spanEventsByName(recorder, "operation")
			require.Len(t, events, 1)
			assert.Equal(t, tt.wantInvariant, eventAttr(events[0], "invariant_name"))
			assert.Equal(t, tt.wantSeverity, eventAttr(events[0], "severity"))
		})
	}
}

func enableChecks(t *testing.T, enabled bool) {
	t.Helper()
	previous := Enabled()
	SetEnabled(enabled)
	t.Cleanup(func() {
		SetEnabled(previous)
	})
}

func installTracerProvider() (*tracetest.SpanRecorder, func()) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)

	return recorder, func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			otel.Handle(err)
		}
		otel.SetTracerProvider(previous)
	}
}

func spanEventsByName(recorder *tracetest.SpanRecorder, spanName string) []sdktrace.Event {
	for _, finished := range recorder.Ended() {
		if finished.Name() != spanName {
			continue
		}
		return finished.Events()
	}
	return nil
}

func eventAttr(event sdktrace.Event, key string) string {
	for _, attr := range event.Attributes {
		if string(attr.Key) != key {
			continue
		}
		return attr.Value.AsString()
	}
	return ""
}
