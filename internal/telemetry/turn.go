package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxErrorMessageBytes = 512

var (
	sensitiveInlinePattern = regexp.MustCompile(`(?i)(api[_-]?key|token|password|secret|authorization)\s*[:=]\s*([^\s,;]+)`)
	bearerTokenPattern     = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._\-]+`)
	openAITokenPattern     = regexp.MustCompile(`\bsk-[A-Za-z0-9]{10,}\b`)
)

// TurnRequest describes one inferred prompt/response turn.
type TurnRequest struct {
	Title  string
	Prompt string
	ETA    time.Duration
}

// TurnSpan tracks one turn span lifecycle. Prompt text is never exported; only its hash
// and an estimated token count are.
type TurnSpan struct {
	span         trace.Span
	startedAt    time.Time
	promptTokens int

	mu     sync.Mutex
	failed bool
	ended  bool
}

// StartTurn starts a turn span and returns a context carrying it.
func StartTurn(ctx context.Context, req TurnRequest) (context.Context, *TurnSpan) {
	if ctx == nil {
		ctx = context.Background()
	}

	promptTokens := EstimateTokenCount(req.Prompt)
	attrs := []attribute.KeyValue{
		attribute.String("turn.title", redactSecrets(req.Title)),
		attribute.Int("prompt_bytes", len(req.Prompt)),
		attribute.Int("prompt_tokens", promptTokens),
		attribute.String("prompt_hash", hashPrompt(req.Prompt)),
	}
	if req.ETA > 0 {
		attrs = append(attrs, attribute.Int64("eta_seconds", int64(req.ETA/time.Second)))
	}

	spanCtx, span := otel.Tracer("racewrap/telemetry/turn").Start(
		ctx,
		"turn",
		trace.WithAttributes(attrs...),
	)
	return spanCtx, &TurnSpan{
		span:         span,
		startedAt:    time.Now(),
		promptTokens: promptTokens,
	}
}

// SetTurnID records the identifier the tracking service assigned.
func (t *TurnSpan) SetTurnID(id string) {
	if t == nil || t.span == nil {
		return
	}
	t.span.SetAttributes(attribute.String("turn.id", normalizeOrUnknown(id)))
}

// RecordError adds a redacted turn.error event and marks the span failed.
func (t *TurnSpan) RecordError(stage string, err error) {
	if t == nil || t.span == nil || err == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return
	}
	t.failed = true

	message := redactSecrets(err.Error())
	t.span.AddEvent(
		"turn.error",
		trace.WithAttributes(
			attribute.String("stage", normalizeOrUnknown(stage)),
			attribute.String("error_message", message),
		),
	)
	t.span.SetStatus(codes.Error, message)
}

// End finalizes the span with latency and response size. Later calls are ignored.
func (t *TurnSpan) End(reason string, responseText string) {
	if t == nil || t.span == nil {
		return
	}

	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	failed := t.failed
	t.mu.Unlock()

	durationMS := time.Since(t.startedAt).Milliseconds()
	if durationMS < 0 {
		durationMS = 0
	}
	responseTokens := EstimateTokenCount(responseText)

	t.span.SetAttributes(
		attribute.String("end_reason", normalizeOrUnknown(reason)),
		attribute.Int64("latency_ms", durationMS),
		attribute.Int("response_bytes", len(responseText)),
		attribute.Int("response_tokens", responseTokens),
		attribute.Int("total_tokens", t.promptTokens+responseTokens),
	)
	if !failed {
		t.span.SetStatus(codes.Ok, "turn completed")
	}
	t.span.End()
}

// EstimateTokenCount estimates token count using a deterministic words-to-tokens heuristic.
func EstimateTokenCount(text string) int {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return 0
	}
	return (len(fields)*4 + 2) / 3
}

func hashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(redactSecrets(prompt)))
	return hex.EncodeToString(sum[:])
}

func redactSecrets(input string) string {
	redacted := strings.TrimSpace(input)
	if redacted == "" {
		return ""
	}
	redacted = sensitiveInlinePattern.ReplaceAllString(redacted, "$1=<redacted>")
	redacted = bearerTokenPattern.ReplaceAllString(redacted, "bearer <redacted>")
	redacted = openAITokenPattern.ReplaceAllString(redacted, "<redacted>")
	if len(redacted) > maxErrorMessageBytes {
		return redacted[:maxErrorMessageBytes-len("...[truncated]")] + "...[truncated]"
	}
	return redacted
}

func normalizeOrUnknown(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
