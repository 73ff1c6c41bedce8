// Package tracing runs external commands inside OpenTelemetry spans.
package tracing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	spanName            = "command.exec"
	maxOutputEventBytes = 1024
	maxArgBytes         = 64
)

// Result is the outcome of one command execution.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Exec runs name with args and records the invocation as a span. Output is trimmed.
// A non-zero exit is returned as an error wrapping *exec.ExitError.
func Exec(ctx context.Context, name string, args []string) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Result{}, errors.New("command name must not be empty")
	}

	_, span := otel.Tracer("racewrap/tracing").Start(
		ctx,
		spanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("command", name),
			attribute.String("args_redacted", strings.Join(redactArgs(args), " ")),
		),
	)
	started := time.Now()
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()

	// #nosec G204 -- the command path comes from operator configuration.
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := Result{
		ExitCode: resolveExitCode(ctx, cmd, err),
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
	}

	span.SetAttributes(attribute.Int("exit_code", result.ExitCode))
	if result.Stderr != "" {
		span.AddEvent(
			"command.stderr",
			trace.WithAttributes(attribute.String("output", truncate(result.Stderr, maxOutputEventBytes))),
		)
	}
	if err != nil {
		err = WrapExecutionError(name, args, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}

	span.SetStatus(codes.Ok, "command completed")
	return result, nil
}

func resolveExitCode(ctx context.Context, cmd *exec.Cmd, runErr error) int {
	if runErr == nil {
		return 0
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return -1
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd != nil && cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

func truncate(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	const marker = "...[truncated]"
	if limit <= len(marker) {
		return value[:limit]
	}
	return value[:limit-len(marker)] + marker
}

// redactArgs masks values following sensitive flags and shortens free-text arguments such
// as prompt bodies, which do not belong in trace backends verbatim.
func redactArgs(args []string) []string {
	redacted := make([]string, 0, len(args))
	maskNext := false

	for _, arg := range args {
		if maskNext {
			redacted = append(redacted, "<redacted>")
			maskNext = false
			continue
		}

		trimmed := strings.TrimSpace(arg)
		if strings.Contains(trimmed, "=") {
			parts := strings.SplitN(trimmed, "=", 2)
			if len(parts) == 2 && IsSensitiveKey(strings.ToLower(parts[0])) {
				redacted = append(redacted, parts[0]+"=<redacted>")
				continue
			}
		}
		if strings.HasPrefix(trimmed, "-") && IsSensitiveKey(strings.ToLower(trimmed)) {
			maskNext = true
		}
		redacted = append(redacted, truncate(trimmed, maxArgBytes))
	}

	return redacted
}

// IsSensitiveKey reports whether a lower-cased flag or key name looks like it holds a secret.
func IsSensitiveKey(value string) bool {
	for _, candidate := range []string{"token", "password", "secret", "api-key", "api_key", "apikey", "auth", "bearer"} {
		if strings.Contains(value, candidate) {
			return true
		}
	}
	return false
}

// FormatCommand returns a deterministic command preview for logs and errors.
func FormatCommand(name string, args []string) string {
	parts := append([]string{strings.TrimSpace(name)}, args...)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return strings.Join(out, " ")
}

// WrapExecutionError annotates execution failures with command identity.
func WrapExecutionError(name string, args []string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("run %s: %w", FormatCommand(name, redactArgs(args)), err)
}
