// Package raceboard is the client for the Raceboard progress-tracking service. Turn
// lifecycle calls go through the raceboard CLI; liveness goes through its HTTP API.
package raceboard

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/raceboard/racewrap/internal/tracing"
)

const (
	// DefaultCommand is the raceboard CLI looked up on PATH when no override is configured.
	DefaultCommand = "raceboard-codex"
	// DefaultServerURL is the base URL of a local Raceboard server.
	DefaultServerURL = "http://localhost:7777"

	defaultTimeout       = 10 * time.Second
	defaultHealthTimeout = 2 * time.Second
)

type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout string, stderr string, err error)
}

type tracedCommandRunner struct{}

func (tracedCommandRunner) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	result, err := tracing.Exec(ctx, name, args)
	return result.Stdout, result.Stderr, err
}

// Options configures a Client.
type Options struct {
	Command       string
	ServerURL     string
	Timeout       time.Duration
	HealthTimeout time.Duration
}

// Client wraps the raceboard CLI and server health endpoint.
type Client struct {
	command string
	timeout time.Duration
	runner  commandRunner
	http    *resty.Client
}

// NewClient builds a client. It performs no I/O; availability is checked by the doctor.
func NewClient(opts Options) (*Client, error) {
	return newClient(opts, tracedCommandRunner{})
}

func newClient(opts Options, runner commandRunner) (*Client, error) {
	if runner == nil {
		return nil, errors.New("runner must not be nil")
	}
	command := strings.TrimSpace(opts.Command)
	if command == "" {
		command = DefaultCommand
	}
	serverURL := strings.TrimRight(strings.TrimSpace(opts.ServerURL), "/")
	if serverURL == "" {
		serverURL = DefaultServerURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = defaultHealthTimeout
	}

	httpClient := resty.New().
		SetBaseURL(serverURL).
		SetTimeout(opts.HealthTimeout).
		SetHeader("Accept", "application/json")

	return &Client{
		command: command,
		timeout: opts.Timeout,
		runner:  runner,
		http:    httpClient,
	}, nil
}

// Command returns the CLI path the client invokes.
func (c *Client) Command() string {
	return c.command
}

// ServerURL returns the base URL used for health checks.
func (c *Client) ServerURL() string {
	return c.http.BaseURL
}

// Start registers a new race for prompt and returns its identifier.
func (c *Client) Start(ctx context.Context, prompt string, title string, eta time.Duration) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", errors.New("prompt must not be empty")
	}

	args := []string{"start", "prompt", prompt}
	if strings.TrimSpace(title) != "" {
		args = append(args, "--title", title)
	}
	if eta > 0 {
		args = append(args, "--eta", strconv.Itoa(int(eta.Round(time.Second)/time.Second)))
	}

	out, err := c.run(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("start race: %w", err)
	}
	id := strings.TrimSpace(out)
	if id == "" {
		return "", errors.New("start race: empty race id in output")
	}
	return id, nil
}

// Update sets the progress percentage of a race.
func (c *Client) Update(ctx context.Context, raceID string, progress int) error {
	if strings.TrimSpace(raceID) == "" {
		return errors.New("race id must not be empty")
	}
	progress = min(max(progress, 0), 100)

	if _, err := c.run(ctx, "update", raceID, "--progress", strconv.Itoa(progress)); err != nil {
		return fmt.Errorf("update race %q: %w", raceID, err)
	}
	return nil
}

// Complete finishes a race with an exit code and message.
func (c *Client) Complete(ctx context.Context, raceID string, exitCode int, message string) error {
	if strings.TrimSpace(raceID) == "" {
		return errors.New("race id must not be empty")
	}

	args := []string{"complete", raceID, "--exit-code", strconv.Itoa(exitCode)}
	if strings.TrimSpace(message) != "" {
		args = append(args, "--message", message)
	}
	if _, err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("complete race %q: %w", raceID, err)
	}
	return nil
}

// Health checks the server once.
func (c *Client) Health(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := c.http.R().SetContext(ctx).Get("/health")
	if err != nil {
		return fmt.Errorf("check raceboard health: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("check raceboard health: unexpected status %d", resp.StatusCode())
	}
	return nil
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stdout, stderr, err := c.runner.Run(ctx, c.command, args...)
	if err != nil {
		if stderr = strings.TrimSpace(stderr); stderr != "" {
			return "", fmt.Errorf("%w (stderr: %s)", err, stderr)
		}
		return "", err
	}
	return stdout, nil
}
