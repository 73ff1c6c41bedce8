// Package doctor runs the startup preflight: Raceboard service liveness and availability
// of the external tools a session needs.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const defaultTimeout = 2 * time.Second

// Check names.
const (
	CheckServer  = "raceboard_server"
	CheckCLI     = "raceboard_cli"
	CheckProgram = "wrapped_program"
)

const (
	statusOK      = "ok"
	statusWarn    = "warn"
	statusSkipped = "skipped"
)

// HealthChecker checks the Raceboard service.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Config selects what the preflight inspects.
type Config struct {
	Program          string
	RaceboardCommand string
	ServerURL        string
	HealthCheck      bool
	Timeout          time.Duration
}

// Check is one preflight result.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail"`
}

// OK reports whether the check passed or was skipped.
func (c Check) OK() bool {
	return c.Status != statusWarn
}

// Report is the outcome of one preflight run.
type Report struct {
	Checks    []Check   `json:"checks"`
	CheckedAt time.Time `json:"checked_at"`
}

// Healthy reports whether every check passed.
func (r Report) Healthy() bool {
	for _, check := range r.Checks {
		if !check.OK() {
			return false
		}
	}
	return true
}

// Warnings returns operator-facing messages for failed checks, in check order.
func (r Report) Warnings() []string {
	warnings := make([]string, 0, len(r.Checks))
	for _, check := range r.Checks {
		if !check.OK() {
			warnings = append(warnings, check.Detail)
		}
	}
	return warnings
}

// Availability captures which external tools are present on PATH.
type Availability struct {
	Program      bool
	RaceboardCLI bool
}

// Manager executes preflight checks.
type Manager struct {
	health   HealthChecker
	cfg      Config
	lookPath func(file string) (string, error)
	now      func() time.Time
}

// NewManager builds a preflight manager.
func NewManager(health HealthChecker, cfg Config) (*Manager, error) {
	if health == nil && cfg.HealthCheck {
		return nil, errors.New("health checker is required when health checks are enabled")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Manager{
		health:   health,
		cfg:      cfg,
		lookPath: exec.LookPath,
		now:      time.Now,
	}, nil
}

// RunOnce executes every check. Failures are reported, never returned: nothing found here
// prevents a session from starting.
func (m *Manager) RunOnce(ctx context.Context) Report {
	if ctx == nil {
		ctx = context.Background()
	}
	availability := m.detectAvailability()
	return Report{
		Checks: []Check{
			m.checkServer(ctx),
			m.checkCLI(availability),
			m.checkProgram(availability),
		},
		CheckedAt: m.now().UTC(),
	}
}

func (m *Manager) checkServer(ctx context.Context) Check {
	check := Check{Name: CheckServer}
	if !m.cfg.HealthCheck {
		check.Status = statusSkipped
		check.Detail = "health check disabled"
		return check
	}

	checkCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	if err := m.health.Health(checkCtx); err != nil {
		check.Status = statusWarn
		check.Detail = fmt.Sprintf("Raceboard server not running at %s", m.cfg.ServerURL)
		return check
	}
	check.Status = statusOK
	check.Detail = m.cfg.ServerURL
	return check
}

func (m *Manager) checkCLI(availability Availability) Check {
	command := strings.TrimSpace(m.cfg.RaceboardCommand)
	if !availability.RaceboardCLI {
		return Check{
			Name:   CheckCLI,
			Status: statusWarn,
			Detail: fmt.Sprintf("raceboard CLI %q not found; turns will not be reported", command),
		}
	}
	return Check{Name: CheckCLI, Status: statusOK, Detail: command}
}

func (m *Manager) checkProgram(availability Availability) Check {
	program := strings.TrimSpace(m.cfg.Program)
	if program == "" {
		return Check{Name: CheckProgram, Status: statusSkipped, Detail: "no program given"}
	}
	if !availability.Program {
		return Check{
			Name:   CheckProgram,
			Status: statusWarn,
			Detail: fmt.Sprintf("wrapped program %q not found on PATH", program),
		}
	}
	return Check{Name: CheckProgram, Status: statusOK, Detail: program}
}

func (m *Manager) detectAvailability() Availability {
	return Availability{
		Program:      toolAvailable(m.lookPath, m.cfg.Program),
		RaceboardCLI: toolAvailable(m.lookPath, m.cfg.RaceboardCommand),
	}
}

func toolAvailable(lookPath func(file string) (string, error), binary string) bool {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return false
	}
	_, err := lookPath(binary)
	return err == nil
}
