// Package relay runs a program on a pseudo-terminal and relays bytes between it and the
// real terminal, tapping both directions.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/creack/pty"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const (
	// DefaultPollTimeout bounds the readiness wait so child exit is noticed promptly.
	DefaultPollTimeout = 100 * time.Millisecond
	// DefaultChunkSize is the largest read taken from either source per iteration.
	DefaultChunkSize = 1024

	drainTimeout  = 20 * time.Millisecond
	maxDrainReads = 1024
)

var forwardedSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT}

// Tap observes relayed bytes. Input and Output run on the relay goroutine after the bytes
// were forwarded; Close runs once after the child exits, before descriptors are released.
type Tap interface {
	Input(ctx context.Context, p []byte)
	Output(ctx context.Context, p []byte)
	Close(ctx context.Context)
}

// Config controls the relay loop.
type Config struct {
	PollTimeout time.Duration
	ChunkSize   int
	RawTerminal bool
}

// Relay multiplexes one real terminal and one pseudo-terminal.
type Relay struct {
	stdin  *os.File
	stdout io.Writer
	tap    Tap
	logger *log.Logger

	pollTimeout time.Duration
	chunkSize   int
	rawTerminal bool
}

// New builds a relay reading stdin and writing stdout.
func New(stdin *os.File, stdout io.Writer, tap Tap, cfg Config, logger *log.Logger) (*Relay, error) {
	if stdin == nil {
		return nil, errors.New("stdin is required")
	}
	if stdout == nil {
		return nil, errors.New("stdout is required")
	}
	if tap == nil {
		tap = nopTap{}
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Relay{
		stdin:       stdin,
		stdout:      stdout,
		tap:         tap,
		logger:      logger,
		pollTimeout: cfg.PollTimeout,
		chunkSize:   cfg.ChunkSize,
		rawTerminal: cfg.RawTerminal,
	}, nil
}

// Run spawns argv on a fresh pseudo-terminal in its own session and process group, relays
// until it exits and returns its exit code. Only PTY allocation and spawn failures are
// returned as errors.
func (r *Relay) Run(ctx context.Context, argv []string) (int, error) {
	if len(argv) == 0 || argv[0] == "" {
		return 1, errors.New("command to wrap is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	// Termination signals are forwarded to the program instead of killing the relay, so
	// teardown always runs once the program exits.
	signals := make(chan os.Signal, 8)
	signal.Notify(signals, forwardedSignals...)
	defer signal.Stop(signals)

	ptmx, tty, err := pty.Open()
	if err != nil {
		return 1, fmt.Errorf("open pty: %w", err)
	}
	defer func() {
		if closeErr := ptmx.Close(); closeErr != nil {
			r.logger.Debug("close pty master", "err", closeErr)
		}
		if closeErr := tty.Close(); closeErr != nil {
			r.logger.Debug("close pty slave", "err", closeErr)
		}
	}()

	stdinFd := int(r.stdin.Fd())
	isTerminal := term.IsTerminal(stdinFd)
	if isTerminal {
		if err := pty.InheritSize(r.stdin, ptmx); err != nil {
			r.logger.Debug("inherit terminal size", "err", err)
		}
	}

	// #nosec G204 -- wrapping the operator's command is the purpose of this tool.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = tty
	cmd.Stdout = tty
	cmd.Stderr = tty
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}
	if err := cmd.Start(); err != nil {
		return 1, fmt.Errorf("start %s: %w", argv[0], err)
	}
	logger := r.logger.With("pid", cmd.Process.Pid, "command", argv[0])
	logger.Info("wrapped program started")

	done := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(done)
	}()

	restoreFlags := r.makeNonblocking(stdinFd)
	defer restoreFlags()
	if isTerminal && r.rawTerminal {
		state, err := term.MakeRaw(stdinFd)
		if err != nil {
			logger.Warn("raw mode unavailable", "err", err)
		} else {
			defer func() {
				if err := term.Restore(stdinFd, state); err != nil {
					logger.Warn("restore terminal", "err", err)
				}
			}()
		}
	}

	if isTerminal {
		signal.Notify(signals, syscall.SIGWINCH)
	}

	r.loop(ctx, stdinFd, isTerminal, ptmx, cmd.Process.Pid, done, signals)
	r.drain(ctx, ptmx)

	r.tap.Close(ctx)

	code := exitCode(cmd, waitErr)
	logger.Info("wrapped program exited", "exit_code", code)
	return code, nil
}

func (r *Relay) loop(
	ctx context.Context,
	stdinFd int,
	isTerminal bool,
	ptmx *os.File,
	pid int,
	done <-chan struct{},
	signals <-chan os.Signal,
) {
	ptmxFd := int(ptmx.Fd())
	buf := make([]byte, r.chunkSize)
	timeout := int(r.pollTimeout / time.Millisecond)
	stdinOpen := true

	for {
		select {
		case <-done:
			return
		default:
		}
		select {
		case sig := <-signals:
			r.handleSignal(sig, ptmx, pid)
		default:
		}

		fds := make([]unix.PollFd, 0, 2)
		if stdinOpen {
			fds = append(fds, unix.PollFd{Fd: int32(stdinFd), Events: unix.POLLIN})
		}
		fds = append(fds, unix.PollFd{Fd: int32(ptmxFd), Events: unix.POLLIN})

		n, err := unix.Poll(fds, timeout)
		if err != nil {
			if !errors.Is(err, unix.EINTR) {
				r.logger.Debug("poll failed", "err", err)
				time.Sleep(r.pollTimeout)
			}
			continue
		}
		if n == 0 {
			continue
		}

		for _, fd := range fds {
			if fd.Revents == 0 {
				continue
			}
			switch int(fd.Fd) {
			case stdinFd:
				if !r.relayInput(ctx, stdinFd, ptmx, buf, fd.Revents, isTerminal) {
					stdinOpen = false
					r.logger.Debug("stdin closed; relaying output only")
				}
			case ptmxFd:
				r.relayOutput(ctx, ptmxFd, buf)
			}
		}
	}
}

// handleSignal resizes the PTY on SIGWINCH and forwards every other signal to the
// program's process group.
func (r *Relay) handleSignal(sig os.Signal, ptmx *os.File, pid int) {
	sysSig, ok := sig.(syscall.Signal)
	if !ok {
		return
	}
	if sysSig == syscall.SIGWINCH {
		if err := pty.InheritSize(r.stdin, ptmx); err != nil {
			r.logger.Debug("resize pty", "err", err)
		}
		return
	}
	r.logger.Info("forwarding signal", "signal", sysSig.String(), "pgid", pid)
	if err := unix.Kill(-pid, sysSig); err != nil && !errors.Is(err, unix.ESRCH) {
		r.logger.Warn("forward signal", "signal", sysSig.String(), "err", err)
	}
}

// relayInput forwards one chunk of stdin to the program. It reports false once stdin can
// no longer produce data, so a closed pipe or file does not spin the loop.
func (r *Relay) relayInput(ctx context.Context, fd int, ptmx *os.File, buf []byte, revents int16, isTerminal bool) bool {
	if revents&unix.POLLNVAL != 0 {
		return false
	}
	n, err := unix.Read(fd, buf)
	if n > 0 {
		chunk := buf[:n]
		if _, werr := ptmx.Write(chunk); werr != nil {
			r.logger.Debug("write to pty", "err", werr)
		}
		r.tap.Input(ctx, chunk)
		return true
	}
	if err == nil && (!isTerminal || revents&unix.POLLHUP != 0) {
		return false
	}
	return true
}

func (r *Relay) relayOutput(ctx context.Context, fd int, buf []byte) int {
	n, err := unix.Read(fd, buf)
	if n <= 0 {
		if err != nil && !errors.Is(err, unix.EAGAIN) {
			r.logger.Debug("read pty", "err", err)
		}
		return 0
	}
	chunk := buf[:n]
	if _, werr := r.stdout.Write(chunk); werr != nil {
		r.logger.Debug("write to stdout", "err", werr)
	}
	if flusher, ok := r.stdout.(interface{ Flush() error }); ok {
		_ = flusher.Flush()
	}
	r.tap.Output(ctx, chunk)
	return n
}

// drain forwards output the program wrote just before exiting.
func (r *Relay) drain(ctx context.Context, ptmx *os.File) {
	fd := int(ptmx.Fd())
	buf := make([]byte, r.chunkSize)
	timeout := int(drainTimeout / time.Millisecond)
	for i := 0; i < maxDrainReads; i++ {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, timeout)
		if err != nil && errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || n == 0 || fds[0].Revents&unix.POLLIN == 0 {
			return
		}
		if r.relayOutput(ctx, fd, buf) == 0 {
			return
		}
	}
}

// makeNonblocking switches fd to non-blocking mode and returns a function restoring the
// original flags.
func (r *Relay) makeNonblocking(fd int) func() {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		r.logger.Debug("read stdin flags", "err", err)
		return func() {}
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		r.logger.Debug("set stdin non-blocking", "err", err)
		return func() {}
	}
	return func() {
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags); err != nil {
			r.logger.Warn("restore stdin flags", "err", err)
		}
	}
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	state := cmd.ProcessState
	if state == nil {
		if waitErr != nil {
			return 1
		}
		return 0
	}
	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	return state.ExitCode()
}

type nopTap struct{}

func (nopTap) Input(context.Context, []byte) {}

func (nopTap) Output(context.Context, []byte) {}

func (nopTap) Close(context.Context) {}
