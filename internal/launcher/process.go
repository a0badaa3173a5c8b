package launcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/crypto-trading/ibportal/internal/config"
	"github.com/crypto-trading/ibportal/internal/monitor"
)

var (
	ErrPortalMissing  = errors.New("gateway portal folder not found")
	ErrAlreadyRunning = errors.New("gateway process already running")
	ErrEmptyCommand   = errors.New("gateway launch command is empty")
)

const DefaultStopTimeout = 5 * time.Second

// Process owns one gateway child process. It is started in its own process
// group so Terminate also reaches the JVM the launch script forks.
type Process struct {
	dir         string
	command     []string
	stopTimeout time.Duration

	mu      sync.Mutex
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error

	metrics *monitor.Metrics
	logger  *slog.Logger
}

// New checks the portal folder up front; a missing folder is logged but only
// becomes an error when Start is called.
func New(dir string, command []string, stopTimeout time.Duration, logger *slog.Logger, metrics *monitor.Metrics) *Process {
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	p := &Process{
		dir:         dir,
		command:     command,
		stopTimeout: stopTimeout,
		metrics:     metrics,
		logger:      logger,
	}
	if err := p.checkDir(); err != nil {
		logger.Error("gateway portal folder unavailable", "dir", dir, "error", err)
	}
	return p
}

func NewFromConfig(cfg config.GatewayConfig, logger *slog.Logger, metrics *monitor.Metrics) *Process {
	return New(cfg.PortalFolder, cfg.LaunchCommand, cfg.StopTimeout(), logger, metrics)
}

func (p *Process) checkDir() error {
	info, err := os.Stat(p.dir)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrPortalMissing, p.dir)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrPortalMissing, p.dir)
	}
	return nil
}

// Start launches the gateway and returns its pid. The process outlives ctx;
// ctx only bounds the launch itself.
func (p *Process) Start(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(p.command) == 0 {
		return 0, ErrEmptyCommand
	}
	if err := p.checkDir(); err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running() {
		return p.cmd.Process.Pid, ErrAlreadyRunning
	}

	cmd := exec.Command(p.command[0], p.command[1:]...) //nolint:gosec // command comes from operator config
	cmd.Dir = p.dir
	cmd.SysProcAttr = sysProcAttr()
	cmd.WaitDelay = p.stopTimeout
	out := newLineLogger(p.logger)
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		_ = out.Close()
		return 0, fmt.Errorf("start gateway %v: %w", p.command, err)
	}

	done := make(chan struct{})
	p.cmd = cmd
	p.done = done
	p.waitErr = nil
	p.metrics.SetProcessUp(true)

	go func() {
		err := cmd.Wait()
		_ = out.Close()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		p.metrics.SetProcessUp(false)
		p.logger.Info("gateway process exited", "pid", cmd.Process.Pid, "error", err)
		close(done)
	}()

	p.logger.Info("gateway process started",
		"pid", cmd.Process.Pid,
		"dir", p.dir,
		"command", p.command,
	)
	return cmd.Process.Pid, nil
}

func (p *Process) running() bool {
	if p.done == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running()
}

// PID returns the pid of the last started process, or 0.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Terminate sends SIGTERM to the process group and kills it if it has not
// exited within the stop timeout. Calling it on a stopped process is a no-op.
func (p *Process) Terminate() error {
	p.mu.Lock()
	if !p.running() {
		p.mu.Unlock()
		return nil
	}
	proc := p.cmd.Process
	done := p.done
	p.mu.Unlock()

	p.logger.Info("terminating gateway process", "pid", proc.Pid)
	if err := terminate(proc); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Warn("gateway terminate signal failed", "pid", proc.Pid, "error", err)
	}

	select {
	case <-done:
		return nil
	case <-time.After(p.stopTimeout):
	}

	p.logger.Warn("gateway did not stop in time, killing", "pid", proc.Pid, "timeout", p.stopTimeout)
	if err := kill(proc); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill gateway pid %d: %w", proc.Pid, err)
	}
	<-done
	return nil
}

// Wait blocks until the process exits or ctx is done.
func (p *Process) Wait(ctx context.Context) error {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.waitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lineLogger forwards gateway output to the logger one line at a time.
type lineLogger struct {
	pw *io.PipeWriter
}

func newLineLogger(logger *slog.Logger) *lineLogger {
	pr, pw := io.Pipe()
	go func() {
		sc := bufio.NewScanner(pr)
		for sc.Scan() {
			logger.Debug("gateway output", "line", sc.Text())
		}
		_, _ = io.Copy(io.Discard, pr)
	}()
	return &lineLogger{pw: pw}
}

func (l *lineLogger) Write(b []byte) (int, error) {
	return l.pw.Write(b)
}

func (l *lineLogger) Close() error {
	return l.pw.Close()
}
