package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
)

// Run performs the initial generation, starts the configured command and
// then serves refreshes until the command exits. It returns the command's
// exit status. Without a command it returns 0 once ctx is done, or
// immediately when not monitoring.
func (m *Manager) Run(ctx context.Context) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if m.cfg.Monitor {
		m.startWatching(ctx)
	}

	if err := m.Generate(ctx); err != nil {
		return 1, err
	}

	// Signals are caught before the command starts.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	var cmd *exec.Cmd
	if len(m.cfg.Command) > 0 {
		var err error
		if cmd, err = m.launch(); err != nil {
			return 1, err
		}
	}

	if m.cfg.Monitor {
		go m.refreshLoop(ctx)
	}

	if cmd == nil {
		if !m.cfg.Monitor {
			return 0, nil
		}
		select {
		case <-ctx.Done():
		case sig := <-sigs:
			m.logger.Info("Shutting down", "signal", sig)
		}
		return 0, nil
	}

	return m.wait(ctx, cmd, sigs), nil
}

func (m *Manager) startWatching(ctx context.Context) {
	for _, s := range m.sources {
		go s.Watch(ctx, m.Notify)
	}
	for _, w := range m.watchers {
		go w.Watch(ctx, m.Notify)
	}
}

// refreshLoop is the only place cycles run after startup.
func (m *Manager) refreshLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.refresh:
			m.doRefresh(ctx)
		}
	}
}

func (m *Manager) doRefresh(ctx context.Context) {
	if err := m.Generate(ctx); err != nil {
		m.logger.Error("Error reloading configuration", "err", err)
		return
	}

	if m.cfg.Notify == "" {
		return
	}

	cmd := m.command("sh", "-c", m.cfg.Notify)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			m.logger.Warn("Notify command failed", "command", m.cfg.Notify, "status", exitErr.ExitCode())
			return
		}
		m.logger.Error("Failed to run notify command", "command", m.cfg.Notify, "err", fmt.Errorf("%w: %v", ErrSubprocess, err))
	}
}

func (m *Manager) launch() (*exec.Cmd, error) {
	cmd := m.command(m.cfg.Command[0], m.cfg.Command[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// Signals reach the child only through forwarding.
	cmd.SysProcAttr = childProcAttr()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: failed to start %s: %v", ErrSubprocess, m.cfg.Command[0], err)
	}

	m.logger.Info("Launched command", "command", m.cfg.Command[0], "pid", cmd.Process.Pid)
	return cmd, nil
}

// wait blocks until cmd exits, forwarding signals to it.
func (m *Manager) wait(ctx context.Context, cmd *exec.Cmd, sigs <-chan os.Signal) int {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	for {
		select {
		case sig := <-sigs:
			m.logger.Debug("Forwarding signal", "signal", sig, "pid", cmd.Process.Pid)
			if err := cmd.Process.Signal(sig); err != nil {
				m.logger.Warn("Failed to forward signal", "signal", sig, "err", err)
			}

		case <-ctx.Done():
			cmd.Process.Signal(syscall.SIGTERM)
			ctx = context.Background()

		case err := <-done:
			return exitCode(err)
		}
	}
}

// exitCode maps a Wait error to a shell-style status: the exit code, or
// 128 plus the signal number when the child was killed by a signal.
func exitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
	}
	return 1
}
