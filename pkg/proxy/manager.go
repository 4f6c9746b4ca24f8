// Package proxy owns the local kubectl proxy process of the active cluster context.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const stopGrace = 3 * time.Second

// startupGrace is how long a new proxy must stay up before Start reports it
var startupGrace = 500 * time.Millisecond

// Process describes the running proxy
type Process struct {
	PID     int       `json:"pid"`
	Port    int       `json:"port"`
	Context string    `json:"context"`
	Started time.Time `json:"started"`
}

// Manager starts and stops at most one proxy child process
type Manager struct {
	kubectlBinary string
	kubeconfig    string
	logger        *zap.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	done    chan struct{}
	current *Process
}

// NewManager creates a manager running kubectl from PATH against kubeconfig
func NewManager(kubeconfig string, logger *zap.Logger) *Manager {
	return &Manager{
		kubectlBinary: "kubectl",
		kubeconfig:    kubeconfig,
		logger:        logger,
	}
}

// SetBinary overrides the kubectl executable
func (m *Manager) SetBinary(path string) {
	m.kubectlBinary = path
}

// Args returns the command line of the proxy for a context and port
func (m *Manager) Args(contextName string, port int) []string {
	args := []string{"proxy", "--port=" + strconv.Itoa(port)}
	if contextName != "" {
		args = append(args, "--context", contextName)
	}
	if m.kubeconfig != "" {
		args = append(args, "--kubeconfig", m.kubeconfig)
	}
	return args
}

// Start stops the previous proxy, if any, then starts a new one.
// The process outlives ctx; it is only terminated by Stop or a later Start.
func (m *Manager) Start(ctx context.Context, contextName string, port int) (*Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.stopLocked(); err != nil {
		m.logger.Warn("failed to stop previous proxy", zap.Error(err))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	args := m.Args(contextName, port)
	cmd := exec.Command(m.kubectlBinary, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start kubectl proxy: %w", err)
	}

	var exitErr error
	done := make(chan struct{})
	go func() {
		exitErr = cmd.Wait()
		m.logger.Info("kubectl proxy exited", zap.Int("pid", cmd.Process.Pid), zap.Error(exitErr))
		close(done)
	}()

	// kubectl exits right away when the port is taken
	select {
	case <-done:
		msg := strings.TrimSpace(stderr.String())
		if msg == "" && exitErr != nil {
			msg = exitErr.Error()
		}
		return nil, fmt.Errorf("kubectl proxy exited on startup: %s", msg)
	case <-time.After(startupGrace):
	}

	m.cmd = cmd
	m.done = done
	m.current = &Process{
		PID:     cmd.Process.Pid,
		Port:    port,
		Context: contextName,
		Started: time.Now(),
	}
	m.logger.Info("kubectl proxy started",
		zap.Int("pid", m.current.PID),
		zap.Int("port", port),
		zap.String("context", contextName))

	p := *m.current
	return &p, nil
}

// Stop terminates the owned proxy; it is a no-op when none is running
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked()
}

// Current returns the running proxy, if any
func (m *Manager) Current() (Process, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return Process{}, false
	}
	select {
	case <-m.done:
		return Process{}, false
	default:
	}
	return *m.current, true
}

func (m *Manager) stopLocked() error {
	if m.cmd == nil {
		return nil
	}
	cmd, done := m.cmd, m.done
	m.cmd, m.done, m.current = nil, nil, nil

	select {
	case <-done:
		return nil
	default:
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM to proxy: %w", err)
	}
	select {
	case <-done:
	case <-time.After(stopGrace):
		if err := cmd.Process.Kill(); err != nil {
			return fmt.Errorf("failed to kill proxy: %w", err)
		}
		<-done
	}
	m.logger.Info("kubectl proxy stopped", zap.Int("pid", cmd.Process.Pid))
	return nil
}
