// Package helm implements the chart tool on top of the helm binary or the helm SDK.
package helm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/youwol/ywinfra/pkg/deploy"
	"github.com/youwol/ywinfra/pkg/report"
	"go.uber.org/zap"
)

// CLI drives the helm binary
type CLI struct {
	helmBinary  string
	kubeContext string
	logger      *zap.Logger
}

// NewCLI creates a chart tool running the helm binary found in PATH
func NewCLI(logger *zap.Logger) *CLI {
	return &CLI{
		helmBinary: "helm",
		logger:     logger,
	}
}

// SetBinary overrides the helm executable
func (c *CLI) SetBinary(path string) {
	c.helmBinary = path
}

// SetKubeContext sets the kubectl context passed to every command
func (c *CLI) SetKubeContext(context string) {
	c.kubeContext = context
}

// List returns the releases of a namespace
func (c *CLI) List(ctx context.Context, namespace string) ([]deploy.Release, error) {
	args := c.withContext([]string{"list", "--namespace", namespace, "-o", "json"})

	cmd := exec.CommandContext(ctx, c.helmBinary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug("executing helm command", zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("helm list failed: %w\nstderr: %s", err, stderr.String())
	}

	var releases []deploy.Release
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &releases); err != nil {
		return nil, fmt.Errorf("failed to parse helm list output: %w", err)
	}
	return releases, nil
}

// Install runs helm install
func (c *CLI) Install(ctx context.Context, req deploy.ChartRequest, r *report.Reporter) error {
	return c.runHelm(ctx, r, InstallArgs(req)...)
}

// Upgrade runs helm upgrade
func (c *CLI) Upgrade(ctx context.Context, req deploy.ChartRequest, r *report.Reporter) error {
	return c.runHelm(ctx, r, UpgradeArgs(req)...)
}

// InstallArgs builds the arguments of helm install
func InstallArgs(req deploy.ChartRequest) []string {
	args := []string{"install", req.ReleaseName}
	if req.CreateNamespace {
		args = append(args, "--create-namespace")
	}
	return append(args, commonArgs(req)...)
}

// UpgradeArgs builds the arguments of helm upgrade
func UpgradeArgs(req deploy.ChartRequest) []string {
	return append([]string{"upgrade", req.ReleaseName}, commonArgs(req)...)
}

func commonArgs(req deploy.ChartRequest) []string {
	args := []string{"--namespace", req.Namespace}
	if req.ValuesFile != "" {
		args = append(args, "--values", req.ValuesFile)
	}
	if req.Atomic {
		args = append(args, "--atomic")
	}
	if req.Timeout > 0 {
		args = append(args, "--timeout", fmt.Sprintf("%ds", int(req.Timeout.Seconds())))
	}
	args = append(args, req.ChartFolder)
	for _, set := range req.Set {
		args = append(args, "--set", set)
	}
	return args
}

func (c *CLI) withContext(args []string) []string {
	if c.kubeContext != "" {
		args = append(args, "--kube-context", c.kubeContext)
	}
	return args
}

// runHelm executes a helm command, forwarding its output line by line
func (c *CLI) runHelm(ctx context.Context, r *report.Reporter, args ...string) error {
	args = c.withContext(args)
	cmd := exec.CommandContext(ctx, c.helmBinary, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open helm stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open helm stderr: %w", err)
	}

	c.logger.Debug("executing helm command", zap.Strings("args", args))
	r.Info("helm "+strings.Join(args, " "), nil)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start helm: %w", err)
	}

	var wg sync.WaitGroup
	var errLines lastLines
	wg.Add(2)
	go func() {
		defer wg.Done()
		forward(stdout, func(line string) { r.Info(line, nil) })
	}()
	go func() {
		defer wg.Done()
		forward(stderr, func(line string) {
			errLines.add(line)
			r.Warning(line, nil)
		})
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		c.logger.Error("helm command failed",
			zap.Error(err),
			zap.Strings("args", args),
			zap.String("stderr", errLines.String()))
		return fmt.Errorf("helm command failed: %w\nstderr: %s", err, errLines.String())
	}
	return nil
}

func forward(rd io.Reader, emit func(string)) {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimRight(scanner.Text(), "\r"); line != "" {
			emit(line)
		}
	}
}

// lastLines keeps the tail of a stream for error messages
type lastLines struct {
	mu    sync.Mutex
	lines []string
}

func (l *lastLines) add(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, line)
	if len(l.lines) > 20 {
		l.lines = l.lines[len(l.lines)-20:]
	}
}

func (l *lastLines) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.lines, "\n")
}
