// Package daemon runs the ywinfra server: the live configuration, its HTTP API
// and the background status and file watchers.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/youwol/ywinfra/pkg/deploy"
	"github.com/youwol/ywinfra/pkg/dynconfig"
	"github.com/youwol/ywinfra/pkg/history"
	"github.com/youwol/ywinfra/pkg/lifecycle"
	"github.com/youwol/ywinfra/pkg/logstream"
	"github.com/youwol/ywinfra/pkg/metrics"
	"github.com/youwol/ywinfra/pkg/report"
	"github.com/youwol/ywinfra/pkg/status"
	"github.com/youwol/ywinfra/pkg/watch"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	DefaultPIDFile = "/tmp/ywinfra.pid"
	DefaultAPIAddr = "127.0.0.1:2001"
)

// NewDaemon creates a daemon serving env. store may be nil to disable the
// operation history.
func NewDaemon(config Config, env *dynconfig.Environment, store *history.Store, logger *zap.Logger) *Daemon {
	if config.PIDFile == "" {
		config.PIDFile = DefaultPIDFile
	}
	if config.APIAddr == "" {
		config.APIAddr = DefaultAPIAddr
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		pidFile:    config.PIDFile,
		apiAddr:    config.APIAddr,
		env:        env,
		history:    store,
		metrics:    metrics.New(),
		logs:       logstream.NewHub("logs", logger),
		envHub:     logstream.NewHub("environment", logger).ReplayLast(),
		statusHub:  logstream.NewHub("status", logger),
		watchConf:  config.Watch,
		pollStatus: config.StatusInterval > 0,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		shutdownCh: make(chan os.Signal, 1),
		startTime:  time.Now(),
	}

	d.monitor = status.NewMonitor(d.packages, config.StatusInterval, logger)
	d.monitor.AddNotifier(status.NewLogNotifier(logger))
	d.monitor.AddNotifier(status.NewChannelNotifier(d.statusHub))
	if config.StatusWebhook != "" {
		d.monitor.AddNotifier(status.NewWebhookNotifier(config.StatusWebhook, logger))
	}
	var recorder lifecycle.Recorder
	if store != nil {
		recorder = store
	}
	d.runner = lifecycle.NewRunner(recorder, d.metrics, d.monitor, logger)

	env.Subscribe(d.onConfiguration)
	d.apiServer = NewAPIServer(d.apiAddr, d, logger)
	return d
}

// Start loads the starting configuration and starts serving
func (d *Daemon) Start() error {
	if running, err := d.IsRunning(); err == nil && running {
		return fmt.Errorf("daemon already running (PID file: %s)", d.pidFile)
	}

	dc, err := d.env.Init(d.ctx, d.reporter())
	if err != nil {
		return err
	}

	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	d.logger.Info("daemon starting",
		zap.String("pidFile", d.pidFile),
		zap.String("apiAddr", d.apiAddr),
		zap.String("configuration", dc.ConfigPath))

	go d.logs.Run(d.ctx)
	go d.envHub.Run(d.ctx)
	go d.statusHub.Run(d.ctx)

	if d.watchConf {
		w, err := watch.New(dc.ConfigPath, d.onFileChange, d.logger)
		if err != nil {
			d.removePIDFile()
			return fmt.Errorf("failed to watch configuration: %w", err)
		}
		d.watcher = w
		go func() {
			if err := w.Run(d.ctx); err != nil {
				d.logger.Error("configuration watcher stopped", zap.Error(err))
			}
		}()
	}

	if err := d.apiServer.Start(); err != nil {
		d.cancel()
		d.removePIDFile()
		return fmt.Errorf("failed to start API server: %w", err)
	}

	if d.pollStatus {
		if err := d.monitor.Start(d.ctx); err != nil {
			d.logger.Error("failed to start status monitor", zap.Error(err))
		}
	}

	signal.Notify(d.shutdownCh, os.Interrupt, syscall.SIGTERM)

	d.logger.Info("daemon started successfully")
	return nil
}

// Wait waits for the daemon to be stopped
func (d *Daemon) Wait() error {
	sig := <-d.shutdownCh
	d.logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	return d.Stop()
}

// Stop stops the daemon and the proxy of the live configuration
func (d *Daemon) Stop() error {
	d.logger.Info("daemon stopping")
	signal.Stop(d.shutdownCh)

	var errs error
	if d.pollStatus {
		errs = multierr.Append(errs, d.monitor.Stop())
	}
	errs = multierr.Append(errs, d.apiServer.Stop())
	d.cancel()
	errs = multierr.Append(errs, d.env.Close())
	if err := d.removePIDFile(); err != nil && !os.IsNotExist(err) {
		errs = multierr.Append(errs, err)
	}

	for _, err := range multierr.Errors(errs) {
		d.logger.Error("shutdown step failed", zap.Error(err))
	}
	d.logger.Info("daemon stopped")
	return errs
}

// IsRunning checks if the daemon is running
func (d *Daemon) IsRunning() (bool, error) {
	return IsDaemonRunning(d.pidFile)
}

// GetStatus returns the daemon status
func (d *Daemon) GetStatus() Status {
	s := Status{
		Running:   true,
		PID:       os.Getpid(),
		StartTime: d.startTime,
		Uptime:    time.Since(d.startTime).Round(time.Second).String(),
		Watching:  d.watcher != nil,
	}
	if dc := d.env.Current(); dc != nil {
		s.ConfigPath = dc.ConfigPath
		s.Packages = len(dc.Packages())
		s.Proxy = dc.Deployment.General.ProxyURL()
		s.Dashboard = dc.Deployment.General.DashboardURL()
	}
	return s
}

// Switch replaces the live configuration and records the attempt
func (d *Daemon) Switch(ctx context.Context, path string, r *report.Reporter) *dynconfig.LoadingStatus {
	var previous string
	if dc := d.env.Current(); dc != nil {
		previous = dc.ConfigPath
	}

	var id string
	if d.history != nil {
		var err error
		if id, err = d.history.Start(ctx, history.OperationSwitch, path, previous); err != nil {
			d.logger.Warn("failed to record switch", zap.Error(err))
		}
	}

	st := d.env.Switch(ctx, path, r)
	d.metrics.ObserveSwitch(st.Validated)

	if d.history != nil && id != "" {
		outcome, msg := history.StatusSuccess, ""
		if !st.Validated {
			outcome, msg = history.StatusFailed, st.Summary()
		}
		if err := d.history.Finish(ctx, id, outcome, msg); err != nil {
			d.logger.Warn("failed to record switch outcome", zap.Error(err))
		}
	}
	return st
}

// reporter returns a reporter streaming to the logs channel
func (d *Daemon) reporter() *report.Reporter {
	return report.New(d.logger, d.logs)
}

func (d *Daemon) packages() []deploy.Package {
	dc := d.env.Current()
	if dc == nil {
		return nil
	}
	return dc.Packages()
}

func (d *Daemon) onConfiguration(dc *dynconfig.DynamicConfiguration) {
	d.envHub.Broadcast(dc)
	d.monitor.Reset()
	d.metrics.SetConfiguration(len(dc.Packages()), dc.Cluster != nil)

	if d.watcher != nil && d.watcher.Path() != dc.ConfigPath {
		if err := d.watcher.SetPath(dc.ConfigPath); err != nil {
			d.logger.Warn("failed to watch new configuration", zap.String("path", dc.ConfigPath), zap.Error(err))
		}
	}
}

func (d *Daemon) onFileChange(path string) {
	d.logger.Info("configuration file changed, reloading", zap.String("path", path))
	st := d.Switch(d.ctx, path, d.reporter())
	if !st.Validated {
		d.logger.Warn("reload rejected, keeping the live configuration", zap.String("checks", st.Summary()))
	}
}

// writePIDFile writes the current PID to the PID file
func (d *Daemon) writePIDFile() error {
	pid := os.Getpid()
	return os.WriteFile(d.pidFile, []byte(fmt.Sprintf("%d\n", pid)), 0644)
}

// removePIDFile removes the PID file
func (d *Daemon) removePIDFile() error {
	return os.Remove(d.pidFile)
}

func readPID(pidFile string) (int, error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}
	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %s", pidStr)
	}
	return pid, nil
}

// IsDaemonRunning checks if a daemon is running based on PID file
func IsDaemonRunning(pidFile string) (bool, error) {
	pid, err := readPID(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false, nil
	}

	// Signal 0 only checks that the process exists
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return false, nil
	}
	return true, nil
}

// StopDaemon stops a running daemon
func StopDaemon(pidFile string) error {
	pid, err := readPID(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("daemon not running (PID file not found)")
		}
		return err
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("process not found: %w", err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM: %w", err)
	}

	for i := 0; i < 50; i++ {
		if err := process.Signal(syscall.Signal(0)); err != nil {
			os.Remove(pidFile)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := process.Kill(); err != nil {
		return fmt.Errorf("failed to kill process: %w", err)
	}

	os.Remove(pidFile)
	return nil
}

// GetDaemonStatus returns the status of a daemon
func GetDaemonStatus(pidFile, apiAddr string) (*Status, error) {
	running, err := IsDaemonRunning(pidFile)
	if err != nil {
		return nil, err
	}
	if !running {
		return &Status{Running: false}, nil
	}
	return NewAPIClient(apiAddr).GetStatus()
}
