// Package lifecycle runs install and upgrade operations on declared packages.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/youwol/ywinfra/pkg/deploy"
	"github.com/youwol/ywinfra/pkg/dynconfig"
	"github.com/youwol/ywinfra/pkg/history"
	"github.com/youwol/ywinfra/pkg/metrics"
	"github.com/youwol/ywinfra/pkg/report"
	"github.com/youwol/ywinfra/pkg/status"
	"go.uber.org/zap"
)

// Recorder stores the history of operations
type Recorder interface {
	Start(ctx context.Context, operation, target, configPath string) (string, error)
	Finish(ctx context.Context, id, status, message string) error
}

// StatusPublisher receives package statuses while operations run
type StatusPublisher interface {
	Publish(s status.PackageStatus)
}

// Result describes a completed operation
type Result struct {
	Package string                `json:"package"`
	Skipped bool                  `json:"skipped"`
	Status  *status.PackageStatus `json:"status,omitempty"`
}

// Runner orchestrates package operations. History, metrics and statuses are optional.
type Runner struct {
	history  Recorder
	metrics  *metrics.Metrics
	statuses StatusPublisher
	logger   *zap.Logger
}

// NewRunner creates a runner
func NewRunner(history Recorder, m *metrics.Metrics, statuses StatusPublisher, logger *zap.Logger) *Runner {
	return &Runner{
		history:  history,
		metrics:  m,
		statuses: statuses,
		logger:   logger,
	}
}

// Install installs a package of dc unless it is already installed
func (rn *Runner) Install(ctx context.Context, dc *dynconfig.DynamicConfiguration, name, namespace string, r *report.Reporter) (*Result, error) {
	p, err := dc.Package(name, namespace)
	if err != nil {
		return nil, err
	}
	key := p.Ref()

	ctxR := r.Start(fmt.Sprintf("Install %s in %s", name, namespace), map[string]string{"kind": p.Kind()})
	started := time.Now()
	recID := rn.recordStart(ctx, history.OperationInstall, key, dc.ConfigPath)

	installed, err := p.IsInstalled(ctx)
	if err != nil {
		rn.finish(ctx, recID, history.OperationInstall, p, started, err)
		ctxR.End(err)
		return nil, err
	}
	if installed {
		ctxR.Info(fmt.Sprintf("%s already installed", name), nil)
		ctxR.End(nil)
		rn.recordFinish(ctx, recID, history.StatusSkipped, "already installed")
		rn.observe(history.OperationInstall, p.Kind(), metrics.OutcomeSkipped, 0)
		return &Result{Package: key.String(), Skipped: true}, nil
	}

	rn.publishPending(p, false)
	err = p.Install(ctx, ctxR)
	ctxR.End(err)
	return rn.done(ctx, recID, history.OperationInstall, p, started, err)
}

// Upgrade upgrades a package of dc
func (rn *Runner) Upgrade(ctx context.Context, dc *dynconfig.DynamicConfiguration, name, namespace string, r *report.Reporter) (*Result, error) {
	p, err := dc.Package(name, namespace)
	if err != nil {
		return nil, err
	}
	key := p.Ref()

	ctxR := r.Start(fmt.Sprintf("Upgrade %s in %s", name, namespace), map[string]string{"kind": p.Kind()})
	started := time.Now()
	recID := rn.recordStart(ctx, history.OperationUpgrade, key, dc.ConfigPath)

	installed, err := p.IsInstalled(ctx)
	if err != nil {
		rn.finish(ctx, recID, history.OperationUpgrade, p, started, err)
		ctxR.End(err)
		return nil, err
	}

	rn.publishPending(p, installed)
	err = p.Upgrade(ctx, ctxR)
	ctxR.End(err)
	return rn.done(ctx, recID, history.OperationUpgrade, p, started, err)
}

func (rn *Runner) done(ctx context.Context, recID, operation string, p deploy.Package, started time.Time, err error) (*Result, error) {
	rn.finish(ctx, recID, operation, p, started, err)
	if err != nil {
		return nil, err
	}

	s := status.Of(ctx, p, false)
	if rn.statuses != nil {
		rn.statuses.Publish(s)
	}
	return &Result{Package: p.Ref().String(), Status: &s}, nil
}

func (rn *Runner) finish(ctx context.Context, recID, operation string, p deploy.Package, started time.Time, err error) {
	if err != nil {
		rn.recordFinish(ctx, recID, history.StatusFailed, err.Error())
		rn.observe(operation, p.Kind(), metrics.OutcomeFailed, time.Since(started))
		return
	}
	rn.recordFinish(ctx, recID, history.StatusSuccess, "")
	rn.observe(operation, p.Kind(), metrics.OutcomeSuccess, time.Since(started))
}

func (rn *Runner) publishPending(p deploy.Package, installed bool) {
	if rn.statuses == nil {
		return
	}
	key := p.Ref()
	s := status.PackageStatus{
		Name:      key.Name,
		Namespace: key.Namespace,
		Kind:      p.Kind(),
		Installed: installed,
		Pending:   true,
		Timestamp: time.Now(),
	}
	if installed {
		sane := status.SanitySane
		s.Sanity = &sane
	}
	rn.statuses.Publish(s)
}

func (rn *Runner) recordStart(ctx context.Context, operation string, key deploy.Key, configPath string) string {
	if rn.history == nil {
		return ""
	}
	id, err := rn.history.Start(ctx, operation, key.String(), configPath)
	if err != nil {
		rn.logger.Warn("failed to record operation", zap.String("operation", operation), zap.Error(err))
		return ""
	}
	return id
}

func (rn *Runner) recordFinish(ctx context.Context, id, st, message string) {
	if rn.history == nil || id == "" {
		return
	}
	if err := rn.history.Finish(ctx, id, st, message); err != nil {
		rn.logger.Warn("failed to record operation outcome", zap.String("id", id), zap.Error(err))
	}
}

func (rn *Runner) observe(operation, kind, outcome string, elapsed time.Duration) {
	if rn.metrics == nil {
		return
	}
	rn.metrics.ObserveOperation(operation, kind, outcome, elapsed)
}
