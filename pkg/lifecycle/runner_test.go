package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/youwol/ywinfra/pkg/deploy"
	"github.com/youwol/ywinfra/pkg/deploy/deploytest"
	"github.com/youwol/ywinfra/pkg/dynconfig"
	"github.com/youwol/ywinfra/pkg/history"
	"github.com/youwol/ywinfra/pkg/metrics"
	"github.com/youwol/ywinfra/pkg/report"
	"github.com/youwol/ywinfra/pkg/status"
	"go.uber.org/zap"
)

type statusRecorder struct {
	mu       sync.Mutex
	statuses []status.PackageStatus
}

func (s *statusRecorder) Publish(st status.PackageStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, st)
}

type fixture struct {
	dc       *dynconfig.DynamicConfiguration
	charts   *deploytest.Charts
	store    *history.Store
	metrics  *metrics.Metrics
	statuses *statusRecorder
	runner   *Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tools, charts := deploytest.Tools()
	cfg := deploy.NewConfiguration(
		deploy.General{ContextName: "dev", ProxyPort: 8001},
		[]deploy.Package{deploy.NewHelmPackage("redis", "infra", "/charts/redis")},
	)

	store, err := history.Open("sqlite:" + filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		dc:       &dynconfig.DynamicConfiguration{ConfigPath: "/conf/a.star", Deployment: cfg.Bind(tools)},
		charts:   charts,
		store:    store,
		metrics:  metrics.New(),
		statuses: &statusRecorder{},
	}
	f.runner = NewRunner(store, f.metrics, f.statuses, zap.NewNop())
	return f
}

func TestInstall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := &report.Recorder{}

	res, err := f.runner.Install(ctx, f.dc, "redis", "infra", report.New(zap.NewNop(), rec))
	if err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if res.Skipped || res.Status == nil || !res.Status.Installed {
		t.Errorf("unexpected result %+v", res)
	}

	if len(f.statuses.statuses) != 2 {
		t.Fatalf("expected pending and final statuses, got %+v", f.statuses.statuses)
	}
	if pending := f.statuses.statuses[0]; !pending.Pending || pending.Installed {
		t.Errorf("unexpected pending status %+v", pending)
	}
	if final := f.statuses.statuses[1]; final.Pending || !final.Installed {
		t.Errorf("unexpected final status %+v", final)
	}

	texts := rec.Texts()
	if len(texts) == 0 || texts[0] != "Install redis in infra started" {
		t.Errorf("unexpected messages %v", texts)
	}

	records, _ := f.store.List(ctx, history.Filter{})
	if len(records) != 1 || records[0].Status != history.StatusSuccess || records[0].Target != "infra/redis" {
		t.Errorf("unexpected history %+v", records)
	}
	if got := testutil.ToFloat64(f.metrics.OperationsTotal.WithLabelValues("install", deploy.KindHelm, metrics.OutcomeSuccess)); got != 1 {
		t.Errorf("expected one successful install, got %v", got)
	}
}

func TestInstallSkipsInstalledPackage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.runner.Install(ctx, f.dc, "redis", "infra", nil); err != nil {
		t.Fatal(err)
	}
	res, err := f.runner.Install(ctx, f.dc, "redis", "infra", nil)
	if err != nil {
		t.Fatalf("second Install failed: %v", err)
	}
	if !res.Skipped {
		t.Error("expected second install to be skipped")
	}
	if len(f.charts.Requests) != 1 {
		t.Errorf("expected the chart tool to be called once, got %d", len(f.charts.Requests))
	}

	records, _ := f.store.List(ctx, history.Filter{Operation: history.OperationInstall})
	if len(records) != 2 || records[0].Status != history.StatusSkipped {
		t.Errorf("unexpected history %+v", records)
	}
}

func TestUpgradeFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.charts.FailWith = errors.New("helm command failed")

	if _, err := f.runner.Upgrade(ctx, f.dc, "redis", "infra", nil); err == nil {
		t.Fatal("expected upgrade to fail")
	}

	records, _ := f.store.List(ctx, history.Filter{Operation: history.OperationUpgrade})
	if len(records) != 1 || records[0].Status != history.StatusFailed {
		t.Errorf("unexpected history %+v", records)
	}
	if got := testutil.ToFloat64(f.metrics.OperationsTotal.WithLabelValues("upgrade", deploy.KindHelm, metrics.OutcomeFailed)); got != 1 {
		t.Errorf("expected one failed upgrade, got %v", got)
	}
}

func TestUnknownPackage(t *testing.T) {
	f := newFixture(t)
	_, err := f.runner.Install(context.Background(), f.dc, "nope", "infra", nil)
	if !errors.Is(err, deploy.ErrPackageNotFound) {
		t.Errorf("expected ErrPackageNotFound, got %v", err)
	}
}

func TestRunnerWithoutOptionalCollaborators(t *testing.T) {
	f := newFixture(t)
	rn := NewRunner(nil, nil, nil, zap.NewNop())

	res, err := rn.Install(context.Background(), f.dc, "redis", "infra", nil)
	if err != nil || res.Skipped {
		t.Fatalf("unexpected result %+v %v", res, err)
	}
	if _, err := rn.Upgrade(context.Background(), f.dc, "redis", "infra", nil); err != nil {
		t.Fatalf("Upgrade failed: %v", err)
	}
}
