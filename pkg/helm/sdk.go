package helm

import (
	"context"
	"fmt"
	"os"

	"github.com/youwol/ywinfra/pkg/deploy"
	"github.com/youwol/ywinfra/pkg/report"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
	"helm.sh/helm/v3/pkg/action"
	"helm.sh/helm/v3/pkg/chart"
	"helm.sh/helm/v3/pkg/chart/loader"
	"helm.sh/helm/v3/pkg/cli"
	"helm.sh/helm/v3/pkg/strvals"
)

// SDK drives helm in-process through its action package
type SDK struct {
	kubeconfig  string
	kubeContext string
	driver      string
	logger      *zap.Logger
}

// NewSDK creates a chart tool using the given kubeconfig and context
func NewSDK(kubeconfig, kubeContext string, logger *zap.Logger) *SDK {
	driver := os.Getenv("HELM_DRIVER")
	if driver == "" {
		driver = "secret"
	}
	return &SDK{
		kubeconfig:  kubeconfig,
		kubeContext: kubeContext,
		driver:      driver,
		logger:      logger,
	}
}

// newActionConfig builds a fresh action configuration scoped to namespace
func (s *SDK) newActionConfig(namespace string, r *report.Reporter) (*action.Configuration, error) {
	settings := cli.New()
	settings.KubeConfig = s.kubeconfig
	settings.KubeContext = s.kubeContext
	settings.SetNamespace(namespace)

	cfg := new(action.Configuration)
	logFn := func(format string, v ...any) {
		msg := fmt.Sprintf(format, v...)
		s.logger.Debug("helm", zap.String("namespace", namespace), zap.String("msg", msg))
		r.Debug(msg, nil)
	}
	if err := cfg.Init(settings.RESTClientGetter(), namespace, s.driver, logFn); err != nil {
		return nil, fmt.Errorf("init helm configuration: %w", err)
	}
	return cfg, nil
}

// List returns the deployed and failed releases of a namespace
func (s *SDK) List(ctx context.Context, namespace string) ([]deploy.Release, error) {
	cfg, err := s.newActionConfig(namespace, nil)
	if err != nil {
		return nil, err
	}

	list := action.NewList(cfg)
	list.SetStateMask()
	rels, err := list.Run()
	if err != nil {
		return nil, fmt.Errorf("helm list: %w", err)
	}

	out := make([]deploy.Release, 0, len(rels))
	for _, rel := range rels {
		r := deploy.Release{
			Name:      rel.Name,
			Namespace: rel.Namespace,
			Revision:  fmt.Sprintf("%d", rel.Version),
		}
		if rel.Info != nil {
			r.Status = rel.Info.Status.String()
			r.Updated = rel.Info.LastDeployed.String()
		}
		if rel.Chart != nil && rel.Chart.Metadata != nil {
			r.Chart = fmt.Sprintf("%s-%s", rel.Chart.Metadata.Name, rel.Chart.Metadata.Version)
			r.AppVersion = rel.Chart.Metadata.AppVersion
		}
		out = append(out, r)
	}
	return out, nil
}

// Install loads the chart folder and installs it
func (s *SDK) Install(ctx context.Context, req deploy.ChartRequest, r *report.Reporter) error {
	cfg, err := s.newActionConfig(req.Namespace, r)
	if err != nil {
		return err
	}
	ch, vals, err := loadChart(req)
	if err != nil {
		return err
	}

	in := action.NewInstall(cfg)
	in.ReleaseName = req.ReleaseName
	in.Namespace = req.Namespace
	in.CreateNamespace = req.CreateNamespace
	in.Atomic = req.Atomic
	in.Wait = req.Atomic
	in.Timeout = req.Timeout

	s.logger.Info("installing chart",
		zap.String("release", req.ReleaseName),
		zap.String("namespace", req.Namespace),
		zap.String("chart", req.ChartFolder))

	rel, err := in.RunWithContext(ctx, ch, vals)
	if err != nil {
		return fmt.Errorf("helm install %s: %w", req.ReleaseName, err)
	}
	r.Info("release installed", map[string]any{"revision": rel.Version, "status": rel.Info.Status.String()})
	return nil
}

// Upgrade loads the chart folder and upgrades the release
func (s *SDK) Upgrade(ctx context.Context, req deploy.ChartRequest, r *report.Reporter) error {
	cfg, err := s.newActionConfig(req.Namespace, r)
	if err != nil {
		return err
	}
	ch, vals, err := loadChart(req)
	if err != nil {
		return err
	}

	up := action.NewUpgrade(cfg)
	up.Namespace = req.Namespace
	up.Atomic = req.Atomic
	up.Wait = req.Atomic
	up.Timeout = req.Timeout

	s.logger.Info("upgrading chart",
		zap.String("release", req.ReleaseName),
		zap.String("namespace", req.Namespace),
		zap.String("chart", req.ChartFolder))

	rel, err := up.RunWithContext(ctx, req.ReleaseName, ch, vals)
	if err != nil {
		return fmt.Errorf("helm upgrade %s: %w", req.ReleaseName, err)
	}
	r.Info("release upgraded", map[string]any{"revision": rel.Version, "status": rel.Info.Status.String()})
	return nil
}

func loadChart(req deploy.ChartRequest) (*chart.Chart, map[string]interface{}, error) {
	ch, err := loader.Load(req.ChartFolder)
	if err != nil {
		return nil, nil, fmt.Errorf("load chart %s: %w", req.ChartFolder, err)
	}
	vals, err := MergeValues(req.ValuesFile, req.Set)
	if err != nil {
		return nil, nil, err
	}
	return ch, vals, nil
}

// MergeValues reads the values file and applies the --set assignments on top
func MergeValues(valuesFile string, set []string) (map[string]interface{}, error) {
	vals := map[string]interface{}{}
	if valuesFile != "" {
		loaded, err := LoadValuesFile(valuesFile)
		if err != nil {
			return nil, err
		}
		if loaded != nil {
			vals = loaded
		}
	}
	for _, assignment := range set {
		if err := strvals.ParseInto(assignment, vals); err != nil {
			return nil, fmt.Errorf("failed to parse --set %q: %w", assignment, err)
		}
	}
	return vals, nil
}

// LoadValuesFile loads a values file
func LoadValuesFile(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read values file: %w", err)
	}

	var values map[string]interface{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to parse values file: %w", err)
	}

	return values, nil
}
