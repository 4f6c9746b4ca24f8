package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/youwol/ywinfra/pkg/report"
)

// HelmPackage installs a local chart folder as a release named after the package
type HelmPackage struct {
	Key
	ChartFolder string            `json:"chartFolder"`
	ValuesFile  string            `json:"valuesFile"`
	WithValues  map[string]any    `json:"withValues,omitempty"`
	Secrets     map[string]string `json:"secrets,omitempty"`
	Timeout     time.Duration     `json:"-"`

	tools *Tools
}

// NewHelmPackage creates a helm package with the default values file and timeout
func NewHelmPackage(name, namespace, chartFolder string) *HelmPackage {
	return &HelmPackage{
		Key:         Key{Name: name, Namespace: namespace},
		ChartFolder: chartFolder,
		ValuesFile:  filepath.Join(chartFolder, "values.yaml"),
		Timeout:     DefaultChartTimeout,
	}
}

func (p *HelmPackage) Kind() string { return KindHelm }

// WithTools returns a copy of the package bound to t
func (p *HelmPackage) WithTools(t *Tools) Package {
	cp := *p
	cp.tools = t
	return &cp
}

// Request builds the chart tool request, flattening WithValues into --set assignments
func (p *HelmPackage) Request() ChartRequest {
	valuesFile := p.ValuesFile
	if valuesFile == "" {
		valuesFile = filepath.Join(p.ChartFolder, "values.yaml")
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultChartTimeout
	}
	return ChartRequest{
		ReleaseName: p.Name,
		Namespace:   p.Namespace,
		ChartFolder: p.ChartFolder,
		ValuesFile:  valuesFile,
		Set:         FlattenValues(p.WithValues),
		Timeout:     timeout,
		Atomic:      true,
	}
}

// Install provisions the declared secrets then installs the chart
func (p *HelmPackage) Install(ctx context.Context, r *report.Reporter) error {
	t, err := p.bound()
	if err != nil {
		return err
	}
	if err := p.ensureSecrets(ctx, t, r); err != nil {
		return err
	}

	req := p.Request()
	req.CreateNamespace = true
	r.Info("helm install", map[string]any{"release": req.ReleaseName, "namespace": req.Namespace, "set": req.Set})
	if err := t.Charts.Install(ctx, req, r); err != nil {
		return fmt.Errorf("failed to install %s: %w", p.Key, err)
	}
	return nil
}

// Upgrade provisions missing secrets then upgrades the release
func (p *HelmPackage) Upgrade(ctx context.Context, r *report.Reporter) error {
	t, err := p.bound()
	if err != nil {
		return err
	}
	if err := p.ensureSecrets(ctx, t, r); err != nil {
		return err
	}

	req := p.Request()
	r.Info("helm upgrade", map[string]any{"release": req.ReleaseName, "namespace": req.Namespace, "set": req.Set})
	if err := t.Charts.Upgrade(ctx, req, r); err != nil {
		return fmt.Errorf("failed to upgrade %s: %w", p.Key, err)
	}
	return nil
}

// IsInstalled reports whether a release named after the package exists in its namespace
func (p *HelmPackage) IsInstalled(ctx context.Context) (bool, error) {
	t, err := p.bound()
	if err != nil {
		return false, err
	}
	releases, err := t.Charts.List(ctx, p.Namespace)
	if err != nil {
		return false, fmt.Errorf("failed to list releases in %s: %w", p.Namespace, err)
	}
	for _, rel := range releases {
		if rel.Name == p.Name && (rel.Namespace == "" || rel.Namespace == p.Namespace) {
			return true, nil
		}
	}
	return false, nil
}

// MarshalJSON adds the package kind and renders the timeout in seconds
func (p *HelmPackage) MarshalJSON() ([]byte, error) {
	type alias HelmPackage
	return json.Marshal(struct {
		Kind    string `json:"kind"`
		Timeout int64  `json:"timeout"`
		*alias
	}{Kind: KindHelm, Timeout: int64(p.Timeout / time.Second), alias: (*alias)(p)})
}

func (p *HelmPackage) ensureSecrets(ctx context.Context, t *Tools, r *report.Reporter) error {
	if len(p.Secrets) == 0 {
		return nil
	}
	created, err := t.Secrets.EnsureSecrets(ctx, p.Namespace, p.Secrets)
	if err != nil {
		return fmt.Errorf("failed to provision secrets of %s: %w", p.Key, err)
	}
	if len(created) > 0 {
		sort.Strings(created)
		r.Info("secrets created", map[string]any{"secrets": created})
	}
	return nil
}

func (p *HelmPackage) bound() (*Tools, error) {
	if p.tools == nil || p.tools.Charts == nil {
		return nil, fmt.Errorf("%s: %w", p.Key, ErrNotBound)
	}
	return p.tools, nil
}
