package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/youwol/ywinfra/pkg/report"
)

// MaxManifestSize bounds a manifest fetched from a URL
const MaxManifestSize = 16 << 20

// Deployment applies a raw manifest, fetched from URL or read from Path.
// Applying is declarative: Upgrade applies the same manifest again.
type Deployment struct {
	Key
	URL  string `json:"url,omitempty"`
	Path string `json:"path,omitempty"`

	tools *Tools
}

// NewDeployment creates a manifest deployment. Exactly one of url and path should be set.
func NewDeployment(name, namespace, url, path string) *Deployment {
	return &Deployment{
		Key:  Key{Name: name, Namespace: namespace},
		URL:  url,
		Path: path,
	}
}

func (d *Deployment) Kind() string { return KindDeployment }

// WithTools returns a copy of the deployment bound to t
func (d *Deployment) WithTools(t *Tools) Package {
	cp := *d
	cp.tools = t
	return &cp
}

// Source returns where the manifest comes from
func (d *Deployment) Source() string {
	if d.Path != "" {
		return d.Path
	}
	return d.URL
}

func (d *Deployment) Install(ctx context.Context, r *report.Reporter) error {
	return d.apply(ctx, r)
}

func (d *Deployment) Upgrade(ctx context.Context, r *report.Reporter) error {
	return d.apply(ctx, r)
}

// IsInstalled reports whether the target namespace exists
func (d *Deployment) IsInstalled(ctx context.Context) (bool, error) {
	t, err := d.bound()
	if err != nil {
		return false, err
	}
	return t.Manifests.NamespaceExists(ctx, d.Namespace)
}

// MarshalJSON adds the package kind
func (d *Deployment) MarshalJSON() ([]byte, error) {
	type alias Deployment
	return json.Marshal(struct {
		Kind string `json:"kind"`
		*alias
	}{Kind: KindDeployment, alias: (*alias)(d)})
}

func (d *Deployment) apply(ctx context.Context, r *report.Reporter) error {
	t, err := d.bound()
	if err != nil {
		return err
	}

	data, err := d.manifest(ctx, t)
	if err != nil {
		return err
	}

	r.Info("applying manifest", map[string]any{"source": d.Source(), "bytes": len(data)})
	if err := t.Manifests.ApplyYAML(ctx, data, d.Namespace); err != nil {
		return fmt.Errorf("failed to apply manifest of %s: %w", d.Key, err)
	}
	return nil
}

func (d *Deployment) manifest(ctx context.Context, t *Tools) ([]byte, error) {
	if d.Path != "" {
		data, err := os.ReadFile(d.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest: %w", err)
		}
		return data, nil
	}

	client := t.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create manifest request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("failed to fetch manifest: %s returned %d", d.URL, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxManifestSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest body: %w", err)
	}
	if len(data) > MaxManifestSize {
		return nil, fmt.Errorf("manifest %s exceeds %d bytes", d.URL, MaxManifestSize)
	}
	return data, nil
}

func (d *Deployment) bound() (*Tools, error) {
	if d.tools == nil || d.tools.Manifests == nil {
		return nil, fmt.Errorf("%s: %w", d.Key, ErrNotBound)
	}
	return d.tools, nil
}
