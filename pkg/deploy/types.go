// Package deploy models the installable units of a deployment configuration:
// Helm charts and raw Kubernetes manifests.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/youwol/ywinfra/pkg/report"
)

const (
	KindHelm       = "helm"
	KindDeployment = "deployment"

	// DefaultChartTimeout bounds a single install or upgrade
	DefaultChartTimeout = 240 * time.Second
)

var (
	// ErrPackageNotFound is returned when no package matches a (name, namespace) key
	ErrPackageNotFound = errors.New("package not found")

	// ErrNotBound is returned by packages used before being bound to cluster tools
	ErrNotBound = errors.New("package is not bound to a cluster")
)

// Key identifies a package within a configuration
type Key struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
}

// Ref returns the key itself so that embedding types satisfy Package.Ref
func (k Key) Ref() Key { return k }

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Namespace, k.Name)
}

// Package is an installable unit targeting one namespace
type Package interface {
	Ref() Key
	Kind() string
	Install(ctx context.Context, r *report.Reporter) error
	Upgrade(ctx context.Context, r *report.Reporter) error
	IsInstalled(ctx context.Context) (bool, error)
}

// Release is an entry of the chart tool's release registry
type Release struct {
	Name       string `json:"name"`
	Namespace  string `json:"namespace"`
	Revision   string `json:"revision"`
	Updated    string `json:"updated"`
	Status     string `json:"status"`
	Chart      string `json:"chart"`
	AppVersion string `json:"app_version"`
}

// ChartRequest describes one chart install or upgrade
type ChartRequest struct {
	ReleaseName     string
	Namespace       string
	ChartFolder     string
	ValuesFile      string
	Set             []string
	Timeout         time.Duration
	Atomic          bool
	CreateNamespace bool
}

// ChartTool installs charts and lists releases
type ChartTool interface {
	List(ctx context.Context, namespace string) ([]Release, error)
	Install(ctx context.Context, req ChartRequest, r *report.Reporter) error
	Upgrade(ctx context.Context, req ChartRequest, r *report.Reporter) error
}

// SecretProvisioner creates secrets from manifest files when they are missing.
// It returns the names of the secrets it created.
type SecretProvisioner interface {
	EnsureSecrets(ctx context.Context, namespace string, secrets map[string]string) ([]string, error)
}

// ManifestApplier applies raw manifests to the cluster
type ManifestApplier interface {
	ApplyYAML(ctx context.Context, data []byte, namespace string) error
	NamespaceExists(ctx context.Context, namespace string) (bool, error)
}

// Tools groups the cluster-facing collaborators of packages
type Tools struct {
	Charts    ChartTool
	Secrets   SecretProvisioner
	Manifests ManifestApplier
	HTTP      *http.Client
}

// Unavailable stands in for every tool when the cluster could not be reached
// at activation time. Each call fails with Err.
type Unavailable struct {
	Err error
}

func (u Unavailable) List(context.Context, string) ([]Release, error) { return nil, u.Err }

func (u Unavailable) Install(context.Context, ChartRequest, *report.Reporter) error { return u.Err }

func (u Unavailable) Upgrade(context.Context, ChartRequest, *report.Reporter) error { return u.Err }

func (u Unavailable) EnsureSecrets(context.Context, string, map[string]string) ([]string, error) {
	return nil, u.Err
}

func (u Unavailable) ApplyYAML(context.Context, []byte, string) error { return u.Err }

func (u Unavailable) NamespaceExists(context.Context, string) (bool, error) { return false, u.Err }

// UnavailableTools returns tools failing every call with err
func UnavailableTools(err error) *Tools {
	u := Unavailable{Err: err}
	return &Tools{Charts: u, Secrets: u, Manifests: u}
}
