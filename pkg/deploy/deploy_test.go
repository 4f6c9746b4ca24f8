package deploy_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/youwol/ywinfra/pkg/deploy"
	"github.com/youwol/ywinfra/pkg/deploy/deploytest"
)

func TestFlattenValues(t *testing.T) {
	tests := []struct {
		name     string
		values   map[string]any
		expected []string
	}{
		{
			name:     "empty",
			values:   nil,
			expected: nil,
		},
		{
			name: "nested",
			values: map[string]any{
				"persistence": map[string]any{
					"storageClass": "standard",
					"size":         "2Gi",
				},
				"replicas": int64(2),
			},
			expected: []string{
				"persistence.size=2Gi",
				"persistence.storageClass=standard",
				"replicas=2",
			},
		},
		{
			name: "literal key paths",
			values: map[string]any{
				"hosts[0].host": "gc.platform.youwol.com",
				"enabled":       true,
				"ratio":         0.5,
				"empty":         nil,
			},
			expected: []string{
				"empty=null",
				"enabled=true",
				"hosts[0].host=gc.platform.youwol.com",
				"ratio=0.5",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := deploy.FlattenValues(tt.values)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestHelmPackageRequest(t *testing.T) {
	p := deploy.NewHelmPackage("redis", "infra", "/charts/redis")
	p.WithValues = map[string]any{"auth": map[string]any{"enabled": false}}

	req := p.Request()
	if req.ValuesFile != "/charts/redis/values.yaml" {
		t.Errorf("unexpected values file %s", req.ValuesFile)
	}
	if req.Timeout != 240*time.Second {
		t.Errorf("expected 240s timeout, got %v", req.Timeout)
	}
	if !req.Atomic {
		t.Error("expected atomic request")
	}
	if len(req.Set) != 1 || req.Set[0] != "auth.enabled=false" {
		t.Errorf("unexpected set values %v", req.Set)
	}
}

func TestHelmPackageLifecycle(t *testing.T) {
	tools, charts := deploytest.Tools()
	cfg := deploy.NewConfiguration(
		deploy.General{ContextName: "minikube", ProxyPort: 8001},
		[]deploy.Package{deploy.NewHelmPackage("redis", "infra", "/charts/redis")},
	).Bind(tools)

	p, err := cfg.Lookup("redis", "infra")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}

	ctx := context.Background()
	installed, err := p.IsInstalled(ctx)
	if err != nil {
		t.Fatalf("IsInstalled failed: %v", err)
	}
	if installed {
		t.Fatal("expected package not installed")
	}

	if err := p.Install(ctx, nil); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	installed, _ = p.IsInstalled(ctx)
	if !installed {
		t.Error("expected package installed after install")
	}

	if err := p.Upgrade(ctx, nil); err != nil {
		t.Fatalf("upgrade failed: %v", err)
	}

	if len(charts.Requests) != 2 {
		t.Fatalf("expected 2 chart requests, got %d", len(charts.Requests))
	}
	if !charts.Requests[0].CreateNamespace {
		t.Error("install must create the namespace")
	}
	if charts.Requests[1].CreateNamespace {
		t.Error("upgrade must not create the namespace")
	}
}

func TestHelmPackageSecretsNeverOverwritten(t *testing.T) {
	tools, _ := deploytest.Tools()
	secrets := tools.Secrets.(*deploytest.Secrets)

	p := deploy.NewHelmPackage("keycloak", "auth", "/charts/keycloak")
	p.Secrets = map[string]string{"keycloak-admin": "/secrets/admin.yaml"}
	bound := p.WithTools(tools)

	ctx := context.Background()
	if err := bound.Install(ctx, nil); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if !secrets.Present["auth/keycloak-admin"] {
		t.Error("expected secret to be provisioned")
	}

	created, _ := secrets.EnsureSecrets(ctx, "auth", p.Secrets)
	if len(created) != 0 {
		t.Errorf("expected no secret re-created, got %v", created)
	}
}

func TestUnboundPackage(t *testing.T) {
	p := deploy.NewHelmPackage("redis", "infra", "/charts/redis")
	if _, err := p.IsInstalled(context.Background()); !errors.Is(err, deploy.ErrNotBound) {
		t.Errorf("expected ErrNotBound, got %v", err)
	}
}

func TestUnavailableTools(t *testing.T) {
	cause := errors.New("connection refused")
	p := deploy.NewHelmPackage("redis", "infra", "/charts/redis").WithTools(deploy.UnavailableTools(cause))

	if _, err := p.IsInstalled(context.Background()); !errors.Is(err, cause) {
		t.Errorf("expected cause to be returned, got %v", err)
	}
}

func TestDeploymentFromURL(t *testing.T) {
	manifest := "apiVersion: v1\nkind: Namespace\nmetadata:\n  name: kubernetes-dashboard\n"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(manifest))
	}))
	defer server.Close()

	tools, _ := deploytest.Tools()
	manifests := tools.Manifests.(*deploytest.Manifests)
	d := deploy.NewDeployment("k8s-dashboard", "kubernetes-dashboard", server.URL, "").WithTools(tools)

	ctx := context.Background()
	installed, _ := d.IsInstalled(ctx)
	if installed {
		t.Fatal("expected deployment not installed")
	}
	if err := d.Install(ctx, nil); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if string(manifests.Applied["kubernetes-dashboard"]) != manifest {
		t.Error("expected the fetched manifest to be applied")
	}
	installed, _ = d.IsInstalled(ctx)
	if !installed {
		t.Error("expected deployment installed")
	}
}

func TestDeploymentFromPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	if err := os.WriteFile(path, []byte("kind: List\n"), 0644); err != nil {
		t.Fatal(err)
	}

	tools, _ := deploytest.Tools()
	d := deploy.NewDeployment("local", "tools", "", path).WithTools(tools)
	if err := d.Upgrade(context.Background(), nil); err != nil {
		t.Fatalf("upgrade failed: %v", err)
	}
}

func TestDeploymentFetchFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	tools, _ := deploytest.Tools()
	d := deploy.NewDeployment("missing", "tools", server.URL, "").WithTools(tools)
	if err := d.Install(context.Background(), nil); err == nil {
		t.Error("expected error on 404")
	}
}

func TestDeploymentManifestTooLarge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("#", deploy.MaxManifestSize+1)))
	}))
	defer server.Close()

	tools, _ := deploytest.Tools()
	manifests := tools.Manifests.(*deploytest.Manifests)
	d := deploy.NewDeployment("big", "tools", server.URL, "").WithTools(tools)
	err := d.Install(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "exceeds") {
		t.Fatalf("expected size error, got %v", err)
	}
	if _, ok := manifests.Applied["tools"]; ok {
		t.Error("expected no manifest applied")
	}
}

func TestLookupMissing(t *testing.T) {
	cfg := deploy.NewConfiguration(deploy.General{ContextName: "c", ProxyPort: 8001}, nil)
	_, err := cfg.Lookup("redis", "infra")
	if !errors.Is(err, deploy.ErrPackageNotFound) {
		t.Errorf("expected ErrPackageNotFound, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		general  deploy.General
		packages []deploy.Package
		problems []string
	}{
		{
			name:    "valid",
			general: deploy.General{ContextName: "minikube", ProxyPort: 8001},
			packages: []deploy.Package{
				deploy.NewHelmPackage("redis", "infra", "/charts/redis"),
				deploy.NewDeployment("dash", "kubernetes-dashboard", "https://example.com/d.yaml", ""),
			},
		},
		{
			name:     "bad general",
			general:  deploy.General{ProxyPort: 0},
			problems: []string{"context name is required", "proxy port 0 is out of range"},
		},
		{
			name:    "duplicates",
			general: deploy.General{ContextName: "minikube", ProxyPort: 8001},
			packages: []deploy.Package{
				deploy.NewHelmPackage("redis", "infra", "/charts/redis"),
				deploy.NewHelmPackage("redis", "infra", "/charts/redis-2"),
			},
			problems: []string{"declared more than once"},
		},
		{
			name:    "deployment source",
			general: deploy.General{ContextName: "minikube", ProxyPort: 8001},
			packages: []deploy.Package{
				deploy.NewDeployment("dash", "kubernetes-dashboard", "", ""),
			},
			problems: []string{"exactly one of url or path"},
		},
		{
			name:    "unsupported values",
			general: deploy.General{ContextName: "minikube", ProxyPort: 8001},
			packages: []deploy.Package{
				&deploy.HelmPackage{
					Key:         deploy.Key{Name: "redis", Namespace: "infra"},
					ChartFolder: "/charts/redis",
					WithValues:  map[string]any{"hosts": []any{"a"}},
				},
			},
			problems: []string{"unsupported type"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := deploy.NewConfiguration(tt.general, tt.packages).Validate()
			if len(tt.problems) == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}

			var verr *deploy.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if len(verr.Problems) != len(tt.problems) {
				t.Fatalf("expected %d problems, got %v", len(tt.problems), verr.Problems)
			}
			for i, want := range tt.problems {
				if !strings.Contains(verr.Problems[i], want) {
					t.Errorf("problem %d: expected %q in %q", i, want, verr.Problems[i])
				}
			}
		})
	}
}

func TestConfigurationJSON(t *testing.T) {
	cfg := deploy.NewConfiguration(
		deploy.General{ContextName: "minikube", ProxyPort: 8001},
		[]deploy.Package{deploy.NewHelmPackage("redis", "infra", "/charts/redis")},
	)

	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded struct {
		General struct {
			ContextName string `json:"contextName"`
		} `json:"general"`
		Packages []map[string]any `json:"packages"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded.General.ContextName != "minikube" {
		t.Errorf("unexpected context %s", decoded.General.ContextName)
	}
	if len(decoded.Packages) != 1 {
		t.Fatalf("expected one package, got %d", len(decoded.Packages))
	}
	if decoded.Packages[0]["kind"] != "helm" || decoded.Packages[0]["name"] != "redis" {
		t.Errorf("unexpected package json %v", decoded.Packages[0])
	}
	if decoded.Packages[0]["timeout"] != float64(240) {
		t.Errorf("expected timeout in seconds, got %v", decoded.Packages[0]["timeout"])
	}
}

func TestDashboardURL(t *testing.T) {
	g := deploy.General{ProxyPort: 8001}
	if !strings.HasPrefix(g.DashboardURL(), "http://localhost:8001/api/v1/namespaces/kubernetes-dashboard/") {
		t.Errorf("unexpected dashboard url %s", g.DashboardURL())
	}
}
