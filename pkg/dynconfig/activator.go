package dynconfig

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/youwol/ywinfra/pkg/cluster"
	"github.com/youwol/ywinfra/pkg/deploy"
	"github.com/youwol/ywinfra/pkg/helm"
	"github.com/youwol/ywinfra/pkg/kube"
	"github.com/youwol/ywinfra/pkg/proxy"
	"github.com/youwol/ywinfra/pkg/report"
	"go.uber.org/zap"
)

// Chart tool backends
const (
	BackendCLI = "cli"
	BackendSDK = "sdk"
)

// ClusterActivator activates configurations against a real cluster
type ClusterActivator struct {
	Kubeconfig   string
	ChartBackend string
	HelmBinary   string

	proxy  *proxy.Manager
	prober *cluster.Prober
	logger *zap.Logger
}

// NewClusterActivator creates an activator using the kubeconfig at path
func NewClusterActivator(kubeconfig string, proxies *proxy.Manager, prober *cluster.Prober, logger *zap.Logger) *ClusterActivator {
	return &ClusterActivator{
		Kubeconfig:   kubeconfig,
		ChartBackend: BackendCLI,
		HelmBinary:   "helm",
		proxy:        proxies,
		prober:       prober,
		logger:       logger,
	}
}

// Activate implements Activator
func (a *ClusterActivator) Activate(ctx context.Context, cfg *deploy.Configuration, r *report.Reporter) Activation {
	g := cfg.General

	if err := kube.UseContext(a.Kubeconfig, g.ContextName); err != nil {
		r.Warning("Failed to select kube context", map[string]string{"context": g.ContextName, "error": err.Error()})
	}

	if p, err := a.proxy.Start(ctx, g.ContextName, g.ProxyPort); err != nil {
		r.Warning("Failed to start kubectl proxy", map[string]string{"error": err.Error()})
	} else {
		r.Info("kubectl proxy started", p)
	}

	client, err := kube.NewClient(a.Kubeconfig, g.ContextName, a.logger)
	if err != nil {
		r.Warning("Cluster client not available", map[string]string{"context": g.ContextName, "error": err.Error()})
		return Activation{Tools: deploy.UnavailableTools(err)}
	}

	charts, err := a.chartTool(g.ContextName)
	if err != nil {
		return Activation{Tools: deploy.UnavailableTools(err)}
	}

	tools := &deploy.Tools{
		Charts:    charts,
		Secrets:   client,
		Manifests: client,
		HTTP:      &http.Client{Timeout: 30 * time.Second},
	}
	return Activation{Tools: tools, Cluster: a.prober.Probe(ctx, client, g.ProxyPort)}
}

// Deactivate implements Activator
func (a *ClusterActivator) Deactivate() error {
	return a.proxy.Stop()
}

func (a *ClusterActivator) chartTool(contextName string) (deploy.ChartTool, error) {
	switch a.ChartBackend {
	case BackendSDK:
		return helm.NewSDK(a.Kubeconfig, contextName, a.logger), nil
	case BackendCLI, "":
		c := helm.NewCLI(a.logger)
		c.SetBinary(a.HelmBinary)
		c.SetKubeContext(contextName)
		return c, nil
	default:
		return nil, fmt.Errorf("unknown chart backend %q", a.ChartBackend)
	}
}
