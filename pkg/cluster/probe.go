// Package cluster probes a cluster context for the information exposed
// alongside a loaded configuration.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	utilnet "k8s.io/apimachinery/pkg/util/net"
)

const (
	DefaultNodeTimeout      = 2 * time.Second
	DefaultGatewayNamespace = "api-gateway"
	DefaultGatewayService   = "kong-kong-proxy"
)

// Info describes a reachable cluster
type Info struct {
	AccessToken  string              `json:"accessToken"`
	Nodes        []corev1.NodeStatus `json:"nodes"`
	APIGatewayIP string              `json:"apiGatewayIp,omitempty"`
	K8sAPIProxy  string              `json:"k8sApiProxy"`
}

// Source is the cluster access needed by the probe
type Source interface {
	AccessToken() string
	ListNodes(ctx context.Context, timeout time.Duration) ([]corev1.NodeStatus, error)
	ServiceLoadBalancerIP(ctx context.Context, namespace, name string) (string, error)
}

// Prober gathers Info, degrading to nil when the cluster cannot be reached
type Prober struct {
	NodeTimeout      time.Duration
	GatewayNamespace string
	GatewayService   string

	logger *zap.Logger
}

// NewProber creates a prober with the default timeout and gateway service
func NewProber(logger *zap.Logger) *Prober {
	return &Prober{
		NodeTimeout:      DefaultNodeTimeout,
		GatewayNamespace: DefaultGatewayNamespace,
		GatewayService:   DefaultGatewayService,
		logger:           logger,
	}
}

// Probe returns the cluster info, or nil when the node listing fails.
// Connectivity failures are expected (cluster down, VPN off) and logged as warnings.
func (p *Prober) Probe(ctx context.Context, src Source, proxyPort int) *Info {
	if src == nil {
		return nil
	}

	nodes, err := src.ListNodes(ctx, p.NodeTimeout)
	if err != nil {
		if IsUnreachable(err) {
			p.logger.Warn("cluster unreachable", zap.Error(err))
		} else {
			p.logger.Error("failed to probe cluster", zap.Error(err))
		}
		return nil
	}

	info := &Info{
		AccessToken: src.AccessToken(),
		Nodes:       nodes,
		K8sAPIProxy: fmt.Sprintf("http://localhost:%d", proxyPort),
	}

	ip, err := src.ServiceLoadBalancerIP(ctx, p.GatewayNamespace, p.GatewayService)
	switch {
	case err == nil:
		info.APIGatewayIP = ip
	case apierrors.IsNotFound(err):
		p.logger.Debug("api gateway service not installed",
			zap.String("namespace", p.GatewayNamespace),
			zap.String("service", p.GatewayService))
	default:
		p.logger.Warn("failed to read api gateway address", zap.Error(err))
	}

	return info
}

// IsUnreachable reports whether err denotes a connectivity failure
func IsUnreachable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	if utilnet.IsConnectionRefused(err) || utilnet.IsConnectionReset(err) || utilnet.IsProbableEOF(err) {
		return true
	}
	if apierrors.IsTimeout(err) || apierrors.IsServerTimeout(err) || apierrors.IsServiceUnavailable(err) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
