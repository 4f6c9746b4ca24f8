package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

type fakeSource struct {
	token    string
	nodes    []corev1.NodeStatus
	nodesErr error
	ip       string
	ipErr    error
	timeout  time.Duration
}

func (f *fakeSource) AccessToken() string { return f.token }

func (f *fakeSource) ListNodes(_ context.Context, timeout time.Duration) ([]corev1.NodeStatus, error) {
	f.timeout = timeout
	return f.nodes, f.nodesErr
}

func (f *fakeSource) ServiceLoadBalancerIP(context.Context, string, string) (string, error) {
	return f.ip, f.ipErr
}

func TestProbeReachable(t *testing.T) {
	src := &fakeSource{
		token: "tok",
		nodes: []corev1.NodeStatus{{Phase: corev1.NodeRunning}},
		ip:    "104.199.0.92",
	}
	info := NewProber(zap.NewNop()).Probe(context.Background(), src, 8001)

	if info == nil {
		t.Fatal("expected cluster info")
	}
	if info.AccessToken != "tok" || len(info.Nodes) != 1 {
		t.Errorf("unexpected info %+v", info)
	}
	if info.K8sAPIProxy != "http://localhost:8001" {
		t.Errorf("unexpected proxy url %s", info.K8sAPIProxy)
	}
	if info.APIGatewayIP != "104.199.0.92" {
		t.Errorf("unexpected gateway ip %s", info.APIGatewayIP)
	}
	if src.timeout != 2*time.Second {
		t.Errorf("expected 2s node timeout, got %v", src.timeout)
	}
}

func TestProbeGatewayMissing(t *testing.T) {
	src := &fakeSource{
		nodes: []corev1.NodeStatus{{}},
		ipErr: apierrors.NewNotFound(schema.GroupResource{Resource: "services"}, "kong-kong-proxy"),
	}
	info := NewProber(zap.NewNop()).Probe(context.Background(), src, 8001)
	if info == nil {
		t.Fatal("missing gateway must not degrade the probe")
	}
	if info.APIGatewayIP != "" {
		t.Errorf("expected empty gateway ip, got %s", info.APIGatewayIP)
	}
}

func TestProbeDegrades(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"refused", fmt.Errorf("list nodes: %w", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED})},
		{"deadline", fmt.Errorf("list nodes: %w", context.DeadlineExceeded)},
		{"forbidden", apierrors.NewForbidden(schema.GroupResource{Resource: "nodes"}, "", errors.New("rbac"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := NewProber(zap.NewNop()).Probe(context.Background(), &fakeSource{nodesErr: tt.err}, 8001)
			if info != nil {
				t.Errorf("expected nil info, got %+v", info)
			}
		})
	}
}

func TestIsUnreachable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"dns", &net.DNSError{Name: "cluster.local", IsNotFound: true}, true},
		{"forbidden", apierrors.NewForbidden(schema.GroupResource{Resource: "nodes"}, "", errors.New("rbac")), false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUnreachable(tt.err); got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}
