package proxy

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func fakeKubectl(t *testing.T) string {
	t.Helper()
	return writeKubectl(t, "#!/bin/sh\nexec sleep 30\n")
}

func writeKubectl(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	path := filepath.Join(t.TempDir(), "kubectl")
	if err := os.WriteFile(path, []byte(body), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestArgs(t *testing.T) {
	m := NewManager("/home/me/.kube/config", zap.NewNop())
	expected := []string{"proxy", "--port=8001", "--context", "gc", "--kubeconfig", "/home/me/.kube/config"}
	if got := m.Args("gc", 8001); !reflect.DeepEqual(got, expected) {
		t.Errorf("expected %v, got %v", expected, got)
	}
}

func TestStartStop(t *testing.T) {
	m := NewManager("", zap.NewNop())
	m.SetBinary(fakeKubectl(t))

	p, err := m.Start(context.Background(), "dev", 8001)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if p.PID == 0 || p.Port != 8001 {
		t.Errorf("unexpected process %+v", p)
	}

	current, ok := m.Current()
	if !ok || current.PID != p.PID {
		t.Errorf("expected current proxy %d, got %+v (ok=%v)", p.PID, current, ok)
	}

	// restarting replaces the owned process
	p2, err := m.Start(context.Background(), "prod", 8002)
	if err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if p2.PID == p.PID {
		t.Error("expected a new process")
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if _, ok := m.Current(); ok {
		t.Error("expected no proxy after Stop")
	}
	if err := m.Stop(); err != nil {
		t.Errorf("second Stop must be a no-op, got %v", err)
	}
}

func TestStartMissingBinary(t *testing.T) {
	m := NewManager("", zap.NewNop())
	m.SetBinary(filepath.Join(t.TempDir(), "missing"))

	if _, err := m.Start(context.Background(), "dev", 8001); err == nil {
		t.Error("expected error for missing binary")
	}
}

func TestStartExitsImmediately(t *testing.T) {
	m := NewManager("", zap.NewNop())
	m.SetBinary(writeKubectl(t, "#!/bin/sh\necho 'listen tcp 127.0.0.1:8001: bind: address already in use' >&2\nexit 1\n"))

	_, err := m.Start(context.Background(), "dev", 8001)
	if err == nil {
		t.Fatal("expected error when the proxy exits on startup")
	}
	if !strings.Contains(err.Error(), "address already in use") {
		t.Errorf("expected kubectl output in error, got %v", err)
	}
	if _, ok := m.Current(); ok {
		t.Error("expected no current proxy")
	}
	if err := m.Stop(); err != nil {
		t.Errorf("Stop after failed start must be a no-op, got %v", err)
	}
}
