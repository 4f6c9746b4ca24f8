package settings

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoadDefaults(t *testing.T) {
	s, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Addr != DefaultAddr {
		t.Errorf("expected addr %s, got %s", DefaultAddr, s.Addr)
	}
	if s.ChartBackend != "cli" || s.HelmBinary != "helm" || s.KubectlBinary != "kubectl" {
		t.Errorf("unexpected tool defaults %+v", s)
	}
	if s.StatusInterval != DefaultStatusInterval {
		t.Errorf("expected %v, got %v", DefaultStatusInterval, s.StatusInterval)
	}
	if s.Watch {
		t.Error("watch must be off by default")
	}
}

func TestLoadPrecedence(t *testing.T) {
	file := filepath.Join(t.TempDir(), "settings.yaml")
	content := `addr: 0.0.0.0:3000
conf: /etc/ywinfra/from-file.star
chart_backend: sdk
status_interval: 1m
log_format: json
`
	if err := os.WriteFile(file, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("YWINFRA_CONF", "/etc/ywinfra/from-env.star")
	t.Setenv("YWINFRA_STATUS_INTERVAL", "10s")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(fs)
	if err := fs.Parse([]string{"--status-interval=5s", "--watch"}); err != nil {
		t.Fatal(err)
	}

	s, err := Load(file, fs)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	tests := []struct {
		name     string
		got      any
		expected any
	}{
		{"file over default", s.Addr, "0.0.0.0:3000"},
		{"file backend", s.ChartBackend, "sdk"},
		{"env over file", s.Conf, "/etc/ywinfra/from-env.star"},
		{"flag over env", s.StatusInterval, 5 * time.Second},
		{"flag bool", s.Watch, true},
		{"unset flag keeps file value", s.LogFormat, "json"},
		{"unset flag keeps default", s.PIDFile, DefaultPIDFile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, tt.got)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Error("expected error for a missing settings file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr string
	}{
		{"valid", func(*Settings) {}, ""},
		{"backend", func(s *Settings) { s.ChartBackend = "kustomize" }, "chart backend"},
		{"log format", func(s *Settings) { s.LogFormat = "xml" }, "log format"},
		{"interval", func(s *Settings) { s.StatusInterval = -time.Second }, "status interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Settings{ChartBackend: "cli", LogFormat: "human"}
			tt.mutate(s)
			err := s.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
