package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/youwol/ywinfra/pkg/auth"
	"github.com/youwol/ywinfra/pkg/deploy"
	"github.com/youwol/ywinfra/pkg/deploy/deploytest"
	"github.com/youwol/ywinfra/pkg/dynconfig"
	"github.com/youwol/ywinfra/pkg/history"
	"github.com/youwol/ywinfra/pkg/report"
	"github.com/youwol/ywinfra/pkg/script"
	"go.uber.org/zap"
)

type fakeActivator struct {
	mu            sync.Mutex
	tools         *deploy.Tools
	deactivations int
}

func (a *fakeActivator) Activate(context.Context, *deploy.Configuration, *report.Reporter) dynconfig.Activation {
	return dynconfig.Activation{Tools: a.tools}
}

func (a *fakeActivator) Deactivate() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deactivations++
	return nil
}

func (a *fakeActivator) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deactivations
}

func configScript(packages ...string) string {
	var decls []string
	for _, p := range packages {
		decls = append(decls, fmt.Sprintf(`helm_package(name = "%s", namespace = "infra", chart_folder = "/charts/%s")`, p, p))
	}
	return `def configuration():
    return deployment_configuration(
        general = general(context_name = "dev", proxy_port = 8001),
        packages = [` + strings.Join(decls, ", ") + `],
    )
`
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

type fixture struct {
	dir      string
	confPath string
	act      *fakeActivator
	daemon   *Daemon
	store    *history.Store
}

func newFixture(t *testing.T, config Config) *fixture {
	t.Helper()
	dir := t.TempDir()
	confPath := filepath.Join(dir, "a.star")
	writeFile(t, confPath, configScript("redis"))

	tools, _ := deploytest.Tools()
	act := &fakeActivator{tools: tools}
	logger := zap.NewNop()
	loader := dynconfig.NewLoader(script.NewEvaluator(logger), act, auth.NewTokenCache(logger), logger)
	env := dynconfig.NewEnvironment(loader, confPath, logger)

	store, err := history.Open("sqlite:" + filepath.Join(dir, "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if config.PIDFile == "" {
		config.PIDFile = filepath.Join(dir, "ywinfra.pid")
	}
	if config.APIAddr == "" {
		config.APIAddr = "127.0.0.1:0"
	}
	return &fixture{
		dir:      dir,
		confPath: confPath,
		act:      act,
		daemon:   NewDaemon(config, env, store, logger),
		store:    store,
	}
}

// serve loads the configuration and serves the API without binding the
// configured address.
func (f *fixture) serve(t *testing.T) (*httptest.Server, *APIClient) {
	t.Helper()
	d := f.daemon
	if _, err := d.env.Init(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	go d.logs.Run(d.ctx)
	go d.envHub.Run(d.ctx)
	go d.statusHub.Run(d.ctx)
	t.Cleanup(d.cancel)

	server := httptest.NewServer(d.apiServer.handler.Router())
	t.Cleanup(server.Close)
	return server, NewAPIClient(strings.TrimPrefix(server.URL, "http://"))
}

func TestIsDaemonRunning(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "test.pid")

	running, err := IsDaemonRunning(pidFile)
	if err != nil {
		t.Errorf("Expected no error when PID file doesn't exist, got: %v", err)
	}
	if running {
		t.Error("Expected daemon not running when PID file doesn't exist")
	}

	writeFile(t, pidFile, fmt.Sprintf("%d\n", os.Getpid()))
	running, err = IsDaemonRunning(pidFile)
	if err != nil || !running {
		t.Errorf("Expected the current process to be reported running, got %v, %v", running, err)
	}

	writeFile(t, pidFile, "not-a-pid")
	if _, err := IsDaemonRunning(pidFile); err == nil {
		t.Error("Expected error for an invalid PID file")
	}
}

func TestStopDaemonWithoutPIDFile(t *testing.T) {
	if err := StopDaemon(filepath.Join(t.TempDir(), "missing.pid")); err == nil {
		t.Error("expected error when no daemon runs")
	}
}

func TestAPIClient(t *testing.T) {
	client := NewAPIClient("127.0.0.1:2001")
	if client.baseURL != "http://127.0.0.1:2001" {
		t.Errorf("Expected baseURL to be http://127.0.0.1:2001, got: %s", client.baseURL)
	}
	if client.client.Timeout != 10*time.Second {
		t.Errorf("Expected timeout to be 10s, got: %v", client.client.Timeout)
	}
	if client.long.Timeout != OperationTimeout {
		t.Errorf("Expected operation timeout %v, got: %v", OperationTimeout, client.long.Timeout)
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, Config{})
	d := f.daemon

	if err := d.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := os.Stat(d.pidFile); err != nil {
		t.Errorf("expected PID file: %v", err)
	}
	if s := d.GetStatus(); s.ConfigPath != f.confPath || s.Packages != 1 || s.Watching {
		t.Errorf("unexpected status %+v", s)
	}

	if err := d.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if _, err := os.Stat(d.pidFile); !os.IsNotExist(err) {
		t.Error("expected PID file to be removed")
	}
	if f.act.count() == 0 {
		t.Error("expected the proxy to be stopped")
	}
}

func TestStartInvalidConfiguration(t *testing.T) {
	f := newFixture(t, Config{})
	writeFile(t, f.confPath, "def configuration(:\n")

	err := f.daemon.Start()
	var initErr *dynconfig.InitError
	if !errors.As(err, &initErr) {
		t.Fatalf("expected InitError, got %v", err)
	}
	if !strings.Contains(err.Error(), dynconfig.CheckValidScript) {
		t.Errorf("expected the failed check in %q", err)
	}
	if _, err := os.Stat(f.daemon.pidFile); !os.IsNotExist(err) {
		t.Error("no PID file must be written")
	}
}

func TestPackagesAPI(t *testing.T) {
	f := newFixture(t, Config{})
	_, client := f.serve(t)

	if !client.IsHealthy() {
		t.Fatal("expected healthy daemon")
	}

	pkgs, err := client.Packages()
	if err != nil {
		t.Fatal(err)
	}
	if pkgs.ConfigPath != f.confPath || len(pkgs.Packages) != 1 {
		t.Fatalf("unexpected packages %+v", pkgs)
	}
	if p := pkgs.Packages[0]; p.Name != "redis" || p.Namespace != "infra" || p.Kind != deploy.KindHelm {
		t.Errorf("unexpected package %+v", p)
	}

	st, err := client.PackageStatus("infra", "redis")
	if err != nil {
		t.Fatal(err)
	}
	if st.Installed || st.Sanity != nil {
		t.Errorf("expected not installed, got %+v", st)
	}

	res, err := client.Install("infra", "redis")
	if err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if res.Skipped || res.Status == nil || !res.Status.Installed {
		t.Errorf("unexpected install result %+v", res)
	}

	res, err = client.Install("infra", "redis")
	if err != nil || !res.Skipped {
		t.Errorf("expected second install to be skipped, got %+v %v", res, err)
	}

	if _, err := client.Upgrade("infra", "redis"); err != nil {
		t.Errorf("Upgrade failed: %v", err)
	}

	statuses, err := client.Statuses()
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 1 || !statuses[0].Installed {
		t.Errorf("unexpected statuses %+v", statuses)
	}

	if _, err := client.Install("infra", "nope"); err == nil || !strings.Contains(err.Error(), "package not found") {
		t.Errorf("expected package not found, got %v", err)
	}

	records, err := client.History(history.Filter{Target: "infra/redis"})
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Errorf("expected 3 recorded operations, got %+v", records)
	}
}

func TestSwitchAPI(t *testing.T) {
	f := newFixture(t, Config{})
	server, client := f.serve(t)

	missing := filepath.Join(f.dir, "missing.star")
	st, err := client.Switch(missing)
	if err != nil {
		t.Fatal(err)
	}
	if st.Validated || st.Checks[0].Status.Error() == nil {
		t.Errorf("expected rejected switch, got %+v", st)
	}

	pathB := filepath.Join(f.dir, "b.star")
	writeFile(t, pathB, configScript("minio", "vault"))
	st, err = client.Switch(pathB)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Validated {
		t.Fatalf("expected switch to succeed: %s", st.Summary())
	}

	pkgs, _ := client.Packages()
	if pkgs.ConfigPath != pathB || len(pkgs.Packages) != 2 {
		t.Errorf("unexpected packages after switch %+v", pkgs)
	}

	raw, err := client.Environment()
	if err != nil {
		t.Fatal(err)
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"configFilepath", "deploymentConfiguration", "clusterInfo"} {
		if _, ok := env[key]; !ok {
			t.Errorf("environment misses %q", key)
		}
	}

	records, _ := client.History(history.Filter{Operation: history.OperationSwitch})
	if len(records) != 2 || records[0].Status != history.StatusSuccess || records[1].Status != history.StatusFailed {
		t.Errorf("unexpected switch history %+v", records)
	}

	resp, err := http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`ywinfra_configuration_switches_total{outcome="success"} 1`,
		`ywinfra_configuration_switches_total{outcome="failed"} 1`,
		`ywinfra_configuration_declared_packages 2`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics miss %q", want)
		}
	}
}

func TestSwitchAPIBadRequest(t *testing.T) {
	f := newFixture(t, Config{})
	server, _ := f.serve(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		code   int
	}{
		{"empty path", http.MethodPost, "/api/v1/environment/switch", `{}`, http.StatusBadRequest},
		{"invalid json", http.MethodPost, "/api/v1/environment/switch", `{`, http.StatusBadRequest},
		{"wrong method", http.MethodGet, "/api/v1/environment/switch", ``, http.StatusMethodNotAllowed},
		{"unknown package", http.MethodGet, "/api/v1/packages/infra/nope/status", ``, http.StatusNotFound},
		{"invalid limit", http.MethodGet, "/api/v1/history?limit=x", ``, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, server.URL+tt.path, strings.NewReader(tt.body))
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.code {
				t.Errorf("expected %d, got %d", tt.code, resp.StatusCode)
			}
		})
	}
}

func TestFolderContentAPI(t *testing.T) {
	f := newFixture(t, Config{})
	_, client := f.serve(t)

	if err := os.Mkdir(filepath.Join(f.dir, "charts"), 0755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(f.dir, "notes.txt"), "x")

	segments := strings.Split(filepath.ToSlash(f.dir), "/")
	content, err := client.FolderContent(segments)
	if err != nil {
		t.Fatal(err)
	}
	if len(content.Configurations) != 1 || content.Configurations[0] != "a.star" {
		t.Errorf("unexpected configurations %v", content.Configurations)
	}
	if len(content.Folders) != 1 || content.Folders[0] != "charts" {
		t.Errorf("unexpected folders %v", content.Folders)
	}
}

func TestEnvironmentChannelReplaysLiveConfiguration(t *testing.T) {
	f := newFixture(t, Config{})
	server, _ := f.serve(t)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/environment"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var msg struct {
		ConfigPath string `json:"configFilepath"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.ConfigPath != f.confPath {
		t.Errorf("expected %s, got %s", f.confPath, msg.ConfigPath)
	}
}

func TestWatchReloadsConfiguration(t *testing.T) {
	f := newFixture(t, Config{Watch: true})
	d := f.daemon
	if err := d.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer d.Stop()

	writeFile(t, f.confPath, configScript("redis", "minio"))

	deadline := time.Now().Add(5 * time.Second)
	for len(d.env.Current().Packages()) != 2 {
		if time.Now().After(deadline) {
			t.Fatal("configuration was not reloaded")
		}
		time.Sleep(20 * time.Millisecond)
	}

	// A broken edit is rejected and the live configuration kept
	writeFile(t, f.confPath, "def configuration(:\n")
	time.Sleep(time.Second)
	if got := len(d.env.Current().Packages()); got != 2 {
		t.Errorf("expected the live configuration to be kept, got %d packages", got)
	}
}
