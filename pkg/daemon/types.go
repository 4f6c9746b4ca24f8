package daemon

import (
	"context"
	"os"
	"time"

	"github.com/youwol/ywinfra/pkg/dynconfig"
	"github.com/youwol/ywinfra/pkg/history"
	"github.com/youwol/ywinfra/pkg/lifecycle"
	"github.com/youwol/ywinfra/pkg/logstream"
	"github.com/youwol/ywinfra/pkg/metrics"
	"github.com/youwol/ywinfra/pkg/status"
	"github.com/youwol/ywinfra/pkg/watch"
	"go.uber.org/zap"
)

// Daemon serves one Environment over HTTP
type Daemon struct {
	pidFile    string
	apiAddr    string
	apiServer  *APIServer
	env        *dynconfig.Environment
	runner     *lifecycle.Runner
	monitor    *status.Monitor
	history    *history.Store
	metrics    *metrics.Metrics
	logs       *logstream.Hub
	envHub     *logstream.Hub
	statusHub  *logstream.Hub
	watcher    *watch.Watcher
	watchConf  bool
	pollStatus bool
	logger     *zap.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	shutdownCh chan os.Signal
	startTime  time.Time
}

// Config configures the daemon
type Config struct {
	PIDFile        string
	APIAddr        string
	Watch          bool
	StatusInterval time.Duration
	StatusWebhook  string
}

// Status represents daemon status
type Status struct {
	Running    bool      `json:"running"`
	PID        int       `json:"pid,omitempty"`
	Uptime     string    `json:"uptime,omitempty"`
	StartTime  time.Time `json:"startTime,omitempty"`
	ConfigPath string    `json:"configPath,omitempty"`
	Packages   int       `json:"packages"`
	Proxy      string    `json:"proxy,omitempty"`
	Dashboard  string    `json:"dashboard,omitempty"`
	Watching   bool      `json:"watching"`
}

// SwitchRequest asks to replace the live configuration
type SwitchRequest struct {
	Path string `json:"path"`
}

// PackageSummary is the client view of a declared package
type PackageSummary struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
	Kind      string `json:"kind"`
}

// PackagesResponse lists the packages of the live configuration
type PackagesResponse struct {
	ConfigPath string           `json:"configPath"`
	Packages   []PackageSummary `json:"packages"`
}

// ErrorResponse represents API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// SuccessResponse represents API success response
type SuccessResponse struct {
	Message string `json:"message"`
}
