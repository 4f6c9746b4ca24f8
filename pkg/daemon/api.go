package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/youwol/ywinfra/pkg/deploy"
	"github.com/youwol/ywinfra/pkg/dynconfig"
	"github.com/youwol/ywinfra/pkg/history"
	"github.com/youwol/ywinfra/pkg/lifecycle"
	"github.com/youwol/ywinfra/pkg/report"
	"github.com/youwol/ywinfra/pkg/status"
	"go.uber.org/zap"
)

// APIServer provides HTTP API for daemon control
type APIServer struct {
	addr    string
	daemon  *Daemon
	logger  *zap.Logger
	server  *http.Server
	handler *APIHandler
}

// APIHandler handles API requests
type APIHandler struct {
	daemon *Daemon
	logger *zap.Logger
}

// NewAPIServer creates a new API server
func NewAPIServer(addr string, daemon *Daemon, logger *zap.Logger) *APIServer {
	handler := &APIHandler{
		daemon: daemon,
		logger: logger,
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &APIServer{
		addr:    addr,
		daemon:  daemon,
		logger:  logger,
		server:  server,
		handler: handler,
	}
}

// Router returns the routes of the API
func (h *APIHandler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", h.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/environment", h.handleEnvironment).Methods(http.MethodGet)
	api.HandleFunc("/environment/switch", h.handleSwitch).Methods(http.MethodPost)
	api.HandleFunc("/environment/folder-content", h.handleFolderContent).Methods(http.MethodPost)
	api.HandleFunc("/packages", h.handlePackages).Methods(http.MethodGet)
	api.HandleFunc("/packages/status", h.handleStatuses).Methods(http.MethodGet)
	api.HandleFunc("/packages/{namespace}/{name}/status", h.handlePackageStatus).Methods(http.MethodGet)
	api.HandleFunc("/packages/{namespace}/{name}/install", h.handleInstall).Methods(http.MethodPost)
	api.HandleFunc("/packages/{namespace}/{name}/upgrade", h.handleUpgrade).Methods(http.MethodPost)
	api.HandleFunc("/history", h.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/shutdown", h.handleShutdown).Methods(http.MethodPost)

	r.Handle("/metrics", h.daemon.metrics.Handler())
	r.Handle("/ws/logs", h.daemon.logs)
	r.Handle("/ws/environment", h.daemon.envHub)
	r.Handle("/ws/status", h.daemon.statusHub)
	return r
}

// Start binds the address and serves in the background
func (s *APIServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	go func() {
		s.logger.Info("API server listening", zap.String("addr", s.addr))
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop stops the API server
func (s *APIServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (h *APIHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, map[string]string{"status": "healthy"})
}

func (h *APIHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, h.daemon.GetStatus())
}

// handleEnvironment returns the live configuration, loading it on first use
func (h *APIHandler) handleEnvironment(w http.ResponseWriter, r *http.Request) {
	dc, err := h.daemon.env.Get(r.Context())
	if err != nil {
		h.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.sendJSON(w, dc)
}

// handleSwitch validates and activates a configuration. The loading status is
// returned whether or not the switch succeeded.
func (h *APIHandler) handleSwitch(w http.ResponseWriter, r *http.Request) {
	var req SwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if req.Path == "" {
		h.sendError(w, "Invalid request: path is required", http.StatusBadRequest)
		return
	}

	h.logger.Info("configuration switch requested via API", zap.String("path", req.Path))
	st := h.daemon.Switch(h.daemon.ctx, req.Path, h.daemon.reporter())
	h.sendJSON(w, st)
}

func (h *APIHandler) handleFolderContent(w http.ResponseWriter, r *http.Request) {
	var req dynconfig.FolderContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}
	content, err := dynconfig.ListFolder(req.Dir())
	if err != nil {
		h.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.sendJSON(w, content)
}

func (h *APIHandler) handlePackages(w http.ResponseWriter, r *http.Request) {
	dc, ok := h.current(w, r)
	if !ok {
		return
	}
	resp := PackagesResponse{ConfigPath: dc.ConfigPath, Packages: []PackageSummary{}}
	for _, p := range dc.Packages() {
		key := p.Ref()
		resp.Packages = append(resp.Packages, PackageSummary{Name: key.Name, Namespace: key.Namespace, Kind: p.Kind()})
	}
	h.sendJSON(w, resp)
}

// handleStatuses probes every declared package
func (h *APIHandler) handleStatuses(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.current(w, r); !ok {
		return
	}
	h.sendJSON(w, h.daemon.monitor.CheckNow(r.Context()))
}

func (h *APIHandler) handlePackageStatus(w http.ResponseWriter, r *http.Request) {
	dc, ok := h.current(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	p, err := dc.Package(vars["name"], vars["namespace"])
	if err != nil {
		h.sendPackageError(w, err)
		return
	}
	h.sendJSON(w, status.Of(r.Context(), p, false))
}

func (h *APIHandler) handleInstall(w http.ResponseWriter, r *http.Request) {
	h.runOperation(w, r, h.daemon.runner.Install)
}

func (h *APIHandler) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	h.runOperation(w, r, h.daemon.runner.Upgrade)
}

type operation func(ctx context.Context, dc *dynconfig.DynamicConfiguration, name, namespace string, r *report.Reporter) (*lifecycle.Result, error)

// runOperation runs op on the daemon context so that a client disconnecting
// does not interrupt a chart install halfway.
func (h *APIHandler) runOperation(w http.ResponseWriter, r *http.Request, op operation) {
	dc, ok := h.current(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	res, err := op(h.daemon.ctx, dc, vars["name"], vars["namespace"], h.daemon.reporter())
	if err != nil {
		h.sendPackageError(w, err)
		return
	}
	h.sendJSON(w, res)
}

func (h *APIHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if h.daemon.history == nil {
		h.sendError(w, "Operation history not enabled", http.StatusNotFound)
		return
	}
	q := r.URL.Query()
	f := history.Filter{Operation: q.Get("operation"), Target: q.Get("target")}
	if l := q.Get("limit"); l != "" {
		limit, err := strconv.Atoi(l)
		if err != nil || limit < 0 {
			h.sendError(w, fmt.Sprintf("Invalid limit: %s", l), http.StatusBadRequest)
			return
		}
		f.Limit = limit
	}
	records, err := h.daemon.history.List(r.Context(), f)
	if err != nil {
		h.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []history.OperationRecord{}
	}
	h.sendJSON(w, records)
}

// handleShutdown handles graceful shutdown requests
func (h *APIHandler) handleShutdown(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("shutdown requested via API")
	h.sendSuccess(w, "Shutting down...")

	// Respond before the server stops
	go func() {
		time.Sleep(100 * time.Millisecond)
		select {
		case h.daemon.shutdownCh <- syscall.SIGTERM:
		default:
		}
	}()
}

func (h *APIHandler) current(w http.ResponseWriter, r *http.Request) (*dynconfig.DynamicConfiguration, bool) {
	dc, err := h.daemon.env.Get(r.Context())
	if err != nil {
		h.sendError(w, err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	return dc, true
}

func (h *APIHandler) sendPackageError(w http.ResponseWriter, err error) {
	if errors.Is(err, deploy.ErrPackageNotFound) {
		h.sendError(w, err.Error(), http.StatusNotFound)
		return
	}
	h.sendError(w, err.Error(), http.StatusInternalServerError)
}

func (h *APIHandler) sendJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

// sendError sends an error response
func (h *APIHandler) sendError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}

// sendSuccess sends a success response
func (h *APIHandler) sendSuccess(w http.ResponseWriter, message string) {
	h.sendJSON(w, SuccessResponse{Message: message})
}
