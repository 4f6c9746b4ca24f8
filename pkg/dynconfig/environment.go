package dynconfig

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/youwol/ywinfra/pkg/report"
	"go.uber.org/zap"
)

// DefaultConfigFile is looked up in the working directory when no path is given
const DefaultConfigFile = "yw_infra_config.star"

// ErrNoStartingConfig is returned when no starting configuration can be found
var ErrNoStartingConfig = errors.New("no configuration provided: use --conf or create " + DefaultConfigFile + " in the working directory")

// ResolveStartPath returns flagPath when set, else the default file in dir if it exists
func ResolveStartPath(flagPath, dir string) (string, error) {
	if flagPath != "" {
		return flagPath, nil
	}
	candidate := filepath.Join(dir, DefaultConfigFile)
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}
	return "", ErrNoStartingConfig
}

// InitError is returned when the starting configuration does not validate
type InitError struct {
	Status *LoadingStatus
}

func (e *InitError) Error() string {
	return fmt.Sprintf("failed to load configuration %s:\n%s", e.Status.Path, e.Status.Summary())
}

// Environment owns the live configuration. Readers call Get or Current;
// Init and Switch are serialized.
type Environment struct {
	loader    *Loader
	startPath string
	logger    *zap.Logger

	current atomic.Pointer[DynamicConfiguration]
	mu      sync.Mutex

	subsMu      sync.RWMutex
	subscribers []func(*DynamicConfiguration)
}

// NewEnvironment creates an environment that loads startPath on Init
func NewEnvironment(loader *Loader, startPath string, logger *zap.Logger) *Environment {
	return &Environment{
		loader:    loader,
		startPath: startPath,
		logger:    logger,
	}
}

// Subscribe registers fn to be called after every successful load
func (e *Environment) Subscribe(fn func(*DynamicConfiguration)) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	e.subscribers = append(e.subscribers, fn)
}

func (e *Environment) notify(dc *DynamicConfiguration) {
	e.subsMu.RLock()
	subs := make([]func(*DynamicConfiguration), len(e.subscribers))
	copy(subs, e.subscribers)
	e.subsMu.RUnlock()

	for _, fn := range subs {
		fn(dc)
	}
}

// Current returns the live configuration, nil before Init
func (e *Environment) Current() *DynamicConfiguration {
	return e.current.Load()
}

// Get returns the live configuration, loading the starting one if needed
func (e *Environment) Get(ctx context.Context) (*DynamicConfiguration, error) {
	if dc := e.current.Load(); dc != nil {
		return dc, nil
	}
	return e.Init(ctx, nil)
}

// Init loads the starting configuration. A concurrent Init or Switch that
// already published a configuration wins.
func (e *Environment) Init(ctx context.Context, r *report.Reporter) (*DynamicConfiguration, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if dc := e.current.Load(); dc != nil {
		return dc, nil
	}

	dc, status := e.loader.SafeLoad(ctx, e.startPath, r)
	if dc == nil {
		for _, c := range status.Failures() {
			e.logger.Error("configuration check failed",
				zap.String("check", c.Name),
				zap.String("reason", c.Status.Error().Reason),
				zap.Strings("hints", c.Status.Error().Hints))
		}
		return nil, &InitError{Status: status}
	}

	e.current.Store(dc)
	e.logger.Info("configuration loaded", zap.String("path", dc.ConfigPath))
	e.notify(dc)
	return dc, nil
}

// Switch replaces the live configuration with the one at path. When path does not
// validate the live configuration and its proxy are left untouched.
func (e *Environment) Switch(ctx context.Context, path string, r *report.Reporter) *LoadingStatus {
	r = r.Start("Switch Configuration", map[string]string{"path": path})

	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, status := e.loader.Validate(path)
	if !status.Validated {
		failures := status.Failures()
		r.Error("Failed to switch configuration", map[string]any{
			"first error": failures[0],
			"errors":      failures,
			"all checks":  status.Checks,
		})
		r.End(fmt.Errorf("%s %s", failures[0].Name, failures[0].Status.Error().Reason))
		return status
	}

	if err := e.loader.activator.Deactivate(); err != nil {
		r.Warning("Failed to stop previous proxy", map[string]string{"error": err.Error()})
	}
	dc := e.loader.activate(ctx, path, cfg, r)
	e.current.Store(dc)

	r.Info("Switched to new conf. successful", status)
	r.End(nil)
	e.notify(dc)
	return status
}

// Close stops the proxy of the live configuration
func (e *Environment) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loader.activator.Deactivate()
}
