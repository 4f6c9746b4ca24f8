// Package status observes the declared packages of the live configuration.
package status

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/youwol/ywinfra/pkg/deploy"
	"go.uber.org/zap"
)

// Of probes a single package. pending is reported as is.
func Of(ctx context.Context, p deploy.Package, pending bool) PackageStatus {
	key := p.Ref()
	s := PackageStatus{
		Name:      key.Name,
		Namespace: key.Namespace,
		Kind:      p.Kind(),
		Pending:   pending,
		Timestamp: time.Now(),
	}

	installed, err := p.IsInstalled(ctx)
	switch {
	case err != nil:
		broken := SanityBroken
		s.Sanity = &broken
		s.Error = err.Error()
	case installed:
		sane := SanitySane
		s.Installed = true
		s.Sanity = &sane
	}
	return s
}

// Source returns the packages to observe
type Source func() []deploy.Package

// Monitor polls the packages of a Source and notifies on change
type Monitor struct {
	source    Source
	interval  time.Duration
	notifiers []Notifier
	logger    *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
	latest  map[deploy.Key]PackageStatus
}

// NewMonitor creates a monitor polling every interval
func NewMonitor(source Source, interval time.Duration, logger *zap.Logger) *Monitor {
	return &Monitor{
		source:   source,
		interval: interval,
		logger:   logger,
		latest:   make(map[deploy.Key]PackageStatus),
	}
}

// AddNotifier adds a notification handler for status changes
func (m *Monitor) AddNotifier(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifiers = append(m.notifiers, n)
}

// Start begins the polling loop
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("monitor already running")
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.running = true
	m.mu.Unlock()

	m.logger.Info("starting status monitor", zap.Duration("interval", m.interval))

	m.wg.Add(1)
	go m.run()
	return nil
}

// Stop halts the polling loop
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return fmt.Errorf("monitor not running")
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
	return nil
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.CheckNow(m.ctx)
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.CheckNow(m.ctx)
		}
	}
}

// CheckNow probes every package once, notifies the changed ones and
// returns the statuses in declaration order.
func (m *Monitor) CheckNow(ctx context.Context) []PackageStatus {
	packages := m.source()
	statuses := make([]PackageStatus, 0, len(packages))
	for _, p := range packages {
		statuses = append(statuses, Of(ctx, p, false))
	}

	m.mu.Lock()
	var changed []PackageStatus
	next := make(map[deploy.Key]PackageStatus, len(statuses))
	for _, s := range statuses {
		if prev, ok := m.latest[s.Key()]; !ok || prev.changed(s) {
			changed = append(changed, s)
		}
		next[s.Key()] = s
	}
	m.latest = next
	m.mu.Unlock()

	for _, s := range changed {
		m.Publish(s)
	}
	return statuses
}

// Publish sends s to every notifier and records it
func (m *Monitor) Publish(s PackageStatus) {
	m.mu.Lock()
	m.latest[s.Key()] = s
	notifiers := make([]Notifier, len(m.notifiers))
	copy(notifiers, m.notifiers)
	m.mu.Unlock()

	for _, n := range notifiers {
		if err := n.Notify(s); err != nil {
			m.logger.Error("failed to notify",
				zap.String("package", s.Key().String()),
				zap.Error(err))
		}
	}
}

// Latest returns the last known status of a package
func (m *Monitor) Latest(key deploy.Key) (PackageStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.latest[key]
	return s, ok
}

// Reset forgets every known status, typically after a configuration switch
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest = make(map[deploy.Key]PackageStatus)
}
