// Package deploytest provides in-memory chart, secret and manifest tools.
package deploytest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/youwol/ywinfra/pkg/deploy"
	"github.com/youwol/ywinfra/pkg/report"
)

// Charts is an in-memory release registry
type Charts struct {
	mu       sync.Mutex
	releases map[deploy.Key]deploy.Release
	Requests []deploy.ChartRequest

	// FailWith makes Install and Upgrade fail when set
	FailWith error
}

// NewCharts creates an empty registry
func NewCharts() *Charts {
	return &Charts{releases: make(map[deploy.Key]deploy.Release)}
}

func (c *Charts) List(_ context.Context, namespace string) ([]deploy.Release, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []deploy.Release
	for key, rel := range c.releases {
		if key.Namespace == namespace {
			out = append(out, rel)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *Charts) Install(_ context.Context, req deploy.ChartRequest, r *report.Reporter) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Requests = append(c.Requests, req)
	if c.FailWith != nil {
		return c.FailWith
	}
	key := deploy.Key{Name: req.ReleaseName, Namespace: req.Namespace}
	if _, ok := c.releases[key]; ok {
		return fmt.Errorf("cannot re-use a name that is still in use")
	}
	c.releases[key] = deploy.Release{Name: req.ReleaseName, Namespace: req.Namespace, Revision: "1", Status: "deployed"}
	r.Info("release installed", nil)
	return nil
}

func (c *Charts) Upgrade(_ context.Context, req deploy.ChartRequest, r *report.Reporter) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Requests = append(c.Requests, req)
	if c.FailWith != nil {
		return c.FailWith
	}
	key := deploy.Key{Name: req.ReleaseName, Namespace: req.Namespace}
	rel, ok := c.releases[key]
	if !ok {
		return fmt.Errorf("%q has no deployed releases", req.ReleaseName)
	}
	rel.Revision = fmt.Sprintf("%s+1", rel.Revision)
	c.releases[key] = rel
	r.Info("release upgraded", nil)
	return nil
}

// Secrets records secret provisioning and never overwrites
type Secrets struct {
	mu      sync.Mutex
	Present map[string]bool
}

func (s *Secrets) EnsureSecrets(_ context.Context, namespace string, secrets map[string]string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Present == nil {
		s.Present = make(map[string]bool)
	}
	var created []string
	for name := range secrets {
		id := namespace + "/" + name
		if s.Present[id] {
			continue
		}
		s.Present[id] = true
		created = append(created, name)
	}
	sort.Strings(created)
	return created, nil
}

// Manifests records applied manifests; applying creates the target namespace
type Manifests struct {
	mu         sync.Mutex
	Applied    map[string][]byte
	namespaces map[string]bool
}

func (m *Manifests) ApplyYAML(_ context.Context, data []byte, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Applied == nil {
		m.Applied = make(map[string][]byte)
		m.namespaces = make(map[string]bool)
	}
	m.Applied[namespace] = data
	m.namespaces[namespace] = true
	return nil
}

func (m *Manifests) NamespaceExists(_ context.Context, namespace string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.namespaces[namespace], nil
}

// Tools returns fresh fakes wired together
func Tools() (*deploy.Tools, *Charts) {
	charts := NewCharts()
	return &deploy.Tools{
		Charts:    charts,
		Secrets:   &Secrets{},
		Manifests: &Manifests{},
	}, charts
}
