package deploy

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

// General holds the cluster-wide settings of a configuration
type General struct {
	ContextName   string `json:"contextName"`
	ProxyPort     int    `json:"proxyPort"`
	OpenIDHost    string `json:"openIdHost,omitempty"`
	OpenIDRealm   string `json:"openIdRealm,omitempty"`
	SecretsFolder string `json:"secretsFolder,omitempty"`
}

// ProxyURL is the address of the local API proxy
func (g General) ProxyURL() string {
	return fmt.Sprintf("http://localhost:%d", g.ProxyPort)
}

// DashboardURL is the address of the Kubernetes dashboard served through the local proxy
func (g General) DashboardURL() string {
	return g.ProxyURL() + "/api/v1/namespaces/kubernetes-dashboard/services/https:kubernetes-dashboard:/proxy/"
}

// ValidationError lists every problem found in a configuration
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid deployment configuration: " + strings.Join(e.Problems, "; ")
}

// Configuration is the evaluated result of a configuration script
type Configuration struct {
	General  General
	Packages []Package

	index map[Key]Package
}

// NewConfiguration creates a configuration and indexes its packages.
// When keys collide the first package wins; Validate reports the collision.
func NewConfiguration(general General, packages []Package) *Configuration {
	c := &Configuration{
		General:  general,
		Packages: packages,
		index:    make(map[Key]Package, len(packages)),
	}
	for _, p := range packages {
		if _, ok := c.index[p.Ref()]; !ok {
			c.index[p.Ref()] = p
		}
	}
	return c
}

// Lookup returns the package declared under (name, namespace)
func (c *Configuration) Lookup(name, namespace string) (Package, error) {
	key := Key{Name: name, Namespace: namespace}
	p, ok := c.index[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPackageNotFound, key)
	}
	return p, nil
}

// Bind returns a new configuration whose packages use t
func (c *Configuration) Bind(t *Tools) *Configuration {
	packages := make([]Package, len(c.Packages))
	for i, p := range c.Packages {
		if b, ok := p.(interface{ WithTools(*Tools) Package }); ok {
			packages[i] = b.WithTools(t)
			continue
		}
		packages[i] = p
	}
	return NewConfiguration(c.General, packages)
}

// Validate checks the whole configuration and reports every problem at once
func (c *Configuration) Validate() error {
	var errs error

	if strings.TrimSpace(c.General.ContextName) == "" {
		errs = multierr.Append(errs, fmt.Errorf("general: context name is required"))
	}
	if c.General.ProxyPort <= 0 || c.General.ProxyPort > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("general: proxy port %d is out of range", c.General.ProxyPort))
	}

	seen := make(map[Key]bool, len(c.Packages))
	for i, p := range c.Packages {
		key := p.Ref()
		if key.Name == "" || key.Namespace == "" {
			errs = multierr.Append(errs, fmt.Errorf("package #%d: name and namespace are required", i))
		}
		if seen[key] {
			errs = multierr.Append(errs, fmt.Errorf("package %s is declared more than once", key))
		}
		seen[key] = true

		switch x := p.(type) {
		case *HelmPackage:
			if x.ChartFolder == "" {
				errs = multierr.Append(errs, fmt.Errorf("package %s: chart folder is required", key))
			}
			for _, problem := range checkValues("", x.WithValues) {
				errs = multierr.Append(errs, fmt.Errorf("package %s: %s", key, problem))
			}
			for name, path := range x.Secrets {
				if name == "" || path == "" {
					errs = multierr.Append(errs, fmt.Errorf("package %s: secrets need a name and a path", key))
				}
			}
		case *Deployment:
			if (x.URL == "") == (x.Path == "") {
				errs = multierr.Append(errs, fmt.Errorf("package %s: exactly one of url or path is required", key))
			}
		}
	}

	if errs == nil {
		return nil
	}
	problems := make([]string, 0)
	for _, err := range multierr.Errors(errs) {
		problems = append(problems, err.Error())
	}
	return &ValidationError{Problems: problems}
}

// MarshalJSON renders the configuration with camelCase keys
func (c *Configuration) MarshalJSON() ([]byte, error) {
	packages := c.Packages
	if packages == nil {
		packages = []Package{}
	}
	return json.Marshal(struct {
		General  General   `json:"general"`
		Packages []Package `json:"packages"`
	}{General: c.General, Packages: packages})
}
