package dynconfig

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/youwol/ywinfra/pkg/auth"
	"github.com/youwol/ywinfra/pkg/cluster"
	"github.com/youwol/ywinfra/pkg/deploy"
)

// DynamicConfiguration is a loaded configuration together with the cluster
// snapshot taken when it was activated. It is never modified once published.
type DynamicConfiguration struct {
	ConfigPath string
	Deployment *deploy.Configuration
	Cluster    *cluster.Info

	tokens *auth.TokenCache
}

// Package returns the package declared under (name, namespace)
func (d *DynamicConfiguration) Package(name, namespace string) (deploy.Package, error) {
	return d.Deployment.Lookup(name, namespace)
}

// Packages returns the declared packages in declaration order
func (d *DynamicConfiguration) Packages() []deploy.Package {
	return d.Deployment.Packages
}

// ClientCredentials returns an access token for clientID using the secrets folder
// and OpenID host of the configuration.
func (d *DynamicConfiguration) ClientCredentials(ctx context.Context, clientID, scope string) (string, error) {
	g := d.Deployment.General
	if g.OpenIDHost == "" {
		return "", errors.New("the configuration does not define an OpenID host")
	}
	if d.tokens == nil {
		return "", errors.New("no token cache configured")
	}
	return d.tokens.Token(ctx, auth.Request{
		ClientID:      clientID,
		Scope:         scope,
		SecretsFolder: g.SecretsFolder,
		OpenIDHost:    g.OpenIDHost,
		Realm:         g.OpenIDRealm,
	})
}

func (d *DynamicConfiguration) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ConfigPath string                `json:"configFilepath"`
		Deployment *deploy.Configuration `json:"deploymentConfiguration"`
		Cluster    *cluster.Info         `json:"clusterInfo"`
	}{d.ConfigPath, d.Deployment, d.Cluster})
}
