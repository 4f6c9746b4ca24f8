package kube

import (
	"context"
	"fmt"
	"os"
	"sort"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"
)

// LoadSecretManifest reads a Secret manifest from a YAML file
func LoadSecretManifest(path string) (*corev1.Secret, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secret manifest: %w", err)
	}
	var secret corev1.Secret
	if err := yaml.Unmarshal(data, &secret); err != nil {
		return nil, fmt.Errorf("parse secret manifest %s: %w", path, err)
	}
	if secret.Kind != "" && secret.Kind != "Secret" {
		return nil, fmt.Errorf("manifest %s is a %s, not a Secret", path, secret.Kind)
	}
	return &secret, nil
}

// EnsureSecrets creates each secret of secrets (name -> manifest path) in namespace
// when it does not exist yet. Existing secrets are left untouched.
// It returns the names of the created secrets.
func (c *Client) EnsureSecrets(ctx context.Context, namespace string, secrets map[string]string) ([]string, error) {
	if err := c.EnsureNamespace(ctx, namespace); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(secrets))
	for name := range secrets {
		names = append(names, name)
	}
	sort.Strings(names)

	var created []string
	api := c.Clientset.CoreV1().Secrets(namespace)
	for _, name := range names {
		_, err := api.Get(ctx, name, metav1.GetOptions{})
		if err == nil {
			continue
		}
		if !apierrors.IsNotFound(err) {
			return created, fmt.Errorf("get secret %s/%s: %w", namespace, name, err)
		}

		secret, err := LoadSecretManifest(secrets[name])
		if err != nil {
			return created, err
		}
		secret.Name = name
		secret.Namespace = namespace
		secret.ResourceVersion = ""

		if _, err := api.Create(ctx, secret, metav1.CreateOptions{}); err != nil {
			if apierrors.IsAlreadyExists(err) {
				continue
			}
			return created, fmt.Errorf("create secret %s/%s: %w", namespace, name, err)
		}
		c.logger.Info("secret created", zap.String("namespace", namespace), zap.String("name", name))
		created = append(created, name)
	}
	return created, nil
}
