// Package kube wraps the Kubernetes clients used to activate and inspect a cluster context.
package kube

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

// Client wraps the typed clientset and the REST config it was built from
type Client struct {
	RESTConfig  *rest.Config
	Clientset   kubernetes.Interface
	ContextName string

	logger *zap.Logger
}

// KubeconfigPath returns the first entry of $KUBECONFIG, or ~/.kube/config
func KubeconfigPath() string {
	if env := os.Getenv(clientcmd.RecommendedConfigPathEnvVar); env != "" {
		return filepath.SplitList(env)[0]
	}
	return filepath.Join(homedir.HomeDir(), clientcmd.RecommendedHomeDir, clientcmd.RecommendedFileName)
}

// NewClient builds a client for contextName from the kubeconfig at path.
// It does not contact the cluster.
func NewClient(path, contextName string, logger *zap.Logger) (*Client, error) {
	rules := &clientcmd.ClientConfigLoadingRules{ExplicitPath: path}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: contextName}

	cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("build REST config for context %q: %w", contextName, err)
	}
	c, err := NewClientFromRESTConfig(cfg, logger)
	if err != nil {
		return nil, err
	}
	c.ContextName = contextName
	return c, nil
}

// NewClientFromRESTConfig constructs a Client from an existing rest.Config
func NewClientFromRESTConfig(cfg *rest.Config, logger *zap.Logger) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("REST config is nil")
	}
	if cfg.QPS <= 0 {
		cfg.QPS = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 50
	}
	rest.AddUserAgent(cfg, "ywinfra")

	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create clientset: %w", err)
	}
	return &Client{RESTConfig: cfg, Clientset: cs, logger: logger}, nil
}

// NewClientFromClientset wraps an existing clientset, mostly for tests
func NewClientFromClientset(cs kubernetes.Interface, logger *zap.Logger) *Client {
	return &Client{Clientset: cs, RESTConfig: &rest.Config{}, logger: logger}
}

// AccessToken returns the bearer token of the current credentials, if any
func (c *Client) AccessToken() string {
	if c.RESTConfig == nil {
		return ""
	}
	if c.RESTConfig.BearerToken != "" {
		return c.RESTConfig.BearerToken
	}
	if c.RESTConfig.BearerTokenFile != "" {
		data, err := os.ReadFile(c.RESTConfig.BearerTokenFile)
		if err == nil {
			return strings.TrimSpace(string(data))
		}
		c.logger.Debug("failed to read bearer token file", zap.Error(err))
	}
	return ""
}

// ListNodes returns the status of every node, bounded by timeout
func (c *Client) ListNodes(ctx context.Context, timeout time.Duration) ([]corev1.NodeStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var seconds *int64
	if s := int64(timeout.Seconds()); s > 0 {
		seconds = &s
	}
	nodes, err := c.Clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{TimeoutSeconds: seconds})
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}

	out := make([]corev1.NodeStatus, 0, len(nodes.Items))
	for _, n := range nodes.Items {
		out = append(out, n.Status)
	}
	return out, nil
}

// ServiceLoadBalancerIP returns the first load balancer ingress IP of a service.
// It returns an empty string when the service has no ingress yet.
func (c *Client) ServiceLoadBalancerIP(ctx context.Context, namespace, name string) (string, error) {
	svc, err := c.Clientset.CoreV1().Services(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("get service %s/%s: %w", namespace, name, err)
	}
	for _, ing := range svc.Status.LoadBalancer.Ingress {
		if ing.IP != "" {
			return ing.IP, nil
		}
		if ing.Hostname != "" {
			return ing.Hostname, nil
		}
	}
	return "", nil
}

// NamespaceExists reports whether the namespace exists
func (c *Client) NamespaceExists(ctx context.Context, name string) (bool, error) {
	_, err := c.Clientset.CoreV1().Namespaces().Get(ctx, name, metav1.GetOptions{})
	if err == nil {
		return true, nil
	}
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("get namespace %s: %w", name, err)
}

// EnsureNamespace creates the namespace if it does not exist
func (c *Client) EnsureNamespace(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("namespace name is empty")
	}

	exists, err := c.NamespaceExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	_, err = c.Clientset.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: name},
	}, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			return nil
		}
		return fmt.Errorf("create namespace %s: %w", name, err)
	}
	c.logger.Info("namespace created", zap.String("namespace", name))
	return nil
}

// UseContext persists contextName as the current context of the kubeconfig at path
func UseContext(path, contextName string) error {
	po := clientcmd.NewDefaultPathOptions()
	po.LoadingRules.ExplicitPath = path

	cfg, err := po.GetStartingConfig()
	if err != nil {
		return fmt.Errorf("load kubeconfig: %w", err)
	}
	if _, ok := cfg.Contexts[contextName]; !ok {
		return fmt.Errorf("context %q not found in kubeconfig", contextName)
	}
	if cfg.CurrentContext == contextName {
		return nil
	}
	cfg.CurrentContext = contextName
	if err := clientcmd.ModifyConfig(po, *cfg, true); err != nil {
		return fmt.Errorf("update kubeconfig: %w", err)
	}
	return nil
}
