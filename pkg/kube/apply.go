package kube

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"
	meta "k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	utilyaml "k8s.io/apimachinery/pkg/util/yaml"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/discovery/cached/memory"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/restmapper"
)

// FieldManager is the server-side apply field manager of every apply
const FieldManager = "ywinfra"

// ApplyYAML server-side applies a multi-document YAML or JSON stream.
// Namespaced objects without metadata.namespace land in namespace.
func (c *Client) ApplyYAML(ctx context.Context, data []byte, namespace string) error {
	if c == nil || c.RESTConfig == nil {
		return fmt.Errorf("kube client is not initialized")
	}

	dc, err := discovery.NewDiscoveryClientForConfig(c.RESTConfig)
	if err != nil {
		return fmt.Errorf("create discovery client: %w", err)
	}
	mapper := restmapper.NewDeferredDiscoveryRESTMapper(memory.NewMemCacheClient(dc))
	dy, err := dynamic.NewForConfig(c.RESTConfig)
	if err != nil {
		return fmt.Errorf("create dynamic client: %w", err)
	}

	count := 0
	dec := utilyaml.NewYAMLOrJSONDecoder(bytes.NewReader(data), 4096)
	for {
		var raw map[string]any
		if err := dec.Decode(&raw); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("decode yaml: %w", err)
		}
		if len(raw) == 0 {
			continue
		}
		if err := c.applyUnstructured(ctx, &unstructured.Unstructured{Object: raw}, namespace, dy, mapper); err != nil {
			return err
		}
		count++
	}

	c.logger.Info("manifest applied", zap.String("namespace", namespace), zap.Int("objects", count))
	return nil
}

func (c *Client) applyUnstructured(ctx context.Context, u *unstructured.Unstructured, namespace string, dy dynamic.Interface, mapper meta.RESTMapper) error {
	if u.GetKind() == "" || u.GetAPIVersion() == "" {
		return nil
	}
	gvk := schema.FromAPIVersionAndKind(u.GetAPIVersion(), u.GetKind())
	mapping, err := mapper.RESTMapping(gvk.GroupKind(), gvk.Version)
	if err != nil {
		return fmt.Errorf("rest mapping %s: %w", gvk.String(), err)
	}

	if mapping.Scope.Name() == meta.RESTScopeNameNamespace && u.GetNamespace() == "" {
		ns := namespace
		if ns == "" {
			ns = "default"
		}
		u.SetNamespace(ns)
	}
	if u.GetName() == "" {
		return fmt.Errorf("object %s missing metadata.name", gvk.String())
	}

	body, err := json.Marshal(u.Object)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", u.GetKind(), u.GetName(), err)
	}

	var ri dynamic.ResourceInterface = dy.Resource(mapping.Resource)
	if u.GetNamespace() != "" && mapping.Scope.Name() == meta.RESTScopeNameNamespace {
		ri = dy.Resource(mapping.Resource).Namespace(u.GetNamespace())
	}

	force := true
	if _, err := ri.Patch(ctx, u.GetName(), types.ApplyPatchType, body, metav1.PatchOptions{FieldManager: FieldManager, Force: &force}); err != nil {
		return fmt.Errorf("apply %s %s: %w", u.GetKind(), u.GetName(), err)
	}
	c.logger.Debug("object applied",
		zap.String("kind", u.GetKind()),
		zap.String("namespace", u.GetNamespace()),
		zap.String("name", u.GetName()))
	return nil
}
