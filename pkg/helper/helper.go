// Package helper implements the `kubit helper` commands run inside the apply
// and cleanup Job containers.
package helper

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/yaml"

	kubitv1alpha1 "github.com/kubecfg/kubit/api/v1alpha1"
	"github.com/kubecfg/kubit/pkg/commands"
)

// FetchAppInstance writes the named AppInstance as JSON, without status and managed fields.
func FetchAppInstance(ctx context.Context, c client.Reader, namespace, name string, w io.Writer) error {
	ai := &kubitv1alpha1.AppInstance{}
	if err := c.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, ai); err != nil {
		return err
	}
	ai.Status = nil
	ai.ManagedFields = nil
	if ai.APIVersion == "" {
		ai.APIVersion = kubitv1alpha1.GroupVersion.String()
		ai.Kind = "AppInstance"
	}
	return writeJSON(w, ai)
}

// FetchAppInstanceFromConfigMap writes the AppInstance carried by the named ConfigMap as JSON.
func FetchAppInstanceFromConfigMap(ctx context.Context, c client.Reader, namespace, name string, w io.Writer) error {
	cm := &corev1.ConfigMap{}
	if err := c.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, cm); err != nil {
		return err
	}
	ai, err := kubitv1alpha1.AppInstanceFromConfigMap(cm)
	if err != nil {
		return err
	}
	return writeJSON(w, ai)
}

// WriteCleanupPlaceholder writes the empty ConfigMap that a pruning apply of the
// applyset needs as its single object.
func WriteCleanupPlaceholder(namespace, name string, w io.Writer) error {
	cm := &corev1.ConfigMap{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "ConfigMap"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      commands.CleanupHackName(name),
			Namespace: namespace,
		},
	}
	out, err := yaml.Marshal(cm)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("writing AppInstance: %w", err)
	}
	return nil
}
