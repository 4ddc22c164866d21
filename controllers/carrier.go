/*


Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package controllers

import (
	"context"
	"encoding/json"
	"hash/fnv"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"

	kubitv1alpha1 "github.com/kubecfg/kubit/api/v1alpha1"
	"github.com/kubecfg/kubit/pkg/commands"
)

// AppInstanceLike is a carrier of an AppInstance: either the AppInstance custom
// resource itself or a ConfigMap holding one. The engine only talks to carriers.
type AppInstanceLike interface {
	// Object is the Kubernetes object holding the instance. Finalizers and
	// deletion timestamps are read from and written to it.
	Object() client.Object
	Spec() *kubitv1alpha1.AppInstanceSpec
	// Generation identifies the revision of the spec.
	Generation() int64
	// Status returns a copy of the current status, never nil.
	Status() (*kubitv1alpha1.AppInstanceStatus, error)
	WriteStatus(ctx context.Context, c client.Client, status *kubitv1alpha1.AppInstanceStatus) error
	OwnerReference() metav1.OwnerReference
	// FetchCommand is the helper command line that writes the instance as JSON to output.
	FetchCommand(output string) []string
	Kind() string
}

// appInstanceCarrier carries an AppInstance custom resource.
type appInstanceCarrier struct {
	ai *kubitv1alpha1.AppInstance
}

func newAppInstanceCarrier(ai *kubitv1alpha1.AppInstance) *appInstanceCarrier {
	return &appInstanceCarrier{ai: ai}
}

func (c *appInstanceCarrier) Object() client.Object { return c.ai }
func (c *appInstanceCarrier) Spec() *kubitv1alpha1.AppInstanceSpec { return &c.ai.Spec }
func (c *appInstanceCarrier) Generation() int64 { return c.ai.Generation }
func (c *appInstanceCarrier) Kind() string { return "AppInstance" }
func (c *appInstanceCarrier) FetchCommand(output string) []string {
	return commands.FetchAppInstance(c.ai.Namespace, c.ai.Name, output)
}

func (c *appInstanceCarrier) Status() (*kubitv1alpha1.AppInstanceStatus, error) {
	if c.ai.Status == nil {
		return &kubitv1alpha1.AppInstanceStatus{}, nil
	}
	return c.ai.Status.DeepCopy(), nil
}

// WriteStatus server-side applies the status subresource.
func (c *appInstanceCarrier) WriteStatus(ctx context.Context, cl client.Client, status *kubitv1alpha1.AppInstanceStatus) error {
	patch := &kubitv1alpha1.AppInstance{
		TypeMeta: metav1.TypeMeta{
			APIVersion: kubitv1alpha1.GroupVersion.String(),
			Kind:       "AppInstance",
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:      c.ai.Name,
			Namespace: c.ai.Namespace,
		},
		Status: status,
	}
	if err := cl.Status().Patch(ctx, patch, client.Apply, client.FieldOwner(commands.FieldManager), client.ForceOwnership); err != nil {
		return err
	}
	c.ai.Status = status.DeepCopy()
	return nil
}

func (c *appInstanceCarrier) OwnerReference() metav1.OwnerReference {
	return metav1.OwnerReference{
		APIVersion:         kubitv1alpha1.GroupVersion.String(),
		Kind:               "AppInstance",
		Name:               c.ai.Name,
		UID:                c.ai.UID,
		Controller:         ptr.To(true),
		BlockOwnerDeletion: ptr.To(true),
	}
}

// configMapCarrier carries an AppInstance serialized in a ConfigMap. The spec is
// YAML under "app-instance" and the status JSON under "status".
type configMapCarrier struct {
	cm *corev1.ConfigMap
	ai *kubitv1alpha1.AppInstance
}

func newConfigMapCarrier(cm *corev1.ConfigMap) (*configMapCarrier, error) {
	ai, err := kubitv1alpha1.AppInstanceFromConfigMap(cm)
	if err != nil {
		return nil, err
	}
	return &configMapCarrier{cm: cm, ai: ai}, nil
}

func (c *configMapCarrier) Object() client.Object { return c.cm }
func (c *configMapCarrier) Spec() *kubitv1alpha1.AppInstanceSpec { return &c.ai.Spec }
func (c *configMapCarrier) Kind() string { return "ConfigMap" }
func (c *configMapCarrier) FetchCommand(output string) []string {
	return commands.FetchAppInstanceFromConfigMap(c.cm.Namespace, c.cm.Name, output)
}

// Generation hashes the carried payload. ConfigMaps have no metadata.generation
// and their resourceVersion also moves on status writes.
func (c *configMapCarrier) Generation() int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(c.cm.Data[kubitv1alpha1.ConfigMapAppInstanceKey]))
	return int64(h.Sum64() >> 1)
}

func (c *configMapCarrier) Status() (*kubitv1alpha1.AppInstanceStatus, error) {
	return kubitv1alpha1.StatusFromConfigMap(c.cm)
}

// WriteStatus replaces the serialized status with a merge patch.
func (c *configMapCarrier) WriteStatus(ctx context.Context, cl client.Client, status *kubitv1alpha1.AppInstanceStatus) error {
	raw, err := json.Marshal(status)
	if err != nil {
		return err
	}
	patch := client.MergeFrom(c.cm.DeepCopy())
	if c.cm.Data == nil {
		c.cm.Data = map[string]string{}
	}
	c.cm.Data[kubitv1alpha1.ConfigMapStatusKey] = string(raw)
	return cl.Patch(ctx, c.cm, patch)
}

func (c *configMapCarrier) OwnerReference() metav1.OwnerReference {
	return metav1.OwnerReference{
		APIVersion:         "v1",
		Kind:               "ConfigMap",
		Name:               c.cm.Name,
		UID:                c.cm.UID,
		Controller:         ptr.To(true),
		BlockOwnerDeletion: ptr.To(true),
	}
}
