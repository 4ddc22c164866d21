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
	"fmt"

	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/kubecfg/kubit/pkg/commands"
)

const (
	// ApplierName names the ServiceAccount, Role and RoleBinding the Jobs run as.
	ApplierName = "kubit-applier"
	// ApplierCRDName names the ClusterRole granting CRD management.
	ApplierCRDName = "kubit-applier-crd"
)

// applierRules lets the Jobs apply and prune any namespaced resource.
func applierRules() []rbacv1.PolicyRule {
	return []rbacv1.PolicyRule{{
		APIGroups: []string{"*"},
		Resources: []string{"*"},
		Verbs:     []string{"create", "update", "get", "list", "patch", "watch", "delete"},
	}}
}

func applierCRDRules() []rbacv1.PolicyRule {
	return []rbacv1.PolicyRule{{
		APIGroups: []string{"apiextensions.k8s.io"},
		Resources: []string{"customresourcedefinitions"},
		Verbs:     []string{"get", "list", "watch", "create", "update", "patch", "delete"},
	}}
}

// applierClusterRoleBindingName is per namespace since a ClusterRoleBinding is
// cluster scoped while its subject is not.
func applierClusterRoleBindingName(namespace string) string {
	return fmt.Sprintf("%s-%s", ApplierCRDName, namespace)
}

// provisionRBAC applies the identity the Jobs of inst run as. The namespaced
// objects are shared by every instance of the namespace and keep one owner
// reference per instance, so they are collected only after the last one is
// gone. Cluster scoped objects cannot have a namespaced owner.
func (e *Engine) provisionRBAC(ctx context.Context, inst AppInstanceLike, withCRD bool) error {
	namespace := inst.Object().GetNamespace()
	if namespace == "" {
		return ErrNamespaceRequired
	}
	owner := inst.OwnerReference()
	owner.Controller = ptr.To(false)
	meta := func() metav1.ObjectMeta {
		return metav1.ObjectMeta{
			Name:      ApplierName,
			Namespace: namespace,
			Labels:    managedLabels(""),
		}
	}
	subjects := func() []rbacv1.Subject {
		return []rbacv1.Subject{{
			Kind:      rbacv1.ServiceAccountKind,
			Name:      ApplierName,
			Namespace: namespace,
		}}
	}

	namespaced := []client.Object{
		&corev1.ServiceAccount{
			TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: "ServiceAccount"},
			ObjectMeta: meta(),
		},
		&rbacv1.Role{
			TypeMeta:   metav1.TypeMeta{APIVersion: rbacv1.SchemeGroupVersion.String(), Kind: "Role"},
			ObjectMeta: meta(),
			Rules:      applierRules(),
		},
		&rbacv1.RoleBinding{
			TypeMeta:   metav1.TypeMeta{APIVersion: rbacv1.SchemeGroupVersion.String(), Kind: "RoleBinding"},
			ObjectMeta: meta(),
			RoleRef: rbacv1.RoleRef{
				APIGroup: rbacv1.GroupName,
				Kind:     "Role",
				Name:     ApplierName,
			},
			Subjects: subjects(),
		},
	}
	for _, obj := range namespaced {
		owners, err := e.mergedOwners(ctx, obj, owner)
		if err != nil {
			return err
		}
		obj.SetOwnerReferences(owners)
	}

	objs := namespaced
	if withCRD {
		objs = append(objs,
			&rbacv1.ClusterRole{
				TypeMeta:   metav1.TypeMeta{APIVersion: rbacv1.SchemeGroupVersion.String(), Kind: "ClusterRole"},
				ObjectMeta: metav1.ObjectMeta{Name: ApplierCRDName, Labels: managedLabels("")},
				Rules:      applierCRDRules(),
			},
			&rbacv1.ClusterRoleBinding{
				TypeMeta: metav1.TypeMeta{APIVersion: rbacv1.SchemeGroupVersion.String(), Kind: "ClusterRoleBinding"},
				ObjectMeta: metav1.ObjectMeta{
					Name:   applierClusterRoleBindingName(namespace),
					Labels: managedLabels(""),
				},
				RoleRef: rbacv1.RoleRef{
					APIGroup: rbacv1.GroupName,
					Kind:     "ClusterRole",
					Name:     ApplierCRDName,
				},
				Subjects: subjects(),
			},
		)
	}

	for _, obj := range objs {
		if err := e.Patch(ctx, obj, client.Apply, client.FieldOwner(commands.FieldManager), client.ForceOwnership); err != nil {
			return fmt.Errorf("applying %T %s: %w", obj, obj.GetName(), err)
		}
	}
	return nil
}

// mergedOwners returns the owner references of the live obj with owner added
// or refreshed. All applies share one field manager, so applying owner alone
// would drop the references of the other instances.
func (e *Engine) mergedOwners(ctx context.Context, obj client.Object, owner metav1.OwnerReference) ([]metav1.OwnerReference, error) {
	live := &metav1.PartialObjectMetadata{}
	live.SetGroupVersionKind(obj.GetObjectKind().GroupVersionKind())
	err := e.Get(ctx, client.ObjectKeyFromObject(obj), live)
	if apierrors.IsNotFound(err) {
		return []metav1.OwnerReference{owner}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading owners of %T %s: %w", obj, obj.GetName(), err)
	}

	owners := make([]metav1.OwnerReference, 0, len(live.OwnerReferences)+1)
	for _, ref := range live.OwnerReferences {
		if ref.UID != owner.UID {
			owners = append(owners, ref)
		}
	}
	return append(owners, owner), nil
}
