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

	batchv1 "k8s.io/api/batch/v1"
	"k8s.io/apimachinery/pkg/runtime"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"

	kubitv1alpha1 "github.com/kubecfg/kubit/api/v1alpha1"
)

// +kubebuilder:rbac:groups=kubecfg.dev,resources=appinstances,verbs=get;list;watch;update;patch
// +kubebuilder:rbac:groups=kubecfg.dev,resources=appinstances/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=kubecfg.dev,resources=appinstances/finalizers,verbs=update
// +kubebuilder:rbac:groups=batch,resources=jobs,verbs=get;list;watch;create;delete
// +kubebuilder:rbac:groups="",resources=pods;pods/log,verbs=get;list;watch
// +kubebuilder:rbac:groups="",resources=configmaps,verbs=delete
// +kubebuilder:rbac:groups="",resources=secrets,verbs=get
// +kubebuilder:rbac:groups="",resources=serviceaccounts,verbs=get;list;watch;create;patch
// +kubebuilder:rbac:groups=rbac.authorization.k8s.io,resources=roles;rolebindings;clusterroles;clusterrolebindings,verbs=get;list;watch;create;patch;bind;escalate

// AppInstanceReconciler reconciles AppInstance custom resources.
type AppInstanceReconciler struct {
	*Engine
	Scheme *runtime.Scheme
}

// Reconcile is called either when an AppInstance or its apply Job changes
// or if the returned ctrl.Result isn't empty
func (r *AppInstanceReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	ai := &kubitv1alpha1.AppInstance{}
	if err := r.Get(ctx, req.NamespacedName, ai); err != nil {
		// Owned objects are garbage collected, nothing left to do.
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}
	return r.Engine.Reconcile(ctx, newAppInstanceCarrier(ai))
}

// SetupWithManager defines how the controller will watch for resources
func (r *AppInstanceReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&kubitv1alpha1.AppInstance{}).
		Owns(&batchv1.Job{}).
		Named(controllerName("appinstance", r.Config.Controller.OnlyPaused)).
		WithOptions(controller.Options{MaxConcurrentReconciles: r.Config.Controller.MaxConcurrentReconciles}).
		Complete(r)
}

// controllerName lets a paused-only controller run next to the regular one.
func controllerName(kind string, onlyPaused bool) string {
	if onlyPaused {
		return kind + "-paused"
	}
	return kind
}
