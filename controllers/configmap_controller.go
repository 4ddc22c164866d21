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
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	kubitv1alpha1 "github.com/kubecfg/kubit/api/v1alpha1"
)

// +kubebuilder:rbac:groups="",resources=configmaps,verbs=get;list;watch;update;patch;delete

// ConfigMapReconciler reconciles AppInstances carried by ConfigMaps. The
// manager cache is expected to be restricted to the watched namespace.
type ConfigMapReconciler struct {
	*Engine
	Scheme *runtime.Scheme
}

// Reconcile is called either when a carrier ConfigMap or its apply Job changes
// or if the returned ctrl.Result isn't empty
func (r *ConfigMapReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	log := r.Log.WithValues("ConfigMap", req.NamespacedName)

	cm := &corev1.ConfigMap{}
	if err := r.Get(ctx, req.NamespacedName, cm); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}
	if _, ok := cm.Data[kubitv1alpha1.ConfigMapAppInstanceKey]; !ok {
		return ctrl.Result{}, nil
	}

	carrier, err := newConfigMapCarrier(cm)
	if err != nil {
		if cm.DeletionTimestamp.IsZero() {
			return r.errorPolicy(log, err)
		}
		// The payload only matters for the pull secret; still prune on deletion.
		log.Info("Undecodable AppInstance, cleaning up without its spec", "error", err.Error())
		carrier = &configMapCarrier{cm: cm, ai: &kubitv1alpha1.AppInstance{}}
	}
	return r.Engine.Reconcile(ctx, carrier)
}

// carriesAppInstance filters out ConfigMaps unrelated to kubit.
func carriesAppInstance(obj client.Object) bool {
	cm, ok := obj.(*corev1.ConfigMap)
	if !ok {
		return false
	}
	_, ok = cm.Data[kubitv1alpha1.ConfigMapAppInstanceKey]
	return ok
}

// SetupWithManager defines how the controller will watch for resources
func (r *ConfigMapReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&corev1.ConfigMap{}, builder.WithPredicates(predicate.NewPredicateFuncs(carriesAppInstance))).
		Owns(&batchv1.Job{}).
		Named(controllerName("configmap", r.Config.Controller.OnlyPaused)).
		WithOptions(controller.Options{MaxConcurrentReconciles: r.Config.Controller.MaxConcurrentReconciles}).
		Complete(r)
}
