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
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-containerregistry/pkg/authn"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	kubitv1alpha1 "github.com/kubecfg/kubit/api/v1alpha1"
	"github.com/kubecfg/kubit/pkg/config"
	"github.com/kubecfg/kubit/pkg/credentials"
	"github.com/kubecfg/kubit/pkg/metrics"
	"github.com/kubecfg/kubit/pkg/oci"
)

// CredentialResolver finds the registry credentials of a package image.
type CredentialResolver interface {
	Resolve(ctx context.Context, namespace, image string, pullSecrets []corev1.LocalObjectReference) (credentials.Credentials, error)
}

// PackageResolver fetches the config of a package image.
type PackageResolver interface {
	Resolve(ctx context.Context, image string, auth authn.Authenticator) (*oci.PackageConfig, error)
}

// Engine reconciles instances regardless of their carrier. It keeps no state
// between calls; everything is read back from the API server.
type Engine struct {
	client.Client
	Log         logr.Logger
	Config      config.Config
	Credentials CredentialResolver
	Packages    PackageResolver
	Logs        LogFetcher
}

// Reconcile converges the cluster towards inst.
func (e *Engine) Reconcile(ctx context.Context, inst AppInstanceLike) (ctrl.Result, error) {
	obj := inst.Object()
	log := e.Log.WithValues(inst.Kind(), client.ObjectKeyFromObject(obj))

	if err := e.delay(ctx); err != nil {
		return ctrl.Result{}, err
	}

	if inst.Spec().Pause != e.Config.Controller.OnlyPaused {
		log.V(1).Info("Skipping instance", "pause", inst.Spec().Pause)
		return ctrl.Result{}, nil
	}

	if !obj.GetDeletionTimestamp().IsZero() {
		if err := e.finalize(ctx, inst); err != nil {
			return e.errorPolicy(log, err)
		}
		return ctrl.Result{}, nil
	}

	if err := e.ensureFinalizer(ctx, inst); err != nil {
		return e.errorPolicy(log, err)
	}

	result, err := e.reconcileJob(ctx, log, inst)
	if err != nil {
		return e.errorPolicy(log, err)
	}
	return result, nil
}

func (e *Engine) reconcileJob(ctx context.Context, log logr.Logger, inst AppInstanceLike) (ctrl.Result, error) {
	state, err := e.classify(ctx, inst)
	if err != nil {
		return ctrl.Result{}, err
	}
	log = log.WithValues("phase", state.Phase)

	switch state.Phase {
	case PhaseIdle:
		return e.reconcileIdle(ctx, log, inst)
	case PhaseExecuting:
		log.V(1).Info("Apply job running")
		return ctrl.Result{}, nil
	case PhaseJobTerminated:
		return e.reconcileTerminated(ctx, log, inst, state)
	default:
		return ctrl.Result{}, fmt.Errorf("unknown phase %q", state.Phase)
	}
}

func (e *Engine) reconcileIdle(ctx context.Context, log logr.Logger, inst AppInstanceLike) (ctrl.Result, error) {
	update, err := e.beginStatus(inst)
	if err != nil {
		return ctrl.Result{}, err
	}
	if convergedAt(update.status, inst.Generation()) {
		log.V(1).Info("Already applied, waiting for changes")
		return ctrl.Result{}, nil
	}
	if backoff := retryBackoff(update.status, inst.Generation(), e.Config.Controller.FailedJobRequeueDelay, time.Now()); backoff > 0 {
		log.V(1).Info("Apply job failed recently, delaying retry", "after", backoff)
		return ctrl.Result{RequeueAfter: backoff}, nil
	}

	if err := e.launchApplyJob(ctx, inst); err != nil {
		update.condition(kubitv1alpha1.ConditionReconciler, metav1.ConditionFalse, kubitv1alpha1.ReasonFailed, err.Error()).
			condition(kubitv1alpha1.ConditionReady, metav1.ConditionFalse, kubitv1alpha1.ReasonFailed, err.Error())
		if serr := e.writeStatus(ctx, update); serr != nil {
			log.Error(serr, "Unable to record launch failure")
		}
		return ctrl.Result{}, err
	}

	update.condition(kubitv1alpha1.ConditionReconciler, metav1.ConditionFalse, kubitv1alpha1.ReasonExpandingTemplate,
		fmt.Sprintf("Rendering and applying %s", inst.Spec().Package.Image))
	return ctrl.Result{}, e.writeStatus(ctx, update)
}

func (e *Engine) reconcileTerminated(ctx context.Context, log logr.Logger, inst AppInstanceLike, state ReconciliationState) (ctrl.Result, error) {
	obj := inst.Object()
	jobName := ApplyJobName(obj.GetName())
	log = log.WithValues("job", jobName, "outcome", state.Outcome)

	logs, err := e.captureLogs(ctx, obj.GetNamespace(), jobName, state.JobUID)
	if err != nil {
		return ctrl.Result{}, err
	}
	update, err := e.beginStatus(inst)
	if err != nil {
		return ctrl.Result{}, err
	}
	// The spec may have changed while the Job ran; the outcome belongs to the
	// generation the Job was launched for.
	update.observing(state.Generation).lastLogs(logs.ByContainer)

	result := ctrl.Result{}
	if state.Outcome == OutcomeSuccess {
		update.condition(kubitv1alpha1.ConditionReconciler, metav1.ConditionTrue, kubitv1alpha1.ReasonSucceeded, "").
			condition(kubitv1alpha1.ConditionReady, metav1.ConditionTrue, kubitv1alpha1.ReasonJobCompletedSuccessfully, "")
		log.Info("Apply job completed")
	} else {
		message := logs.FailureMessage
		if message == "" {
			message = state.Message
		}
		update.condition(kubitv1alpha1.ConditionReconciler, metav1.ConditionTrue, kubitv1alpha1.ReasonFailed, "").
			condition(kubitv1alpha1.ConditionReady, metav1.ConditionFalse, kubitv1alpha1.ReasonJobFailed, message)
		log.Info("Apply job failed", "message", message)
		result.RequeueAfter = e.Config.Controller.FailedJobRequeueDelay
	}
	if err := e.writeStatus(ctx, update); err != nil {
		return ctrl.Result{}, err
	}
	metrics.JobsTerminated.WithLabelValues(string(state.Outcome)).Inc()

	if err := e.deleteJob(ctx, obj.GetNamespace(), jobName); err != nil {
		return ctrl.Result{}, err
	}
	return result, nil
}

// delay damps tight re-trigger loops against a fast-churning watch stream.
func (e *Engine) delay(ctx context.Context) error {
	d := e.Config.Controller.ReconcileDelay
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
