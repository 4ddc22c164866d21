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

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	"github.com/kubecfg/kubit/pkg/commands"
	"github.com/kubecfg/kubit/pkg/metrics"
)

// Finalizer guards the deletion of instances until their resources are pruned.
const Finalizer = "kubit.kubecfg.dev/cleanup"

// ensureFinalizer adds the finalizer to inst if missing.
func (e *Engine) ensureFinalizer(ctx context.Context, inst AppInstanceLike) error {
	obj := inst.Object()
	if controllerutil.ContainsFinalizer(obj, Finalizer) {
		return nil
	}
	controllerutil.AddFinalizer(obj, Finalizer)
	if err := e.Update(ctx, obj); err != nil {
		return fmt.Errorf("adding finalizer: %w", err)
	}
	return nil
}

// finalize prunes everything applied for inst and then releases the finalizer.
// Every step is idempotent so an interrupted deletion resumes on the next call.
func (e *Engine) finalize(ctx context.Context, inst AppInstanceLike) error {
	obj := inst.Object()
	if !controllerutil.ContainsFinalizer(obj, Finalizer) {
		return nil
	}
	log := e.Log.WithValues(inst.Kind(), client.ObjectKeyFromObject(obj))
	namespace, name := obj.GetNamespace(), obj.GetName()

	// Build first so an invalid spec fails before anything is deleted.
	cleanup, err := e.newCleanupJob(inst)
	if err != nil {
		return err
	}

	if err := e.deleteJobAndWait(ctx, namespace, ApplyJobName(name)); err != nil {
		return err
	}
	log.Info("Apply job gone, running cleanup")

	if err := e.provisionRBAC(ctx, inst, false); err != nil {
		return err
	}
	if err := e.createJob(ctx, cleanup, "cleanup"); err != nil {
		return err
	}
	if err := e.waitForCompletion(ctx, cleanup); err != nil {
		return err
	}
	if err := e.deleteJob(ctx, namespace, cleanup.Name); err != nil {
		return err
	}

	hack := &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Namespace: namespace, Name: commands.CleanupHackName(name)}}
	if err := e.Delete(ctx, hack); client.IgnoreNotFound(err) != nil {
		return fmt.Errorf("deleting %s: %w", hack.Name, err)
	}

	controllerutil.RemoveFinalizer(obj, Finalizer)
	if err := e.Update(ctx, obj); err != nil {
		return fmt.Errorf("removing finalizer: %w", err)
	}
	log.Info("Cleanup done, finalizer removed")
	return nil
}

// deleteJob deletes a Job and its pods, a missing Job being success.
func (e *Engine) deleteJob(ctx context.Context, namespace, name string) error {
	job := &batchv1.Job{ObjectMeta: metav1.ObjectMeta{Namespace: namespace, Name: name}}
	if err := e.Delete(ctx, job, client.PropagationPolicy(metav1.DeletePropagationBackground)); client.IgnoreNotFound(err) != nil {
		return fmt.Errorf("deleting job %s: %w", name, err)
	}
	return nil
}

// deleteJobAndWait deletes a Job and blocks until the API server no longer
// returns it, bounded by the deletion timeout.
func (e *Engine) deleteJobAndWait(ctx context.Context, namespace, name string) error {
	if err := e.deleteJob(ctx, namespace, name); err != nil {
		return err
	}
	start := time.Now()
	defer func() { metrics.DeletionWait.WithLabelValues("apply_job_deleted").Observe(time.Since(start).Seconds()) }()

	key := types.NamespacedName{Namespace: namespace, Name: name}
	err := wait.PollUntilContextTimeout(ctx, e.Config.Controller.PollInterval, e.Config.Controller.DeletionTimeout, true, func(ctx context.Context) (bool, error) {
		err := e.Get(ctx, key, &batchv1.Job{})
		if apierrors.IsNotFound(err) {
			return true, nil
		}
		return false, err
	})
	if wait.Interrupted(err) {
		return &DeletionTimeoutError{Job: name, Step: "be deleted", Timeout: e.Config.Controller.DeletionTimeout}
	}
	return err
}

// waitForCompletion blocks until job completes, bounded by the deletion timeout.
// A failed Job is deleted so the next attempt starts afresh.
func (e *Engine) waitForCompletion(ctx context.Context, job *batchv1.Job) error {
	start := time.Now()
	defer func() { metrics.DeletionWait.WithLabelValues("cleanup_job_completed").Observe(time.Since(start).Seconds()) }()

	var state ReconciliationState
	key := client.ObjectKeyFromObject(job)
	err := wait.PollUntilContextTimeout(ctx, e.Config.Controller.PollInterval, e.Config.Controller.DeletionTimeout, true, func(ctx context.Context) (bool, error) {
		current := &batchv1.Job{}
		if err := e.Get(ctx, key, current); err != nil {
			// The cache may not have observed the Job yet.
			return false, client.IgnoreNotFound(err)
		}
		state = classifyJob(current)
		return state.Phase == PhaseJobTerminated, nil
	})
	if wait.Interrupted(err) {
		return &DeletionTimeoutError{Job: job.Name, Step: "complete", Timeout: e.Config.Controller.DeletionTimeout}
	}
	if err != nil {
		return err
	}
	if state.Outcome == OutcomeFailure {
		if err := e.deleteJob(ctx, job.Namespace, job.Name); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s: %s", ErrCleanupJobFailed, job.Name, state.Message)
	}
	return nil
}
