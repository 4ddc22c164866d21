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
	"time"

	apimeta "k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	kubitv1alpha1 "github.com/kubecfg/kubit/api/v1alpha1"
)

// UpdateCondition merges a condition into status. The transition time moves
// only when the status of that condition type changes; a new type is appended.
func UpdateCondition(status *kubitv1alpha1.AppInstanceStatus, conditionType string, conditionStatus metav1.ConditionStatus, reason, message string, generation int64) bool {
	return apimeta.SetStatusCondition(&status.Conditions, metav1.Condition{
		Type:               conditionType,
		Status:             conditionStatus,
		Reason:             reason,
		Message:            message,
		ObservedGeneration: generation,
	})
}

// statusUpdate collects the changes of one reconciliation to the status of an
// instance, written with a single call.
type statusUpdate struct {
	inst       AppInstanceLike
	status     *kubitv1alpha1.AppInstanceStatus
	generation int64
}

func (e *Engine) beginStatus(inst AppInstanceLike) (*statusUpdate, error) {
	status, err := inst.Status()
	if err != nil {
		return nil, err
	}
	return &statusUpdate{inst: inst, status: status, generation: inst.Generation()}, nil
}

// observing stamps the following conditions with generation instead of the
// current one, for outcomes of a Job launched for an older spec.
func (u *statusUpdate) observing(generation int64) *statusUpdate {
	u.generation = generation
	return u
}

func (u *statusUpdate) condition(conditionType string, conditionStatus metav1.ConditionStatus, reason, message string) *statusUpdate {
	UpdateCondition(u.status, conditionType, conditionStatus, reason, message, u.generation)
	return u
}

func (u *statusUpdate) lastLogs(logs map[string]string) *statusUpdate {
	u.status.LastLogs = logs
	return u
}

func (e *Engine) writeStatus(ctx context.Context, u *statusUpdate) error {
	return u.inst.WriteStatus(ctx, e.Client, u.status)
}

// convergedAt reports whether the last apply Job of the current spec
// generation succeeded.
func convergedAt(status *kubitv1alpha1.AppInstanceStatus, generation int64) bool {
	ready := apimeta.FindStatusCondition(status.Conditions, kubitv1alpha1.ConditionReady)
	return ready != nil &&
		ready.Status == metav1.ConditionTrue &&
		ready.Reason == kubitv1alpha1.ReasonJobCompletedSuccessfully &&
		ready.ObservedGeneration == generation
}

// retryBackoff returns how long to wait before relaunching the apply Job of
// generation after it failed, 0 when the failure is old enough or was for
// another generation. The Reconciler condition turns True when a Job
// terminates, so its transition time is the time of the failure.
func retryBackoff(status *kubitv1alpha1.AppInstanceStatus, generation int64, delay time.Duration, now time.Time) time.Duration {
	reconciler := apimeta.FindStatusCondition(status.Conditions, kubitv1alpha1.ConditionReconciler)
	if reconciler == nil ||
		reconciler.Status != metav1.ConditionTrue ||
		reconciler.Reason != kubitv1alpha1.ReasonFailed ||
		reconciler.ObservedGeneration != generation {
		return 0
	}
	if remaining := reconciler.LastTransitionTime.Add(delay).Sub(now); remaining > 0 {
		return remaining
	}
	return 0
}
