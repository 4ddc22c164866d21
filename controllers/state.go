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
	"strconv"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
)

// Labels set on Job pods by the Job controller. Newer clusters also set the
// batch.kubernetes.io/ prefixed variants; the legacy ones are still present.
const (
	jobNameLabel       = "job-name"
	controllerUIDLabel = "controller-uid"
)

// Phase of an AppInstance, derived from its apply Job.
type Phase string

const (
	// PhaseIdle means no apply Job exists.
	PhaseIdle Phase = "Idle"
	// PhaseExecuting means an apply Job exists and has not terminated.
	PhaseExecuting Phase = "Executing"
	// PhaseJobTerminated means the apply Job completed or failed.
	PhaseJobTerminated Phase = "JobTerminated"
)

// Outcome of a terminated Job.
type Outcome string

const (
	OutcomeSuccess Outcome = "Success"
	OutcomeFailure Outcome = "Failure"
)

// ReconciliationState is the classification of an apply Job.
type ReconciliationState struct {
	Phase Phase
	// JobUID and Outcome are only set in PhaseJobTerminated.
	JobUID  types.UID
	Outcome Outcome
	// Message is the message of the terminal Job condition.
	Message string
	// Generation is the instance generation the terminated Job was launched
	// for, 0 when the Job does not record it.
	Generation int64
}

// classifyJob derives the state from a Job, nil meaning the Job does not exist.
func classifyJob(job *batchv1.Job) ReconciliationState {
	if job == nil {
		return ReconciliationState{Phase: PhaseIdle}
	}
	for _, c := range job.Status.Conditions {
		if c.Status != corev1.ConditionTrue {
			continue
		}
		var outcome Outcome
		switch c.Type {
		case batchv1.JobComplete:
			outcome = OutcomeSuccess
		case batchv1.JobFailed:
			outcome = OutcomeFailure
		default:
			continue
		}
		return ReconciliationState{
			Phase:      PhaseJobTerminated,
			JobUID:     jobUID(job),
			Outcome:    outcome,
			Message:    c.Message,
			Generation: jobGeneration(job),
		}
	}
	return ReconciliationState{Phase: PhaseExecuting}
}

func jobUID(job *batchv1.Job) types.UID {
	if uid, ok := job.Labels[controllerUIDLabel]; ok && uid != "" {
		return types.UID(uid)
	}
	return job.UID
}

func jobGeneration(job *batchv1.Job) int64 {
	g, err := strconv.ParseInt(job.Annotations[generationAnnotation], 10, 64)
	if err != nil {
		return 0
	}
	return g
}

// classify fetches the apply Job of inst and classifies it.
func (e *Engine) classify(ctx context.Context, inst AppInstanceLike) (ReconciliationState, error) {
	obj := inst.Object()
	job := &batchv1.Job{}
	err := e.Get(ctx, types.NamespacedName{Namespace: obj.GetNamespace(), Name: ApplyJobName(obj.GetName())}, job)
	if apierrors.IsNotFound(err) {
		return classifyJob(nil), nil
	}
	if err != nil {
		return ReconciliationState{}, err
	}
	return classifyJob(job), nil
}
