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
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	ctrl "sigs.k8s.io/controller-runtime"

	kubitv1alpha1 "github.com/kubecfg/kubit/api/v1alpha1"
	"github.com/kubecfg/kubit/pkg/credentials"
	"github.com/kubecfg/kubit/pkg/metrics"
	"github.com/kubecfg/kubit/pkg/oci"
)

var (
	ErrNamespaceRequired = errors.New("namespace is required")
	ErrCleanupJobFailed  = errors.New("cleanup job failed")
)

// DeletionTimeoutError is returned when a Job did not reach the awaited state
// within the deletion timeout. The finalizer is kept and the deletion retried.
type DeletionTimeoutError struct {
	Job     string
	Step    string
	Timeout time.Duration
}

func (e *DeletionTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for job %s to %s", e.Timeout, e.Job, e.Step)
}

// errorReason buckets err for metrics and logging.
func errorReason(err error) string {
	var timeout *DeletionTimeoutError
	switch {
	case errors.As(err, &timeout):
		return "deletion_timeout"
	case apierrors.IsConflict(err):
		return "conflict"
	case errors.Is(err, ErrNamespaceRequired),
		errors.Is(err, credentials.ErrMultipleImagePullSecrets),
		errors.Is(err, credentials.ErrBadImagePullSecretType),
		errors.Is(err, credentials.ErrNoDockerConfigJSON),
		errors.Is(err, credentials.ErrDecodeDockerConfig):
		return "configuration"
	case errors.Is(err, oci.ErrUnsupportedManifestIndex),
		errors.Is(err, oci.ErrDecodePackageConfig),
		errors.Is(err, oci.ErrDecodePackageMetadata),
		errors.Is(err, oci.ErrMissingPackageMetadata),
		errors.Is(err, kubitv1alpha1.ErrDecodeAppInstance),
		errors.Is(err, kubitv1alpha1.ErrDecodeStatus):
		return "decode"
	case errors.Is(err, ErrCleanupJobFailed):
		return "cleanup_failed"
	default:
		return "unexpected"
	}
}

// errorPolicy logs a failed reconciliation and requeues it after a fixed delay.
// It never propagates the error to controller-runtime, whose exponential
// backoff would override the delay.
func (e *Engine) errorPolicy(log logr.Logger, err error) (ctrl.Result, error) {
	reason := errorReason(err)
	metrics.ReconcileErrors.WithLabelValues(reason).Inc()
	if reason == "conflict" {
		log.Info("Conflict writing object, requeueing", "error", err.Error())
	} else {
		log.Error(err, "Reconcile failed", "reason", reason)
	}
	return ctrl.Result{RequeueAfter: e.Config.Controller.ErrorRequeueDelay}, nil
}
