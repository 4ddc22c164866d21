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

package v1alpha1

import (
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
)

// Condition types reported on an AppInstance.
const (
	// ConditionReconciler tracks the progress of the apply Job.
	ConditionReconciler = "Reconcilier"
	// ConditionReady reports whether the last apply succeeded.
	ConditionReady = "Ready"
)

// Condition reasons reported on an AppInstance.
const (
	ReasonExpandingTemplate        = "ExpandingTemplate"
	ReasonFailed                   = "Failed"
	ReasonSucceeded                = "Succeeded"
	ReasonJobCompletedSuccessfully = "JobCompletedSuccessfully"
	ReasonJobFailed                = "JobFailed"
)

// Package references the OCI artifact to render.
type Package struct {
	// The OCI reference of the package e.g. 'ghcr.io/org/pkg:v1.2.3'
	// +kubebuilder:validation:Required
	Image string `json:"image"`

	// The API version of the package
	// +kubebuilder:validation:Required
	APIVersion string `json:"apiVersion"`

	// Package specific parameters. The schema is owned by the package,
	// so unknown fields are preserved verbatim.
	// +kubebuilder:pruning:PreserveUnknownFields
	// +kubebuilder:validation:Optional
	Spec *runtime.RawExtension `json:"spec,omitempty"`
}

// AppInstanceSpec defines the desired state of AppInstance
type AppInstanceSpec struct {
	Package Package `json:"package"`

	// Secret used to pull the package. At most one entry is supported.
	// +kubebuilder:validation:MaxItems=1
	// +kubebuilder:validation:Optional
	ImagePullSecrets []corev1.LocalObjectReference `json:"imagePullSecrets,omitempty"`

	// When true, only a controller started with --only-paused processes this instance.
	// +kubebuilder:default=false
	// +kubebuilder:validation:Optional
	Pause bool `json:"pause,omitempty"`
}

// AppInstanceStatus defines the observed state of AppInstance
type AppInstanceStatus struct {
	// Logs of the containers of the last apply Job, keyed by container name.
	LastLogs map[string]string `json:"lastLogs,omitempty"`

	// +listType=map
	// +listMapKey=type
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:printcolumn:name="Image",type="string",JSONPath=".spec.package.image"
// +kubebuilder:printcolumn:name="Ready",type="string",JSONPath=".status.conditions[?(@.type==\"Ready\")].status"
// +kubebuilder:printcolumn:name="Paused",type="boolean",JSONPath=".spec.pause"

// AppInstance is the Schema for the appinstances API
type AppInstance struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   AppInstanceSpec    `json:"spec,omitempty"`
	Status *AppInstanceStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// AppInstanceList contains a list of AppInstance
type AppInstanceList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []AppInstance `json:"items"`
}

func init() {
	SchemeBuilder.Register(&AppInstance{}, &AppInstanceList{})
}
