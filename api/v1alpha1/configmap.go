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
	"encoding/json"
	"errors"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/yaml"
)

// Keys of a ConfigMap carrying an AppInstance.
const (
	ConfigMapAppInstanceKey = "app-instance"
	ConfigMapStatusKey      = "status"
)

var (
	ErrMissingAppInstance = errors.New("ConfigMap does not carry an " + ConfigMapAppInstanceKey + " entry")
	ErrDecodeAppInstance  = errors.New("error decoding AppInstance YAML")
	ErrDecodeStatus       = errors.New("error decoding AppInstance status JSON")
)

// AppInstanceFromConfigMap decodes the YAML AppInstance in cm.Data["app-instance"].
// Name and namespace are taken from the ConfigMap.
func AppInstanceFromConfigMap(cm *corev1.ConfigMap) (*AppInstance, error) {
	raw, ok := cm.Data[ConfigMapAppInstanceKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrMissingAppInstance, cm.Namespace, cm.Name)
	}
	ai := &AppInstance{}
	if err := yaml.Unmarshal([]byte(raw), ai); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeAppInstance, err)
	}
	ai.APIVersion = GroupVersion.String()
	ai.Kind = "AppInstance"
	ai.Name = cm.Name
	ai.Namespace = cm.Namespace
	ai.Status = nil
	return ai, nil
}

// StatusFromConfigMap decodes the JSON status in cm.Data["status"]. A missing
// entry is an empty status.
func StatusFromConfigMap(cm *corev1.ConfigMap) (*AppInstanceStatus, error) {
	status := &AppInstanceStatus{}
	raw, ok := cm.Data[ConfigMapStatusKey]
	if !ok || raw == "" {
		return status, nil
	}
	if err := json.Unmarshal([]byte(raw), status); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeStatus, err)
	}
	return status, nil
}
