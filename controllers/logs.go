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
	"sort"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// LogFetcher reads the logs of a container. The controller-runtime client
// cannot reach the pods/log subresource, hence the separate interface.
type LogFetcher interface {
	ContainerLogs(ctx context.Context, namespace, pod, container string) (string, error)
}

// ClientsetLogFetcher reads logs with a client-go clientset.
type ClientsetLogFetcher struct {
	Clientset kubernetes.Interface
}

func (f *ClientsetLogFetcher) ContainerLogs(ctx context.Context, namespace, pod, container string) (string, error) {
	raw, err := f.Clientset.CoreV1().Pods(namespace).GetLogs(pod, &corev1.PodLogOptions{Container: container}).DoRaw(ctx)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// JobLogs are the logs of the pods of a terminated Job.
type JobLogs struct {
	// ByContainer concatenates the logs of each container across pods.
	ByContainer map[string]string
	// FailureMessage summarizes the logs of the first container that exited
	// with a non-zero code, empty if there is none.
	FailureMessage string
}

// captureLogs collects the logs of every started container of the pods of the
// Job identified by jobName and uid. Pods are visited oldest first.
func (e *Engine) captureLogs(ctx context.Context, namespace, jobName string, uid types.UID) (*JobLogs, error) {
	pods := &corev1.PodList{}
	if err := e.List(ctx, pods, client.InNamespace(namespace), client.MatchingLabels{
		jobNameLabel:       jobName,
		controllerUIDLabel: string(uid),
	}); err != nil {
		return nil, fmt.Errorf("listing pods of job %s: %w", jobName, err)
	}
	sort.SliceStable(pods.Items, func(i, j int) bool {
		a, b := pods.Items[i], pods.Items[j]
		if !a.CreationTimestamp.Equal(&b.CreationTimestamp) {
			return a.CreationTimestamp.Before(&b.CreationTimestamp)
		}
		return a.Name < b.Name
	})

	logs := &JobLogs{ByContainer: map[string]string{}}
	for _, pod := range pods.Items {
		statuses := append(append([]corev1.ContainerStatus{}, pod.Status.InitContainerStatuses...), pod.Status.ContainerStatuses...)
		for _, cs := range statuses {
			if cs.State.Waiting != nil {
				continue
			}
			out, err := e.Logs.ContainerLogs(ctx, namespace, pod.Name, cs.Name)
			if apierrors.IsNotFound(err) {
				e.Log.V(1).Info("Pod gone before its logs were read", "pod", pod.Name, "container", cs.Name)
				continue
			}
			if err != nil {
				// Unreadable logs must not hold up the state transition.
				e.Log.Error(err, "Unable to read container logs", "pod", pod.Name, "container", cs.Name)
				logs.ByContainer[cs.Name] += fmt.Sprintf("unable to read logs of pod %s: %v\n", pod.Name, err)
				continue
			}
			logs.ByContainer[cs.Name] += out

			if logs.FailureMessage == "" && cs.State.Terminated != nil && cs.State.Terminated.ExitCode != 0 {
				logs.FailureMessage = summarizeLogs(out)
			}
		}
	}
	return logs, nil
}

// summarizeLogs keeps the first and last line of logs, usually the command
// being run and the error it failed with. Empty logs have no summary.
func summarizeLogs(logs string) string {
	logs = strings.TrimRight(logs, "\n")
	if strings.TrimSpace(logs) == "" {
		return ""
	}
	lines := strings.Split(logs, "\n")
	return lines[0] + "\n...\n" + lines[len(lines)-1]
}
