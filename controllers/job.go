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
	"path"
	"strconv"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	"github.com/kubecfg/kubit/pkg/commands"
	"github.com/kubecfg/kubit/pkg/credentials"
	"github.com/kubecfg/kubit/pkg/metrics"
)

const (
	managedByLabel = "app.kubernetes.io/managed-by"
	instanceLabel  = "kubit.kubecfg.dev/instance"
	managedByKubit = "kubit"

	// generationAnnotation records the instance generation an apply Job was
	// launched for.
	generationAnnotation = "kubit.kubecfg.dev/generation"

	overlayVolume     = "overlay"
	manifestsVolume   = "manifests"
	credentialsVolume = "credentials"

	overlayDir      = "/overlay"
	manifestsDir    = "/manifests"
	dockerConfigDir = "/.docker"

	dockerConfigEnv = "DOCKER_CONFIG"
)

var (
	overlayFile      = path.Join(overlayDir, "appinstance.json")
	cleanupManifests = path.Join(manifestsDir, "cleanup.yaml")
)

// ApplyJobName is the name of the Job rendering and applying an instance.
func ApplyJobName(name string) string {
	return "kubit-apply-" + name
}

// CleanupJobName is the name of the Job pruning the resources of a deleted instance.
func CleanupJobName(name string) string {
	return "kubit-cleanup-" + name
}

func managedLabels(name string) map[string]string {
	labels := map[string]string{managedByLabel: managedByKubit}
	if name != "" {
		labels[instanceLabel] = name
	}
	return labels
}

// jobBuilder accumulates the pod of a Job run as the applier ServiceAccount.
type jobBuilder struct {
	inst       AppInstanceLike
	pullSecret string
	volumes    []corev1.Volume
}

func newJobBuilder(inst AppInstanceLike) (*jobBuilder, error) {
	if inst.Object().GetNamespace() == "" {
		return nil, ErrNamespaceRequired
	}
	secret, err := credentials.PullSecretName(inst.Spec().ImagePullSecrets)
	if err != nil {
		return nil, err
	}
	b := &jobBuilder{
		inst:       inst,
		pullSecret: secret,
		volumes: []corev1.Volume{
			{Name: overlayVolume, VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
			{Name: manifestsVolume, VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
		},
	}
	if secret != "" {
		b.volumes = append(b.volumes, corev1.Volume{
			Name: credentialsVolume,
			VolumeSource: corev1.VolumeSource{
				Secret: &corev1.SecretVolumeSource{
					SecretName: secret,
					Items: []corev1.KeyToPath{{
						Key:  corev1.DockerConfigJsonKey,
						Path: "config.json",
					}},
				},
			},
		})
	}
	return b, nil
}

// withCredentials mounts the pull secret as a docker config into c, if any.
func (b *jobBuilder) withCredentials(c corev1.Container) corev1.Container {
	if b.pullSecret == "" {
		return c
	}
	c.VolumeMounts = append(c.VolumeMounts, corev1.VolumeMount{Name: credentialsVolume, MountPath: dockerConfigDir, ReadOnly: true})
	c.Env = append(c.Env, corev1.EnvVar{Name: dockerConfigEnv, Value: dockerConfigDir})
	return c
}

func (b *jobBuilder) build(name string, activeDeadline int64, initContainers []corev1.Container, container corev1.Container) *batchv1.Job {
	obj := b.inst.Object()
	labels := managedLabels(obj.GetName())
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:            name,
			Namespace:       obj.GetNamespace(),
			Labels:          labels,
			OwnerReferences: []metav1.OwnerReference{b.inst.OwnerReference()},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: ptr.To[int32](1),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: managedLabels(obj.GetName())},
				Spec: corev1.PodSpec{
					ServiceAccountName: ApplierName,
					RestartPolicy:      corev1.RestartPolicyNever,
					Volumes:            b.volumes,
					InitContainers:     initContainers,
					Containers:         []corev1.Container{container},
				},
			},
		},
	}
	if activeDeadline > 0 {
		job.Spec.ActiveDeadlineSeconds = ptr.To(activeDeadline)
	}
	return job
}

// newApplyJob builds the Job that fetches the instance, renders the package
// with kubecfgImage and applies the result as the instance applyset.
func (e *Engine) newApplyJob(inst AppInstanceLike, kubecfgImage string) (*batchv1.Job, error) {
	b, err := newJobBuilder(inst)
	if err != nil {
		return nil, err
	}
	obj := inst.Object()

	fetch := corev1.Container{
		Name:         "fetch-app-instance",
		Image:        e.Config.Images.Kubit,
		Command:      inst.FetchCommand(overlayFile),
		VolumeMounts: []corev1.VolumeMount{{Name: overlayVolume, MountPath: overlayDir}},
	}
	render := b.withCredentials(corev1.Container{
		Name:    "render",
		Image:   kubecfgImage,
		Command: commands.Render(inst.Spec().Package.Image, overlayFile, manifestsDir),
		VolumeMounts: []corev1.VolumeMount{
			{Name: overlayVolume, MountPath: overlayDir, ReadOnly: true},
			{Name: manifestsVolume, MountPath: manifestsDir},
		},
	})
	apply := corev1.Container{
		Name:         "apply",
		Image:        e.Config.Images.Kubectl,
		Command:      commands.Apply(obj.GetNamespace(), obj.GetName(), manifestsDir),
		Env:          []corev1.EnvVar{{Name: commands.ApplysetEnv, Value: "true"}},
		VolumeMounts: []corev1.VolumeMount{{Name: manifestsVolume, MountPath: manifestsDir, ReadOnly: true}},
	}

	deadline := int64(e.Config.Controller.JobActiveDeadline.Seconds())
	job := b.build(ApplyJobName(obj.GetName()), deadline, []corev1.Container{fetch, render}, apply)
	job.Annotations = map[string]string{generationAnnotation: strconv.FormatInt(inst.Generation(), 10)}
	return job, nil
}

// newCleanupJob builds the Job that prunes everything the instance applyset
// tracks, by applying a single placeholder ConfigMap as the applyset.
func (e *Engine) newCleanupJob(inst AppInstanceLike) (*batchv1.Job, error) {
	b, err := newJobBuilder(inst)
	if err != nil {
		return nil, err
	}
	obj := inst.Object()

	setup := corev1.Container{
		Name:         "cleanup-setup",
		Image:        e.Config.Images.Kubit,
		Command:      commands.CleanupSetup(obj.GetNamespace(), obj.GetName(), cleanupManifests),
		VolumeMounts: []corev1.VolumeMount{{Name: manifestsVolume, MountPath: manifestsDir}},
	}
	cleanup := b.withCredentials(corev1.Container{
		Name:         "cleanup",
		Image:        e.Config.Images.Kubectl,
		Command:      commands.Apply(obj.GetNamespace(), obj.GetName(), manifestsDir),
		Env:          []corev1.EnvVar{{Name: commands.ApplysetEnv, Value: "true"}},
		VolumeMounts: []corev1.VolumeMount{{Name: manifestsVolume, MountPath: manifestsDir, ReadOnly: true}},
	})

	deadline := int64(e.Config.Controller.DeletionTimeout.Seconds())
	return b.build(CleanupJobName(obj.GetName()), deadline, []corev1.Container{setup}, cleanup), nil
}

// createJob creates job, an existing Job of the same name being success.
func (e *Engine) createJob(ctx context.Context, job *batchv1.Job, kind string) error {
	log := e.Log.WithValues("job", job.Namespace+"/"+job.Name)
	if err := e.Create(ctx, job); err != nil {
		if apierrors.IsAlreadyExists(err) {
			log.Info("Job already exists, doing nothing")
			return nil
		}
		return fmt.Errorf("creating job %s: %w", job.Name, err)
	}
	metrics.JobsLaunched.WithLabelValues(kind).Inc()
	log.Info("Created job", "kind", kind)
	return nil
}

// launchApplyJob provisions RBAC, resolves the package and creates the apply Job.
func (e *Engine) launchApplyJob(ctx context.Context, inst AppInstanceLike) error {
	obj := inst.Object()
	spec := inst.Spec()
	if obj.GetNamespace() == "" {
		return ErrNamespaceRequired
	}
	// Reject the spec before creating anything.
	if _, err := credentials.PullSecretName(spec.ImagePullSecrets); err != nil {
		return err
	}

	if err := e.provisionRBAC(ctx, inst, true); err != nil {
		return err
	}

	creds, err := e.Credentials.Resolve(ctx, obj.GetNamespace(), spec.Package.Image, spec.ImagePullSecrets)
	if err != nil {
		return err
	}
	pkg, err := e.Packages.Resolve(ctx, spec.Package.Image, creds.Authenticator())
	if err != nil {
		return err
	}
	kubecfgImage, err := pkg.VersionedKubecfgImage(e.Config.Images.KubecfgRegistry)
	if err != nil {
		return err
	}
	e.Log.V(1).Info("Resolved package", "image", spec.Package.Image, "kubecfg", kubecfgImage)

	job, err := e.newApplyJob(inst, kubecfgImage)
	if err != nil {
		return err
	}
	return e.createJob(ctx, job, "apply")
}
