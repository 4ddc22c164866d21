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
	"errors"
	"strconv"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	apimeta "k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	kubitv1alpha1 "github.com/kubecfg/kubit/api/v1alpha1"
	"github.com/kubecfg/kubit/pkg/commands"
	"github.com/kubecfg/kubit/pkg/credentials"
)

const (
	testNamespace = "ns1"
	testImage     = "ghcr.io/org/pkg:v1"
	testJobUID    = "job-uid-1"
)

func newAppInstance(name string, mutate ...func(*kubitv1alpha1.AppInstance)) *kubitv1alpha1.AppInstance {
	ai := &kubitv1alpha1.AppInstance{
		ObjectMeta: metav1.ObjectMeta{
			Name:       name,
			Namespace:  testNamespace,
			UID:        types.UID(name + "-uid"),
			Generation: 1,
		},
		Spec: kubitv1alpha1.AppInstanceSpec{
			Package: kubitv1alpha1.Package{
				Image:      testImage,
				APIVersion: "v1alpha1",
				Spec:       &runtime.RawExtension{Raw: []byte(`{"replicas":1}`)},
			},
		},
	}
	for _, m := range mutate {
		m(ai)
	}
	return ai
}

func withFinalizer(ai *kubitv1alpha1.AppInstance) {
	ai.Finalizers = append(ai.Finalizers, Finalizer)
}

func deleting(ai *kubitv1alpha1.AppInstance) {
	now := metav1.NewTime(time.Now())
	ai.DeletionTimestamp = &now
}

// terminatedJob is an apply Job launched for generation 1.
func terminatedJob(name string, condition batchv1.JobConditionType) *batchv1.Job {
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:        ApplyJobName(name),
			Namespace:   testNamespace,
			Labels:      map[string]string{controllerUIDLabel: testJobUID},
			Annotations: map[string]string{generationAnnotation: "1"},
		},
		Status: batchv1.JobStatus{
			Conditions: []batchv1.JobCondition{{Type: condition, Status: corev1.ConditionTrue, Message: "job " + string(condition)}},
		},
	}
}

func jobPod(name, jobName, uid string, init, containers []corev1.ContainerStatus) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: testNamespace,
			Labels:    map[string]string{jobNameLabel: jobName, controllerUIDLabel: uid},
		},
		Status: corev1.PodStatus{InitContainerStatuses: init, ContainerStatuses: containers},
	}
}

func exited(name string, code int32) corev1.ContainerStatus {
	return corev1.ContainerStatus{Name: name, State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{ExitCode: code}}}
}

func waiting(name string) corev1.ContainerStatus {
	return corev1.ContainerStatus{Name: name, State: corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{Reason: "PodInitializing"}}}
}

func markJob(c client.Client, name string, condition batchv1.JobConditionType) {
	job := &batchv1.Job{}
	Expect(c.Get(context.Background(), types.NamespacedName{Namespace: testNamespace, Name: ApplyJobName(name)}, job)).To(Succeed())
	job.Status.Conditions = []batchv1.JobCondition{{Type: condition, Status: corev1.ConditionTrue}}
	Expect(c.Update(context.Background(), job)).To(Succeed())
}

func request(name string) ctrl.Request {
	return ctrl.Request{NamespacedName: types.NamespacedName{Namespace: testNamespace, Name: name}}
}

func getAppInstance(c client.Client, name string) *kubitv1alpha1.AppInstance {
	ai := &kubitv1alpha1.AppInstance{}
	Expect(c.Get(context.Background(), types.NamespacedName{Namespace: testNamespace, Name: name}, ai)).To(Succeed())
	return ai
}

func listJobs(c client.Client) []batchv1.Job {
	jobs := &batchv1.JobList{}
	Expect(c.List(context.Background(), jobs, client.InNamespace(testNamespace))).To(Succeed())
	return jobs.Items
}

func expectCondition(status *kubitv1alpha1.AppInstanceStatus, conditionType string, conditionStatus metav1.ConditionStatus, reason string) *metav1.Condition {
	ExpectWithOffset(1, status).NotTo(BeNil())
	c := apimeta.FindStatusCondition(status.Conditions, conditionType)
	ExpectWithOffset(1, c).NotTo(BeNil(), "condition %s", conditionType)
	ExpectWithOffset(1, c.Status).To(Equal(conditionStatus))
	ExpectWithOffset(1, c.Reason).To(Equal(reason))
	return c
}

var _ = Describe("AppInstance controller", func() {
	ctx := context.Background()

	Context("When no apply Job exists", func() {
		It("Should launch exactly one apply Job and wait for changes", func() {
			env := newTestEnv(interceptor.Funcs{}, newAppInstance("demo"))

			result, err := env.appInstanceReconciler().Reconcile(ctx, request("demo"))
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(ctrl.Result{}))

			jobs := listJobs(env.client)
			Expect(jobs).To(HaveLen(1))
			job := jobs[0]
			Expect(job.Name).To(Equal("kubit-apply-demo"))
			Expect(job.OwnerReferences).To(HaveLen(1))
			Expect(job.OwnerReferences[0].Kind).To(Equal("AppInstance"))
			Expect(*job.OwnerReferences[0].Controller).To(BeTrue())
			Expect(*job.Spec.BackoffLimit).To(Equal(int32(1)))
			Expect(job.Spec.ActiveDeadlineSeconds).NotTo(BeNil())

			pod := job.Spec.Template.Spec
			Expect(pod.ServiceAccountName).To(Equal(ApplierName))
			Expect(pod.RestartPolicy).To(Equal(corev1.RestartPolicyNever))
			Expect(pod.InitContainers).To(HaveLen(2))
			Expect(pod.InitContainers[0].Command).To(Equal(commands.FetchAppInstance(testNamespace, "demo", "/overlay/appinstance.json")))
			Expect(pod.InitContainers[1].Image).To(Equal("ghcr.io/kubecfg/kubecfg/kubecfg:" + testKubecfgVersion))
			Expect(pod.Containers).To(HaveLen(1))
			Expect(pod.Containers[0].Command).To(Equal(commands.Apply(testNamespace, "demo", "/manifests")))
			Expect(env.packages.images).To(Equal([]string{testImage}))

			By("provisioning the applier identity")
			Expect(env.client.Get(ctx, types.NamespacedName{Namespace: testNamespace, Name: ApplierName}, &corev1.ServiceAccount{})).To(Succeed())
			Expect(env.client.Get(ctx, types.NamespacedName{Namespace: testNamespace, Name: ApplierName}, &rbacv1.Role{})).To(Succeed())
			Expect(env.client.Get(ctx, types.NamespacedName{Namespace: testNamespace, Name: ApplierName}, &rbacv1.RoleBinding{})).To(Succeed())
			Expect(env.client.Get(ctx, types.NamespacedName{Name: ApplierCRDName}, &rbacv1.ClusterRole{})).To(Succeed())
			crb := &rbacv1.ClusterRoleBinding{}
			Expect(env.client.Get(ctx, types.NamespacedName{Name: "kubit-applier-crd-ns1"}, crb)).To(Succeed())
			Expect(crb.Subjects[0].Namespace).To(Equal(testNamespace))
			Expect(crb.OwnerReferences).To(BeEmpty())

			By("recording progress and the finalizer")
			ai := getAppInstance(env.client, "demo")
			Expect(ai.Finalizers).To(ContainElement(Finalizer))
			expectCondition(ai.Status, kubitv1alpha1.ConditionReconciler, metav1.ConditionFalse, kubitv1alpha1.ReasonExpandingTemplate)

			By("doing nothing while the Job runs")
			result, err = env.appInstanceReconciler().Reconcile(ctx, request("demo"))
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(ctrl.Result{}))
			Expect(listJobs(env.client)).To(HaveLen(1))
			Expect(env.packages.images).To(HaveLen(1))
		})

		It("Should report launch failures and requeue", func() {
			env := newTestEnv(interceptor.Funcs{}, newAppInstance("demo"))
			env.packages.err = errors.New("registry unavailable")

			result, err := env.appInstanceReconciler().Reconcile(ctx, request("demo"))
			Expect(err).NotTo(HaveOccurred())
			Expect(result.RequeueAfter).To(Equal(5 * time.Second))
			Expect(listJobs(env.client)).To(BeEmpty())

			ai := getAppInstance(env.client, "demo")
			expectCondition(ai.Status, kubitv1alpha1.ConditionReconciler, metav1.ConditionFalse, kubitv1alpha1.ReasonFailed)
			ready := expectCondition(ai.Status, kubitv1alpha1.ConditionReady, metav1.ConditionFalse, kubitv1alpha1.ReasonFailed)
			Expect(ready.Message).To(Equal("registry unavailable"))
		})

		It("Should not relaunch a generation that was applied successfully", func() {
			ai := newAppInstance("demo", withFinalizer)
			ai.Status = &kubitv1alpha1.AppInstanceStatus{}
			UpdateCondition(ai.Status, kubitv1alpha1.ConditionReady, metav1.ConditionTrue, kubitv1alpha1.ReasonJobCompletedSuccessfully, "", 1)
			env := newTestEnv(interceptor.Funcs{}, ai)

			_, err := env.appInstanceReconciler().Reconcile(ctx, request("demo"))
			Expect(err).NotTo(HaveOccurred())
			Expect(listJobs(env.client)).To(BeEmpty())

			changed := newAppInstance("changed", withFinalizer, func(ai *kubitv1alpha1.AppInstance) { ai.Generation = 2 })
			changed.Status = ai.Status.DeepCopy()
			env = newTestEnv(interceptor.Funcs{}, changed)
			_, err = env.appInstanceReconciler().Reconcile(ctx, request("changed"))
			Expect(err).NotTo(HaveOccurred())
			Expect(listJobs(env.client)).To(HaveLen(1))
		})

		It("Should apply a spec edited while the Job was running", func() {
			env := newTestEnv(interceptor.Funcs{}, newAppInstance("demo"))

			_, err := env.appInstanceReconciler().Reconcile(ctx, request("demo"))
			Expect(err).NotTo(HaveOccurred())
			launched := getAppInstance(env.client, "demo").Generation
			jobs := listJobs(env.client)
			Expect(jobs).To(HaveLen(1))
			Expect(jobs[0].Annotations).To(HaveKeyWithValue(generationAnnotation, strconv.FormatInt(launched, 10)))

			ai := getAppInstance(env.client, "demo")
			ai.Spec.Package.Image = "ghcr.io/org/pkg:v2"
			ai.Generation = launched + 1
			Expect(env.client.Update(ctx, ai)).To(Succeed())
			generation := getAppInstance(env.client, "demo").Generation
			Expect(generation).NotTo(Equal(launched))

			markJob(env.client, "demo", batchv1.JobComplete)
			_, err = env.appInstanceReconciler().Reconcile(ctx, request("demo"))
			Expect(err).NotTo(HaveOccurred())
			ready := expectCondition(getAppInstance(env.client, "demo").Status, kubitv1alpha1.ConditionReady, metav1.ConditionTrue, kubitv1alpha1.ReasonJobCompletedSuccessfully)
			Expect(ready.ObservedGeneration).To(Equal(launched))
			Expect(listJobs(env.client)).To(BeEmpty())

			By("launching the edited spec")
			_, err = env.appInstanceReconciler().Reconcile(ctx, request("demo"))
			Expect(err).NotTo(HaveOccurred())
			jobs = listJobs(env.client)
			Expect(jobs).To(HaveLen(1))
			Expect(jobs[0].Annotations).To(HaveKeyWithValue(generationAnnotation, strconv.FormatInt(generation, 10)))
			Expect(jobs[0].Spec.Template.Spec.InitContainers[1].Command).To(ContainElement(ContainSubstring("ghcr.io/org/pkg:v2")))
		})
	})

	Context("When the apply Job completed", func() {
		It("Should mark the instance ready and delete the Job", func() {
			env := newTestEnv(interceptor.Funcs{},
				newAppInstance("demo", withFinalizer),
				terminatedJob("demo", batchv1.JobComplete),
				jobPod("kubit-apply-demo-x1", "kubit-apply-demo", testJobUID,
					[]corev1.ContainerStatus{exited("fetch-app-instance", 0), exited("render", 0)},
					[]corev1.ContainerStatus{exited("apply", 0)}),
			)
			env.logs["kubit-apply-demo-x1/render"] = "rendered\n"
			env.logs["kubit-apply-demo-x1/apply"] = "configmap/foo serverside-applied\n"

			result, err := env.appInstanceReconciler().Reconcile(ctx, request("demo"))
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(ctrl.Result{}))

			ai := getAppInstance(env.client, "demo")
			expectCondition(ai.Status, kubitv1alpha1.ConditionReconciler, metav1.ConditionTrue, kubitv1alpha1.ReasonSucceeded)
			expectCondition(ai.Status, kubitv1alpha1.ConditionReady, metav1.ConditionTrue, kubitv1alpha1.ReasonJobCompletedSuccessfully)
			Expect(ai.Status.LastLogs).To(Equal(map[string]string{
				"render": "rendered\n",
				"apply":  "configmap/foo serverside-applied\n",
			}))

			err = env.client.Get(ctx, types.NamespacedName{Namespace: testNamespace, Name: "kubit-apply-demo"}, &batchv1.Job{})
			Expect(apierrors.IsNotFound(err)).To(BeTrue())

			By("waiting for a spec change afterwards")
			result, err = env.appInstanceReconciler().Reconcile(ctx, request("demo"))
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(ctrl.Result{}))
			Expect(listJobs(env.client)).To(BeEmpty())
		})
	})

	Context("When the apply Job failed", func() {
		It("Should summarize the failed container and retry after a minute", func() {
			env := newTestEnv(interceptor.Funcs{},
				newAppInstance("demo", withFinalizer),
				terminatedJob("demo", batchv1.JobFailed),
				jobPod("kubit-apply-demo-x1", "kubit-apply-demo", testJobUID,
					[]corev1.ContainerStatus{exited("fetch-app-instance", 0), exited("render", 1)},
					[]corev1.ContainerStatus{waiting("apply")}),
				jobPod("kubit-apply-demo-old", "kubit-apply-demo", "another-uid",
					[]corev1.ContainerStatus{exited("fetch-app-instance", 0)}, nil),
			)
			env.logs["kubit-apply-demo-x1/fetch-app-instance"] = "fetched\n"
			env.logs["kubit-apply-demo-x1/render"] = "line1\nline2\nline3\n"
			env.logs["kubit-apply-demo-old/fetch-app-instance"] = "stale\n"

			result, err := env.appInstanceReconciler().Reconcile(ctx, request("demo"))
			Expect(err).NotTo(HaveOccurred())
			Expect(result.RequeueAfter).To(Equal(60 * time.Second))

			ai := getAppInstance(env.client, "demo")
			expectCondition(ai.Status, kubitv1alpha1.ConditionReconciler, metav1.ConditionTrue, kubitv1alpha1.ReasonFailed)
			ready := expectCondition(ai.Status, kubitv1alpha1.ConditionReady, metav1.ConditionFalse, kubitv1alpha1.ReasonJobFailed)
			Expect(ready.Message).To(Equal("line1\n...\nline3"))
			Expect(ai.Status.LastLogs).To(Equal(map[string]string{
				"fetch-app-instance": "fetched\n",
				"render":             "line1\nline2\nline3\n",
			}))
			Expect(listJobs(env.client)).To(BeEmpty())

			By("holding the retry when the Job deletion triggers a reconcile")
			result, err = env.appInstanceReconciler().Reconcile(ctx, request("demo"))
			Expect(err).NotTo(HaveOccurred())
			Expect(result.RequeueAfter).To(BeNumerically(">", 0))
			Expect(result.RequeueAfter).To(BeNumerically("<=", 60*time.Second))
			Expect(listJobs(env.client)).To(BeEmpty())

			By("relaunching once the delay has passed")
			env.engine.Config.Controller.FailedJobRequeueDelay = 0
			result, err = env.appInstanceReconciler().Reconcile(ctx, request("demo"))
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(ctrl.Result{}))
			Expect(listJobs(env.client)).To(HaveLen(1))
		})

		It("Should retry at once when the spec changed after the failure", func() {
			env := newTestEnv(interceptor.Funcs{},
				newAppInstance("demo", withFinalizer),
				terminatedJob("demo", batchv1.JobFailed),
			)
			_, err := env.appInstanceReconciler().Reconcile(ctx, request("demo"))
			Expect(err).NotTo(HaveOccurred())

			ai := getAppInstance(env.client, "demo")
			ai.Spec.Package.Image = "ghcr.io/org/pkg:v2"
			ai.Generation = 2
			Expect(env.client.Update(ctx, ai)).To(Succeed())
			Expect(getAppInstance(env.client, "demo").Generation).NotTo(Equal(int64(1)))

			_, err = env.appInstanceReconciler().Reconcile(ctx, request("demo"))
			Expect(err).NotTo(HaveOccurred())
			Expect(listJobs(env.client)).To(HaveLen(1))
		})

		It("Should fall back to the Job condition without pod logs", func() {
			env := newTestEnv(interceptor.Funcs{},
				newAppInstance("demo", withFinalizer),
				terminatedJob("demo", batchv1.JobFailed),
			)

			_, err := env.appInstanceReconciler().Reconcile(ctx, request("demo"))
			Expect(err).NotTo(HaveOccurred())
			ready := expectCondition(getAppInstance(env.client, "demo").Status, kubitv1alpha1.ConditionReady, metav1.ConditionFalse, kubitv1alpha1.ReasonJobFailed)
			Expect(ready.Message).To(Equal("job Failed"))
		})

		It("Should fall back to the Job condition when the failed container logged nothing", func() {
			env := newTestEnv(interceptor.Funcs{},
				newAppInstance("demo", withFinalizer),
				terminatedJob("demo", batchv1.JobFailed),
				jobPod("kubit-apply-demo-x1", "kubit-apply-demo", testJobUID,
					[]corev1.ContainerStatus{exited("fetch-app-instance", 0), exited("render", 137)}, nil),
			)
			env.logs["kubit-apply-demo-x1/fetch-app-instance"] = "fetched\n"
			env.logs["kubit-apply-demo-x1/render"] = ""

			_, err := env.appInstanceReconciler().Reconcile(ctx, request("demo"))
			Expect(err).NotTo(HaveOccurred())
			ready := expectCondition(getAppInstance(env.client, "demo").Status, kubitv1alpha1.ConditionReady, metav1.ConditionFalse, kubitv1alpha1.ReasonJobFailed)
			Expect(ready.Message).To(Equal("job Failed"))
		})
	})

	Context("With several instances in a namespace", func() {
		It("Should keep every instance as owner of the shared applier identity", func() {
			env := newTestEnv(interceptor.Funcs{}, newAppInstance("first"), newAppInstance("second"))

			_, err := env.appInstanceReconciler().Reconcile(ctx, request("first"))
			Expect(err).NotTo(HaveOccurred())
			_, err = env.appInstanceReconciler().Reconcile(ctx, request("second"))
			Expect(err).NotTo(HaveOccurred())
			_, err = env.appInstanceReconciler().Reconcile(ctx, request("first"))
			Expect(err).NotTo(HaveOccurred())

			key := types.NamespacedName{Namespace: testNamespace, Name: ApplierName}
			for _, obj := range []client.Object{&corev1.ServiceAccount{}, &rbacv1.Role{}, &rbacv1.RoleBinding{}} {
				Expect(env.client.Get(ctx, key, obj)).To(Succeed())
				owners := obj.GetOwnerReferences()
				Expect(owners).To(HaveLen(2), "%T", obj)
				Expect([]types.UID{owners[0].UID, owners[1].UID}).To(ConsistOf(types.UID("first-uid"), types.UID("second-uid")))
				for _, ref := range owners {
					Expect(*ref.Controller).To(BeFalse())
				}
			}
		})
	})

	Context("With image pull secrets", func() {
		pullSecret := &corev1.Secret{
			ObjectMeta: metav1.ObjectMeta{Name: "regcred", Namespace: testNamespace},
			Type:       corev1.SecretTypeDockerConfigJson,
			Data: map[string][]byte{
				corev1.DockerConfigJsonKey: []byte(`{"auths":{"ghcr.io":{"username":"u","password":"p"}}}`),
			},
		}

		It("Should mount the single pull secret as docker config", func() {
			env := newTestEnv(interceptor.Funcs{}, pullSecret, newAppInstance("demo", func(ai *kubitv1alpha1.AppInstance) {
				ai.Spec.ImagePullSecrets = []corev1.LocalObjectReference{{Name: "regcred"}}
			}))

			_, err := env.appInstanceReconciler().Reconcile(ctx, request("demo"))
			Expect(err).NotTo(HaveOccurred())
			jobs := listJobs(env.client)
			Expect(jobs).To(HaveLen(1))

			pod := jobs[0].Spec.Template.Spec
			Expect(pod.Volumes).To(HaveLen(3))
			Expect(pod.Volumes[2].Secret.SecretName).To(Equal("regcred"))
			Expect(pod.InitContainers[1].Env).To(ContainElement(corev1.EnvVar{Name: "DOCKER_CONFIG", Value: "/.docker"}))
		})

		It("Should reject more than one pull secret without creating anything", func() {
			env := newTestEnv(interceptor.Funcs{}, pullSecret, newAppInstance("demo", func(ai *kubitv1alpha1.AppInstance) {
				ai.Spec.ImagePullSecrets = []corev1.LocalObjectReference{{Name: "regcred"}, {Name: "other"}}
			}))

			result, err := env.appInstanceReconciler().Reconcile(ctx, request("demo"))
			Expect(err).NotTo(HaveOccurred())
			Expect(result.RequeueAfter).To(Equal(5 * time.Second))
			Expect(listJobs(env.client)).To(BeEmpty())
			err = env.client.Get(ctx, types.NamespacedName{Namespace: testNamespace, Name: ApplierName}, &corev1.ServiceAccount{})
			Expect(apierrors.IsNotFound(err)).To(BeTrue())

			ready := expectCondition(getAppInstance(env.client, "demo").Status, kubitv1alpha1.ConditionReady, metav1.ConditionFalse, kubitv1alpha1.ReasonFailed)
			Expect(ready.Message).To(Equal(credentials.ErrMultipleImagePullSecrets.Error()))
		})
	})

	Context("When paused", func() {
		It("Should be skipped by the regular controller", func() {
			env := newTestEnv(interceptor.Funcs{}, newAppInstance("demo", func(ai *kubitv1alpha1.AppInstance) { ai.Spec.Pause = true }))

			result, err := env.appInstanceReconciler().Reconcile(ctx, request("demo"))
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(ctrl.Result{}))
			Expect(listJobs(env.client)).To(BeEmpty())
			Expect(getAppInstance(env.client, "demo").Finalizers).To(BeEmpty())
		})

		It("Should be processed by the paused-only controller", func() {
			env := newTestEnv(interceptor.Funcs{},
				newAppInstance("paused", func(ai *kubitv1alpha1.AppInstance) { ai.Spec.Pause = true }),
				newAppInstance("regular"),
			)
			env.engine.Config.Controller.OnlyPaused = true

			_, err := env.appInstanceReconciler().Reconcile(ctx, request("paused"))
			Expect(err).NotTo(HaveOccurred())
			_, err = env.appInstanceReconciler().Reconcile(ctx, request("regular"))
			Expect(err).NotTo(HaveOccurred())

			jobs := listJobs(env.client)
			Expect(jobs).To(HaveLen(1))
			Expect(jobs[0].Name).To(Equal("kubit-apply-paused"))
		})
	})

	Context("When the instance is deleted", func() {
		It("Should prune, clean up and release the finalizer", func() {
			var cleanupCreated bool
			env := newTestEnv(interceptor.Funcs{
				Create: func(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.CreateOption) error {
					if job, ok := obj.(*batchv1.Job); ok && job.Name == CleanupJobName("demo") {
						cleanupCreated = true
						job.Status.Conditions = []batchv1.JobCondition{{Type: batchv1.JobComplete, Status: corev1.ConditionTrue}}
					}
					return c.Create(ctx, obj, opts...)
				},
			},
				newAppInstance("demo", withFinalizer, deleting),
				terminatedJob("demo", batchv1.JobComplete),
				&corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: "demo-cleanup", Namespace: testNamespace}},
			)

			result, err := env.appInstanceReconciler().Reconcile(ctx, request("demo"))
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(ctrl.Result{}))
			Expect(cleanupCreated).To(BeTrue())

			err = env.client.Get(ctx, request("demo").NamespacedName, &kubitv1alpha1.AppInstance{})
			Expect(apierrors.IsNotFound(err)).To(BeTrue())
			Expect(listJobs(env.client)).To(BeEmpty())
			err = env.client.Get(ctx, types.NamespacedName{Namespace: testNamespace, Name: "demo-cleanup"}, &corev1.ConfigMap{})
			Expect(apierrors.IsNotFound(err)).To(BeTrue())
			Expect(env.client.Get(ctx, types.NamespacedName{Namespace: testNamespace, Name: ApplierName}, &corev1.ServiceAccount{})).To(Succeed())
		})

		It("Should keep the finalizer when the apply Job is not gone in time", func() {
			stuck := terminatedJob("demo", batchv1.JobComplete)
			stuck.Finalizers = []string{"test.kubit.kubecfg.dev/block"}
			env := newTestEnv(interceptor.Funcs{}, newAppInstance("demo", withFinalizer, deleting), stuck)

			err := env.engine.finalize(ctx, newAppInstanceCarrier(getAppInstance(env.client, "demo")))
			var timeout *DeletionTimeoutError
			Expect(errors.As(err, &timeout)).To(BeTrue())
			Expect(timeout.Job).To(Equal("kubit-apply-demo"))

			result, err := env.appInstanceReconciler().Reconcile(ctx, request("demo"))
			Expect(err).NotTo(HaveOccurred())
			Expect(result.RequeueAfter).To(Equal(5 * time.Second))

			Expect(getAppInstance(env.client, "demo").Finalizers).To(ContainElement(Finalizer))
			err = env.client.Get(ctx, types.NamespacedName{Namespace: testNamespace, Name: CleanupJobName("demo")}, &batchv1.Job{})
			Expect(apierrors.IsNotFound(err)).To(BeTrue())
		})

		It("Should delete a failed cleanup Job and retry", func() {
			env := newTestEnv(interceptor.Funcs{
				Create: func(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.CreateOption) error {
					if job, ok := obj.(*batchv1.Job); ok && job.Name == CleanupJobName("demo") {
						job.Status.Conditions = []batchv1.JobCondition{{Type: batchv1.JobFailed, Status: corev1.ConditionTrue, Message: "BackoffLimitExceeded"}}
					}
					return c.Create(ctx, obj, opts...)
				},
			}, newAppInstance("demo", withFinalizer, deleting))

			err := env.engine.finalize(ctx, newAppInstanceCarrier(getAppInstance(env.client, "demo")))
			Expect(errors.Is(err, ErrCleanupJobFailed)).To(BeTrue())
			Expect(listJobs(env.client)).To(BeEmpty())
			Expect(getAppInstance(env.client, "demo").Finalizers).To(ContainElement(Finalizer))
		})
	})

	Context("When the instance is gone", func() {
		It("Should do nothing", func() {
			env := newTestEnv(interceptor.Funcs{})
			result, err := env.appInstanceReconciler().Reconcile(ctx, request("missing"))
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(ctrl.Result{}))
		})
	})
})
