package cmd

import (
	"context"
	"flag"
	"fmt"

	"github.com/prometheus/common/version"
	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	kubitv1alpha1 "github.com/kubecfg/kubit/api/v1alpha1"
	"github.com/kubecfg/kubit/controllers"
	"github.com/kubecfg/kubit/pkg/config"
	"github.com/kubecfg/kubit/pkg/credentials"
	"github.com/kubecfg/kubit/pkg/oci"
)

// flagKeys maps manager flags to configuration keys. Only flags set on the
// command line override the file and environment.
var flagKeys = map[string]string{
	"kubit-image":               "images.kubit",
	"kubectl-image":             "images.kubectl",
	"kubecfg-registry":          "images.kubecfgregistry",
	"only-paused":               "controller.onlypaused",
	"configmap-namespace":       "controller.configmapnamespace",
	"max-concurrent-reconciles": "controller.maxconcurrentreconciles",
	"metrics-bind-address":      "manager.metricsbindaddress",
	"health-probe-bind-address": "manager.healthprobebindaddress",
	"leader-elect":              "manager.leaderelection",
}

func newManagerCmd() *cobra.Command {
	var configPath string
	zapOpts := zap.Options{}

	cmd := &cobra.Command{
		Use:   "manager",
		Short: "Run the controller",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, cmd.Flags(), flagKeys)
			if err != nil {
				return err
			}
			ctrl.SetLogger(zap.New(zap.UseFlagOptions(&zapOpts)))
			return runManager(ctrl.SetupSignalHandler(), cfg)
		},
	}

	defaults := config.Defaults()
	fs := cmd.Flags()
	fs.StringVar(&configPath, "config", "", "path to a YAML configuration file")
	fs.String("kubit-image", defaults.Images.Kubit, "image running the helper commands inside Jobs")
	fs.String("kubectl-image", defaults.Images.Kubectl, "image running kubectl apply")
	fs.String("kubecfg-registry", defaults.Images.KubecfgRegistry, "kubecfg image repository; the tag comes from the package")
	fs.Bool("only-paused", false, "only process instances with spec.pause set")
	fs.String("configmap-namespace", "", "watch ConfigMaps carrying AppInstances in this namespace instead of the CRD")
	fs.Int("max-concurrent-reconciles", defaults.Controller.MaxConcurrentReconciles, "number of instances reconciled in parallel")
	fs.String("metrics-bind-address", defaults.Manager.MetricsBindAddress, "address the metric endpoint binds to")
	fs.String("health-probe-bind-address", defaults.Manager.HealthProbeBindAddress, "address the probe endpoint binds to")
	fs.Bool("leader-elect", false, "enable leader election, ensuring only one active controller")

	goFlags := flag.NewFlagSet("zap", flag.ContinueOnError)
	zapOpts.BindFlags(goFlags)
	fs.AddGoFlagSet(goFlags)

	return cmd
}

func runManager(ctx context.Context, cfg config.Config) error {
	log := ctrl.Log.WithName("setup")
	log.Info("Starting kubit", "version", version.Info(), "build", version.BuildContext())

	restConfig, err := ctrl.GetConfig()
	if err != nil {
		return fmt.Errorf("loading kubeconfig: %w", err)
	}

	opts := ctrl.Options{
		Scheme:                 newScheme(),
		Metrics:                metricsserver.Options{BindAddress: cfg.Manager.MetricsBindAddress},
		HealthProbeBindAddress: cfg.Manager.HealthProbeBindAddress,
		LeaderElection:         cfg.Manager.LeaderElection,
		LeaderElectionID:       leaderElectionID(cfg),
	}
	if cfg.ConfigMapMode() {
		opts.Cache = cache.Options{
			DefaultNamespaces: map[string]cache.Config{cfg.Controller.ConfigMapNamespace: {}},
		}
	}

	mgr, err := ctrl.NewManager(restConfig, opts)
	if err != nil {
		return fmt.Errorf("unable to start manager: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return fmt.Errorf("building clientset: %w", err)
	}

	engine := &controllers.Engine{
		Client:      mgr.GetClient(),
		Log:         ctrl.Log.WithName("controllers").WithName("engine"),
		Config:      cfg,
		Credentials: &credentials.Resolver{Client: mgr.GetAPIReader()},
		Packages:    &oci.Resolver{},
		Logs:        &controllers.ClientsetLogFetcher{Clientset: clientset},
	}

	if cfg.ConfigMapMode() {
		log.Info("Watching ConfigMaps", "namespace", cfg.Controller.ConfigMapNamespace)
		err = (&controllers.ConfigMapReconciler{Engine: engine, Scheme: mgr.GetScheme()}).SetupWithManager(mgr)
	} else {
		if err := checkCRD(ctx, mgr.GetAPIReader()); err != nil {
			log.Error(err, "CRD is not queryable; did you install it?")
			return err
		}
		err = (&controllers.AppInstanceReconciler{Engine: engine, Scheme: mgr.GetScheme()}).SetupWithManager(mgr)
	}
	if err != nil {
		return fmt.Errorf("unable to create controller: %w", err)
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		return fmt.Errorf("unable to set up health check: %w", err)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		return fmt.Errorf("unable to set up ready check: %w", err)
	}

	log.Info("Starting manager", "onlyPaused", cfg.Controller.OnlyPaused)
	return mgr.Start(ctx)
}

// checkCRD fails when AppInstances cannot be listed, which usually means the
// CRD is not installed.
func checkCRD(ctx context.Context, c client.Reader) error {
	if err := c.List(ctx, &kubitv1alpha1.AppInstanceList{}, client.Limit(1)); err != nil {
		return fmt.Errorf("listing %s: %w", kubitv1alpha1.GroupVersion.WithKind("AppInstance"), err)
	}
	return nil
}

// leaderElectionID keeps the paused-only controller from contending with the
// regular one.
func leaderElectionID(cfg config.Config) string {
	if cfg.Controller.OnlyPaused {
		return "paused." + cfg.Manager.LeaderElectionID
	}
	return cfg.Manager.LeaderElectionID
}
