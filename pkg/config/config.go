// Package config loads the kubit controller configuration.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config is the resolved configuration of the controller process. It is built
// once at startup and passed by value to everything that needs it.
type Config struct {
	Images     Images     `koanf:"images"`
	Controller Controller `koanf:"controller"`
	Manager    Manager    `koanf:"manager"`
}

// Images names the container images used by the apply and cleanup Jobs.
type Images struct {
	// Kubit is the image running the helper subcommands (normally the controller image).
	Kubit string `koanf:"kubit"`
	// Kubectl is the image running `kubectl apply`.
	Kubectl string `koanf:"kubectl"`
	// KubecfgRegistry is the kubecfg repository; the tag comes from the package metadata.
	KubecfgRegistry string `koanf:"kubecfgregistry"`
}

// Controller tunes the reconciliation engine.
type Controller struct {
	// OnlyPaused makes the controller process only instances with spec.pause set.
	OnlyPaused bool `koanf:"onlypaused"`
	// ConfigMapNamespace switches to the ConfigMap carrier, watching this namespace only.
	ConfigMapNamespace string `koanf:"configmapnamespace"`

	ReconcileDelay        time.Duration `koanf:"reconciledelay"`
	ErrorRequeueDelay     time.Duration `koanf:"errorrequeuedelay"`
	FailedJobRequeueDelay time.Duration `koanf:"failedjobrequeuedelay"`
	DeletionTimeout       time.Duration `koanf:"deletiontimeout"`
	PollInterval          time.Duration `koanf:"pollinterval"`
	JobActiveDeadline     time.Duration `koanf:"jobactivedeadline"`

	MaxConcurrentReconciles int `koanf:"maxconcurrentreconciles"`
}

// Manager configures the controller-runtime manager.
type Manager struct {
	MetricsBindAddress     string `koanf:"metricsbindaddress"`
	HealthProbeBindAddress string `koanf:"healthprobebindaddress"`
	LeaderElection         bool   `koanf:"leaderelection"`
	LeaderElectionID       string `koanf:"leaderelectionid"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Images: Images{
			Kubit:           "ghcr.io/kubecfg/kubit:latest",
			Kubectl:         "registry.k8s.io/kubectl:v1.32.3",
			KubecfgRegistry: "ghcr.io/kubecfg/kubecfg/kubecfg",
		},
		Controller: Controller{
			ReconcileDelay:          time.Second,
			ErrorRequeueDelay:       5 * time.Second,
			FailedJobRequeueDelay:   60 * time.Second,
			DeletionTimeout:         120 * time.Second,
			PollInterval:            time.Second,
			JobActiveDeadline:       30 * time.Minute,
			MaxConcurrentReconciles: 4,
		},
		Manager: Manager{
			MetricsBindAddress:     ":8080",
			HealthProbeBindAddress: ":8081",
			LeaderElectionID:       "kubit.kubecfg.dev",
		},
	}
}

// ConfigMapMode reports whether instances are carried by ConfigMaps.
func (c Config) ConfigMapMode() bool {
	return c.Controller.ConfigMapNamespace != ""
}

// Validate implements Validator.
func (c *Config) Validate() error {
	var errs []error
	if c.Images.Kubit == "" {
		errs = append(errs, errors.New("images.kubit is required"))
	}
	if c.Images.Kubectl == "" {
		errs = append(errs, errors.New("images.kubectl is required"))
	}
	if c.Images.KubecfgRegistry == "" {
		errs = append(errs, errors.New("images.kubecfgRegistry is required"))
	}
	if c.Controller.DeletionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("controller.deletionTimeout must be positive, got %s", c.Controller.DeletionTimeout))
	}
	if c.Controller.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("controller.pollInterval must be positive, got %s", c.Controller.PollInterval))
	}
	if c.Controller.ReconcileDelay < 0 {
		errs = append(errs, fmt.Errorf("controller.reconcileDelay must not be negative, got %s", c.Controller.ReconcileDelay))
	}
	if c.Controller.MaxConcurrentReconciles < 1 {
		errs = append(errs, fmt.Errorf("controller.maxConcurrentReconciles must be at least 1, got %d", c.Controller.MaxConcurrentReconciles))
	}
	return errors.Join(errs...)
}
