// Package cmd implements the kubit command tree.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"

	kubitv1alpha1 "github.com/kubecfg/kubit/api/v1alpha1"
)

// NewRoot builds the kubit command with all its subcommands.
func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "kubit",
		Short: "Kubernetes operator installing kubecfg packages",
		Long: `kubit watches AppInstance resources (or ConfigMaps carrying them) and
  renders and applies the referenced kubecfg package with a Kubernetes Job.`,
		SilenceUsage:      true,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.AddCommand(newManagerCmd(), newHelperCmd(), newLocalCmd(), newMetadataCmd(), newVersionCmd())
	return root
}

// Execute runs the root command. This is called by main.main().
func Execute() {
	if err := NewRoot().Execute(); err != nil {
		os.Exit(1)
	}
}

func newScheme() *runtime.Scheme {
	s := runtime.NewScheme()
	utilruntime.Must(clientgoscheme.AddToScheme(s))
	utilruntime.Must(kubitv1alpha1.AddToScheme(s))
	return s
}
