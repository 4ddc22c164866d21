package cmd

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/kubecfg/kubit/pkg/helper"
)

// helperClient builds the client used by the helper commands. Replaced in tests.
var helperClient = func() (client.Reader, error) {
	restConfig, err := ctrl.GetConfig()
	if err != nil {
		return nil, err
	}
	return client.New(restConfig, client.Options{Scheme: newScheme()})
}

type helperOptions struct {
	namespace string
	output    string
}

func newHelperCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "helper",
		Short: "Commands run inside the apply and cleanup Jobs",
	}
	cmd.AddCommand(
		newHelperSubCmd("fetch-app-instance", "Write the AppInstance as JSON, without status", true,
			func(ctx context.Context, c client.Reader, o helperOptions, name string, w io.Writer) error {
				return helper.FetchAppInstance(ctx, c, o.namespace, name, w)
			}),
		newHelperSubCmd("fetch-app-instance-from-configmap", "Write the AppInstance carried by a ConfigMap as JSON", true,
			func(ctx context.Context, c client.Reader, o helperOptions, name string, w io.Writer) error {
				return helper.FetchAppInstanceFromConfigMap(ctx, c, o.namespace, name, w)
			}),
		newHelperSubCmd("cleanup", "Write the placeholder manifest that prunes the applyset", false,
			func(_ context.Context, _ client.Reader, o helperOptions, name string, w io.Writer) error {
				return helper.WriteCleanupPlaceholder(o.namespace, name, w)
			}),
	)
	return cmd
}

type helperFunc func(ctx context.Context, c client.Reader, o helperOptions, name string, w io.Writer) error

func newHelperSubCmd(use, short string, needsClient bool, run helperFunc) *cobra.Command {
	var o helperOptions
	cmd := &cobra.Command{
		Use:   use + " NAME",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var c client.Reader
			if needsClient {
				var err error
				if c, err = helperClient(); err != nil {
					return err
				}
			}

			w := cmd.OutOrStdout()
			if o.output != "" && o.output != "-" {
				f, err := os.Create(o.output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return run(cmd.Context(), c, o, args[0], w)
		},
	}
	cmd.Flags().StringVarP(&o.namespace, "namespace", "n", "", "namespace of the instance")
	cmd.Flags().StringVarP(&o.output, "output", "o", "-", "file to write, - for stdout")
	_ = cmd.MarkFlagRequired("namespace")
	return cmd
}
