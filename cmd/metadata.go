package cmd

import (
	"context"
	"fmt"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/spf13/cobra"

	"github.com/kubecfg/kubit/pkg/credentials"
	"github.com/kubecfg/kubit/pkg/oci"
)

type packageResolver interface {
	Resolve(ctx context.Context, image string, auth authn.Authenticator) (*oci.PackageConfig, error)
}

// packages resolves package images for the metadata commands. Replaced in tests.
var packages packageResolver = &oci.Resolver{}

func newMetadataCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metadata",
		Short: "Inspect the metadata of the package of an AppInstance manifest",
	}
	cmd.AddCommand(
		newMetadataSubCmd("schema", "Print the JSON schema of the package spec", func(cmd *cobra.Command, config *oci.PackageConfig) error {
			schema, err := config.Schema()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), schema)
			return nil
		}),
		newMetadataSubCmd("images", "Print the images the package references, e.g. to mirror them", func(cmd *cobra.Command, config *oci.PackageConfig) error {
			images, err := config.Images()
			if err != nil {
				return err
			}
			for _, image := range images {
				fmt.Fprintln(cmd.OutOrStdout(), image)
			}
			return nil
		}),
	)
	return cmd
}

func newMetadataSubCmd(use, short string, print func(*cobra.Command, *oci.PackageConfig) error) *cobra.Command {
	var skipAuth bool
	cmd := &cobra.Command{
		Use:   use + " APP_INSTANCE_FILE",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ai, err := readAppInstance(args[0])
			if err != nil {
				return err
			}
			image := ai.Spec.Package.Image

			var auth authn.Authenticator = authn.Anonymous
			if !skipAuth {
				creds, err := (&credentials.Resolver{}).Resolve(cmd.Context(), ai.Namespace, image, nil)
				if err != nil {
					return err
				}
				auth = creds.Authenticator()
			}

			config, err := packages.Resolve(cmd.Context(), image, auth)
			if err != nil {
				return err
			}
			return print(cmd, config)
		},
	}
	cmd.Flags().BoolVar(&skipAuth, "skip-auth", false, "pull the package anonymously instead of using the local docker credentials")
	return cmd
}
