package cmd

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	kubitv1alpha1 "github.com/kubecfg/kubit/api/v1alpha1"
	"github.com/kubecfg/kubit/pkg/commands"
)

// Dry-run modes of `kubit local apply`.
const (
	dryRunNone   = ""
	dryRunRender = "render"
	dryRunDiff   = "diff"
	dryRunScript = "script"
)

func readAppInstance(path string) (*kubitv1alpha1.AppInstance, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ai := &kubitv1alpha1.AppInstance{}
	if err := yaml.Unmarshal(raw, ai); err != nil {
		return nil, fmt.Errorf("decoding AppInstance %s: %w", path, err)
	}
	return ai, nil
}

// localApplyScript renders the package of ai with the manifest at path as
// overlay and pipes the result to kubectl, the way the apply Job does.
func localApplyScript(ai *kubitv1alpha1.AppInstance, path, dryRun, asUser string) (commands.Script, error) {
	if ai.Namespace == "" {
		return nil, fmt.Errorf("%s: metadata.namespace is required", path)
	}
	render := commands.Render(ai.Spec.Package.Image, path, "")

	var sink []string
	switch dryRun {
	case dryRunRender:
		sink = []string{"cat"}
	case dryRunDiff:
		sink = commands.Impersonate(commands.Diff(), asUser)
	case dryRunScript, dryRunNone:
		sink = commands.Impersonate(commands.Apply(ai.Namespace, ai.Name, "-"), asUser)
	default:
		return nil, fmt.Errorf("unknown dry-run mode %q, expected one of render, diff, script", dryRun)
	}
	return commands.Script{}.Export(commands.ApplysetEnv, "true").Pipe(render, sink), nil
}

func newLocalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "local",
		Short: "Run kubit operations from the workstation",
	}

	var dryRun, packageImage, asUser string
	apply := &cobra.Command{
		Use:   "apply APP_INSTANCE_FILE",
		Short: "Render and apply an AppInstance manifest with the local kubecfg and kubectl",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ai, err := readAppInstance(args[0])
			if err != nil {
				return err
			}
			if packageImage != "" {
				ai.Spec.Package.Image = packageImage
			}
			script, err := localApplyScript(ai, args[0], dryRun, asUser)
			if err != nil {
				return err
			}
			if dryRun == dryRunScript {
				_, err := fmt.Fprint(cmd.OutOrStdout(), script.String())
				return err
			}

			sh := exec.CommandContext(cmd.Context(), "/bin/sh", "-c", script.String())
			sh.Stdout = cmd.OutOrStdout()
			sh.Stderr = cmd.ErrOrStderr()
			return sh.Run()
		},
	}
	apply.Flags().StringVar(&dryRun, "dry-run", "", "only render, diff against the cluster, or print the script (render|diff|script)")
	apply.Flags().StringVar(&packageImage, "package-image", "", "override spec.package.image")
	apply.Flags().StringVar(&asUser, "as", "", "user to impersonate, e.g. system:serviceaccount:myns:mysa")

	cmd.AddCommand(apply)
	return cmd
}
