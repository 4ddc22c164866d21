// Package commands builds the command lines run by the apply and cleanup Job containers.
package commands

import (
	"fmt"
	"strings"
)

const (
	// FieldManager is the server-side apply field manager used for everything kubit applies.
	FieldManager = "kubit"

	// ApplysetEnv enables the alpha applyset support of kubectl.
	ApplysetEnv = "KUBECTL_APPLYSET"

	exportFilenameFormat = `{{printf "%03d" (resourceIndex .)}}-{{.apiVersion}}.{{.kind}}-{{default "default" .metadata.namespace}}.{{.metadata.name}}`
)

// CleanupHackName is the name of the placeholder ConfigMap used to prune an applyset.
func CleanupHackName(name string) string {
	return fmt.Sprintf("%s-cleanup", name)
}

// Render runs kubecfg to render the package image with the overlay file into outputDir.
func Render(image, overlayFile, outputDir string) []string {
	entrypoint := image
	if !strings.HasPrefix(image, "file://") {
		entrypoint = "oci://" + image
	}
	cli := []string{
		"kubecfg",
		"show",
		entrypoint,
		"--alpha",
		"--reorder=server",
		"--overlay-code-file",
		"appInstance_=" + overlayFile,
	}
	if outputDir != "" {
		cli = append(cli,
			"--export-dir", outputDir,
			"--export-filename-format", exportFilenameFormat,
		)
	}
	return cli
}

// Apply server-side applies the manifests in dir as the applyset name, pruning
// whatever the applyset tracked before.
func Apply(namespace, name, dir string) []string {
	return []string{
		"kubectl",
		"apply",
		"-n", namespace,
		"--server-side",
		"--prune",
		"--applyset", name,
		"--field-manager", FieldManager,
		"--force-conflicts",
		"-v=2",
		"-f", dir,
	}
}

// FetchAppInstance writes the AppInstance to output.
func FetchAppInstance(namespace, name, output string) []string {
	return helper("fetch-app-instance", namespace, name, output)
}

// FetchAppInstanceFromConfigMap writes the AppInstance carried by a ConfigMap to output.
func FetchAppInstanceFromConfigMap(namespace, name, output string) []string {
	return helper("fetch-app-instance-from-configmap", namespace, name, output)
}

// CleanupSetup writes the placeholder ConfigMap for name to output.
func CleanupSetup(namespace, name, output string) []string {
	return helper("cleanup", namespace, name, output)
}

func helper(command, namespace, name, output string) []string {
	return []string{
		"kubit",
		"helper",
		command,
		"--namespace", namespace,
		"--output", output,
		name,
	}
}
