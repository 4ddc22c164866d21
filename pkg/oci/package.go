// Package oci fetches kubecfg package configuration from an OCI registry.
package oci

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

const (
	// PackKey is the metadata key carrying the kubecfg version a package needs.
	PackKey = "pack.kubecfg.dev/v1alpha1"
	// SchemaKey is the metadata key carrying the JSON schema of the package spec.
	SchemaKey = "kubit.kubecfg.dev/v1alpha1"
	// ImageListKey is the metadata key listing the images a package references.
	ImageListKey = "oci.image.list"
)

var (
	ErrUnsupportedManifestIndex = errors.New("unsupported manifest type: index")
	ErrDecodePackageConfig      = errors.New("error decoding package config JSON")
	ErrDecodePackageMetadata    = errors.New("error decoding kubecfg pack metadata JSON")
	ErrMissingPackageMetadata   = errors.New("package config has no metadata entry")
)

// PackageConfig is the config blob of a kubecfg package image.
type PackageConfig struct {
	Entrypoint string                     `json:"entrypoint"`
	Metadata   map[string]json.RawMessage `json:"metadata,omitempty"`
}

// KubecfgPackageMetadata is the value stored under PackKey.
type KubecfgPackageMetadata struct {
	Version string `json:"version"`
}

// ParsePackageConfig decodes a raw config blob.
func ParsePackageConfig(raw []byte) (*PackageConfig, error) {
	config := &PackageConfig{}
	if err := json.Unmarshal(raw, config); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodePackageConfig, err)
	}
	return config, nil
}

func (c *PackageConfig) metadata(key string, out any) error {
	raw, ok := c.Metadata[key]
	if !ok {
		return fmt.Errorf("%w %q", ErrMissingPackageMetadata, key)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDecodePackageMetadata, key, err)
	}
	return nil
}

// KubecfgPackageMetadata returns the kubecfg metadata of the package.
func (c *PackageConfig) KubecfgPackageMetadata() (*KubecfgPackageMetadata, error) {
	meta := &KubecfgPackageMetadata{}
	if err := c.metadata(PackKey, meta); err != nil {
		return nil, err
	}
	if meta.Version == "" {
		return nil, fmt.Errorf("%w: %s: empty version", ErrDecodePackageMetadata, PackKey)
	}
	return meta, nil
}

// VersionedKubecfgImage returns the kubecfg image tagged with the version the package requires.
func (c *PackageConfig) VersionedKubecfgImage(registry string) (string, error) {
	meta, err := c.KubecfgPackageMetadata()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%s", registry, meta.Version), nil
}

// Schema returns the pretty-printed JSON schema of the package spec.
func (c *PackageConfig) Schema() (string, error) {
	var section struct {
		Schema json.RawMessage `json:"schema"`
	}
	if err := c.metadata(SchemaKey, &section); err != nil {
		return "", err
	}
	out, err := json.MarshalIndent(section.Schema, "", "  ")
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrDecodePackageMetadata, SchemaKey, err)
	}
	return string(out), nil
}

// Images returns the images referenced by the package.
func (c *PackageConfig) Images() ([]string, error) {
	var section struct {
		Images []string `json:"images"`
	}
	if err := c.metadata(ImageListKey, &section); err != nil {
		return nil, err
	}
	return section.Images, nil
}

// Resolver fetches package configs from registries.
type Resolver struct {
	Options []remote.Option
}

// Resolve pulls the manifest of image and decodes its config blob.
// Index manifests are not supported.
func (r *Resolver) Resolve(ctx context.Context, image string, auth authn.Authenticator) (*PackageConfig, error) {
	ref, err := name.ParseReference(strings.TrimPrefix(image, "oci://"))
	if err != nil {
		return nil, fmt.Errorf("parsing image reference %q: %w", image, err)
	}

	if auth == nil {
		auth = authn.Anonymous
	}
	opts := append([]remote.Option{remote.WithContext(ctx), remote.WithAuth(auth)}, r.Options...)
	desc, err := remote.Get(ref, opts...)
	if err != nil {
		return nil, fmt.Errorf("fetching manifest of %s: %w", ref, err)
	}
	if desc.MediaType.IsIndex() {
		return nil, ErrUnsupportedManifestIndex
	}

	img, err := desc.Image()
	if err != nil {
		return nil, fmt.Errorf("reading image %s: %w", ref, err)
	}
	raw, err := img.RawConfigFile()
	if err != nil {
		return nil, fmt.Errorf("fetching config blob of %s: %w", ref, err)
	}
	return ParsePackageConfig(raw)
}
