// Package credentials derives registry credentials for a package image.
package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/authn/kubernetes"
	"github.com/google/go-containerregistry/pkg/name"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

var (
	ErrMultipleImagePullSecrets = errors.New(".spec.imagePullSecrets currently supports at most one pull secret")
	ErrBadImagePullSecretType   = errors.New("unsupported image pull secret type, should be " + string(corev1.SecretTypeDockerConfigJson))
	ErrNoDockerConfigJSON       = errors.New("image pull secret doesn't contain " + corev1.DockerConfigJsonKey)
	ErrDecodeDockerConfig       = errors.New("error decoding docker config JSON")
)

// PullSecretName returns the name of the single configured pull secret, or ""
// when there is none.
func PullSecretName(refs []corev1.LocalObjectReference) (string, error) {
	switch len(refs) {
	case 0:
		return "", nil
	case 1:
		return refs[0].Name, nil
	default:
		return "", ErrMultipleImagePullSecrets
	}
}

// Credentials is a resolved username/password pair. The zero value means anonymous.
type Credentials struct {
	Username string
	Password string
}

// Anonymous reports whether no credentials are set.
func (c Credentials) Anonymous() bool {
	return c.Username == "" && c.Password == ""
}

// Authenticator converts c for use with go-containerregistry.
func (c Credentials) Authenticator() authn.Authenticator {
	if c.Anonymous() {
		return authn.Anonymous
	}
	return &authn.Basic{Username: c.Username, Password: c.Password}
}

// Resolver finds the credentials for an image, either from the referenced
// pull secret or, without one, from the local keychain (docker config and
// credential helpers of the controller process).
type Resolver struct {
	Client client.Reader
	// Local is used when no pull secret is referenced. Defaults to authn.DefaultKeychain.
	Local authn.Keychain
}

// Resolve returns the credentials for image in namespace.
func (r *Resolver) Resolve(ctx context.Context, namespace, image string, pullSecrets []corev1.LocalObjectReference) (Credentials, error) {
	secretName, err := PullSecretName(pullSecrets)
	if err != nil {
		return Credentials{}, err
	}

	ref, err := name.ParseReference(image)
	if err != nil {
		return Credentials{}, fmt.Errorf("parsing image reference %q: %w", image, err)
	}

	keychain := r.Local
	if keychain == nil {
		keychain = authn.DefaultKeychain
	}
	if secretName != "" {
		keychain, err = r.secretKeychain(ctx, namespace, secretName)
		if err != nil {
			return Credentials{}, err
		}
	}

	auth, err := keychain.Resolve(ref.Context())
	if err != nil {
		return Credentials{}, fmt.Errorf("resolving credentials for %s: %w", ref.Context().RegistryStr(), err)
	}
	cfg, err := auth.Authorization()
	if err != nil {
		return Credentials{}, fmt.Errorf("resolving credentials for %s: %w", ref.Context().RegistryStr(), err)
	}
	return Credentials{Username: cfg.Username, Password: cfg.Password}, nil
}

func (r *Resolver) secretKeychain(ctx context.Context, namespace, secretName string) (authn.Keychain, error) {
	secret := corev1.Secret{}
	if err := r.Client.Get(ctx, types.NamespacedName{Namespace: namespace, Name: secretName}, &secret); err != nil {
		return nil, err
	}
	if secret.Type != corev1.SecretTypeDockerConfigJson {
		return nil, fmt.Errorf("%w: got %q", ErrBadImagePullSecretType, secret.Type)
	}
	if _, ok := secret.Data[corev1.DockerConfigJsonKey]; !ok {
		return nil, ErrNoDockerConfigJSON
	}
	keychain, err := kubernetes.NewFromPullSecrets(ctx, []corev1.Secret{secret})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeDockerConfig, err)
	}
	return keychain, nil
}
