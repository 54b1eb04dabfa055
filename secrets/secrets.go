// Package secrets provides the secret stores the signing key is read from.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/open-rails/oidcbridge/core"
)

// ErrNotFound is returned when a secret does not exist.
var ErrNotFound = errors.New("secret not found")

type secretsManagerAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWS reads secrets from AWS Secrets Manager.
type AWS struct {
	client secretsManagerAPI
}

var _ core.SecretFetcher = (*AWS)(nil)

// NewAWS loads the default AWS configuration (environment, shared config,
// instance role) and returns a Secrets Manager backed store.
func NewAWS(ctx context.Context, region string) (*AWS, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &AWS{client: secretsmanager.NewFromConfig(cfg)}, nil
}

func (a *AWS) FetchSecret(ctx context.Context, id string) (string, error) {
	out, err := a.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(id)})
	if err != nil {
		return "", fmt.Errorf("get secret value: %w", err)
	}
	if out.SecretString != nil {
		return *out.SecretString, nil
	}
	if len(out.SecretBinary) > 0 {
		return string(out.SecretBinary), nil
	}
	return "", ErrNotFound
}

// Env reads the secret from the environment variable named by the id.
type Env struct{}

func (Env) FetchSecret(_ context.Context, id string) (string, error) {
	v, ok := os.LookupEnv(id)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%w: env %s", ErrNotFound, id)
	}
	return v, nil
}

// Dir reads the secret from a file named id inside a directory, the layout
// Kubernetes and Docker use for mounted secrets.
type Dir struct {
	Path string
}

func (d Dir) FetchSecret(_ context.Context, id string) (string, error) {
	name := filepath.Clean(id)
	if name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid secret id %q", id)
	}
	b, err := os.ReadFile(filepath.Join(d.Path, name))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// New returns the store for backend: "aws", "env" or "file".
func New(ctx context.Context, backend, region, dir string) (core.SecretFetcher, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "aws":
		return NewAWS(ctx, region)
	case "env":
		return Env{}, nil
	case "file":
		if dir == "" {
			return nil, errors.New("secret dir is required for the file backend")
		}
		return Dir{Path: dir}, nil
	default:
		return nil, fmt.Errorf("unknown secret backend %q", backend)
	}
}
