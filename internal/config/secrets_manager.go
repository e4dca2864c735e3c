package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/maanisingh/atlas-delivery-security/internal/util/logger"
)

// SecretsManagerClient is the minimal Secrets Manager surface used by the
// loader.
type SecretsManagerClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSSecretsLoader loads secrets from AWS Secrets Manager.
type AWSSecretsLoader struct {
	client SecretsManagerClient
}

// NewAWSSecretsLoader creates a loader with default AWS config.
func NewAWSSecretsLoader() (*AWSSecretsLoader, error) {
	cfg, err := awscfg.LoadDefaultConfig(context.TODO())
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return &AWSSecretsLoader{client: secretsmanager.NewFromConfig(cfg)}, nil
}

// GetSecret retrieves a secret value from AWS Secrets Manager.
func (l *AWSSecretsLoader) GetSecret(name string) (string, error) {
	logger.Debugf("secrets-manager: retrieving secret %s", name)

	out, err := l.client.GetSecretValue(context.TODO(), &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", name)
	}
	return *out.SecretString, nil
}
