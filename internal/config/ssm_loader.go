package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/maanisingh/atlas-delivery-security/internal/util/logger"
)

// SSMParameterStoreClient is the minimal SSM surface used by the loader.
type SSMParameterStoreClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMLoader loads parameters from AWS Systems Manager Parameter Store.
type SSMLoader struct {
	client SSMParameterStoreClient
}

// NewSSMLoader creates a loader with default AWS config.
func NewSSMLoader() (*SSMLoader, error) {
	cfg, err := awscfg.LoadDefaultConfig(context.TODO())
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return &SSMLoader{client: ssm.NewFromConfig(cfg)}, nil
}

// GetParameter retrieves a parameter from SSM.
func (l *SSMLoader) GetParameter(name string, decrypt bool) (string, error) {
	logger.Debugf("ssm: retrieving parameter %s", name)

	out, err := l.client.GetParameter(context.TODO(), &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(decrypt),
	})
	if err != nil {
		return "", fmt.Errorf("get parameter %s: %w", name, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s has no value", name)
	}
	return *out.Parameter.Value, nil
}
