package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	ssmPrefix    = "aws-ssm://"
	secretPrefix = "aws-sm://"
)

// LoadConfig loads configuration from YAML, expanding environment variables
// in the raw file and resolving aws-ssm:// and aws-sm:// value references
// against Parameter Store and Secrets Manager.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := resolveRemoteRefs(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveRemoteRefs replaces aws-ssm:// and aws-sm:// references in the
// secret-bearing string fields. Loaders are constructed lazily so a config
// without remote references never touches AWS.
func resolveRemoteRefs(cfg *Config) error {
	fields := []*string{&cfg.DatabaseURL, &cfg.RedisAddr, &cfg.JWTSigningKey}

	var ssm *SSMLoader
	var sm *AWSSecretsLoader

	for _, f := range fields {
		switch {
		case strings.HasPrefix(*f, ssmPrefix):
			if ssm == nil {
				var err error
				if ssm, err = NewSSMLoader(); err != nil {
					return err
				}
			}
			val, err := ssm.GetParameter(strings.TrimPrefix(*f, ssmPrefix), true)
			if err != nil {
				return err
			}
			*f = val
		case strings.HasPrefix(*f, secretPrefix):
			if sm == nil {
				var err error
				if sm, err = NewAWSSecretsLoader(); err != nil {
					return err
				}
			}
			val, err := sm.GetSecret(strings.TrimPrefix(*f, secretPrefix))
			if err != nil {
				return err
			}
			*f = val
		}
	}
	return nil
}
