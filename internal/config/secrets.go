package config

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretGetter is the slice of the Secrets Manager client we use.
type SecretGetter interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type providerSecret struct {
	MpesaConsumerKey    string `json:"mpesa_consumer_key"`
	MpesaConsumerSecret string `json:"mpesa_consumer_secret"`
	MpesaShortcode      string `json:"mpesa_shortcode"`
	MpesaPasskey        string `json:"mpesa_passkey"`
	StripeSecretKey     string `json:"stripe_secret_key"`
	StripeWebhookKey    string `json:"stripe_webhook_secret"`
}

// LoadAWS loads the default AWS config chain. AWS_ENDPOINT points it at LocalStack.
func LoadAWS(ctx context.Context) (aws.Config, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return cfg, fmt.Errorf("failed to load aws config: %w", err)
	}
	if endpoint := getEnv("AWS_ENDPOINT", ""); endpoint != "" {
		cfg.BaseEndpoint = aws.String(endpoint)
	}
	return cfg, nil
}

// ApplyProviderSecret overlays provider credentials stored as a JSON secret.
// Values already present in the environment win.
func (c *Config) ApplyProviderSecret(ctx context.Context, sm SecretGetter) error {
	if c.ProviderSecretID == "" {
		return nil
	}
	out, err := sm.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(c.ProviderSecretID)})
	if err != nil {
		return fmt.Errorf("failed to get secret %s: %w", c.ProviderSecretID, err)
	}
	if out.SecretString == nil {
		return fmt.Errorf("secret %s has no string value", c.ProviderSecretID)
	}
	var s providerSecret
	if err := json.Unmarshal([]byte(*out.SecretString), &s); err != nil {
		return fmt.Errorf("secret %s is not valid json: %w", c.ProviderSecretID, err)
	}

	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	fill(&c.MpesaConsumerKey, s.MpesaConsumerKey)
	fill(&c.MpesaConsumerSecret, s.MpesaConsumerSecret)
	fill(&c.MpesaShortcode, s.MpesaShortcode)
	fill(&c.MpesaPasskey, s.MpesaPasskey)
	fill(&c.StripeSecretKey, s.StripeSecretKey)
	fill(&c.StripeWebhookKey, s.StripeWebhookKey)
	return nil
}
