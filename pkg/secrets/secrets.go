package secrets

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Load fetches a secret string from AWS Secrets Manager by ARN or name.
func Load(ctx context.Context, id string) (string, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := secretsmanager.NewFromConfig(cfg)
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(id),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", id, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", id)
	}
	return *out.SecretString, nil
}

// LoadDSN reads a database DSN secret. The secret may be the DSN itself
// or a JSON document with a "dsn" field.
func LoadDSN(ctx context.Context, id string) (string, error) {
	raw, err := Load(ctx, id)
	if err != nil {
		return "", err
	}
	var doc struct {
		DSN string `json:"dsn"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err == nil && doc.DSN != "" {
		return doc.DSN, nil
	}
	return raw, nil
}
