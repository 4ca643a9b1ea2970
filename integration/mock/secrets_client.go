package mock

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// SecretsClient is a mock implementation of aws.SecretsClient interface for
// testing.
type SecretsClient struct {
	mu      sync.RWMutex
	secrets map[string]string
}

// NewSecretsClient creates a new mock Secrets Manager client
func NewSecretsClient() *SecretsClient {
	return &SecretsClient{secrets: make(map[string]string)}
}

// AddSecret stores a secret string under id.
func (m *SecretsClient) AddSecret(id, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[id] = value
}

// GetSecretValue implements the SecretsClient interface
func (m *SecretsClient) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id := aws.ToString(params.SecretId)
	value, ok := m.secrets[id]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("secret not found: " + id)}
	}
	return &secretsmanager.GetSecretValueOutput{
		Name:         params.SecretId,
		SecretString: aws.String(value),
	}, nil
}
