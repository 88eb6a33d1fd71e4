// Package secretsvault wraps the relational secret store with envelope
// encryption: non-parameter values are stored and retrieved as ciphertext,
// parameters are stored verbatim, and any entry whose decryption fails is
// logged and skipped rather than aborting the batch.
package secretsvault

import (
	"context"
	"fmt"

	"github.com/fastflow/core/internal/cryptoenv"
	"github.com/fastflow/core/internal/logging"
	"github.com/fastflow/core/internal/model"
)

var subject = []byte("secret")
var envSubject = []byte("pipeline_env")

// Store is the subset of the repository interface this vault needs.
type Store interface {
	GetSecret(ctx context.Context, key string) (*model.Secret, error)
	ListSecrets(ctx context.Context) ([]model.Secret, error)
	PutSecret(ctx context.Context, s *model.Secret) error
	DeleteSecret(ctx context.Context, key string) error
}

// Vault is the process-wide secret accessor, keyed by a single master key
// loaded once at start-up.
type Vault struct {
	store     Store
	masterKey []byte
	logger    *logging.Logger
}

// New builds a Vault. masterKey must be non-empty in production; config
// validation enforces that before this constructor is ever reached.
func New(store Store, masterKey []byte, logger *logging.Logger) *Vault {
	return &Vault{store: store, masterKey: masterKey, logger: logger}
}

// Put encrypts value (unless isParameter) and upserts it.
func (v *Vault) Put(ctx context.Context, key, value string, isParameter bool) error {
	stored := value
	if !isParameter {
		ciphertext, err := cryptoenv.Encrypt(v.masterKey, subject, key, []byte(value))
		if err != nil {
			return fmt.Errorf("secretsvault: encrypt %q: %w", key, err)
		}
		stored = string(ciphertext)
	}
	return v.store.PutSecret(ctx, &model.Secret{Key: key, Value: stored, IsParameter: isParameter})
}

// Get returns the decrypted value for key, or ok=false if absent or
// undecryptable.
func (v *Vault) Get(ctx context.Context, key string) (value string, ok bool, err error) {
	secret, err := v.store.GetSecret(ctx, key)
	if err != nil {
		return "", false, err
	}
	if secret == nil {
		return "", false, nil
	}
	if secret.IsParameter {
		return secret.Value, true, nil
	}
	plain, err := cryptoenv.Decrypt(v.masterKey, subject, key, []byte(secret.Value))
	if err != nil {
		v.logger.WithContext(ctx).WithField("key", key).Warn("secretsvault: entry undecryptable, skipping")
		return "", false, nil
	}
	return string(plain), true, nil
}

// Delete removes a secret by key.
func (v *Vault) Delete(ctx context.Context, key string) error {
	return v.store.DeleteSecret(ctx, key)
}

// DecryptInlineEnv decrypts a pipeline or schedule's inline encrypted_env map
// (ciphertext stored directly in metadata, not a secrets-table row). An
// undecryptable entry is logged and skipped, same as GetAll.
func (v *Vault) DecryptInlineEnv(ctx context.Context, encrypted map[string]string) map[string]string {
	result := make(map[string]string, len(encrypted))
	for key, ciphertext := range encrypted {
		plain, err := cryptoenv.Decrypt(v.masterKey, envSubject, key, []byte(ciphertext))
		if err != nil {
			v.logger.WithContext(ctx).WithField("key", key).Warn("secretsvault: encrypted_env entry undecryptable, skipping")
			continue
		}
		result[key] = string(plain)
	}
	return result
}

// GetAll decrypts every stored secret, skipping (and logging) any entry
// whose ciphertext fails to decrypt rather than aborting the batch.
func (v *Vault) GetAll(ctx context.Context) (map[string]string, error) {
	secrets, err := v.store.ListSecrets(ctx)
	if err != nil {
		return nil, fmt.Errorf("secretsvault: list secrets: %w", err)
	}

	result := make(map[string]string, len(secrets))
	for _, secret := range secrets {
		if secret.IsParameter {
			result[secret.Key] = secret.Value
			continue
		}
		plain, err := cryptoenv.Decrypt(v.masterKey, subject, secret.Key, []byte(secret.Value))
		if err != nil {
			v.logger.WithContext(ctx).WithField("key", secret.Key).Warn("secretsvault: entry undecryptable, skipping")
			continue
		}
		result[secret.Key] = string(plain)
	}
	return result, nil
}
