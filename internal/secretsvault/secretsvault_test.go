package secretsvault

import (
	"context"
	"testing"

	"github.com/fastflow/core/internal/cryptoenv"
	"github.com/fastflow/core/internal/logging"
	"github.com/fastflow/core/internal/model"
)

type fakeSecretStore struct {
	rows map[string]model.Secret
}

func newFakeSecretStore() *fakeSecretStore {
	return &fakeSecretStore{rows: map[string]model.Secret{}}
}

func (f *fakeSecretStore) GetSecret(ctx context.Context, key string) (*model.Secret, error) {
	s, ok := f.rows[key]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (f *fakeSecretStore) ListSecrets(ctx context.Context) ([]model.Secret, error) {
	out := make([]model.Secret, 0, len(f.rows))
	for _, s := range f.rows {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeSecretStore) PutSecret(ctx context.Context, s *model.Secret) error {
	f.rows[s.Key] = *s
	return nil
}

func (f *fakeSecretStore) DeleteSecret(ctx context.Context, key string) error {
	delete(f.rows, key)
	return nil
}

func testVault() (*Vault, *fakeSecretStore) {
	store := newFakeSecretStore()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return New(store, key, logging.New("test", "error", "text")), store
}

func TestPutGetRoundTrip(t *testing.T) {
	v, _ := testVault()
	ctx := context.Background()
	if err := v.Put(ctx, "api-key", "sekret", false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := v.Get(ctx, "api-key")
	if err != nil || !ok {
		t.Fatalf("Get: got=%q ok=%v err=%v", got, ok, err)
	}
	if got != "sekret" {
		t.Fatalf("got %q", got)
	}
}

func TestParameterStoredPlaintext(t *testing.T) {
	v, store := testVault()
	ctx := context.Background()
	if err := v.Put(ctx, "region", "us-east-1", true); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if store.rows["region"].Value != "us-east-1" {
		t.Fatalf("expected plaintext storage, got %q", store.rows["region"].Value)
	}
}

func TestGetAllSkipsUndecryptableEntries(t *testing.T) {
	v, store := testVault()
	ctx := context.Background()
	if err := v.Put(ctx, "good", "value", false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	store.rows["bad"] = model.Secret{Key: "bad", Value: "v1:not-valid-ciphertext", IsParameter: false}

	all, err := v.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if all["good"] != "value" {
		t.Fatalf("missing good entry: %+v", all)
	}
	if _, present := all["bad"]; present {
		t.Fatalf("undecryptable entry should have been skipped: %+v", all)
	}
}

func TestDecryptInlineEnvSkipsUndecryptableEntries(t *testing.T) {
	v, _ := testVault()
	ctx := context.Background()

	ciphertext, err := cryptoenv.Encrypt(v.masterKey, envSubject, "API_TOKEN", []byte("shh"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	got := v.DecryptInlineEnv(ctx, map[string]string{
		"API_TOKEN": string(ciphertext),
		"BROKEN":    "v1:not-valid-ciphertext",
	})
	if got["API_TOKEN"] != "shh" {
		t.Fatalf("unexpected API_TOKEN value: %+v", got)
	}
	if _, present := got["BROKEN"]; present {
		t.Fatalf("expected undecryptable entry dropped: %+v", got)
	}
}
