// Package vault encrypts upstream credentials at rest. Values are sealed
// with AES-256-GCM under a key derived from the configured master secret;
// only ciphertext and nonce are persisted. Nothing outside the
// authentication engine's decrypt-and-use path reads plaintext back.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/svchub/gateway/internal/errors"
	"github.com/svchub/gateway/internal/model"
	"github.com/svchub/gateway/internal/storage"
)

// ErrNotFound is returned by Get when no secret exists under scope+name.
var ErrNotFound = errors.ErrNotFound

// Vault seals and opens secrets against a storage backend.
type Vault struct {
	aead  cipher.AEAD
	store storage.Store
}

// New derives the sealing key from masterKey via HKDF-SHA256 and returns
// a Vault over store. masterKey must be at least 32 bytes.
func New(masterKey []byte, store storage.Store) (*Vault, error) {
	if len(masterKey) < 32 {
		return nil, fmt.Errorf("vault: master key must be at least 32 bytes (got %d)", len(masterKey))
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, masterKey, nil, []byte("svchub-gateway-vault-v1"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("vault: key derivation failed: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	return &Vault{aead: aead, store: store}, nil
}

// Put encrypts plaintext and upserts it under scope+name. Each call uses
// a fresh random nonce, so re-putting the same value produces different
// ciphertext.
func (v *Vault) Put(ctx context.Context, scope, name string, plaintext []byte) error {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("vault: nonce generation failed: %w", err)
	}
	ciphertext := v.aead.Seal(nil, nonce, plaintext, scopeAAD(scope, name))

	return v.store.UpsertSecret(ctx, &model.SecretRecord{
		Scope:      scope,
		Name:       name,
		Ciphertext: ciphertext,
		Nonce:      nonce,
		UpdatedAt:  time.Now(),
	})
}

// Get decrypts and returns the secret under scope+name, or ErrNotFound.
func (v *Vault) Get(ctx context.Context, scope, name string) ([]byte, error) {
	rec, err := v.store.GetSecret(ctx, scope, name)
	if err != nil {
		return nil, err
	}
	plaintext, err := v.aead.Open(nil, rec.Nonce, rec.Ciphertext, scopeAAD(scope, name))
	if err != nil {
		return nil, fmt.Errorf("vault: decrypt %s/%s: %w", scope, name, err)
	}
	return plaintext, nil
}

// Delete removes the secret under scope+name. Deleting an absent secret
// is not an error.
func (v *Vault) Delete(ctx context.Context, scope, name string) error {
	return v.store.DeleteSecret(ctx, scope, name)
}

// ListNames returns the secret names in a scope. Values are never listed.
func (v *Vault) ListNames(ctx context.Context, scope string) ([]string, error) {
	return v.store.ListSecretNames(ctx, scope)
}

// scopeAAD binds the ciphertext to its scope+name so a row moved between
// scopes in storage fails authentication on open.
func scopeAAD(scope, name string) []byte {
	return []byte(scope + "\x00" + name)
}
