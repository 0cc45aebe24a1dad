package vault

import (
	"bytes"
	"context"
	"crypto/rand"
	"testing"

	"github.com/svchub/gateway/internal/errors"
	"github.com/svchub/gateway/internal/storage"
)

func newTestVault(t *testing.T) (*Vault, *storage.MemoryStore) {
	t.Helper()
	master := make([]byte, 32)
	if _, err := rand.Read(master); err != nil {
		t.Fatal(err)
	}
	st := storage.NewMemoryStore()
	v, err := New(master, st)
	if err != nil {
		t.Fatal(err)
	}
	return v, st
}

func TestRoundTrip(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	large := make([]byte, 8192)
	rand.Read(large)

	cases := [][]byte{
		[]byte("sk-1234567890"),
		{},
		[]byte{0x00, 0xff, 0x10},
		large,
	}
	for i, plaintext := range cases {
		if err := v.Put(ctx, "gw:personal:u1", "access_key", plaintext); err != nil {
			t.Fatalf("case %d: put: %v", i, err)
		}
		got, err := v.Get(ctx, "gw:personal:u1", "access_key")
		if err != nil {
			t.Fatalf("case %d: get: %v", i, err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Errorf("case %d: round trip mismatch", i)
		}
	}
}

func TestGetMissing(t *testing.T) {
	v, _ := newTestVault(t)
	if _, err := v.Get(context.Background(), "gw:personal:u1", "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCiphertextOnlyPersisted(t *testing.T) {
	v, st := newTestVault(t)
	ctx := context.Background()
	plaintext := []byte("super-secret-value")

	v.Put(ctx, "gw:connector:c1", "api_key", plaintext)

	rec, err := st.GetSecret(ctx, "gw:connector:c1", "api_key")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(rec.Ciphertext, plaintext) {
		t.Error("plaintext leaked into persisted ciphertext")
	}
	if len(rec.Nonce) == 0 {
		t.Error("nonce not persisted")
	}
}

func TestFreshNoncePerPut(t *testing.T) {
	v, st := newTestVault(t)
	ctx := context.Background()

	v.Put(ctx, "s", "n", []byte("same"))
	first, _ := st.GetSecret(ctx, "s", "n")
	firstCT := append([]byte(nil), first.Ciphertext...)

	v.Put(ctx, "s", "n", []byte("same"))
	second, _ := st.GetSecret(ctx, "s", "n")

	if bytes.Equal(firstCT, second.Ciphertext) {
		t.Error("re-encrypting the same value should produce fresh ciphertext")
	}
	got, err := v.Get(ctx, "s", "n")
	if err != nil || string(got) != "same" {
		t.Fatalf("get after upsert: %q %v", got, err)
	}
}

func TestScopeBinding(t *testing.T) {
	v, st := newTestVault(t)
	ctx := context.Background()

	v.Put(ctx, "scope-a", "token", []byte("value"))
	rec, _ := st.GetSecret(ctx, "scope-a", "token")

	// Replant the row under a different scope; decryption must fail.
	rec.Scope = "scope-b"
	st.UpsertSecret(ctx, rec)
	if _, err := v.Get(ctx, "scope-b", "token"); err == nil {
		t.Error("ciphertext moved across scopes should not decrypt")
	}
}

func TestListNamesNeverReturnsValues(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()
	v.Put(ctx, "scope", "alpha", []byte("v1"))
	v.Put(ctx, "scope", "beta", []byte("v2"))

	names, err := v.ListNames(ctx, "scope")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Errorf("names = %v", names)
	}
}
