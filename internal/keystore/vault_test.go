package keystore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fxamacker/cbor/v2"
)

func openNew(t *testing.T, passphrase string) (*Vault, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "keystore.cbor")
	v, created, err := Open(context.Background(), path, passphrase)
	if err != nil {
		t.Fatalf("open keystore: %v", err)
	}
	if !created {
		t.Fatal("expected a new keystore file")
	}
	return v, path
}

func readEnvelope(t *testing.T, path string) envelope {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read keystore: %v", err)
	}
	var env envelope
	if err := cbor.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode keystore: %v", err)
	}
	return env
}

func writeEnvelope(t *testing.T, path string, env envelope) {
	t.Helper()
	raw, err := cbor.Marshal(env)
	if err != nil {
		t.Fatalf("encode keystore: %v", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write keystore: %v", err)
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	salt := []byte("1234567890abcdef")
	if !bytes.Equal(deriveKey("password", salt), deriveKey("password", salt)) {
		t.Fatal("expected deterministic key derivation")
	}
	if bytes.Equal(deriveKey("password", salt), deriveKey("different", salt)) {
		t.Fatal("expected different passphrase to yield different key")
	}
}

func TestSecretSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	v, path := openNew(t, "topsecret")

	first, err := v.Secret(ctx, "identity_blinding_key", 32)
	if err != nil {
		t.Fatalf("generate secret: %v", err)
	}
	again, err := v.Secret(ctx, "identity_blinding_key", 32)
	if err != nil {
		t.Fatalf("load secret: %v", err)
	}
	if len(first) != 32 || !bytes.Equal(first, again) {
		t.Fatalf("expected the same 32-byte secret, got %x and %x", first, again)
	}
	v.Close()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read keystore: %v", err)
	}
	if bytes.Contains(raw, first) {
		t.Fatal("secret must not appear in the file")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat keystore: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 keystore file, got %v", info.Mode().Perm())
	}

	reopened, created, err := Open(ctx, path, "topsecret")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if created {
		t.Fatal("reopen must not create a new file")
	}
	loaded, err := reopened.Secret(ctx, "identity_blinding_key", 32)
	if err != nil {
		t.Fatalf("load after reopen: %v", err)
	}
	if !bytes.Equal(first, loaded) {
		t.Fatal("secret changed across reopen")
	}
}

func TestWrongPassphraseIsRejected(t *testing.T) {
	v, path := openNew(t, "correct")
	if _, err := v.Secret(context.Background(), "k", 16); err != nil {
		t.Fatalf("generate secret: %v", err)
	}
	v.Close()

	if _, _, err := Open(context.Background(), path, "wrong"); !errors.Is(err, ErrUnseal) {
		t.Fatalf("expected ErrUnseal, got %v", err)
	}
	if _, _, err := Open(context.Background(), path, ""); !errors.Is(err, ErrPassphraseRequired) {
		t.Fatalf("expected ErrPassphraseRequired, got %v", err)
	}
}

func TestTamperedFileIsRejected(t *testing.T) {
	v, path := openNew(t, "pass")
	if _, err := v.Secret(context.Background(), "k", 16); err != nil {
		t.Fatalf("generate secret: %v", err)
	}
	v.Close()
	pristine := readEnvelope(t, path)

	sealed := append([]byte(nil), pristine.Sealed...)
	sealed[len(sealed)-1] ^= 0xff
	writeEnvelope(t, path, envelope{Version: pristine.Version, Salt: pristine.Salt, Nonce: pristine.Nonce, Sealed: sealed})
	if _, _, err := Open(context.Background(), path, "pass"); !errors.Is(err, ErrUnseal) {
		t.Fatalf("expected ErrUnseal for flipped ciphertext, got %v", err)
	}

	salt := append([]byte(nil), pristine.Salt...)
	salt[0] ^= 0x01
	writeEnvelope(t, path, envelope{Version: pristine.Version, Salt: salt, Nonce: pristine.Nonce, Sealed: pristine.Sealed})
	if _, _, err := Open(context.Background(), path, "pass"); !errors.Is(err, ErrUnseal) {
		t.Fatalf("expected ErrUnseal for swapped salt, got %v", err)
	}

	if err := os.WriteFile(path, []byte(`{"version":1}`), 0o600); err != nil {
		t.Fatalf("write keystore: %v", err)
	}
	if _, _, err := Open(context.Background(), path, "pass"); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt for foreign file, got %v", err)
	}
}

func TestUnsupportedVersionRejected(t *testing.T) {
	v, path := openNew(t, "pass")
	v.Close()

	env := readEnvelope(t, path)
	env.Version = 1
	writeEnvelope(t, path, env)

	if _, _, err := Open(context.Background(), path, "pass"); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestSecretSizeChecks(t *testing.T) {
	ctx := context.Background()
	v, _ := openNew(t, "pass")
	defer v.Close()

	for _, size := range []int{0, -1, maxSecretSize + 1} {
		if _, err := v.Secret(ctx, "k", size); !errors.Is(err, ErrSecretSize) {
			t.Fatalf("size %d: expected ErrSecretSize, got %v", size, err)
		}
	}
	if _, err := v.Secret(ctx, "k", 32); err != nil {
		t.Fatalf("generate secret: %v", err)
	}
	if _, err := v.Secret(ctx, "k", 16); !errors.Is(err, ErrSecretSize) {
		t.Fatalf("expected ErrSecretSize for mismatched size, got %v", err)
	}
	if _, err := v.Secret(ctx, "", 32); err == nil {
		t.Fatal("expected error for empty secret id")
	}
}

func TestCloseWipesKeyMaterial(t *testing.T) {
	ctx := context.Background()
	v, _ := openNew(t, "pass")
	if _, err := v.Secret(ctx, "k", 32); err != nil {
		t.Fatalf("generate secret: %v", err)
	}
	key := v.key
	held := v.secrets["k"]

	v.Close()
	if !bytes.Equal(key, make([]byte, len(key))) {
		t.Fatal("expected derived key to be zeroed")
	}
	if !bytes.Equal(held, make([]byte, len(held))) {
		t.Fatal("expected secret to be zeroed")
	}
	if _, err := v.Secret(ctx, "k", 32); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked after close, got %v", err)
	}
}
