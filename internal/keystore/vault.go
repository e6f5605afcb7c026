// Package keystore keeps the relay's long-lived secrets in a passphrase-sealed file.
package keystore

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	formatVersion = 2
	saltSize      = 16
	argonTime     = 1
	argonMemory   = 64 * 1024
	argonThreads  = 4
	maxSecretSize = 1024
)

var (
	ErrLocked             = errors.New("keystore is closed")
	ErrPassphraseRequired = errors.New("keystore passphrase is required")
	ErrUnseal             = errors.New("keystore cannot be unsealed with this passphrase")
	ErrCorrupt            = errors.New("keystore file is corrupt")
	ErrUnsupportedVersion = errors.New("unsupported keystore version")
	ErrSecretSize         = errors.New("secret has the wrong size")
)

// envelope is the on-disk form. The salt and version are bound to the
// ciphertext as associated data.
type envelope struct {
	Version int    `cbor:"1,keyasint"`
	Salt    []byte `cbor:"2,keyasint"`
	Nonce   []byte `cbor:"3,keyasint"`
	Sealed  []byte `cbor:"4,keyasint"`
}

var encMode cbor.EncMode

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
}

// Vault holds named secrets sealed under a key derived from a passphrase.
type Vault struct {
	path string

	mu      sync.Mutex
	salt    []byte
	key     []byte
	secrets map[string][]byte
}

// Open unlocks the vault at path, creating an empty one when the file does
// not exist yet. created reports whether a new file was written.
func Open(ctx context.Context, path, passphrase string) (v *Vault, created bool, err error) {
	if passphrase == "" {
		return nil, false, ErrPassphraseRequired
	}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		v, err = create(path, passphrase)
		if err != nil {
			return nil, false, err
		}
		return v, true, ctx.Err()
	case err != nil:
		return nil, false, fmt.Errorf("read keystore: %w", err)
	}

	var env envelope
	if err := cbor.Unmarshal(raw, &env); err != nil {
		return nil, false, fmt.Errorf("decode keystore: %w", ErrCorrupt)
	}
	if env.Version != formatVersion {
		return nil, false, fmt.Errorf("version %d: %w", env.Version, ErrUnsupportedVersion)
	}
	if len(env.Salt) != saltSize || len(env.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, false, fmt.Errorf("envelope header: %w", ErrCorrupt)
	}

	key := deriveKey(passphrase, env.Salt)
	secrets, err := unseal(key, env)
	if err != nil {
		zero(key)
		return nil, false, err
	}
	return &Vault{path: path, salt: env.Salt, key: key, secrets: secrets}, false, ctx.Err()
}

func create(path, passphrase string) (*Vault, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create keystore directory: %w", err)
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	v := &Vault{
		path:    path,
		salt:    salt,
		key:     deriveKey(passphrase, salt),
		secrets: make(map[string][]byte),
	}
	if err := v.persist(); err != nil {
		v.Close()
		return nil, err
	}
	return v, nil
}

// Path returns the backing file.
func (v *Vault) Path() string {
	return v.path
}

// Secret returns a copy of the secret named id, generating and persisting
// size random bytes the first time it is asked for. A stored secret of a
// different size yields ErrSecretSize.
func (v *Vault) Secret(ctx context.Context, id string, size int) ([]byte, error) {
	if id == "" {
		return nil, errors.New("secret id is required")
	}
	if size <= 0 || size > maxSecretSize {
		return nil, fmt.Errorf("size %d: %w", size, ErrSecretSize)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return nil, ErrLocked
	}

	if existing, ok := v.secrets[id]; ok {
		if len(existing) != size {
			return nil, fmt.Errorf("%s holds %d bytes, want %d: %w", id, len(existing), size, ErrSecretSize)
		}
		return append([]byte(nil), existing...), ctx.Err()
	}

	secret := make([]byte, size)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	v.secrets[id] = secret
	if err := v.persist(); err != nil {
		delete(v.secrets, id)
		zero(secret)
		return nil, err
	}
	return append([]byte(nil), secret...), ctx.Err()
}

// Close wipes the derived key and every loaded secret.
func (v *Vault) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	zero(v.key)
	v.key = nil
	for id, secret := range v.secrets {
		zero(secret)
		delete(v.secrets, id)
	}
}

func (v *Vault) persist() error {
	plain, err := encMode.Marshal(v.secrets)
	if err != nil {
		return fmt.Errorf("encode secrets: %w", err)
	}
	defer zero(plain)

	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}
	env := envelope{Version: formatVersion, Salt: v.salt, Nonce: make([]byte, aead.NonceSize())}
	if _, err := rand.Read(env.Nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	env.Sealed = aead.Seal(nil, env.Nonce, plain, associatedData(env))

	raw, err := encMode.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode keystore: %w", err)
	}
	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	if err := os.Rename(tmp, v.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace keystore: %w", err)
	}
	return nil
}

func unseal(key []byte, env envelope) (map[string][]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	plain, err := aead.Open(nil, env.Nonce, env.Sealed, associatedData(env))
	if err != nil {
		return nil, ErrUnseal
	}
	defer zero(plain)

	secrets := make(map[string][]byte)
	if err := cbor.Unmarshal(plain, &secrets); err != nil {
		return nil, fmt.Errorf("decode secrets: %w", ErrCorrupt)
	}
	return secrets, nil
}

func associatedData(env envelope) []byte {
	return append([]byte{byte(env.Version)}, env.Salt...)
}

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
