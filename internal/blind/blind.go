// Package blind keeps sender real ids out of the record store in plaintext.
//
// A real id is stored twice: as a keyed HMAC index used for lookups and as an
// XChaCha20-Poly1305 ciphertext used to route replies. Both keys are HKDF
// expansions of one master secret held in the keystore.
package blind

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the required master secret length.
	KeySize = 32

	indexInfo = "anon-relay/real-id-index/v1"
	sealInfo  = "anon-relay/real-id-seal/v1"
)

// ErrOpen indicates a sealed real id failed authentication.
var ErrOpen = errors.New("sealed real id could not be opened")

// Sealer derives lookup indexes and sealed blobs for real ids.
type Sealer struct {
	indexKey []byte
	sealKey  []byte
}

// NewSealer expands master into the index and seal keys.
func NewSealer(master []byte) (*Sealer, error) {
	if len(master) != KeySize {
		return nil, fmt.Errorf("blinding key must be %d bytes (got %d)", KeySize, len(master))
	}
	indexKey, err := expand(master, indexInfo)
	if err != nil {
		return nil, err
	}
	sealKey, err := expand(master, sealInfo)
	if err != nil {
		zeroBytes(indexKey)
		return nil, err
	}
	return &Sealer{indexKey: indexKey, sealKey: sealKey}, nil
}

func expand(master []byte, info string) ([]byte, error) {
	out := make([]byte, KeySize)
	reader := hkdf.New(sha256.New, master, nil, []byte(info))
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("derive %s: %w", info, err)
	}
	return out, nil
}

// Index returns the deterministic lookup key for realID.
func (s *Sealer) Index(realID int64) string {
	mac := hmac.New(sha256.New, s.indexKey)
	mac.Write(encodeID(realID))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Seal encrypts realID bound to its index.
func (s *Sealer) Seal(realID int64) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.sealKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	plain := encodeID(realID)
	defer zeroBytes(plain)
	return aead.Seal(nonce, nonce, plain, []byte(s.Index(realID))), nil
}

// Open recovers the real id sealed under index.
func (s *Sealer) Open(sealed []byte, index string) (int64, error) {
	aead, err := chacha20poly1305.NewX(s.sealKey)
	if err != nil {
		return 0, fmt.Errorf("init cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return 0, ErrOpen
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(index))
	if err != nil || len(plain) != 8 {
		return 0, ErrOpen
	}
	defer zeroBytes(plain)
	return int64(binary.BigEndian.Uint64(plain)), nil
}

// Zero wipes the derived keys.
func (s *Sealer) Zero() {
	zeroBytes(s.indexKey)
	zeroBytes(s.sealKey)
}

func encodeID(id int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
