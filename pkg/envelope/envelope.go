// Package envelope implements per-file envelope encryption.
//
// Each file gets a fresh 256-bit data key. File bytes are sealed with AES-256-GCM
// as nonce || ciphertext || tag. The data key is wrapped with XChaCha20-Poly1305
// under a key-encryption key derived from the master secret and the key id, and
// the wrapped key lives in a KeyStore, never next to the ciphertext.
package envelope

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"filevault/pkg/domain"
)

const (
	dataKeySize  = 32
	gcmNonceSize = 12
	kekInfo      = "filevault-envelope-kek"
)

// Sealed is the result of Encrypt.
type Sealed struct {
	Ciphertext []byte
	KeyID      string
}

// Encryptor seals and opens file bytes.
type Encryptor struct {
	master []byte
	keys   KeyStore
}

func NewEncryptor(masterKey []byte, keys KeyStore) (*Encryptor, error) {
	if len(masterKey) < 32 {
		return nil, errors.New("envelope master key must be at least 32 bytes")
	}
	if keys == nil {
		return nil, errors.New("envelope key store required")
	}
	master := make([]byte, len(masterKey))
	copy(master, masterKey)
	return &Encryptor{master: master, keys: keys}, nil
}

// Encrypt seals plaintext under a new data key and stores the wrapped key.
func (e *Encryptor) Encrypt(ctx context.Context, plaintext []byte) (Sealed, error) {
	dek := make([]byte, dataKeySize)
	if _, err := rand.Read(dek); err != nil {
		return Sealed{}, fmt.Errorf("generate data key: %w", err)
	}
	ciphertext, err := sealGCM(dek, plaintext)
	if err != nil {
		return Sealed{}, err
	}
	keyID := uuid.NewString()
	wrapped, err := e.wrap(keyID, dek)
	if err != nil {
		return Sealed{}, err
	}
	if err := e.keys.PutKey(ctx, keyID, wrapped); err != nil {
		return Sealed{}, fmt.Errorf("store data key: %w", err)
	}
	return Sealed{Ciphertext: ciphertext, KeyID: keyID}, nil
}

// Decrypt opens an envelope. Any failure, including an unknown key id or a
// tampered envelope, is reported as domain.ErrDecryptionFailed.
func (e *Encryptor) Decrypt(ctx context.Context, envelope []byte, keyID string) ([]byte, error) {
	dek, err := e.dataKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	plaintext, err := openGCM(dek, envelope)
	if err != nil {
		return nil, fmt.Errorf("open envelope: %w", domain.ErrDecryptionFailed)
	}
	return plaintext, nil
}

// RotateKey re-wraps the data key under a new id and retires the old id.
// Ciphertext sealed under the key stays valid with the returned id.
func (e *Encryptor) RotateKey(ctx context.Context, oldKeyID string) (string, error) {
	dek, err := e.dataKey(ctx, oldKeyID)
	if err != nil {
		return "", err
	}
	newKeyID := uuid.NewString()
	wrapped, err := e.wrap(newKeyID, dek)
	if err != nil {
		return "", err
	}
	if err := e.keys.PutKey(ctx, newKeyID, wrapped); err != nil {
		return "", fmt.Errorf("store rotated key: %w", err)
	}
	if err := e.keys.DeleteKey(ctx, oldKeyID); err != nil {
		return "", fmt.Errorf("retire key %s: %w", oldKeyID, err)
	}
	return newKeyID, nil
}

// DeleteKey drops a data key. Ciphertext sealed under it becomes unreadable.
func (e *Encryptor) DeleteKey(ctx context.Context, keyID string) error {
	return e.keys.DeleteKey(ctx, keyID)
}

func (e *Encryptor) dataKey(ctx context.Context, keyID string) ([]byte, error) {
	if keyID == "" {
		return nil, fmt.Errorf("empty key id: %w", domain.ErrDecryptionFailed)
	}
	wrapped, ok, err := e.keys.GetKey(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("load key %s: %w", keyID, err)
	}
	if !ok {
		return nil, fmt.Errorf("key %s not found: %w", keyID, domain.ErrDecryptionFailed)
	}
	dek, err := e.unwrap(keyID, wrapped)
	if err != nil {
		return nil, fmt.Errorf("unwrap key %s: %w", keyID, domain.ErrDecryptionFailed)
	}
	return dek, nil
}

func (e *Encryptor) deriveKEK(keyID string) ([]byte, error) {
	kek := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, e.master, []byte(keyID), []byte(kekInfo))
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, fmt.Errorf("derive kek: %w", err)
	}
	return kek, nil
}

// wrap binds the key id as associated data so a wrapped key cannot be replayed under another id.
func (e *Encryptor) wrap(keyID string, dek []byte) ([]byte, error) {
	kek, err := e.deriveKEK(keyID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, fmt.Errorf("create wrap cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(dek)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("wrap nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, dek, []byte(keyID)), nil
}

func (e *Encryptor) unwrap(keyID string, wrapped []byte) ([]byte, error) {
	kek, err := e.deriveKEK(keyID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, err
	}
	if len(wrapped) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("wrapped key too short")
	}
	nonce, ct := wrapped[:aead.NonceSize()], wrapped[aead.NonceSize():]
	return aead.Open(nil, nonce, ct, []byte(keyID))
}

func sealGCM(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	nonce := make([]byte, gcmNonceSize, gcmNonceSize+len(plaintext)+gcm.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("gcm nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func openGCM(key, envelope []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(envelope) < gcmNonceSize+gcm.Overhead() {
		return nil, errors.New("envelope too short")
	}
	plaintext, err := gcm.Open(nil, envelope[:gcmNonceSize], envelope[gcmNonceSize:], nil)
	if err != nil {
		return nil, err
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}
