package pairing

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Cryptographic errors.
var (
	ErrInvalidPublicKey = errors.New("pairing: invalid public key")
	ErrDecryptFailed    = errors.New("pairing: decryption failed")
)

// SessionKeySize is the size of a derived session key in bytes.
const SessionKeySize = chacha20poly1305.KeySize

// Domain separation labels for key derivation.
const (
	labelSession = "islandd:session"
	labelControl = "islandd:control"
)

// KeyPair is this device's long-lived X25519 identity.
type KeyPair struct {
	priv *ecdh.PrivateKey
}

// GenerateKeyPair creates a fresh X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	return &KeyPair{priv: priv}, nil
}

// LoadKeyPair restores a key pair from its raw private bytes.
func LoadKeyPair(privateBytes []byte) (*KeyPair, error) {
	priv, err := ecdh.X25519().NewPrivateKey(privateBytes)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	return &KeyPair{priv: priv}, nil
}

// PublicKey returns the raw public key bytes.
func (k *KeyPair) PublicKey() []byte {
	return k.priv.PublicKey().Bytes()
}

// PrivateBytes returns the raw private key bytes for persistence.
func (k *KeyPair) PrivateBytes() []byte {
	return k.priv.Bytes()
}

// DeriveSessionKey computes the shared session key with a peer. Both
// sides derive the same key from their own private key and the other's
// public key.
func (k *KeyPair) DeriveSessionKey(remotePublic []byte) ([]byte, error) {
	remote, err := ecdh.X25519().NewPublicKey(remotePublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	secret, err := k.priv.ECDH(remote)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}
	return deriveKey(secret, labelSession)
}

// deriveKey derives a fixed-size key using HKDF with SHA-256 and a
// domain separation label.
func deriveKey(secret []byte, label string) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, nil, []byte(label))
	key := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext with the session key. The output is the
// random nonce followed by the ciphertext.
func Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a payload produced by Seal.
func Open(key, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, ErrDecryptFailed
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return plaintext, nil
}

// SealToPublicKey encrypts a small control message to a recipient's
// public key using an ephemeral X25519 key. The output is the ephemeral
// public key followed by a Seal payload.
func SealToPublicKey(recipientPublic, plaintext []byte) ([]byte, error) {
	eph, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	remote, err := ecdh.X25519().NewPublicKey(recipientPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	secret, err := eph.priv.ECDH(remote)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}
	key, err := deriveKey(secret, labelControl)
	if err != nil {
		return nil, err
	}
	sealed, err := Seal(key, plaintext)
	if err != nil {
		return nil, err
	}
	return append(eph.PublicKey(), sealed...), nil
}

// OpenFromPublicKey decrypts a control message sealed to this key pair.
func (k *KeyPair) OpenFromPublicKey(sealed []byte) ([]byte, error) {
	const pubSize = 32
	if len(sealed) < pubSize {
		return nil, ErrDecryptFailed
	}
	ephPublic, err := ecdh.X25519().NewPublicKey(sealed[:pubSize])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	secret, err := k.priv.ECDH(ephPublic)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}
	key, err := deriveKey(secret, labelControl)
	if err != nil {
		return nil, err
	}
	return Open(key, sealed[pubSize:])
}

// pinsEqual compares two PINs in constant time.
func pinsEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
