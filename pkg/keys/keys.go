// Package keys provides custodial wallet key generation and encryption at rest.
// Wallet keys are secp256k1 and are only ever stored encrypted with a key
// derived from the deployment's master key.
package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/hkdf"
)

// ErrKeyNotConfigured is returned when a required key is missing from the environment.
var ErrKeyNotConfigured = errors.New("key not configured")

const walletKeyInfo = "custody-wallet-key-v1"

// KeyPair is a secp256k1 wallet key.
type KeyPair struct {
	PrivateKey *ecdsa.PrivateKey
	Address    common.Address
}

// GenerateKeyPair generates a new random wallet key.
func GenerateKeyPair() (*KeyPair, error) {
	pk, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate secp256k1 keypair: %w", err)
	}
	return &KeyPair{PrivateKey: pk, Address: crypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// KeyPairFromBytes rebuilds a key pair from a 32-byte private key.
func KeyPairFromBytes(raw []byte) (*KeyPair, error) {
	pk, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &KeyPair{PrivateKey: pk, Address: crypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// Bytes returns the 32-byte private key.
func (kp *KeyPair) Bytes() []byte {
	return crypto.FromECDSA(kp.PrivateKey)
}

// Cipher encrypts and decrypts wallet keys with AES-256-GCM. The AES key is
// derived from the master key with HKDF-SHA256 so the master key itself is
// never used directly.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a cipher from a 32-byte master key.
func NewCipher(masterKey []byte) (*Cipher, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes (AES-256)")
	}

	derived := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte(walletKeyInfo)), derived); err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Cipher{aead: gcm}, nil
}

// Encrypt seals a 32-byte private key bound to address. The result is
// base64(nonce || ciphertext || tag).
func (c *Cipher) Encrypt(privateKey []byte, address common.Address) (string, error) {
	if len(privateKey) != 32 {
		return "", fmt.Errorf("private key must be 32 bytes (secp256k1)")
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, privateKey, address.Bytes())
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a key sealed by Encrypt and checks that it belongs to address.
func (c *Cipher) Decrypt(encrypted string, address common.Address) (*KeyPair, error) {
	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}
	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	plaintext, err := c.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], address.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	kp, err := KeyPairFromBytes(plaintext)
	if err != nil {
		return nil, err
	}
	if kp.Address != address {
		return nil, fmt.Errorf("decrypted key belongs to %s, not %s", kp.Address.Hex(), address.Hex())
	}
	return kp, nil
}

// GenerateMasterKey generates a new random 32-byte master key.
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	return key, nil
}

// MasterKeyFromBase64 decodes a base64-encoded master key
func MasterKeyFromBase64(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to decode master key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// MasterKeyFromEnv reads a base64 master key from the named environment variable.
func MasterKeyFromEnv(name string) ([]byte, error) {
	v := os.Getenv(name)
	if v == "" {
		return nil, fmt.Errorf("%w: %s is empty", ErrKeyNotConfigured, name)
	}
	return MasterKeyFromBase64(v)
}

// KeyPairFromEnv reads a hex private key (with or without 0x) from the named
// environment variable.
func KeyPairFromEnv(name string) (*KeyPair, error) {
	v := strings.TrimPrefix(strings.TrimSpace(os.Getenv(name)), "0x")
	if v == "" {
		return nil, fmt.Errorf("%w: %s is empty", ErrKeyNotConfigured, name)
	}
	pk, err := crypto.HexToECDSA(v)
	if err != nil {
		return nil, fmt.Errorf("invalid private key in %s: %w", name, err)
	}
	return &KeyPair{PrivateKey: pk, Address: crypto.PubkeyToAddress(pk.PublicKey)}, nil
}
