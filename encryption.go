package driftline

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// encryptionNonceSize is the nonce size for AES-GCM.
	encryptionNonceSize = 12
	// encryptionSaltSize is the salt size for key derivation.
	encryptionSaltSize = 32
	// encryptionKeySize is the AES-256 key size.
	encryptionKeySize = 32
	// pbkdf2Iterations is the iteration count for key derivation.
	pbkdf2Iterations = 100000
)

// EncryptionConfig configures at-rest encryption of persisted payloads.
// Queued mutation bodies and audit entries may contain business data edited
// on the device, so the local store supports encrypting them.
type EncryptionConfig struct {
	// Enabled turns on encryption for persisted payloads.
	Enabled bool

	// Key is the encryption key (must be 32 bytes for AES-256).
	// If empty, KeyPassword is used to derive a key.
	Key []byte

	// KeyPassword derives the encryption key via PBKDF2 when Key is empty.
	KeyPassword string
}

// Encryptor encrypts and decrypts payload blocks.
type Encryptor struct {
	gcm  cipher.AEAD
	salt []byte
}

// NewEncryptor creates a new encryptor from a key or password. Returns
// (nil, nil) when encryption is disabled.
func NewEncryptor(cfg *EncryptionConfig) (*Encryptor, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	var key, salt []byte
	switch {
	case len(cfg.Key) > 0:
		if len(cfg.Key) != encryptionKeySize {
			return nil, errors.New("encryption key must be 32 bytes for AES-256")
		}
		key = cfg.Key
	case cfg.KeyPassword != "":
		salt = make([]byte, encryptionSaltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, err
		}
		key = pbkdf2.Key([]byte(cfg.KeyPassword), salt, pbkdf2Iterations, encryptionKeySize, sha256.New)
	default:
		return nil, errors.New("encryption enabled but no key or password provided")
	}

	gcm, err := newPayloadGCM(key)
	if err != nil {
		return nil, err
	}
	return &Encryptor{gcm: gcm, salt: salt}, nil
}

// NewEncryptorWithSalt derives the key from a password and an existing salt,
// so payloads sealed by an earlier process stay readable after a restart.
func NewEncryptorWithSalt(password string, salt []byte) (*Encryptor, error) {
	if len(salt) != encryptionSaltSize {
		return nil, errors.New("invalid encryption salt size")
	}
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, encryptionKeySize, sha256.New)
	gcm, err := newPayloadGCM(key)
	if err != nil {
		return nil, err
	}
	return &Encryptor{gcm: gcm, salt: salt}, nil
}

// Salt returns the key-derivation salt, or nil when a raw key was supplied.
func (e *Encryptor) Salt() []byte {
	return e.salt
}

func newPayloadGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals a payload. The nonce is prepended to the ciphertext.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, encryptionNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return e.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a payload produced by Encrypt.
func (e *Encryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < encryptionNonceSize {
		return nil, errors.New("ciphertext too short")
	}
	nonce, sealed := ciphertext[:encryptionNonceSize], ciphertext[encryptionNonceSize:]
	return e.gcm.Open(nil, nonce, sealed, nil)
}
