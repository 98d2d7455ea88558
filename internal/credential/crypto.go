package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// secretSalt is the scrypt salt for credential-secret encryption. A single
// fixed salt is fine here: the encryption key itself is the real secret, and
// every credential shares the same derived key.
const secretSalt = "chatrelay-credential-secret"

// Crypto encrypts credential secrets at rest with AES-256-CBC, key derived
// from the operator-supplied encryption key via scrypt. Format on disk is
// "{iv_hex}:{ciphertext_hex}".
type Crypto struct {
	key       string
	mu        sync.RWMutex
	derived   []byte
}

func NewCrypto(encryptionKey string) *Crypto {
	return &Crypto{key: encryptionKey}
}

func (c *Crypto) deriveKey() ([]byte, error) {
	c.mu.RLock()
	if c.derived != nil {
		defer c.mu.RUnlock()
		return c.derived, nil
	}
	c.mu.RUnlock()

	key, err := scrypt.Key([]byte(c.key), []byte(secretSalt), 32768, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("scrypt derive: %w", err)
	}

	c.mu.Lock()
	c.derived = key
	c.mu.Unlock()
	return key, nil
}

// Encrypt returns "{iv_hex}:{ciphertext_hex}", or plaintext unchanged if no
// encryption key is configured.
func (c *Crypto) Encrypt(plaintext string) (string, error) {
	if c.key == "" {
		return plaintext, nil
	}

	key, err := c.deriveKey()
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("aes cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("rand iv: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ciphertext), nil
}

// Decrypt inverts Encrypt. If no encryption key is configured, the input is
// returned unchanged.
func (c *Crypto) Decrypt(encrypted string) (string, error) {
	if c.key == "" {
		return encrypted, nil
	}

	key, err := c.deriveKey()
	if err != nil {
		return "", err
	}

	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", errors.New("invalid encrypted secret format")
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode iv: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return "", fmt.Errorf("invalid iv length: %d", len(iv))
	}

	ciphertext, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("ciphertext not block-aligned: %d", len(ciphertext))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("aes cipher: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, err := pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		return "", fmt.Errorf("unpad: %w", err)
	}
	return string(unpadded), nil
}

// HashSecret computes a salted SHA-256 of a credential secret, used only to
// enforce secret uniqueness without storing it in the clear.
func (c *Crypto) HashSecret(secret string) string {
	h := sha256.Sum256([]byte(secret + c.key))
	return hex.EncodeToString(h[:])
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	pad := make([]byte, padding)
	for i := range pad {
		pad[i] = byte(padding)
	}
	return append(data, pad...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty data")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize || padding > len(data) {
		return nil, fmt.Errorf("invalid padding: %d", padding)
	}
	for i := len(data) - padding; i < len(data); i++ {
		if data[i] != byte(padding) {
			return nil, errors.New("invalid padding bytes")
		}
	}
	return data[:len(data)-padding], nil
}
