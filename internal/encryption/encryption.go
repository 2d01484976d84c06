package encryption

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

const (
	// Algorithm is the tag stored with every envelope this package produces.
	Algorithm = "AES-256-CBC-HMAC"

	keySize = 32
	ivSize  = aes.BlockSize
)

var (
	ErrCrypto     = errors.New("encryption failed")
	ErrDecryption = errors.New("decryption failed")
	// ErrIntegrity wraps ErrDecryption so callers that only care about
	// readability can test for ErrDecryption alone.
	ErrIntegrity = fmt.Errorf("%w: authentication tag mismatch", ErrDecryption)
)

// IntegrityMode decides what Decrypt does when the HMAC does not match.
type IntegrityMode string

const (
	IntegrityStrict  IntegrityMode = "strict"
	IntegrityLenient IntegrityMode = "lenient"
)

// ParseIntegrityMode maps a config value to a mode, defaulting to strict.
func ParseIntegrityMode(value string) IntegrityMode {
	if IntegrityMode(value) == IntegrityLenient {
		return IntegrityLenient
	}
	return IntegrityStrict
}

// Sealed is the output of a single Encrypt call.
type Sealed struct {
	Ciphertext string    `json:"ciphertext"`
	IV         string    `json:"iv"`
	AuthTag    string    `json:"auth_tag"`
	Algorithm  string    `json:"algorithm"`
	Timestamp  time.Time `json:"timestamp"`
}

type Service struct {
	mode   IntegrityMode
	random io.Reader
	now    func() time.Time
}

func New(mode IntegrityMode) *Service {
	return &Service{
		mode:   mode,
		random: rand.Reader,
		now:    time.Now,
	}
}

// Mode returns the configured integrity mode.
func (s *Service) Mode() IntegrityMode {
	return s.mode
}

// GenerateKey returns a fresh base64-encoded 256-bit key.
func (s *Service) GenerateKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(s.random, key); err != nil {
		return "", fmt.Errorf("%w: failed to read random key: %v", ErrCrypto, err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// ValidKey reports whether key is base64 of exactly 32 bytes.
func ValidKey(key string) bool {
	_, err := decodeKey(key)
	return err == nil
}

func decodeKey(key string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("key is not valid base64: %v", err)
	}
	if len(raw) != keySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", keySize, len(raw))
	}
	return raw, nil
}

// Encrypt seals plaintext with AES-256-CBC and a fresh IV, and tags the
// ciphertext with HMAC-SHA256 under the same key.
func (s *Service) Encrypt(plaintext, key string) (*Sealed, error) {
	rawKey, err := decodeKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}

	block, err := aes.NewCipher(rawKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(s.random, iv); err != nil {
		return nil, fmt.Errorf("%w: failed to read iv: %v", ErrCrypto, err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return &Sealed{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		IV:         base64.StdEncoding.EncodeToString(iv),
		AuthTag:    base64.StdEncoding.EncodeToString(computeMAC(rawKey, ciphertext)),
		Algorithm:  Algorithm,
		Timestamp:  s.now().UTC(),
	}, nil
}

// Decrypt reverses Encrypt. In strict mode an HMAC mismatch fails with
// ErrIntegrity; in lenient mode it is logged and decryption continues.
func (s *Service) Decrypt(sealed *Sealed, key string) (string, error) {
	if sealed == nil || sealed.Ciphertext == "" || sealed.IV == "" || sealed.AuthTag == "" {
		return "", fmt.Errorf("%w: invalid encrypted data structure", ErrDecryption)
	}

	rawKey, err := decodeKey(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(sealed.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext is not valid base64", ErrDecryption)
	}
	iv, err := base64.StdEncoding.DecodeString(sealed.IV)
	if err != nil || len(iv) != ivSize {
		return "", fmt.Errorf("%w: invalid iv", ErrDecryption)
	}

	expected, tagErr := base64.StdEncoding.DecodeString(sealed.AuthTag)
	if tagErr != nil || !hmac.Equal(expected, computeMAC(rawKey, ciphertext)) {
		if s.mode == IntegrityStrict {
			return "", ErrIntegrity
		}
		log.Warn().Msg("HMAC verification failed, continuing with decryption")
	}

	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext is not a multiple of the block size", ErrDecryption)
	}

	block, err := aes.NewCipher(rawKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	plain, err = pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return "", fmt.Errorf("%w: invalid key or corrupted data", ErrDecryption)
	}
	if len(plain) == 0 || !utf8.Valid(plain) {
		return "", fmt.Errorf("%w: invalid key or corrupted data", ErrDecryption)
	}

	return string(plain), nil
}

// Hash returns the hex SHA-256 digest of text.
func (s *Service) Hash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// VerifyIntegrity recomputes the digest of text and compares it with digest.
func (s *Service) VerifyIntegrity(text, digest string) bool {
	if digest == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(s.Hash(text)), []byte(digest)) == 1
}

func computeMAC(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
