package encryption

import (
	"github.com/4xmen/nameh/internal/models"
)

// SecureMessage is an envelope ready to be stored with a message.
type SecureMessage struct {
	Sealed
	IntegrityHash string               `json:"integrity_hash"`
	SecurityLevel models.SecurityLevel `json:"security_level"`
}

// Envelope converts the sealed message to its stored form under keyID.
func (m *SecureMessage) Envelope(keyID string) *models.Envelope {
	return &models.Envelope{
		Ciphertext:    m.Ciphertext,
		IV:            m.IV,
		AuthTag:       m.AuthTag,
		Algorithm:     m.Algorithm,
		IntegrityHash: m.IntegrityHash,
		KeyID:         keyID,
	}
}

// Opened is the result of opening a stored envelope.
type Opened struct {
	Plaintext         string
	IntegrityVerified bool
	SecurityLevel     models.SecurityLevel
}

// Seal encrypts plaintext and attaches its integrity hash.
func (s *Service) Seal(plaintext, key string) (*SecureMessage, error) {
	sealed, err := s.Encrypt(plaintext, key)
	if err != nil {
		return nil, err
	}
	return &SecureMessage{
		Sealed:        *sealed,
		IntegrityHash: s.Hash(plaintext),
		SecurityLevel: models.SecurityEnterprise,
	}, nil
}

// Open decrypts env and checks the plaintext against the stored hash. A hash
// mismatch is reported through IntegrityVerified, never as an error.
func (s *Service) Open(env *models.Envelope, key string) (*Opened, error) {
	if env == nil {
		return nil, ErrDecryption
	}
	plaintext, err := s.Decrypt(&Sealed{
		Ciphertext: env.Ciphertext,
		IV:         env.IV,
		AuthTag:    env.AuthTag,
		Algorithm:  env.Algorithm,
	}, key)
	if err != nil {
		return nil, err
	}
	return &Opened{
		Plaintext:         plaintext,
		IntegrityVerified: s.VerifyIntegrity(plaintext, env.IntegrityHash),
		SecurityLevel:     models.SecurityEnterprise,
	}, nil
}
