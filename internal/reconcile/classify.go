package reconcile

import (
	"regexp"

	"github.com/4xmen/nameh/internal/models"
)

// Format is the storage generation a message row was written under.
type Format int

const (
	// FormatPlaintext has readable text and no envelope.
	FormatPlaintext Format = iota
	// FormatEnvelopeWithMirror has a complete envelope and keeps the
	// plaintext in text as well. Messages sent today use this format.
	FormatEnvelopeWithMirror
	// FormatEnvelopeOnly has a complete envelope and no readable text.
	FormatEnvelopeOnly
	// FormatCiphertextInText stores ciphertext in the text column, or
	// carries an envelope with parts missing.
	FormatCiphertextInText
	// FormatCorrupt has nothing readable and nothing to decrypt.
	FormatCorrupt
)

func (f Format) String() string {
	switch f {
	case FormatPlaintext:
		return "plaintext"
	case FormatEnvelopeWithMirror:
		return "envelope_with_mirror"
	case FormatEnvelopeOnly:
		return "envelope_only"
	case FormatCiphertextInText:
		return "ciphertext_in_text"
	case FormatCorrupt:
		return "corrupt"
	}
	return "unknown"
}

var ciphertextPattern = regexp.MustCompile(`^[A-Za-z0-9+/=]+$`)

// LooksLikeCiphertext reports whether text is a long base64-looking string
// rather than something a person typed.
func LooksLikeCiphertext(text string) bool {
	return len(text) > 20 && ciphertextPattern.MatchString(text)
}

func readable(text string) bool {
	return text != "" && !LooksLikeCiphertext(text)
}

// Classify decides which format msg was stored in. Rules are checked in
// priority order.
func Classify(msg *models.Message) Format {
	text := msg.TextValue()
	env := msg.Envelope

	if env == nil && readable(text) {
		return FormatPlaintext
	}

	if env.Complete() && msg.Encryption.IsEncrypted {
		if readable(text) {
			return FormatEnvelopeWithMirror
		}
		return FormatEnvelopeOnly
	}

	if (env != nil && !env.Complete()) || LooksLikeCiphertext(text) {
		return FormatCiphertextInText
	}

	if readable(text) {
		return FormatPlaintext
	}
	if env.Complete() {
		// Envelope without the encrypted flag and nothing else to show.
		return FormatCiphertextInText
	}
	return FormatCorrupt
}
