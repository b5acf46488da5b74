// Package envelope implements the hybrid encryption used for anonymous review
// content: the review is sealed with AES-256-GCM under a fresh key, and that
// key is wrapped for the authority either with RSA-OAEP or with the hybrid KEM.
//
// Blob format: nonce (12 bytes) || ciphertext+tag. The associated data is
// profId || "||" || cycleId, so a sealed review only opens inside its group.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/collapsinghierarchy/blindreview/pkc/kem"
)

const (
	SchemeRSAOAEP   = "rsa-oaep-sha256"
	SchemeHybridKEM = kem.Name
)

var (
	ErrUnknownScheme = errors.New("envelope: unknown key scheme")
	ErrMalformedBlob = errors.New("envelope: malformed blob")
)

// Valid reports whether scheme names a supported key-wrap scheme.
func Valid(scheme string) bool {
	return scheme == SchemeRSAOAEP || scheme == SchemeHybridKEM
}

// AssociatedData is the GCM additional data for a review in (profID, cycleID).
func AssociatedData(profID, cycleID string) []byte {
	return []byte(profID + "||" + cycleID)
}

// Recipient holds the authority public keys a client seals to.
type Recipient struct {
	RSA *rsa.PublicKey
	KEM []byte
}

// Seal encrypts plaintext for the authority and returns the blob and the
// wrapped key.
func Seal(random io.Reader, scheme string, to Recipient, profID, cycleID string, plaintext []byte) (blob, encryptedKey []byte, err error) {
	if random == nil {
		random = rand.Reader
	}
	var key []byte
	switch scheme {
	case SchemeRSAOAEP:
		if to.RSA == nil {
			return nil, nil, fmt.Errorf("envelope: missing RSA public key")
		}
		key = make([]byte, kem.KeySize)
		if _, err := io.ReadFull(random, key); err != nil {
			return nil, nil, fmt.Errorf("envelope: key gen: %w", err)
		}
		encryptedKey, err = rsa.EncryptOAEP(sha256.New(), random, to.RSA, key, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("envelope: oaep wrap: %w", err)
		}
	case SchemeHybridKEM:
		encryptedKey, key, err = kem.Encapsulate(to.KEM, []byte(profID), []byte(cycleID))
		if err != nil {
			return nil, nil, fmt.Errorf("envelope: kem encapsulate: %w", err)
		}
	default:
		return nil, nil, ErrUnknownScheme
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(random, nonce); err != nil {
		return nil, nil, fmt.Errorf("envelope: nonce gen: %w", err)
	}
	blob = gcm.Seal(nonce, nonce, plaintext, AssociatedData(profID, cycleID))
	return blob, encryptedKey, nil
}

// Open decrypts a blob with an already unwrapped key.
func Open(key, blob []byte, profID, cycleID string) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < gcm.NonceSize()+gcm.Overhead() {
		return nil, ErrMalformedBlob
	}
	nonce, ct := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
	pt, err := gcm.Open(nil, nonce, ct, AssociatedData(profID, cycleID))
	if err != nil {
		return nil, fmt.Errorf("envelope: aes open: %w", err)
	}
	return pt, nil
}

// UnwrapRSA recovers an OAEP-wrapped content key.
func UnwrapRSA(priv *rsa.PrivateKey, encryptedKey []byte) ([]byte, error) {
	key, err := rsa.DecryptOAEP(sha256.New(), nil, priv, encryptedKey, nil)
	if err != nil {
		return nil, fmt.Errorf("envelope: oaep unwrap: %w", err)
	}
	if len(key) != kem.KeySize {
		return nil, fmt.Errorf("envelope: content key length %d", len(key))
	}
	return key, nil
}

// UnwrapKEM recovers a KEM-derived content key for (profID, cycleID).
func UnwrapKEM(priv, encryptedKey []byte, profID, cycleID string) ([]byte, error) {
	key, err := kem.Decapsulate(priv, encryptedKey, []byte(profID), []byte(cycleID))
	if err != nil {
		return nil, fmt.Errorf("envelope: kem decapsulate: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("envelope: gcm: %w", err)
	}
	return gcm, nil
}
