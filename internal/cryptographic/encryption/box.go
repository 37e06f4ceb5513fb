package encryption

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	NonceSize = 24
	KeySize   = 32
	Overhead  = box.Overhead
)

// Nonce is a 24-byte value used for encryption.
type Nonce [NonceSize]byte

var ErrDecryptionFailed = errors.New("decryption failed")

// GenerateNonce creates a cryptographically secure random nonce.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	if _, err := rand.Read(nonce[:]); err != nil {
		return Nonce{}, fmt.Errorf("rand.Read nonce: %w", err)
	}
	return nonce, nil
}

// GenerateKey returns a random symmetric key.
func GenerateKey() ([KeySize]byte, error) {
	var key [KeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("rand.Read key: %w", err)
	}
	return key, nil
}

// NonceFromBytes validates and copies a wire nonce.
func NonceFromBytes(b []byte) (Nonce, error) {
	var n Nonce
	if len(b) != NonceSize {
		return n, fmt.Errorf("nonce must be %d bytes, got %d", NonceSize, len(b))
	}
	copy(n[:], b)
	return n, nil
}

// BoxSeal encrypts message for recipientPub, authenticated by senderPriv.
// The ciphertext is len(message)+Overhead bytes, so an empty message still
// yields a non-empty authenticator.
func BoxSeal(message []byte, nonce Nonce, recipientPub, senderPriv [KeySize]byte) ([]byte, error) {
	return box.Seal(nil, message, (*[NonceSize]byte)(&nonce), &recipientPub, &senderPriv), nil
}

func BoxOpen(ciphertext []byte, nonce Nonce, senderPub, recipientPriv [KeySize]byte) ([]byte, error) {
	if len(ciphertext) < Overhead {
		return nil, ErrDecryptionFailed
	}
	out, ok := box.Open(nil, ciphertext, (*[NonceSize]byte)(&nonce), &senderPub, &recipientPriv)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return out, nil
}

// SecretBoxSeal encrypts message under a symmetric key.
func SecretBoxSeal(message []byte, nonce Nonce, key [KeySize]byte) ([]byte, error) {
	return secretbox.Seal(nil, message, (*[NonceSize]byte)(&nonce), &key), nil
}

func SecretBoxOpen(ciphertext []byte, nonce Nonce, key [KeySize]byte) ([]byte, error) {
	if len(ciphertext) < secretbox.Overhead {
		return nil, ErrDecryptionFailed
	}
	out, ok := secretbox.Open(nil, ciphertext, (*[NonceSize]byte)(&nonce), &key)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return out, nil
}

// Box is the default asymmetric sealer, backed by nacl/box with a fresh random nonce per call.
type Box struct{}

func (Box) Encrypt(plaintext []byte, recipientPub, senderPriv [KeySize]byte) (Nonce, []byte, error) {
	nonce, err := GenerateNonce()
	if err != nil {
		return Nonce{}, nil, err
	}
	ct, err := BoxSeal(plaintext, nonce, recipientPub, senderPriv)
	if err != nil {
		return Nonce{}, nil, err
	}
	return nonce, ct, nil
}

func (Box) Decrypt(ciphertext []byte, nonce Nonce, senderPub, recipientPriv [KeySize]byte) ([]byte, error) {
	return BoxOpen(ciphertext, nonce, senderPub, recipientPriv)
}
