// Package canonical defines the byte string every signed wire message is bound to.
//
//	version \n messageType \n messageId \n from \n toOrGroupId \n timestamp \n nonceB64 \n ciphertextB64 \n
//
// The string is hashed with SHA-256 and the digest is signed with Ed25519.
package canonical

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"e2e_messenger/internal/cryptographic/signature"
)

const Version = "v1"

var (
	ErrInvalidBase64 = errors.New("invalid base64 encoding")
	ErrBadSignature  = errors.New("signature verification failed")
)

var strict = base64.StdEncoding.Strict()

// Fields are the ordered inputs of the canonical string. Nonce and Ciphertext are raw bytes.
type Fields struct {
	MessageType string
	MessageID   string
	From        string
	ToOrGroupID string
	Timestamp   int64
	Nonce       []byte
	Ciphertext  []byte
}

// String builds the canonical string.
func (f Fields) String() string {
	var b strings.Builder
	for _, part := range []string{
		Version,
		f.MessageType,
		f.MessageID,
		f.From,
		f.ToOrGroupID,
		strconv.FormatInt(f.Timestamp, 10),
		EncodeBase64(f.Nonce),
		EncodeBase64(f.Ciphertext),
	} {
		b.WriteString(part)
		b.WriteByte('\n')
	}
	return b.String()
}

// Hash is SHA-256 over the UTF-8 canonical string.
func (f Fields) Hash() [32]byte {
	return sha256.Sum256([]byte(f.String()))
}

// Sign returns the detached 64-byte signature over Hash.
func Sign(f Fields, signPriv []byte) ([]byte, error) {
	h := f.Hash()
	return signature.ED25519Sign(signPriv, h[:])
}

// Verify checks sig against the claimed sender's public signing key.
func Verify(f Fields, sig, signPub []byte) error {
	h := f.Hash()
	if !signature.ED25519Verify(signPub, h[:], sig) {
		return ErrBadSignature
	}
	return nil
}

func EncodeBase64(b []byte) string {
	return strict.EncodeToString(b)
}

// DecodeBase64 is strict: padding must be exact and no whitespace is tolerated.
// The standard decoder silently drops CR/LF, so those are rejected up front.
func DecodeBase64(s string) ([]byte, error) {
	if strings.ContainsAny(s, " \t\r\n") {
		return nil, ErrInvalidBase64
	}
	b, err := strict.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidBase64
	}
	return b, nil
}

// ErrInvalidLength marks a decoded field of the wrong size.
var ErrInvalidLength = errors.New("invalid field length")

// Parts are the decoded byte fields of a signed envelope.
type Parts struct {
	Nonce      []byte
	Ciphertext []byte
	Sig        []byte
}

// DecodeParts strictly decodes all three fields before checking any length,
// so a base64 failure always wins.
func DecodeParts(nonceB64, ciphertextB64, sigB64 string, nonceSize, sigSize int) (Parts, error) {
	var p Parts
	var err error
	if p.Nonce, err = DecodeBase64(nonceB64); err != nil {
		return Parts{}, err
	}
	if p.Ciphertext, err = DecodeBase64(ciphertextB64); err != nil {
		return Parts{}, err
	}
	if p.Sig, err = DecodeBase64(sigB64); err != nil {
		return Parts{}, err
	}

	switch {
	case len(p.Nonce) != nonceSize:
		return Parts{}, fmt.Errorf("%w: nonce is %d bytes, want %d", ErrInvalidLength, len(p.Nonce), nonceSize)
	case len(p.Sig) != sigSize:
		return Parts{}, fmt.Errorf("%w: sig is %d bytes, want %d", ErrInvalidLength, len(p.Sig), sigSize)
	case len(p.Ciphertext) == 0:
		return Parts{}, fmt.Errorf("%w: empty ciphertext", ErrInvalidLength)
	}
	return p, nil
}
