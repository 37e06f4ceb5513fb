package kdf

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF fills buffer from HKDF-SHA256(secret, salt, info).
func HKDF(secret, salt, info, buffer []byte) (int, error) {
	h := hkdf.New(sha256.New, secret, salt, info)
	return io.ReadFull(h, buffer)
}

// DeriveKey32 derives a 32-byte key with domain separation by info.
func DeriveKey32(secret []byte, salt, info string) ([32]byte, error) {
	var key [32]byte
	if _, err := HKDF(secret, []byte(salt), []byte(info), key[:]); err != nil {
		return key, fmt.Errorf("hkdf %s: %w", info, err)
	}
	return key, nil
}
