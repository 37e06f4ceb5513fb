package dh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublicKeyMatchesKeyPair(t *testing.T) {
	priv, pub, err := NewX25519KeyPair()
	require.NoError(t, err)

	derived, err := PublicKey(priv)
	require.NoError(t, err)
	assert.Equal(t, pub, derived)
}

func TestKeyFromBytes(t *testing.T) {
	_, err := KeyFromBytes(make([]byte, 31))
	assert.Error(t, err)

	k, err := KeyFromBytes(make([]byte, 32))
	require.NoError(t, err)
	assert.Equal(t, [32]byte{}, k)
}
