package signature

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	pub, priv, err := NewEd25519Keypair()
	require.NoError(t, err)

	sig, err := ED25519Sign(priv, []byte("hello"))
	require.NoError(t, err)
	assert.Len(t, sig, SignatureSize)
	assert.True(t, ED25519Verify(pub, []byte("hello"), sig))
	assert.False(t, ED25519Verify(pub, []byte("hellO"), sig))
	assert.False(t, ED25519Verify(pub[:10], []byte("hello"), sig))

	_, err = ED25519Sign(priv[:32], []byte("hello"))
	assert.Error(t, err)
}
