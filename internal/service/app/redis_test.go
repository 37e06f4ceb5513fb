package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2e_messenger/internal/model"
)

func TestIdentityStore(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()

	missing, err := LoadIdentity(ctx, kv, "alice")
	require.NoError(t, err)
	assert.Nil(t, missing)

	id := model.Identity{
		WhisperID:      "WSP-AAAA-BBBB",
		SessionToken:   "token",
		EncPrivateKey:  make([]byte, 32),
		SignPrivateKey: make([]byte, 64),
	}
	require.NoError(t, SaveIdentity(ctx, kv, "alice", id))

	got, err := LoadIdentity(ctx, kv, "alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, id, *got)

	other, err := LoadIdentity(ctx, kv, "bob")
	require.NoError(t, err)
	assert.Nil(t, other)

	require.NoError(t, DeleteIdentity(ctx, kv, "alice"))
	got, err = LoadIdentity(ctx, kv, "alice")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLoadIdentityCorrupt(t *testing.T) {
	kv := newFakeKV()
	kv.kv[identityKey("alice")] = "{not json"

	_, err := LoadIdentity(context.Background(), kv, "alice")
	assert.Error(t, err)
}
