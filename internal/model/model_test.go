package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrame(t *testing.T) {
	text, err := EncodeFrame(TypeMessageAccepted, "req-1", MessageAcceptedPayload{MessageID: "m1", Status: "sent"})
	require.NoError(t, err)
	assert.Contains(t, text, `"type":"message_accepted"`)
	assert.Contains(t, text, `"requestId":"req-1"`)

	f, err := DecodeFrame([]byte(text))
	require.NoError(t, err)
	var p MessageAcceptedPayload
	require.NoError(t, f.DecodePayload(&p))
	assert.Equal(t, "m1", p.MessageID)
}

func TestDecodeFrameErrors(t *testing.T) {
	_, err := DecodeFrame([]byte("not json"))
	assert.Error(t, err)

	_, err = DecodeFrame([]byte(`{"payload":{}}`))
	assert.Error(t, err)

	f, err := DecodeFrame([]byte(`{"type":"pong"}`))
	require.NoError(t, err)
	assert.Error(t, f.DecodePayload(&PongPayload{}))
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "hi", Preview(MsgTypeText, "hi"))
	assert.Equal(t, "[image]", Preview(MsgTypeImage, "ignored"))

	long := strings.Repeat("ş", 100)
	p := Preview(MsgTypeText, long)
	assert.Equal(t, 81, len([]rune(p)))
}

func TestParseCallEndReason(t *testing.T) {
	assert.Equal(t, CallEndBusy, ParseCallEndReason("busy"))
	assert.Equal(t, CallEndEnded, ParseCallEndReason("exploded"))
}

func TestIdentityComplete(t *testing.T) {
	id := Identity{WhisperID: "a", SessionToken: "t", EncPrivateKey: make([]byte, 32), SignPrivateKey: make([]byte, 64)}
	assert.True(t, id.Complete())
	id.SessionToken = ""
	assert.False(t, id.Complete())
}

func TestStatusAdvances(t *testing.T) {
	assert.True(t, StatusAdvances(MessageStatusPending, MessageStatusSent))
	assert.True(t, StatusAdvances(MessageStatusSent, MessageStatusDelivered))
	assert.True(t, StatusAdvances(MessageStatusFailed, MessageStatusPending))
	assert.False(t, StatusAdvances(MessageStatusDelivered, MessageStatusSent))
	assert.False(t, StatusAdvances(MessageStatusRead, MessageStatusDelivered))

	assert.ElementsMatch(t, []string{"", MessageStatusPending, MessageStatusFailed, MessageStatusSent}, StatusesUpTo(MessageStatusSent))
}
