package model

import (
	"encoding/json"
	"fmt"
)

const (
	ProtocolVersion = 1
	CryptoVersion   = 1
)

// Wire message types.
const (
	TypeSendMessage        = "send_message"
	TypeMessageReceived    = "message_received"
	TypeMessageAccepted    = "message_accepted"
	TypeDeliveryReceipt    = "delivery_receipt"
	TypeFetchPending       = "fetch_pending"
	TypePendingMessages    = "pending_messages"
	TypeCallInitiate       = "call_initiate"
	TypeCallIncoming       = "call_incoming"
	TypeCallRinging        = "call_ringing"
	TypeCallAnswer         = "call_answer"
	TypeCallEnd            = "call_end"
	TypeGetTurnCredentials = "get_turn_credentials"
	TypeTurnCredentials    = "turn_credentials"
	TypePing               = "ping"
	TypePong               = "pong"
	TypeError              = "error"
)

// Server error codes.
const (
	ErrCodeInvalidSignature  = "INVALID_SIGNATURE"
	ErrCodeRecipientNotFound = "RECIPIENT_NOT_FOUND"
	ErrCodeInvalidPayload    = "INVALID_PAYLOAD"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeInternal          = "INTERNAL_ERROR"
	// ErrCodeMaxAttempts is assigned locally when retries are exhausted.
	ErrCodeMaxAttempts = "MAX_ATTEMPTS"
)

type (
	// Frame is the outer wire envelope shared by every message type.
	Frame struct {
		Type      string          `json:"type"`
		RequestID string          `json:"requestId,omitempty"`
		Payload   json.RawMessage `json:"payload"`
	}

	ErrorPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}

	PingPayload struct {
		Timestamp int64 `json:"timestamp"`
	}

	PongPayload struct {
		Timestamp  int64 `json:"timestamp"`
		ServerTime int64 `json:"serverTime"`
	}
)

// EncodeFrame marshals payload into a frame and returns the JSON text.
func EncodeFrame(msgType, requestID string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	data, err := json.Marshal(Frame{Type: msgType, RequestID: requestID, Payload: raw})
	if err != nil {
		return "", fmt.Errorf("marshal %s frame: %w", msgType, err)
	}
	return string(data), nil
}

// DecodeFrame parses the outer envelope, leaving the payload raw.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("decode frame: missing type")
	}
	return &f, nil
}

// DecodePayload unmarshals the frame payload into out.
func (f *Frame) DecodePayload(out any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, out); err != nil {
		return fmt.Errorf("%s payload: %w", f.Type, err)
	}
	return nil
}
