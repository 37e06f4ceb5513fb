package model

import "time"

// CallEndReason is the closed set of call termination reasons.
type CallEndReason string

const (
	CallEndEnded        CallEndReason = "ended"
	CallEndDeclined     CallEndReason = "declined"
	CallEndBusy         CallEndReason = "busy"
	CallEndNoAnswer     CallEndReason = "no_answer"
	CallEndNetworkError CallEndReason = "network_error"
)

// ParseCallEndReason maps unknown wire values to CallEndEnded.
func ParseCallEndReason(s string) CallEndReason {
	switch r := CallEndReason(s); r {
	case CallEndEnded, CallEndDeclined, CallEndBusy, CallEndNoAnswer, CallEndNetworkError:
		return r
	default:
		return CallEndEnded
	}
}

type (
	// CallSignal is the signed payload shared by call_initiate/call_incoming,
	// call_answer and call_end. Ciphertext carries the SDP (or the end reason).
	CallSignal struct {
		ProtocolVersion int    `json:"protocolVersion,omitempty"`
		CryptoVersion   int    `json:"cryptoVersion,omitempty"`
		SessionToken    string `json:"sessionToken,omitempty"`
		CallID          string `json:"callId"`
		From            string `json:"from"`
		To              string `json:"to"`
		IsVideo         bool   `json:"isVideo,omitempty"`
		Reason          string `json:"reason,omitempty"`
		Timestamp       int64  `json:"timestamp"`
		Nonce           string `json:"nonce"`
		Ciphertext      string `json:"ciphertext"`
		Sig             string `json:"sig"`
	}

	CallRingingPayload struct {
		SessionToken string `json:"sessionToken,omitempty"`
		CallID       string `json:"callId"`
		From         string `json:"from"`
		To           string `json:"to"`
	}

	GetTurnCredentialsPayload struct {
		SessionToken string `json:"sessionToken"`
	}

	TurnCredentials struct {
		URLs       []string `json:"urls"`
		Username   string   `json:"username"`
		Credential string   `json:"credential"`
		TTL        int      `json:"ttl"`
	}

	CallRecord struct {
		CallID    string        `json:"callId" bson:"_id"`
		PeerID    string        `json:"peerId" bson:"peer_id"`
		IsVideo   bool          `json:"isVideo" bson:"is_video"`
		Direction string        `json:"direction" bson:"direction"`
		Reason    CallEndReason `json:"reason" bson:"reason"`
		StartedAt time.Time     `json:"startedAt" bson:"started_at"`
		EndedAt   time.Time     `json:"endedAt" bson:"ended_at"`
	}
)
