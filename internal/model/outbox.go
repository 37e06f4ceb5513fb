package model

import "time"

type OutboxStatus string

const (
	OutboxQueued  OutboxStatus = "QUEUED"
	OutboxSending OutboxStatus = "SENDING"
	OutboxSent    OutboxStatus = "SENT"
	OutboxFailed  OutboxStatus = "FAILED"
)

// OutboxItem is one outbound message awaiting server acknowledgment.
type OutboxItem struct {
	MessageID     string             `json:"messageId"`
	RequestID     string             `json:"requestId"`
	Recipient     string             `json:"recipient"`
	PlaintextRef  string             `json:"plaintextRef"`
	Payload       SendMessagePayload `json:"payload"`
	Status        OutboxStatus       `json:"status"`
	Attempts      int                `json:"attempts"`
	NextRetryAt   *time.Time         `json:"nextRetryAt,omitempty"`
	FailedCode    string             `json:"failedCode,omitempty"`
	FailedMessage string             `json:"failedMessage,omitempty"`
	CreatedAt     time.Time          `json:"createdAt"`
}

// Clone returns a copy safe to hand outside the queue.
func (i *OutboxItem) Clone() OutboxItem {
	c := *i
	if i.NextRetryAt != nil {
		t := *i.NextRetryAt
		c.NextRetryAt = &t
	}
	if i.Payload.Attachment != nil {
		a := *i.Payload.Attachment
		c.Payload.Attachment = &a
	}
	return c
}
