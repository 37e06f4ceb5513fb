package model

import "time"

const (
	MsgTypeText     = "text"
	MsgTypeImage    = "image"
	MsgTypeAudio    = "audio"
	MsgTypeFile     = "file"
	MsgTypeLocation = "location"
)

const (
	MessageStatusPending   = "pending"
	MessageStatusSent      = "sent"
	MessageStatusDelivered = "delivered"
	MessageStatusRead      = "read"
	MessageStatusFailed    = "failed"
)

var statusRank = map[string]int{
	MessageStatusPending:   0,
	MessageStatusFailed:    0,
	MessageStatusSent:      1,
	MessageStatusDelivered: 2,
	MessageStatusRead:      3,
}

// StatusAdvances reports whether a record in status from may move to status
// to. A late "sent" never overwrites "delivered" or "read".
func StatusAdvances(from, to string) bool {
	return statusRank[to] >= statusRank[from]
}

// StatusesUpTo lists the statuses a record may be in for an update to status to succeed.
func StatusesUpTo(to string) []string {
	out := []string{""}
	for _, s := range []string{MessageStatusPending, MessageStatusFailed, MessageStatusSent, MessageStatusDelivered, MessageStatusRead} {
		if StatusAdvances(s, to) {
			out = append(out, s)
		}
	}
	return out
}

const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

type (
	SendMessagePayload struct {
		ProtocolVersion int                `json:"protocolVersion"`
		CryptoVersion   int                `json:"cryptoVersion"`
		SessionToken    string             `json:"sessionToken"`
		MessageID       string             `json:"messageId"`
		From            string             `json:"from"`
		To              string             `json:"to"`
		MsgType         string             `json:"msgType"`
		Timestamp       int64              `json:"timestamp"`
		Nonce           string             `json:"nonce"`
		Ciphertext      string             `json:"ciphertext"`
		Sig             string             `json:"sig"`
		ReplyTo         string             `json:"replyTo,omitempty"`
		Attachment      *AttachmentPointer `json:"attachment,omitempty"`
	}

	// InboundEnvelope is a received message frame payload. Byte fields are still base64.
	InboundEnvelope struct {
		MessageID  string             `json:"messageId"`
		GroupID    string             `json:"groupId,omitempty"`
		From       string             `json:"from"`
		To         string             `json:"to"`
		MsgType    string             `json:"msgType"`
		Timestamp  int64              `json:"timestamp"`
		Nonce      string             `json:"nonce"`
		Ciphertext string             `json:"ciphertext"`
		Sig        string             `json:"sig"`
		ReplyTo    string             `json:"replyTo,omitempty"`
		Attachment *AttachmentPointer `json:"attachment,omitempty"`
	}

	// AttachmentPointer references an encrypted blob. Key is the file key sealed
	// for the recipient, KeyNonce its box nonce, Nonce the content nonce.
	AttachmentPointer struct {
		BlobID      string `json:"blobId" bson:"blob_id"`
		Key         string `json:"key" bson:"key"`
		KeyNonce    string `json:"keyNonce" bson:"key_nonce"`
		Nonce       string `json:"nonce" bson:"nonce"`
		ContentType string `json:"contentType" bson:"content_type"`
		Size        int64  `json:"size" bson:"size"`
		FileName    string `json:"fileName,omitempty" bson:"file_name,omitempty"`
	}

	MessageAcceptedPayload struct {
		MessageID string `json:"messageId"`
		Status    string `json:"status"`
	}

	DeliveryReceiptPayload struct {
		SessionToken string `json:"sessionToken,omitempty"`
		MessageID    string `json:"messageId"`
		From         string `json:"from"`
		To           string `json:"to"`
		Status       string `json:"status"`
		Timestamp    int64  `json:"timestamp"`
	}

	FetchPendingPayload struct {
		SessionToken string `json:"sessionToken"`
	}

	PendingMessagesPayload struct {
		Messages []InboundEnvelope `json:"messages"`
	}

	// MessageRecord is a persisted, decrypted message.
	MessageRecord struct {
		MessageID      string             `json:"messageId" bson:"_id"`
		ConversationID string             `json:"conversationId" bson:"conversation_id"`
		GroupID        string             `json:"groupId,omitempty" bson:"group_id,omitempty"`
		From           string             `json:"from" bson:"from"`
		To             string             `json:"to" bson:"to"`
		MsgType        string             `json:"msgType" bson:"msg_type"`
		Content        string             `json:"content" bson:"content"`
		Timestamp      int64              `json:"timestamp" bson:"timestamp"`
		Status         string             `json:"status" bson:"status"`
		Direction      string             `json:"direction" bson:"direction"`
		ReplyTo        string             `json:"replyTo,omitempty" bson:"reply_to,omitempty"`
		Attachment     *AttachmentPointer `json:"attachment,omitempty" bson:"attachment,omitempty"`
		CreatedAt      time.Time          `json:"createdAt" bson:"created_at"`
	}

	// Conversation is the per-peer (or per-group) summary row.
	Conversation struct {
		ConversationID       string    `json:"conversationId" bson:"_id"`
		LastMessageID        string    `json:"lastMessageId" bson:"last_message_id"`
		LastMessagePreview   string    `json:"lastMessagePreview" bson:"last_message_preview"`
		LastMessageTimestamp int64     `json:"lastMessageTimestamp" bson:"last_message_timestamp"`
		UnreadCount          int       `json:"unreadCount" bson:"unread_count"`
		UpdatedAt            time.Time `json:"updatedAt" bson:"updated_at"`
	}
)

// Preview shortens content for conversation summaries.
func Preview(msgType, content string) string {
	if msgType != MsgTypeText {
		return "[" + msgType + "]"
	}
	const max = 80
	r := []rune(content)
	if len(r) <= max {
		return content
	}
	return string(r[:max]) + "…"
}
