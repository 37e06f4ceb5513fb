package inbound

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"e2e_messenger/internal/cryptographic/encryption"
	"e2e_messenger/internal/cryptographic/signature"
	"e2e_messenger/internal/metrics"
	"e2e_messenger/internal/model"
	"e2e_messenger/internal/protocol/canonical"
	"e2e_messenger/internal/utils/log"
)

// Rejection reasons.
const (
	ReasonInvalidBase64     = "Invalid base64 encoding"
	ReasonUnknownSender     = "Unknown sender"
	ReasonBadSignature      = "Signature verification failed"
	ReasonMissingPrivateKey = "Missing own private key"
	ReasonMissingSenderKey  = "Missing sender encryption key"
	ReasonDecryptionFailed  = "Decryption failed"
	ReasonMissingFields     = "Missing messageId or sender"
)

type (
	MessageStore interface {
		Exists(ctx context.Context, messageID string) (bool, error)
		Save(ctx context.Context, rec model.MessageRecord) error
		UpdateStatus(ctx context.Context, messageID, status string) error
	}

	ConversationStore interface {
		UpsertFromMessage(ctx context.Context, rec model.MessageRecord, incrementUnread bool) error
	}

	// KeyLookup returns nil, nil when the sender is unknown.
	KeyLookup interface {
		Contact(ctx context.Context, whisperID string) (*model.Contact, error)
	}

	Credentials interface {
		Identity() model.Identity
	}

	Sender interface {
		Send(text string) bool
	}

	Decryptor interface {
		Decrypt(ciphertext []byte, nonce encryption.Nonce, senderPub, recipientPriv [encryption.KeySize]byte) ([]byte, error)
	}

	Dedupe interface {
		IsDuplicate(id string) bool
		MarkSeen(id string)
	}
)

type Config struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Deps struct {
	Messages      MessageStore
	Conversations ConversationStore
	Keys          KeyLookup
	Credentials   Credentials
	Receipts      Sender
	Decryptor     Decryptor
	Dedupe        Dedupe
}

// Pipeline validates, verifies, decrypts and persists received messages.
type Pipeline struct {
	deps    Deps
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// serializes the duplicate check with persistence
	mu sync.Mutex

	observersMu sync.RWMutex
	observers   []func(model.MessageRecord)
}

func New(cfg Config, deps Deps) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if deps.Decryptor == nil {
		deps.Decryptor = encryption.Box{}
	}
	return &Pipeline{
		deps:    deps,
		log:     cfg.Logger.With(zap.String("component", "inbound")),
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}
}

// OnMessage registers an observer for every successfully stored message.
func (p *Pipeline) OnMessage(fn func(model.MessageRecord)) {
	p.observersMu.Lock()
	p.observers = append(p.observers, fn)
	p.observersMu.Unlock()
}

func (p *Pipeline) HandleInbound(ctx context.Context, env model.InboundEnvelope) Result {
	p.mu.Lock()
	res := p.handle(ctx, env)
	p.mu.Unlock()

	p.metrics.RecordInbound(Label(res))
	switch r := res.(type) {
	case Success:
		p.log.Debug("message stored", zap.String("message_id", r.Message.MessageID), zap.String("from", log.Redact(r.Message.From)))
		p.notify(r.Message)
	case Duplicate:
		p.log.Debug("duplicate suppressed", zap.String("message_id", r.MessageID))
	case Rejected:
		p.log.Warn("message rejected",
			zap.String("message_id", env.MessageID),
			zap.String("from", log.Redact(env.From)),
			zap.String("reason", r.Reason),
		)
	}
	return res
}

// HandlePending feeds a fetch_pending batch through the pipeline.
func (p *Pipeline) HandlePending(ctx context.Context, envs []model.InboundEnvelope) []Result {
	out := make([]Result, 0, len(envs))
	for _, env := range envs {
		out = append(out, p.HandleInbound(ctx, env))
	}
	return out
}

// ApplyReceipt records a peer's delivered/read acknowledgment for an outgoing message.
func (p *Pipeline) ApplyReceipt(ctx context.Context, r model.DeliveryReceiptPayload) error {
	switch r.Status {
	case model.MessageStatusDelivered, model.MessageStatusRead:
	default:
		return fmt.Errorf("unsupported receipt status %q", r.Status)
	}
	return p.deps.Messages.UpdateStatus(ctx, r.MessageID, r.Status)
}

func (p *Pipeline) handle(ctx context.Context, env model.InboundEnvelope) Result {
	if env.MessageID == "" || env.From == "" {
		return Rejected{Reason: ReasonMissingFields}
	}

	nonce, err := canonical.DecodeBase64(env.Nonce)
	if err != nil {
		return Rejected{Reason: ReasonInvalidBase64}
	}
	ciphertext, err := canonical.DecodeBase64(env.Ciphertext)
	if err != nil {
		return Rejected{Reason: ReasonInvalidBase64}
	}
	sig, err := canonical.DecodeBase64(env.Sig)
	if err != nil {
		return Rejected{Reason: ReasonInvalidBase64}
	}

	if len(nonce) != encryption.NonceSize {
		return Rejected{Reason: fmt.Sprintf("Invalid nonce length: expected %d, got %d", encryption.NonceSize, len(nonce))}
	}
	if len(sig) != signature.SignatureSize {
		return Rejected{Reason: fmt.Sprintf("Invalid sig length: expected %d, got %d", signature.SignatureSize, len(sig))}
	}
	if len(ciphertext) == 0 {
		return Rejected{Reason: "Empty ciphertext"}
	}

	if p.deps.Dedupe != nil && p.deps.Dedupe.IsDuplicate(env.MessageID) {
		return Duplicate{MessageID: env.MessageID}
	}
	exists, err := p.deps.Messages.Exists(ctx, env.MessageID)
	if err != nil {
		return Rejected{Reason: fmt.Sprintf("Storage error: %v", err)}
	}
	if exists {
		return Duplicate{MessageID: env.MessageID}
	}

	sender, err := p.deps.Keys.Contact(ctx, env.From)
	if err != nil {
		return Rejected{Reason: fmt.Sprintf("Storage error: %v", err)}
	}
	if sender == nil || len(sender.SignPublicKey) != signature.PublicKeySize {
		return Rejected{Reason: ReasonUnknownSender}
	}

	target := env.To
	if env.GroupID != "" {
		target = env.GroupID
	}
	fields := canonical.Fields{
		MessageType: model.TypeSendMessage,
		MessageID:   env.MessageID,
		From:        env.From,
		ToOrGroupID: target,
		Timestamp:   env.Timestamp,
		Nonce:       nonce,
		Ciphertext:  ciphertext,
	}
	if err := canonical.Verify(fields, sig, sender.SignPublicKey); err != nil {
		return Rejected{Reason: ReasonBadSignature}
	}

	id := p.deps.Credentials.Identity()
	if len(id.EncPrivateKey) != encryption.KeySize {
		return Rejected{Reason: ReasonMissingPrivateKey}
	}
	if len(sender.EncPublicKey) != encryption.KeySize {
		return Rejected{Reason: ReasonMissingSenderKey}
	}

	var senderPub, ownPriv [encryption.KeySize]byte
	copy(senderPub[:], sender.EncPublicKey)
	copy(ownPriv[:], id.EncPrivateKey)
	n, _ := encryption.NonceFromBytes(nonce)
	plaintext, err := p.deps.Decryptor.Decrypt(ciphertext, n, senderPub, ownPriv)
	if err != nil {
		return Rejected{Reason: ReasonDecryptionFailed}
	}

	msgType := env.MsgType
	if msgType == "" {
		msgType = model.MsgTypeText
	}
	conversationID := env.From
	if env.GroupID != "" {
		conversationID = env.GroupID
	}
	rec := model.MessageRecord{
		MessageID:      env.MessageID,
		ConversationID: conversationID,
		GroupID:        env.GroupID,
		From:           env.From,
		To:             env.To,
		MsgType:        msgType,
		Content:        string(plaintext),
		Timestamp:      env.Timestamp,
		Status:         model.MessageStatusDelivered,
		Direction:      model.DirectionIncoming,
		ReplyTo:        env.ReplyTo,
		Attachment:     env.Attachment,
		CreatedAt:      p.now(),
	}
	if err := p.deps.Messages.Save(ctx, rec); err != nil {
		return Rejected{Reason: fmt.Sprintf("Storage error: %v", err)}
	}
	if err := p.deps.Conversations.UpsertFromMessage(ctx, rec, true); err != nil {
		p.log.Warn("conversation upsert failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	if p.deps.Dedupe != nil {
		p.deps.Dedupe.MarkSeen(env.MessageID)
	}
	p.sendReceipt(id, rec)

	return Success{Message: rec}
}

func (p *Pipeline) sendReceipt(id model.Identity, rec model.MessageRecord) {
	receipt := model.DeliveryReceiptPayload{
		SessionToken: id.SessionToken,
		MessageID:    rec.MessageID,
		From:         id.WhisperID,
		To:           rec.From,
		Status:       model.MessageStatusDelivered,
		Timestamp:    p.now().UnixMilli(),
	}
	text, err := model.EncodeFrame(model.TypeDeliveryReceipt, "", receipt)
	if err != nil {
		p.log.Error("encode receipt", zap.Error(err))
		return
	}
	if !p.deps.Receipts.Send(text) {
		p.log.Debug("receipt not sent, transport down", zap.String("message_id", rec.MessageID))
	}
}

func (p *Pipeline) notify(rec model.MessageRecord) {
	p.observersMu.RLock()
	observers := slices.Clone(p.observers)
	p.observersMu.RUnlock()
	for _, fn := range observers {
		fn(rec)
	}
}
