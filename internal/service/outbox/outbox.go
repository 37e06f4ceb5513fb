package outbox

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"e2e_messenger/internal/cryptographic/encryption"
	"e2e_messenger/internal/metrics"
	"e2e_messenger/internal/model"
	"e2e_messenger/internal/protocol/canonical"
	"e2e_messenger/internal/utils/backoff"
	"e2e_messenger/internal/utils/log"
)

var (
	ErrMissingCredentials = errors.New("outbox: missing credentials")
	ErrUnknownRecipient   = errors.New("outbox: unknown recipient")
	ErrNotFound           = errors.New("outbox: message not found")
)

// permanent error codes never retry.
var permanent = map[string]bool{
	model.ErrCodeInvalidSignature:  true,
	model.ErrCodeRecipientNotFound: true,
	model.ErrCodeInvalidPayload:    true,
	model.ErrCodeUnauthorized:      true,
}

// IsPermanent reports whether code terminates an item without retry.
func IsPermanent(code string) bool {
	return permanent[code]
}

type (
	// Sender is the send capability handed out by the connection.
	Sender interface {
		Send(text string) bool
	}

	Encryptor interface {
		Encrypt(plaintext []byte, recipientPub, senderPriv [encryption.KeySize]byte) (encryption.Nonce, []byte, error)
	}

	Credentials interface {
		Identity() model.Identity
	}

	// KeyLookup returns nil, nil when the contact is unknown.
	KeyLookup interface {
		Contact(ctx context.Context, whisperID string) (*model.Contact, error)
	}

	// Store persists queue items keyed by message id.
	Store interface {
		Save(ctx context.Context, item model.OutboxItem) error
		Delete(ctx context.Context, messageID string) error
		LoadAll(ctx context.Context) ([]model.OutboxItem, error)
		Clear(ctx context.Context) error
	}

	// MessageStore receives the outgoing record and its status changes.
	MessageStore interface {
		Save(ctx context.Context, rec model.MessageRecord) error
		UpdateStatus(ctx context.Context, messageID, status string) error
	}
)

type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
	MaxAttempts int
	Tick        time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
	Rand    func() float64
	NewID   func() string
}

func (c *Config) setDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = 60 * time.Second
		if c.MaxDelay < c.BaseDelay {
			c.MaxDelay = c.BaseDelay
		}
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Rand == nil {
		c.Rand = rand.Float64
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
}

type Deps struct {
	Sender      Sender
	Encryptor   Encryptor
	Credentials Credentials
	Keys        KeyLookup
	Store       Store
	Messages    MessageStore
}

// Queue is a single-flight FIFO of signed outbound messages.
type Queue struct {
	cfg  Config
	deps Deps
	log  *zap.Logger

	mu            sync.Mutex
	items         []*model.OutboxItem
	failed        []*model.OutboxItem
	paused        bool
	onAuthFailure func()
	observers     []func(model.OutboxItem)
}

func New(cfg Config, deps Deps) *Queue {
	cfg.setDefaults()
	if deps.Encryptor == nil {
		deps.Encryptor = encryption.Box{}
	}
	return &Queue{
		cfg:  cfg,
		deps: deps,
		log:  cfg.Logger.With(zap.String("component", "outbox")),
	}
}

// OnAuthFailure sets the callback fired once per UNAUTHORIZED error.
func (q *Queue) OnAuthFailure(fn func()) {
	q.mu.Lock()
	q.onAuthFailure = fn
	q.mu.Unlock()
}

// OnUpdate registers an observer for every item status change.
func (q *Queue) OnUpdate(fn func(model.OutboxItem)) {
	q.mu.Lock()
	q.observers = append(q.observers, fn)
	q.mu.Unlock()
}

// Enqueue encrypts and signs text for recipient, queues it and makes an immediate attempt.
func (q *Queue) Enqueue(ctx context.Context, text, recipient string) (string, error) {
	return q.enqueue(ctx, text, recipient, model.MsgTypeText, nil)
}

// EnqueueAttachment sends ptr with an encrypted caption. The blob itself is
// uploaded elsewhere; only the pointer travels in the frame.
func (q *Queue) EnqueueAttachment(ctx context.Context, caption, recipient, msgType string, ptr model.AttachmentPointer) (string, error) {
	if msgType == "" || msgType == model.MsgTypeText {
		msgType = model.MsgTypeFile
	}
	return q.enqueue(ctx, caption, recipient, msgType, &ptr)
}

func (q *Queue) enqueue(ctx context.Context, text, recipient, msgType string, attachment *model.AttachmentPointer) (string, error) {
	id := q.deps.Credentials.Identity()
	if !id.Complete() {
		return "", ErrMissingCredentials
	}

	contact, err := q.deps.Keys.Contact(ctx, recipient)
	if err != nil {
		return "", fmt.Errorf("lookup recipient: %w", err)
	}
	if contact == nil || len(contact.EncPublicKey) != encryption.KeySize {
		return "", ErrUnknownRecipient
	}

	var recipientPub, senderPriv [encryption.KeySize]byte
	copy(recipientPub[:], contact.EncPublicKey)
	copy(senderPriv[:], id.EncPrivateKey)

	nonce, ciphertext, err := q.deps.Encryptor.Encrypt([]byte(text), recipientPub, senderPriv)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}

	now := q.cfg.Now()
	messageID := q.cfg.NewID()
	fields := canonical.Fields{
		MessageType: model.TypeSendMessage,
		MessageID:   messageID,
		From:        id.WhisperID,
		ToOrGroupID: recipient,
		Timestamp:   now.UnixMilli(),
		Nonce:       nonce[:],
		Ciphertext:  ciphertext,
	}
	sig, err := canonical.Sign(fields, id.SignPrivateKey)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}

	item := &model.OutboxItem{
		MessageID:    messageID,
		Recipient:    recipient,
		PlaintextRef: messageID,
		Payload: model.SendMessagePayload{
			ProtocolVersion: model.ProtocolVersion,
			CryptoVersion:   model.CryptoVersion,
			SessionToken:    id.SessionToken,
			MessageID:       messageID,
			From:            id.WhisperID,
			To:              recipient,
			MsgType:         msgType,
			Timestamp:       fields.Timestamp,
			Nonce:           canonical.EncodeBase64(nonce[:]),
			Ciphertext:      canonical.EncodeBase64(ciphertext),
			Sig:             canonical.EncodeBase64(sig),
			Attachment:      attachment,
		},
		Status:    model.OutboxQueued,
		CreatedAt: now,
	}

	if q.deps.Messages != nil {
		rec := model.MessageRecord{
			MessageID:      messageID,
			ConversationID: recipient,
			From:           id.WhisperID,
			To:             recipient,
			MsgType:        msgType,
			Content:        text,
			Timestamp:      fields.Timestamp,
			Status:         model.MessageStatusPending,
			Direction:      model.DirectionOutgoing,
			Attachment:     attachment,
			CreatedAt:      now,
		}
		if err := q.deps.Messages.Save(ctx, rec); err != nil {
			q.log.Warn("save outgoing record failed", zap.Error(err))
		}
	}

	q.mu.Lock()
	q.items = append(q.items, item)
	snap := item.Clone()
	depth := len(q.items)
	q.mu.Unlock()

	q.persist(snap)
	q.cfg.Metrics.RecordEnqueue()
	q.cfg.Metrics.SetOutboxDepth(depth)
	q.log.Debug("enqueued", zap.String("message_id", messageID), zap.String("to", log.Redact(recipient)))

	q.ProcessQueue()
	return messageID, nil
}

// ProcessQueue attempts the head item if nothing is in flight, the queue is
// not paused and its retry time has come.
func (q *Queue) ProcessQueue() {
	q.mu.Lock()
	if q.paused || len(q.items) == 0 {
		q.mu.Unlock()
		return
	}
	head := q.items[0]
	if head.Status == model.OutboxSending {
		q.mu.Unlock()
		return
	}
	if head.NextRetryAt != nil && q.cfg.Now().Before(*head.NextRetryAt) {
		q.mu.Unlock()
		return
	}

	head.Attempts++
	head.RequestID = q.cfg.NewID()
	head.Status = model.OutboxSending
	head.NextRetryAt = nil
	snap := head.Clone()
	q.mu.Unlock()

	q.cfg.Metrics.RecordAttempt()
	q.persist(snap)
	q.emit(snap)

	text, err := model.EncodeFrame(model.TypeSendMessage, snap.RequestID, snap.Payload)
	if err != nil {
		q.log.Error("encode send_message", zap.Error(err))
		q.fail(snap.MessageID, snap.RequestID, model.ErrCodeInvalidPayload, err.Error())
		return
	}
	if !q.deps.Sender.Send(text) {
		q.log.Debug("transport send failed", zap.String("message_id", snap.MessageID), zap.Int("attempts", snap.Attempts))
		q.transientFailure(func(it *model.OutboxItem) bool {
			return it.MessageID == snap.MessageID && it.RequestID == snap.RequestID
		}, "transport send failed")
	}
}

// OnMessageAccepted marks the item SENT, removes it and advances the queue.
func (q *Queue) OnMessageAccepted(messageID string) {
	q.mu.Lock()
	idx := q.indexLocked(func(it *model.OutboxItem) bool { return it.MessageID == messageID })
	if idx < 0 {
		q.mu.Unlock()
		return
	}
	item := q.items[idx]
	item.Status = model.OutboxSent
	item.NextRetryAt = nil
	snap := item.Clone()
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	depth := len(q.items)
	q.mu.Unlock()

	q.cfg.Metrics.RecordAccepted()
	q.cfg.Metrics.SetOutboxDepth(depth)
	q.remove(snap.MessageID)
	q.updateStatus(snap.MessageID, model.MessageStatusSent)
	q.emit(snap)

	q.ProcessQueue()
}

// OnError classifies a server error correlated by requestID.
func (q *Queue) OnError(requestID, code, message string) {
	if requestID == "" {
		return
	}
	if IsPermanent(code) {
		q.fail("", requestID, code, message)
		return
	}

	q.cfg.Metrics.RecordRetry()
	q.transientFailure(func(it *model.OutboxItem) bool {
		return it.RequestID == requestID && it.Status == model.OutboxSending
	}, code)
}

// OnDisconnect returns the in-flight item to QUEUED with a scheduled retry.
func (q *Queue) OnDisconnect() {
	q.transientFailure(func(it *model.OutboxItem) bool {
		return it.Status == model.OutboxSending
	}, "disconnected")
}

func (q *Queue) transientFailure(match func(*model.OutboxItem) bool, reason string) {
	q.mu.Lock()
	idx := q.indexLocked(match)
	if idx < 0 || q.items[idx].Status != model.OutboxSending {
		q.mu.Unlock()
		return
	}
	item := q.items[idx]
	if item.Attempts >= q.cfg.MaxAttempts {
		q.mu.Unlock()
		q.fail(item.MessageID, "", model.ErrCodeMaxAttempts, fmt.Sprintf("gave up after %d attempts: %s", item.Attempts, reason))
		return
	}

	d := backoff.Exponential(item.Attempts, q.cfg.BaseDelay, q.cfg.MaxDelay)
	d = backoff.Jitter(d, q.cfg.Jitter, q.cfg.Rand())
	if d <= 0 {
		d = time.Millisecond
	}
	next := q.cfg.Now().Add(d)
	item.Status = model.OutboxQueued
	item.NextRetryAt = &next
	snap := item.Clone()
	q.mu.Unlock()

	q.log.Debug("retry scheduled",
		zap.String("message_id", snap.MessageID),
		zap.Int("attempts", snap.Attempts),
		zap.Duration("delay", d),
		zap.String("reason", reason),
	)
	q.persist(snap)
	q.emit(snap)
}

// fail moves the matching item to the failed list. Exactly one of messageID
// or requestID selects the item.
func (q *Queue) fail(messageID, requestID, code, message string) {
	q.mu.Lock()
	idx := q.indexLocked(func(it *model.OutboxItem) bool {
		if messageID != "" {
			return it.MessageID == messageID
		}
		return it.RequestID == requestID
	})
	if idx < 0 {
		q.mu.Unlock()
		return
	}
	item := q.items[idx]
	item.Status = model.OutboxFailed
	item.NextRetryAt = nil
	item.FailedCode = code
	item.FailedMessage = message
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	q.failed = append(q.failed, item)
	snap := item.Clone()
	depth := len(q.items)

	var authFailure func()
	if code == model.ErrCodeUnauthorized {
		q.paused = true
		authFailure = q.onAuthFailure
	}
	q.mu.Unlock()

	q.log.Warn("message failed",
		zap.String("message_id", snap.MessageID),
		zap.String("code", code),
		zap.Int("attempts", snap.Attempts),
	)
	q.cfg.Metrics.RecordFailure(code)
	q.cfg.Metrics.SetOutboxDepth(depth)
	q.persist(snap)
	q.updateStatus(snap.MessageID, model.MessageStatusFailed)
	q.emit(snap)

	if authFailure != nil {
		authFailure()
		return
	}
	q.ProcessQueue()
}

// Resume clears the paused flag and drains.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.ProcessQueue()
}

func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

func (q *Queue) IsPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Items returns the live queue in FIFO order.
func (q *Queue) Items() []model.OutboxItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneAll(q.items)
}

func (q *Queue) FailedItems() []model.OutboxItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneAll(q.failed)
}

// Retry re-queues a FAILED item at the tail with its attempts reset.
func (q *Queue) Retry(messageID string) error {
	q.mu.Lock()
	idx := -1
	for i, it := range q.failed {
		if it.MessageID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return ErrNotFound
	}
	item := q.failed[idx]
	q.failed = append(q.failed[:idx], q.failed[idx+1:]...)
	item.Status = model.OutboxQueued
	item.Attempts = 0
	item.NextRetryAt = nil
	item.FailedCode = ""
	item.FailedMessage = ""
	q.items = append(q.items, item)
	snap := item.Clone()
	q.mu.Unlock()

	q.persist(snap)
	q.updateStatus(snap.MessageID, model.MessageStatusPending)
	q.emit(snap)
	q.ProcessQueue()
	return nil
}

// Clear drops every live and failed item, in memory and in the store.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	q.items = nil
	q.failed = nil
	q.mu.Unlock()

	q.cfg.Metrics.SetOutboxDepth(0)
	if q.deps.Store == nil {
		return nil
	}
	return q.deps.Store.Clear(ctx)
}

// Restore loads persisted items: live ones in creation order (SENDING comes
// back as QUEUED), FAILED ones into the failed list. SENT leftovers are dropped.
func (q *Queue) Restore(ctx context.Context) error {
	if q.deps.Store == nil {
		return nil
	}
	stored, err := q.deps.Store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load outbox: %w", err)
	}
	sort.SliceStable(stored, func(i, j int) bool {
		return stored[i].CreatedAt.Before(stored[j].CreatedAt)
	})

	var live, failed []*model.OutboxItem
	for i := range stored {
		it := stored[i]
		switch it.Status {
		case model.OutboxFailed:
			failed = append(failed, &it)
		case model.OutboxSent:
			if err := q.deps.Store.Delete(ctx, it.MessageID); err != nil {
				q.log.Warn("drop sent item", zap.Error(err))
			}
		default:
			it.Status = model.OutboxQueued
			live = append(live, &it)
		}
	}

	q.mu.Lock()
	q.items = live
	q.failed = failed
	depth := len(q.items)
	q.mu.Unlock()

	q.cfg.Metrics.SetOutboxDepth(depth)
	q.log.Info("outbox restored", zap.Int("queued", len(live)), zap.Int("failed", len(failed)))
	return nil
}

// Run drives ProcessQueue on every tick until ctx is done.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.ProcessQueue()
		}
	}
}

func (q *Queue) indexLocked(match func(*model.OutboxItem) bool) int {
	for i, it := range q.items {
		if match(it) {
			return i
		}
	}
	return -1
}

func (q *Queue) persist(item model.OutboxItem) {
	if q.deps.Store == nil {
		return
	}
	if err := q.deps.Store.Save(context.Background(), item); err != nil {
		q.log.Warn("persist outbox item", zap.String("message_id", item.MessageID), zap.Error(err))
	}
}

func (q *Queue) remove(messageID string) {
	if q.deps.Store == nil {
		return
	}
	if err := q.deps.Store.Delete(context.Background(), messageID); err != nil {
		q.log.Warn("delete outbox item", zap.String("message_id", messageID), zap.Error(err))
	}
}

func (q *Queue) updateStatus(messageID, status string) {
	if q.deps.Messages == nil {
		return
	}
	if err := q.deps.Messages.UpdateStatus(context.Background(), messageID, status); err != nil {
		q.log.Warn("update message status", zap.String("message_id", messageID), zap.Error(err))
	}
}

func (q *Queue) emit(item model.OutboxItem) {
	q.mu.Lock()
	observers := slices.Clone(q.observers)
	q.mu.Unlock()
	for _, fn := range observers {
		fn(item)
	}
}

func cloneAll(items []*model.OutboxItem) []model.OutboxItem {
	out := make([]model.OutboxItem, 0, len(items))
	for _, it := range items {
		out = append(out, it.Clone())
	}
	return out
}
