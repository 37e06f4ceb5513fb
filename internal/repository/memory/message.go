package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"e2e_messenger/internal/model"
)

type MessageRepo struct {
	mu       sync.RWMutex
	messages map[string]model.MessageRecord
}

func NewMessageRepo() *MessageRepo {
	return &MessageRepo{messages: make(map[string]model.MessageRecord)}
}

func (r *MessageRepo) Save(_ context.Context, rec model.MessageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[rec.MessageID] = rec
	return nil
}

func (r *MessageRepo) Exists(_ context.Context, messageID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.messages[messageID]
	return ok, nil
}

// Get returns nil, nil for an unknown id.
func (r *MessageRepo) Get(_ context.Context, messageID string) (*model.MessageRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.messages[messageID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (r *MessageRepo) UpdateStatus(_ context.Context, messageID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.messages[messageID]
	if !ok {
		return fmt.Errorf("message %s not found", messageID)
	}
	if !model.StatusAdvances(rec.Status, status) {
		return nil
	}
	rec.Status = status
	r.messages[messageID] = rec
	return nil
}

// ListByConversation returns messages oldest first.
func (r *MessageRepo) ListByConversation(_ context.Context, conversationID string) ([]model.MessageRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.MessageRecord
	for _, rec := range r.messages {
		if rec.ConversationID == conversationID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp == out[j].Timestamp {
			return out[i].MessageID < out[j].MessageID
		}
		return out[i].Timestamp < out[j].Timestamp
	})
	return out, nil
}

func (r *MessageRepo) Count(context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.messages), nil
}

type ConversationRepo struct {
	mu    sync.RWMutex
	convs map[string]model.Conversation
	now   func() time.Time
}

func NewConversationRepo() *ConversationRepo {
	return &ConversationRepo{convs: make(map[string]model.Conversation), now: time.Now}
}

// UpsertFromMessage moves the summary forward to rec unless it already shows a newer message.
func (r *ConversationRepo) UpsertFromMessage(_ context.Context, rec model.MessageRecord, incrementUnread bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.convs[rec.ConversationID]
	c.ConversationID = rec.ConversationID
	if rec.Timestamp >= c.LastMessageTimestamp {
		c.LastMessageID = rec.MessageID
		c.LastMessagePreview = model.Preview(rec.MsgType, rec.Content)
		c.LastMessageTimestamp = rec.Timestamp
	}
	if incrementUnread {
		c.UnreadCount++
	}
	c.UpdatedAt = r.now()
	r.convs[rec.ConversationID] = c
	return nil
}

func (r *ConversationRepo) Get(_ context.Context, conversationID string) (*model.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.convs[conversationID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (r *ConversationRepo) MarkRead(_ context.Context, conversationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.convs[conversationID]; ok {
		c.UnreadCount = 0
		r.convs[conversationID] = c
	}
	return nil
}

// List returns conversations most recent first.
func (r *ConversationRepo) List(context.Context) ([]model.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Conversation, 0, len(r.convs))
	for _, c := range r.convs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageTimestamp > out[j].LastMessageTimestamp
	})
	return out, nil
}
