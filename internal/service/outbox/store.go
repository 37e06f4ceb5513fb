package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"e2e_messenger/internal/model"
)

// HashClient is the slice of the redis service the store needs.
type HashClient interface {
	HSet(ctx context.Context, key, field string, value any) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error
	Del(ctx context.Context, key string) error
}

// RedisStore keeps one hash per local profile: field messageId, value the JSON item.
type RedisStore struct {
	client HashClient
	key    string
}

func NewRedisStore(client HashClient, owner string) *RedisStore {
	return &RedisStore{
		client: client,
		key:    fmt.Sprintf("outbox:%s", owner),
	}
}

func (s *RedisStore) Save(ctx context.Context, item model.OutboxItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.key, item.MessageID, data)
}

func (s *RedisStore) Delete(ctx context.Context, messageID string) error {
	return s.client.HDel(ctx, s.key, messageID)
}

func (s *RedisStore) LoadAll(ctx context.Context) ([]model.OutboxItem, error) {
	fields, err := s.client.HGetAll(ctx, s.key)
	if err != nil {
		return nil, err
	}

	items := make([]model.OutboxItem, 0, len(fields))
	for id, raw := range fields {
		var it model.OutboxItem
		if err := json.Unmarshal([]byte(raw), &it); err != nil {
			return nil, fmt.Errorf("decode outbox item %s: %w", id, err)
		}
		items = append(items, it)
	}
	return items, nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	return s.client.Del(ctx, s.key)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]model.OutboxItem
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]model.OutboxItem)}
}

func (s *MemoryStore) Save(_ context.Context, item model.OutboxItem) error {
	s.mu.Lock()
	s.items[item.MessageID] = item.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, messageID string) error {
	s.mu.Lock()
	delete(s.items, messageID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) LoadAll(context.Context) ([]model.OutboxItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.OutboxItem, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it.Clone())
	}
	return out, nil
}

func (s *MemoryStore) Clear(context.Context) error {
	s.mu.Lock()
	s.items = make(map[string]model.OutboxItem)
	s.mu.Unlock()
	return nil
}
