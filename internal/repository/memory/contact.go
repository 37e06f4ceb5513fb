package memory

import (
	"context"
	"sort"
	"sync"

	"e2e_messenger/internal/model"
)

type ContactRepo struct {
	mu       sync.RWMutex
	contacts map[string]model.Contact
}

func NewContactRepo() *ContactRepo {
	return &ContactRepo{contacts: make(map[string]model.Contact)}
}

// Contact returns nil, nil for an unknown id.
func (r *ContactRepo) Contact(_ context.Context, whisperID string) (*model.Contact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contacts[whisperID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (r *ContactRepo) Upsert(_ context.Context, c model.Contact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contacts[c.WhisperID] = c
	return nil
}

func (r *ContactRepo) Delete(_ context.Context, whisperID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.contacts, whisperID)
	return nil
}

// List returns contacts ordered by id.
func (r *ContactRepo) List(context.Context) ([]model.Contact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Contact, 0, len(r.contacts))
	for _, c := range r.contacts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WhisperID < out[j].WhisperID })
	return out, nil
}

// ReplaceAll swaps the whole contact set in one step.
func (r *ContactRepo) ReplaceAll(_ context.Context, contacts []model.Contact) error {
	next := make(map[string]model.Contact, len(contacts))
	for _, c := range contacts {
		next[c.WhisperID] = c
	}
	r.mu.Lock()
	r.contacts = next
	r.mu.Unlock()
	return nil
}

func (r *ContactRepo) Count(context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contacts), nil
}
