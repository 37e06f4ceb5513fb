package app

import (
	"sync"

	"e2e_messenger/internal/model"
)

// Credentials holds the logged-in identity. The zero value is logged out.
type Credentials struct {
	mu sync.RWMutex
	id model.Identity
}

func (c *Credentials) Identity() model.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

func (c *Credentials) Set(id model.Identity) {
	c.mu.Lock()
	c.id = id
	c.mu.Unlock()
}

func (c *Credentials) Clear() {
	c.mu.Lock()
	c.id = model.Identity{}
	c.mu.Unlock()
}

// SessionToken feeds the REST client's bearer header.
func (c *Credentials) SessionToken() string {
	return c.Identity().SessionToken
}
