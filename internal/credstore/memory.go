package credstore

import (
	"context"
	"sync"
	"time"
)

// MemoryPersister keeps the credential for the life of the process only
type MemoryPersister struct {
	mu      sync.Mutex
	token   string
	expires time.Time
	saves   int
}

func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{}
}

func (p *MemoryPersister) Save(_ context.Context, token string, maxAge time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = token
	p.expires = time.Now().Add(maxAge)
	p.saves++
	return nil
}

func (p *MemoryPersister) Load(_ context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token == "" || time.Now().After(p.expires) {
		return "", nil
	}
	return p.token, nil
}

func (p *MemoryPersister) Clear(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = ""
	p.expires = time.Time{}
	return nil
}

// Saves reports how many times a credential was written
func (p *MemoryPersister) Saves() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves
}
