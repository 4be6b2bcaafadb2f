// Package credstore holds the current bearer credential, persists it across
// restarts and notifies listeners whenever it changes.
package credstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CookieName is the durable name of the credential
const CookieName = "auth_token"

// MaxAge is how long a persisted credential survives
const MaxAge = 7 * 24 * time.Hour

const persistTimeout = 5 * time.Second

// Persister is the durable backing of the store. Load returns "" when nothing
// (or nothing unexpired) is stored.
type Persister interface {
	Save(ctx context.Context, token string, maxAge time.Duration) error
	Load(ctx context.Context) (string, error)
	Clear(ctx context.Context) error
}

// Listener is called with the new credential ("" when cleared)
type Listener func(token string)

// Store is the single owner of the credential value. All mutations go through
// Set, which serializes writers so the persisted value follows the in-memory one.
type Store struct {
	// writeMu serializes the whole set path (memory + persistence)
	writeMu sync.Mutex

	mu        sync.RWMutex
	token     string
	listeners map[int]Listener
	nextID    int

	persister Persister
	logger    *zap.Logger
}

// New creates a store backed by p
func New(p Persister, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		listeners: make(map[int]Listener),
		persister: p,
		logger:    logger.With(zap.String("component", "credstore")),
	}
}

// Get returns the current credential and whether one is present
func (s *Store) Get() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.token != ""
}

// Set replaces the credential. An empty token clears it. The in-memory value
// is replaced even when persistence fails; the persistence error is returned.
// Listeners run after all locks are released.
func (s *Store) Set(token string) error {
	s.writeMu.Lock()

	s.mu.Lock()
	s.token = token
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	var err error
	if token == "" {
		err = s.persister.Clear(ctx)
	} else {
		err = s.persister.Save(ctx, token, MaxAge)
	}
	cancel()
	s.writeMu.Unlock()

	if err != nil {
		s.logger.Warn("failed to persist credential", zap.Bool("cleared", token == ""), zap.Error(err))
		err = fmt.Errorf("persist credential: %w", err)
	}

	s.notify(token)
	return err
}

// Clear removes the credential from memory and durable storage
func (s *Store) Clear() error {
	return s.Set("")
}

// Load restores the persisted credential without notifying listeners.
// It reports whether a credential was found.
func (s *Store) Load(ctx context.Context) (bool, error) {
	token, err := s.persister.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("load credential: %w", err)
	}

	s.mu.Lock()
	s.token = token
	s.mu.Unlock()

	return token != "", nil
}

// OnChange registers l and returns a function that removes it
func (s *Store) OnChange(l Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Store) notify(token string) {
	s.mu.RLock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.RUnlock()

	for _, l := range listeners {
		l(token)
	}
}
