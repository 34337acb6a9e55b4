package core

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type MemoryCredentialStore struct {
	mu    sync.RWMutex
	items map[string]Credential
}

func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{items: map[string]Credential{}}
}

func (s *MemoryCredentialStore) Get(_ context.Context, key CredentialKey) (Credential, error) {
	if s == nil {
		return Credential{}, fmt.Errorf("core: credential store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	credential, ok := s.items[key.String()]
	if !ok {
		return Credential{}, ErrCredentialNotFound
	}
	return credential, nil
}

func (s *MemoryCredentialStore) Put(_ context.Context, credential Credential) error {
	if s == nil {
		return fmt.Errorf("core: credential store is nil")
	}
	credential.Key = credential.Key.Normalize()
	if err := credential.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[credential.Key.String()] = credential
	return nil
}

func (s *MemoryCredentialStore) Delete(_ context.Context, key CredentialKey) error {
	if s == nil {
		return fmt.Errorf("core: credential store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key.String())
	return nil
}

func (s *MemoryCredentialStore) Sweep(_ context.Context, now time.Time) (int, error) {
	if s == nil {
		return 0, fmt.Errorf("core: credential store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, credential := range s.items {
		if credential.Expired(now) {
			delete(s.items, id)
			evicted++
		}
	}
	return evicted, nil
}

func (s *MemoryCredentialStore) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

var _ CredentialStore = (*MemoryCredentialStore)(nil)
