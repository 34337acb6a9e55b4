package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var ErrStateNotFound = errors.New("ratelimit: state not found")

// Key identifies one throttle bucket: an application and the API family
// sharing a quota.
type Key struct {
	AppID  string
	Bucket string
}

func (k Key) Normalize() Key {
	bucket := strings.TrimSpace(strings.ToLower(k.Bucket))
	if bucket == "" {
		bucket = DefaultBucket
	}
	return Key{AppID: strings.TrimSpace(k.AppID), Bucket: bucket}
}

func (k Key) String() string {
	normalized := k.Normalize()
	return normalized.AppID + "|" + normalized.Bucket
}

const DefaultBucket = "default"

// BucketForPath groups request paths by their first two segments,
// e.g. /open-apis/im/v1/messages -> open-apis/im.
func BucketForPath(path string) string {
	path = strings.Trim(strings.TrimSpace(path), "/")
	if path == "" {
		return DefaultBucket
	}
	segments := strings.SplitN(path, "/", 3)
	if len(segments) > 2 {
		segments = segments[:2]
	}
	return strings.ToLower(strings.Join(segments, "/"))
}

type State struct {
	Key            Key
	Limit          int
	Remaining      int
	ResetAt        *time.Time
	RetryAfter     *time.Duration
	ThrottledUntil *time.Time
	LastStatus     int
	Attempts       int
	UpdatedAt      time.Time
}

type StateStore interface {
	Get(ctx context.Context, key Key) (State, error)
	Upsert(ctx context.Context, state State) error
}

type MemoryStateStore struct {
	mu    sync.RWMutex
	items map[string]State
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{items: map[string]State{}}
}

func (s *MemoryStateStore) Get(_ context.Context, key Key) (State, error) {
	if s == nil {
		return State{}, fmt.Errorf("ratelimit: state store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.items[key.String()]
	if !ok {
		return State{}, ErrStateNotFound
	}
	return state, nil
}

func (s *MemoryStateStore) Upsert(_ context.Context, state State) error {
	if s == nil {
		return fmt.Errorf("ratelimit: state store is nil")
	}
	state.Key = state.Key.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[state.Key.String()] = state
	return nil
}
