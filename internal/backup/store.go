package backup

import (
	"context"
	"sort"
	"sync"
)

// FastStore is the synchronous, size-limited tier. Values are serialized
// records or arbitrary application strings.
type FastStore interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
	Keys() ([]string, error)
}

// DurableStore is the transactional tier. It holds a single serialized record
// under DurableKey; Load returns nil, nil when nothing has been saved.
type DurableStore interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
	Close() error
}

// ChangeFeed reports keys written to a fast store. Watch blocks until ctx is
// done.
type ChangeFeed interface {
	Watch(ctx context.Context, fn func(key string)) error
}

type InMemoryFastStore struct {
	mu     sync.RWMutex
	values map[string]string

	subMu       sync.Mutex
	nextSubID   int
	subscribers map[int]func(string)
}

func NewInMemoryFastStore() *InMemoryFastStore {
	return &InMemoryFastStore{
		values:      map[string]string{},
		subscribers: map[int]func(string){},
	}
}

func (s *InMemoryFastStore) Get(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[key]
	return value, ok, nil
}

func (s *InMemoryFastStore) Set(key, value string) error {
	if key == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
	s.notify(key)
	return nil
}

func (s *InMemoryFastStore) Delete(key string) error {
	s.mu.Lock()
	_, existed := s.values[key]
	delete(s.values, key)
	s.mu.Unlock()
	if existed {
		s.notify(key)
	}
	return nil
}

func (s *InMemoryFastStore) Keys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for key := range s.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *InMemoryFastStore) Watch(ctx context.Context, fn func(key string)) error {
	if fn == nil {
		return ErrInvalidInput
	}
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	s.subMu.Unlock()

	<-ctx.Done()

	s.subMu.Lock()
	delete(s.subscribers, id)
	s.subMu.Unlock()
	return nil
}

func (s *InMemoryFastStore) notify(key string) {
	s.subMu.Lock()
	fns := make([]func(string), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(key)
	}
}

type InMemoryDurableStore struct {
	mu   sync.Mutex
	data []byte
}

func NewInMemoryDurableStore() *InMemoryDurableStore {
	return &InMemoryDurableStore{}
}

func (s *InMemoryDurableStore) Load(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, nil
	}
	return append([]byte(nil), s.data...), nil
}

func (s *InMemoryDurableStore) Save(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append([]byte(nil), data...)
	return nil
}

func (s *InMemoryDurableStore) Close() error {
	return nil
}
