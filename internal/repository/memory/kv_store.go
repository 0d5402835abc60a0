package memory

import (
	"context"
	"sort"
	"sync"

	"account-sync/internal/domain"
	"account-sync/internal/repository"
)

// Medium is an in-process key-value space shared by every Store opened on it.
type Medium struct {
	mu      sync.RWMutex
	data    map[string]string
	handles map[*Store]struct{}
}

func NewMedium() *Medium {
	return &Medium{
		data:    make(map[string]string),
		handles: make(map[*Store]struct{}),
	}
}

// Open returns a new handle identified by origin.
func (m *Medium) Open(origin string) *Store {
	s := &Store{medium: m, origin: origin}
	m.mu.Lock()
	m.handles[s] = struct{}{}
	m.mu.Unlock()
	return s
}

// Store is a single handle onto a Medium.
type Store struct {
	medium *Medium
	origin string

	mu   sync.Mutex
	subs []chan domain.StorageEvent
}

func (s *Store) Init(ctx context.Context) error { return nil }

func (s *Store) Origin() string { return s.origin }

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	s.medium.mu.RLock()
	defer s.medium.mu.RUnlock()
	v, ok := s.medium.data[key]
	return v, ok, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	s.medium.mu.Lock()
	s.medium.data[key] = value
	peers := s.peersLocked()
	s.medium.mu.Unlock()

	s.fanOut(peers, domain.StorageEvent{Key: key, NewValue: value, Origin: s.origin})
	return nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	s.medium.mu.Lock()
	_, existed := s.medium.data[key]
	delete(s.medium.data, key)
	peers := s.peersLocked()
	s.medium.mu.Unlock()

	if existed {
		s.fanOut(peers, domain.StorageEvent{Key: key, Removed: true, Origin: s.origin})
	}
	return nil
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	s.medium.mu.RLock()
	keys := make([]string, 0, len(s.medium.data))
	for k := range s.medium.data {
		keys = append(keys, k)
	}
	s.medium.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) Subscribe(ctx context.Context) (<-chan domain.StorageEvent, error) {
	ch := make(chan domain.StorageEvent, repository.EventBuffer)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

// Close detaches the handle from its medium. Open subscriptions end with their contexts.
func (s *Store) Close() error {
	s.medium.mu.Lock()
	delete(s.medium.handles, s)
	s.medium.mu.Unlock()
	return nil
}

func (s *Store) peersLocked() []*Store {
	peers := make([]*Store, 0, len(s.medium.handles))
	for h := range s.medium.handles {
		if h != s {
			peers = append(peers, h)
		}
	}
	return peers
}

func (s *Store) fanOut(peers []*Store, ev domain.StorageEvent) {
	for _, p := range peers {
		p.deliver(ev)
	}
}

func (s *Store) deliver(ev domain.StorageEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

var _ repository.KVStore = (*Store)(nil)
