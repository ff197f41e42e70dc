package deadletter

import (
	"context"
	"slices"
	"sync"

	"github.com/kode4food/switchyard/pkg/api"
)

// MemoryStore keeps dead letters in process memory
type MemoryStore struct {
	queues map[string][]*api.DeadLetter
	mu     sync.Mutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{queues: map[string][]*api.DeadLetter{}}
}

// Put implements Store
func (m *MemoryStore) Put(_ context.Context, dl *api.DeadLetter) error {
	if err := checkLetter(dl); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	name := QueueName(dl.Topic, dl.Subscriber)
	m.queues[name] = append(m.queues[name], dl)
	return nil
}

// List implements Store
func (m *MemoryStore) List(
	_ context.Context, topic api.Topic, subscriber string,
) ([]*api.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.queues[QueueName(topic, subscriber)]), nil
}

// Take implements Store
func (m *MemoryStore) Take(
	_ context.Context, topic api.Topic, subscriber, id string,
) (*api.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := QueueName(topic, subscriber)
	q := m.queues[name]
	idx := slices.IndexFunc(q, func(dl *api.DeadLetter) bool {
		return dl.ID == id
	})
	if idx < 0 {
		return nil, ErrNotFound
	}
	dl := q[idx]
	m.queues[name] = slices.Delete(q, idx, idx+1)
	return dl, nil
}

// Count implements Store
func (m *MemoryStore) Count(
	_ context.Context, topic api.Topic, subscriber string,
) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[QueueName(topic, subscriber)]), nil
}

// Close implements Store
func (m *MemoryStore) Close() error {
	return nil
}
