package persist

import (
	"context"
	"sync"
)

// Memory keeps snapshots in process. Nothing survives a restart of the
// process, only of the rooms.
type Memory struct {
	data map[string][]byte

	mu sync.RWMutex // protects data
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Save(_ context.Context, documentID string, data []byte) error {
	m.mu.Lock()
	m.data[documentID] = append([]byte(nil), data...)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Load(_ context.Context, documentID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[documentID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) Close(context.Context) error { return nil }
