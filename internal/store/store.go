// Package store provides best-effort state persistence for the engine.
// Components save their state on every mutation and rehydrate from the last
// snapshot at startup; when no snapshot exists they cold-start with
// documented defaults.
package store

import (
	"context"
	"encoding/json"
	"sync"
)

// Well-known state keys. Swarm weights use KeySwarmWeights + ":" + swarm ID.
const (
	KeyAllocation   = "engine:allocator:allocation"
	KeyRiskState    = "engine:allocator:risk"
	KeyPositions    = "engine:trailing:positions"
	KeySwarmWeights = "engine:swarm:weights"
)

// StateStore is the load/save contract between the engine and the host's
// store. Save failures are logged by implementations and must never block a
// trading decision.
type StateStore interface {
	// Save serializes value as JSON under key.
	Save(ctx context.Context, key string, value interface{}) error
	// Load deserializes the snapshot under key into dest. The bool reports
	// whether a snapshot existed.
	Load(ctx context.Context, key string, dest interface{}) (bool, error)
	// Delete removes the snapshot under key.
	Delete(ctx context.Context, key string) error
}

// MemoryStateStore is a map-backed StateStore. It backs cold starts and
// tests, and doubles as the fallback cache inside RedisStateStore.
type MemoryStateStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStateStore creates an empty in-memory store
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{data: make(map[string][]byte)}
}

// Save implements StateStore
func (m *MemoryStateStore) Save(_ context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = data
	return nil
}

// Load implements StateStore
func (m *MemoryStateStore) Load(_ context.Context, key string, dest interface{}) (bool, error) {
	m.mu.RLock()
	data, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, err
	}
	return true, nil
}

// Delete implements StateStore
func (m *MemoryStateStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
