// Package idempotency tracks the command tokens the control API has already
// honored, so client retries never trigger a second reboot.
package idempotency

import (
	"context"
	"sync"
	"time"
)

// Store records accepted idempotency keys. Seen and Record are separate
// because a key is only recorded after the command actually applied; busy
// refusals leave the key unspent so the caller can retry it.
type Store interface {
	Seen(ctx context.Context, key string) (bool, error)
	Record(ctx context.Context, key string) error
}

// Memory is the default in-process store. A zero retention keeps keys for
// the lifetime of the process; a positive retention expires them lazily.
type Memory struct {
	mu        sync.Mutex
	keys      map[string]time.Time
	retention time.Duration
}

func NewMemory(retention time.Duration) *Memory {
	return &Memory{
		keys:      make(map[string]time.Time),
		retention: retention,
	}
}

func (m *Memory) Seen(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.keys[key]
	if !ok {
		return false, nil
	}
	if m.retention > 0 && time.Since(at) > m.retention {
		delete(m.keys, key)
		return false, nil
	}
	return true, nil
}

func (m *Memory) Record(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = time.Now()
	return nil
}

// Len reports the number of retained keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}
