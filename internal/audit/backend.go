package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Backend is append-only event storage. It has no update or delete.
// The Log serializes Append calls; backends only need to make each
// Append durable before returning.
type Backend interface {
	// Append persists one sealed event.
	Append(ctx context.Context, e Event) error
	// Tip returns the last stored sequence and hash, or (0, GenesisHash)
	// for an empty chain.
	Tip(ctx context.Context) (uint64, string, error)
	// Scan calls fn for every event in ascending sequence order. Returning
	// errStopScan from fn ends the scan without error.
	Scan(ctx context.Context, fn func(Event) error) error
	Close() error
}

// errStopScan ends a Scan early.
var errStopScan = errors.New("stop scan")

// CorruptRecordError reports a stored record that cannot be decoded.
// Verification treats it as a break at the record's position.
type CorruptRecordError struct {
	Position uint64
	Err      error
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("audit: corrupt record at position %d: %v", e.Position, e.Err)
}

func (e *CorruptRecordError) Unwrap() error { return e.Err }

// MemoryBackend keeps the chain in process memory.
type MemoryBackend struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) Append(_ context.Context, e Event) error {
	e.Details = cloneDetails(e.Details)
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Tip(_ context.Context) (uint64, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.events) == 0 {
		return 0, GenesisHash, nil
	}
	last := m.events[len(m.events)-1]
	return last.Sequence, last.CurrentHash, nil
}

func (m *MemoryBackend) Scan(ctx context.Context, fn func(Event) error) error {
	m.mu.RLock()
	events := make([]Event, len(m.events))
	copy(events, m.events)
	m.mu.RUnlock()

	for _, e := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.Details = cloneDetails(e.Details)
		if err := fn(e); err != nil {
			if errors.Is(err, errStopScan) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (m *MemoryBackend) Close() error { return nil }
