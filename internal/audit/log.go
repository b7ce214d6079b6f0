// Package audit is the tamper-evident governance ledger. Every event embeds
// the hash of its predecessor; editing or deleting any stored event breaks
// verification from that point on.
package audit

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ppiankov/agentgov/internal/model"
)

// Log is the single writer of one hash chain. Appends are serialized so
// sequence assignment and hashing happen together; reads share a lock so
// they see a consistent prefix of the chain.
type Log struct {
	mu      sync.RWMutex
	backend Backend
	hasher  Hasher
	clock   model.Clock
	newID   func() string
	logger  zerolog.Logger

	tipSeq  uint64
	tipHash string
}

// Option configures a Log.
type Option func(*Log)

// WithHMACKey seals events with HMAC-SHA256 under key.
func WithHMACKey(key []byte) Option {
	return func(l *Log) { l.hasher = NewHasher(key) }
}

// WithClock sets the time source for created_at.
func WithClock(c model.Clock) Option {
	return func(l *Log) { l.clock = c }
}

// WithIDGenerator overrides event id generation.
func WithIDGenerator(fn func() string) Option {
	return func(l *Log) { l.newID = fn }
}

// WithLogger sets the structured logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// New opens a chain on backend, recovering the tip from storage.
func New(ctx context.Context, backend Backend, opts ...Option) (*Log, error) {
	l := &Log{
		backend: backend,
		newID:   uuid.NewString,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	seq, hash, err := backend.Tip(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: recover chain tip: %w", err)
	}
	l.tipSeq, l.tipHash = seq, hash
	return l, nil
}

// NewMemory returns a Log on a fresh MemoryBackend.
func NewMemory(opts ...Option) *Log {
	l, _ := New(context.Background(), NewMemoryBackend(), opts...)
	return l
}

// Append seals rec as the next event and persists it. When the backend
// fails the error is returned and the tip does not move, so no gap is ever
// left in the chain.
func (l *Log) Append(ctx context.Context, rec Record) (Event, error) {
	if err := rec.validate(); err != nil {
		return Event{}, err
	}
	digest, err := PayloadDigest(rec.Payload)
	if err != nil {
		return Event{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e := Event{
		ID:            l.newID(),
		Sequence:      l.tipSeq + 1,
		EventType:     rec.EventType,
		Actor:         rec.Actor,
		Action:        rec.Action,
		Resource:      rec.Resource,
		RiskLevel:     rec.RiskLevel,
		WorkflowID:    rec.WorkflowID,
		Outcome:       rec.Outcome,
		PayloadDigest: digest,
		Details:       cloneDetails(rec.Details),
		PreviousHash:  l.tipHash,
		CreatedAt:     l.clock.Now(),
	}
	if e.CurrentHash, err = l.hasher.Hash(e); err != nil {
		return Event{}, err
	}

	if err := l.backend.Append(ctx, e); err != nil {
		l.logger.Error().Err(err).
			Uint64("sequence", e.Sequence).
			Str("event_type", string(e.EventType)).
			Msg("audit append failed")
		return Event{}, err
	}
	l.tipSeq, l.tipHash = e.Sequence, e.CurrentHash
	return e, nil
}

// Tip returns the last sequence and hash written by this Log.
func (l *Log) Tip() (uint64, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tipSeq, l.tipHash
}

// Keyed reports whether events are sealed with an HMAC key.
func (l *Log) Keyed() bool { return l.hasher.Keyed() }

// Close closes the backend.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.backend.Close()
}

// scan walks the chain under the read lock.
func (l *Log) scan(ctx context.Context, fn func(Event) error) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.backend.Scan(ctx, fn)
}
