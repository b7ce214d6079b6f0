package events

import (
	"context"
	"errors"
)

// MultiEmitter sends every event to each emitter in turn. One failing
// emitter does not stop the rest.
type MultiEmitter struct {
	emitters []Emitter
}

func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

func (m *MultiEmitter) Emit(ctx context.Context, event GovernanceEvent) error {
	var errList []error
	for _, e := range m.emitters {
		if err := e.Emit(ctx, event); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// Len returns the number of emitters.
func (m *MultiEmitter) Len() int { return len(m.emitters) }
