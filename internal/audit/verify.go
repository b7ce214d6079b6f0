package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/ppiankov/agentgov/internal/errs"
)

// VerifyResult holds the outcome of a hash chain verification.
type VerifyResult struct {
	Valid            bool   `json:"valid"`
	Checked          uint64 `json:"checked"`
	BrokenAtSequence uint64 `json:"broken_at_sequence,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

// Err returns an IntegrityError for an invalid result, nil otherwise.
func (r VerifyResult) Err() error {
	if r.Valid {
		return nil
	}
	return errs.Integrity(r.BrokenAtSequence, r.Reason)
}

// Verify walks the whole chain recomputing every hash. The walk stops at
// the first broken entry; it and everything after it are untrustworthy.
// The returned error is reserved for storage failures.
func (l *Log) Verify(ctx context.Context) (VerifyResult, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	res, err := verifyChain(ctx, l.backend.Scan, l.hasher)
	if err != nil {
		return res, err
	}
	// Tail deletion leaves a valid prefix; the tip still remembers it.
	if res.Valid && res.Checked < l.tipSeq {
		res = VerifyResult{
			Checked:          res.Checked,
			BrokenAtSequence: res.Checked + 1,
			Reason:           fmt.Sprintf("chain truncated: %d of %d events present", res.Checked, l.tipSeq),
		}
	}
	if !res.Valid {
		l.logger.Error().
			Uint64("broken_at_sequence", res.BrokenAtSequence).
			Str("reason", res.Reason).
			Msg("audit chain integrity failure")
	}
	return res, nil
}

// VerifyFile verifies a JSONL audit file without opening it for writing.
// key must match the one the file was written with.
func VerifyFile(ctx context.Context, path string, key []byte) (VerifyResult, error) {
	scan := func(ctx context.Context, fn func(Event) error) error {
		return scanFile(ctx, path, fn)
	}
	return verifyChain(ctx, scan, NewHasher(key))
}

func verifyChain(ctx context.Context, scan func(context.Context, func(Event) error) error, h Hasher) (VerifyResult, error) {
	expected := uint64(1)
	prev := GenesisHash
	var broken *VerifyResult

	err := scan(ctx, func(e Event) error {
		fail := func(seq uint64, reason string) error {
			broken = &VerifyResult{Checked: expected - 1, BrokenAtSequence: seq, Reason: reason}
			return errStopScan
		}
		switch {
		case e.Sequence != expected:
			return fail(expected, fmt.Sprintf("sequence gap: expected %d, found %d", expected, e.Sequence))
		case e.PreviousHash != prev:
			return fail(e.Sequence, fmt.Sprintf("previous_hash mismatch: expected %s, got %s", prev, e.PreviousHash))
		case !h.Matches(e):
			return fail(e.Sequence, "current_hash does not match recomputed hash")
		}
		prev = e.CurrentHash
		expected++
		return nil
	})

	var corrupt *CorruptRecordError
	if errors.As(err, &corrupt) {
		return VerifyResult{
			Checked:          expected - 1,
			BrokenAtSequence: expected,
			Reason:           corrupt.Error(),
		}, nil
	}
	if err != nil {
		return VerifyResult{}, err
	}
	if broken != nil {
		return *broken, nil
	}
	return VerifyResult{Valid: true, Checked: expected - 1}, nil
}
