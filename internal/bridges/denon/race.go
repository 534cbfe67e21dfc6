package denon

import (
	"context"
	"math/rand/v2"
	"sync/atomic"
	"time"
)

const (
	raceIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	raceIDLength   = 2
)

// Race states. running moves to exactly one of done or over.
const (
	raceRunning int32 = iota
	raceDone
	raceOver
)

// RaceStatus is a per-call token shared between a caller that bounds its own
// wait and the get-operation it is waiting on.
//
// Whichever side moves first wins: the operation claims the race when it
// delivers its result, the caller ends it when its timeout fires. An operation
// that finds the race already over pushes its result through the client's
// callbacks instead.
type RaceStatus struct {
	id    string
	state atomic.Int32
}

// NewRaceStatus returns a running RaceStatus with a fresh random id.
func NewRaceStatus() *RaceStatus {
	b := make([]byte, raceIDLength)
	for i := range b {
		b[i] = raceIDAlphabet[rand.IntN(len(raceIDAlphabet))]
	}
	return &RaceStatus{id: string(b)}
}

// ID returns the two-character id used for log correlation.
func (r *RaceStatus) ID() string {
	return r.id
}

// IsRunning reports whether neither side has finished the race yet.
func (r *RaceStatus) IsRunning() bool {
	return r.state.Load() == raceRunning
}

// SetRaceOver ends the race on behalf of the caller. It returns false if the
// operation already claimed its result.
func (r *RaceStatus) SetRaceOver() bool {
	return r.state.CompareAndSwap(raceRunning, raceOver)
}

// claim ends the race on behalf of the operation. It returns false if the
// caller has already given up.
func (r *RaceStatus) claim() bool {
	return r.state.CompareAndSwap(raceRunning, raceDone)
}

func (r *RaceStatus) String() string {
	return r.id
}

type raceResult[T any] struct {
	value T
	err   error
}

// Race runs op with a fresh RaceStatus and waits at most timeout for it.
//
// op runs detached from ctx cancellation so that a result arriving after the
// caller has given up still reaches the client's callbacks. When timeout or ctx
// ends the wait first, Race returns ErrCallerTimeout (or ctx's error).
func Race[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context, rs *RaceStatus) (T, error)) (T, error) {
	rs := NewRaceStatus()
	results := make(chan raceResult[T], 1)

	opCtx := context.WithoutCancel(ctx)
	go func() {
		v, err := op(opCtx, rs)
		if err != nil {
			// Failures are not pushed through callbacks, so the caller gets
			// them unless it has already given up.
			rs.claim()
		}
		results <- raceResult[T]{value: v, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var cause error
	select {
	case r := <-results:
		return r.value, r.err
	case <-timer.C:
		cause = ErrCallerTimeout
	case <-ctx.Done():
		cause = ctx.Err()
	}

	select {
	case r := <-results:
		return r.value, r.err
	default:
	}

	if !rs.SetRaceOver() {
		// The operation claimed its result or error just before the deadline.
		r := <-results
		return r.value, r.err
	}

	var zero T
	return zero, cause
}
