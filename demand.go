package rxgrpc

import (
	"math"
	"sync/atomic"
)

// Unbounded is the demand value that means "no limit". Once the requested
// amount reaches it, it never decreases.
const Unbounded = math.MaxInt64

// demandLedger tracks outstanding subscriber demand and serializes the drain
// loop that matches that demand against available elements.
//
// The wip counter implements a single-flight drain: the goroutine that moves
// it off zero runs the drain; every other goroutine only bumps it and
// returns, and the running drainer loops until it has accounted for every
// bump it missed.
type demandLedger struct {
	requested atomic.Int64
	wip       atomic.Int32
}

// addDemand adds n (which must be positive) to the outstanding demand,
// saturating at Unbounded. It returns false if demand was already unbounded,
// in which case nothing changed and no new drain is needed.
func (l *demandLedger) addDemand(n int64) bool {
	for {
		r := l.requested.Load()
		if r == Unbounded {
			return false
		}
		u := r + n
		if u < 0 {
			u = Unbounded
		}
		if l.requested.CompareAndSwap(r, u) {
			return true
		}
	}
}

// tryConsume claims n units of demand. It fails, changing nothing, if fewer
// than n are outstanding. Unbounded demand is never decremented.
func (l *demandLedger) tryConsume(n int64) bool {
	for {
		r := l.requested.Load()
		if r == Unbounded {
			return true
		}
		if r < n {
			return false
		}
		if l.requested.CompareAndSwap(r, r-n) {
			return true
		}
	}
}

func (l *demandLedger) outstanding() int64 {
	return l.requested.Load()
}

// markWorkScheduled registers intent to drain. It returns true if the
// caller must run the drain loop, false if a drain already in progress will
// observe the caller's contribution.
func (l *demandLedger) markWorkScheduled() bool {
	return l.wip.Add(1) == 1
}

// markWorkDone releases the missed units of work the drainer has handled
// and returns how many arrived meanwhile. Zero means the drainer has exited
// and the next markWorkScheduled will start a new drain.
func (l *demandLedger) markWorkDone(missed int32) int32 {
	return l.wip.Add(-missed)
}
