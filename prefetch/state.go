// Package prefetch implements the background worker and the
// reader/worker rendezvous structure from spec.md §3 and §4.4:
// SharedState holds the prefetch position, the ring, and the
// synchronization primitives; Worker runs the forward-fetching loop.
package prefetch

import (
	"context"
	"sync"

	"github.com/cognusion/go-remotefile/ring"
	"go.uber.org/atomic"
)

// Default tunables (spec.md §3's "recommended" defaults, and §9's
// resolution of the placeholder-sizing open question).
const (
	DefaultChunkSize    = 1 << 20  // 1 MiB
	DefaultRingCapacity = 16 << 20 // 16 MiB
)

// SharedState is the rendezvous structure a Reader and its Worker
// share, per spec.md §3. fetchPos, the ring, and eofAnnounced are
// guarded by stateMu; totalSize is set once at open and never mutated
// again.
type SharedState struct {
	stateMu sync.Mutex
	cond    *sync.Cond

	fetchPos  int64
	totalSize int64
	chunkSize int64

	ring *ring.Ring

	eofAnnounced atomic.Bool
	lastErr      atomic.Error
}

// NewSharedState constructs a SharedState for a resource of the given
// total size, with the given chunk and ring-buffer sizes.
func NewSharedState(totalSize, chunkSize, ringCapacity int64) *SharedState {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if ringCapacity < chunkSize {
		ringCapacity = chunkSize
	}

	s := &SharedState{
		totalSize: totalSize,
		chunkSize: chunkSize,
		ring:      ring.New(int(ringCapacity)),
	}
	s.cond = sync.NewCond(&s.stateMu)
	return s
}

// FetchPos returns the next byte offset the worker will request.
func (s *SharedState) FetchPos() int64 {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.fetchPos
}

// TotalSize returns the resource's total size, fixed at construction.
func (s *SharedState) TotalSize() int64 {
	return s.totalSize
}

// ChunkSize returns the prefetch granularity.
func (s *SharedState) ChunkSize() int64 {
	return s.chunkSize
}

// EOFAnnounced reports whether the worker has observed a zero-byte
// response at the current fetch position, or has found fetchPos at
// totalSize with nothing left to request (spec.md §3's eof_announced).
func (s *SharedState) EOFAnnounced() bool {
	return s.eofAnnounced.Load()
}

// LastErr returns the most recent fetch error the worker recorded once
// it had reached its limit of consecutive failures, or nil. The worker
// keeps retrying after recording it, and a later successful fetch does
// not clear it.
func (s *SharedState) LastErr() error {
	return s.lastErr.Load()
}

// Readable returns the number of bytes currently buffered in the ring
// and available to a reader without blocking.
func (s *SharedState) Readable() int {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.ring.Readable()
}

// Read drains up to len(p) bytes from the ring into p.
func (s *SharedState) Read(p []byte) int {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.ring.Read(p, true)
}

// Wait blocks the calling reader until the ring has readable bytes or
// the worker has announced EOF, per spec.md §9's "use a condition
// variable predicate (readable > 0 OR eof) ... use the ring itself as
// the source of truth for availability" redesign. The predicate is
// evaluated under stateMu, the same lock FetchAndCommit and Seek hold
// while mutating fetchPos/ring/eofAnnounced, so Wait can never observe
// a torn state and cond.Broadcast can never land between the check and
// the sleep.
func (s *SharedState) Wait() {
	s.stateMu.Lock()
	for s.ring.Readable() == 0 && !s.eofAnnounced.Load() {
		s.cond.Wait()
	}
	s.stateMu.Unlock()
}

// Seek establishes the fence described in spec.md §5: after it
// returns, fetchPos == clamp(p), the ring is empty, and eofAnnounced is
// cleared. Because FetchAndCommit holds stateMu for the entire fetch
// round trip (claim through commit), Seek can never run concurrently
// with an in-flight fetch: either it runs before the fetch claims a
// range, in which case the fetch starts fresh at the new position, or
// it waits for the mutex until the in-flight fetch (still targeting
// the old position) has fully committed and released it, and then
// resets fetchPos out from under that now-stale write. Either way no
// stale bytes are ever written at the new position.
func (s *SharedState) Seek(p int64) int64 {
	if p < 0 {
		p = 0
	}
	if p > s.totalSize {
		p = s.totalSize
	}

	s.stateMu.Lock()
	s.fetchPos = p
	s.ring.Clear()
	s.eofAnnounced.Store(false)
	s.stateMu.Unlock()

	return p
}

// FetchAndCommit is called by the Worker once per loop iteration. It
// claims the next pending range and, if one exists, holds stateMu for
// the entire network round trip performed by fetchFn, writes the
// result into the ring, advances fetchPos, and wakes any Wait()ing
// reader, all before releasing the lock. This matches spec.md §4.4's
// Fetching state literally ("acquires state_mutex, issues a range
// request ... releases the mutex") rather than only locking around the
// claim and the commit separately: with the lock held across the fetch
// itself, a Seek can never interleave between the claim and the
// commit, so the worker never needs to recheck fetchPos after the
// fact: it simply cannot have moved.
//
// did reports whether a range was claimed at all (false means Idle:
// EOF already announced, fetchPos already at totalSize, in which case
// EOF is announced now, or no room in the ring for another chunk).
func (s *SharedState) FetchAndCommit(ctx context.Context, fetchFn func(ctx context.Context, start, end int64) ([]byte, error)) (did bool, start, end int64, err error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.eofAnnounced.Load() {
		return false, 0, 0, nil
	}
	if s.fetchPos >= s.totalSize {
		// Nothing is left to request: announce EOF just as a zero-byte
		// response would, so a Wait()ing reader wakes up.
		s.eofAnnounced.Store(true)
		s.cond.Broadcast()
		return false, 0, 0, nil
	}
	if s.ring.SpaceLeft() < int(s.chunkSize) {
		return false, 0, 0, nil
	}

	start = s.fetchPos
	end = start + s.chunkSize - 1
	if end > s.totalSize-1 {
		end = s.totalSize - 1
	}

	data, ferr := fetchFn(ctx, start, end)
	if ferr != nil {
		return true, start, end, ferr
	}

	if len(data) == 0 {
		s.eofAnnounced.Store(true)
		s.cond.Broadcast()
		return true, start, end, nil
	}

	n := s.ring.Write(data)
	s.fetchPos += int64(n)
	if s.fetchPos > s.totalSize {
		s.fetchPos = s.totalSize
	}
	s.cond.Broadcast()

	return true, start, end, nil
}
