package device

import (
	"runtime"
	"sync/atomic"
)

// Session records the single exclusive claim on a device: who claimed it and
// which user's templates the claim operates on.
//
// A Session is shared between the claim holder and any concurrent
// authorization checks reading it, so it is never mutated in place once
// installed. Holders take counted references through the slot; the slot's own
// reference is dropped when the session is replaced.
type Session struct {
	Sender   string
	Username string

	// statusReported guards against a second terminal VerifyStatus in the
	// same verify cycle. Guarded by the owning Device's mutex.
	statusReported bool

	refs atomic.Int32
}

func newSession(sender, username string) *Session {
	s := &Session{Sender: sender, Username: username}
	s.refs.Store(1) // the slot's reference
	return s
}

// Ref takes an additional reference.
func (s *Session) Ref() { s.refs.Add(1) }

// Unref drops a reference and returns the count that remains.
func (s *Session) Unref() int32 { return s.refs.Add(-1) }

// Refs returns the current reference count.
func (s *Session) Refs() int32 { return s.refs.Load() }

// sessionBusy is the sentinel parked in the slot while a reader or writer is
// mid-swap. Anyone who observes it retries, so a reader always obtains either
// the fully-formed old or new session.
var sessionBusy = &Session{}

// sessionSlot is a single atomically-swapped session pointer.
type sessionSlot struct {
	p atomic.Pointer[Session]
}

// Get returns the current session with a reference taken, or nil when the
// device is unclaimed. Callers must Unref the result.
func (sl *sessionSlot) Get() *Session {
	for {
		cur := sl.p.Load()
		if cur == sessionBusy {
			runtime.Gosched()
			continue
		}
		if cur == nil {
			return nil
		}
		if sl.p.CompareAndSwap(cur, sessionBusy) {
			cur.Ref()
			sl.p.Store(cur)
			return cur
		}
	}
}

// Peek returns the current session without taking a reference. Only safe for
// existence checks.
func (sl *sessionSlot) Peek() *Session {
	for {
		cur := sl.p.Load()
		if cur != sessionBusy {
			return cur
		}
		runtime.Gosched()
	}
}

// Replace swaps want for next, dropping the slot's reference on the old
// session. It reports false when the slot does not currently hold want, which
// is how concurrent claims are arbitrated.
func (sl *sessionSlot) Replace(want, next *Session) bool {
	for {
		cur := sl.p.Load()
		if cur == sessionBusy {
			runtime.Gosched()
			continue
		}
		if cur != want {
			return false
		}
		if sl.p.CompareAndSwap(cur, sessionBusy) {
			sl.p.Store(next)
			if cur != nil {
				cur.Unref()
			}
			return true
		}
	}
}
