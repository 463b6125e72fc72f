package sessionpool

import (
	"container/list"

	"github.com/ajitpratap0/snowpool/pkg/session"
)

// grant is what a waiter receives. Exactly one of the cases holds:
//   - session != nil: a pooled session, already marked busy for the waiter
//   - unpooled: pooling was disabled while waiting, open a fresh session
//   - err != nil: the pool closed
//   - otherwise: a capacity reservation, open a pooled session
type grant struct {
	session  *session.Session
	unpooled bool
	err      error
}

// waiter is a caller blocked in GetSession. ch is buffered so a grant can be
// delivered under the pool lock without blocking.
type waiter struct {
	ch   chan grant
	elem *list.Element
}

// waitlist is a FIFO of waiters. It is guarded by the pool mutex.
type waitlist struct {
	l list.List
}

func (w *waitlist) push() *waiter {
	wt := &waiter{ch: make(chan grant, 1)}
	wt.elem = w.l.PushBack(wt)
	return wt
}

// pop removes the oldest waiter. The caller must deliver a grant to it.
func (w *waitlist) pop() *waiter {
	front := w.l.Front()
	if front == nil {
		return nil
	}
	wt := w.l.Remove(front).(*waiter)
	wt.elem = nil
	return wt
}

// remove takes a waiter out of the list. It returns false if the waiter was
// already popped, in which case a grant is in flight on its channel.
func (w *waitlist) remove(wt *waiter) bool {
	if wt.elem == nil {
		return false
	}
	w.l.Remove(wt.elem)
	wt.elem = nil
	return true
}

func (w *waitlist) len() int {
	return w.l.Len()
}
