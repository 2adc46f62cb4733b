package daqbone

import (
	"context"
	"sync"
)

// rendezvous pairs the two parties of a link presenting the same
// connection id, whichever comes first.
type rendezvous[T any] struct {
	lk       sync.Mutex
	closed   bool
	meetings map[string]*meeting[T]
}

type meeting[T any] struct {
	first  T
	second T
	// closed by the second party through finish.
	done chan struct{}
	err  error
}

func newRendezvous[T any]() *rendezvous[T] {
	return &rendezvous[T]{meetings: make(map[string]*meeting[T])}
}

// arrive blocks until another party arrives with the same id and returns
// its value.
//
// The second party to arrive does not block: it receives a finish
// function it MUST call once the link is set up, the first party returns
// the error passed to it.
func (r *rendezvous[T]) arrive(ctx context.Context, id string, v T) (peer T, finish func(error), err error) {
	r.lk.Lock()
	if r.closed {
		r.lk.Unlock()
		return peer, nil, ErrShutdown
	}
	if m, ok := r.meetings[id]; ok {
		delete(r.meetings, id)
		m.second = v
		r.lk.Unlock()
		return m.first, func(err error) {
			m.err = err
			close(m.done)
		}, nil
	}

	m := &meeting[T]{first: v, done: make(chan struct{})}
	r.meetings[id] = m
	r.lk.Unlock()

	select {
	case <-m.done:
		return m.second, nil, m.err
	case <-ctx.Done():
		r.lk.Lock()
		if r.meetings[id] == m {
			delete(r.meetings, id)
			r.lk.Unlock()
			return peer, nil, ctx.Err()
		}
		r.lk.Unlock()
		// the second party showed up meanwhile, it owns the outcome.
		<-m.done
		return m.second, nil, m.err
	}
}

// pending returns how many parties wait for their peer.
func (r *rendezvous[T]) pending() int {
	r.lk.Lock()
	defer r.lk.Unlock()
	return len(r.meetings)
}

// close fails every waiting party and rejects new ones.
func (r *rendezvous[T]) close() {
	r.lk.Lock()
	defer r.lk.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for id, m := range r.meetings {
		m.err = ErrShutdown
		close(m.done)
		delete(r.meetings, id)
	}
}
