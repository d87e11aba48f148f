package session

import (
	"sync"

	"github.com/Srey123/seostream/internal/queue"
)

// Store owns the single live Session. Every mutation is serialized by the
// store's mutex, and observers are notified with a snapshot afterwards.
type Store struct {
	mu   sync.Mutex
	sess Session
	subs map[int]chan Session
	next int
}

// NewStore returns a store holding an idle session.
func NewStore() *Store {
	return &Store{
		sess: initial(0),
		subs: make(map[int]chan Session),
	}
}

// Snapshot returns a deep copy of the current session.
func (st *Store) Snapshot() Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sess.Clone()
}

// Generation returns the current session generation.
func (st *Store) Generation() uint64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sess.Generation
}

// Update applies fn to the session if gen is still the current generation.
// It reports whether fn ran. Stale callers (a superseded connection, a save
// that finished after Cancel) are turned away here.
func (st *Store) Update(gen uint64, fn func(*Session)) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.sess.Generation != gen {
		return false
	}
	fn(&st.sess)
	st.sess.Generation = gen
	st.publishLocked()
	return true
}

// Reset returns every field to its initial value, forcing the phase and
// queue to idle and dropping any record id. It starts a new generation and
// returns it.
func (st *Store) Reset() uint64 {
	st.mu.Lock()
	gen := st.sess.Generation + 1
	st.sess = initial(gen)
	st.publishLocked()
	st.mu.Unlock()
	return gen
}

// Begin resets the store and starts a new cycle in the validating phase
// for topic and model. It returns the new generation.
func (st *Store) Begin(topic string, model ModelChoice) uint64 {
	st.mu.Lock()
	gen := st.sess.Generation + 1
	st.sess = initial(gen)
	st.sess.Topic = topic
	st.sess.Model = model
	st.sess.Phase = PhaseValidating
	st.publishLocked()
	st.mu.Unlock()
	return gen
}

// Load replaces the session with an idle one populated by fn, used for
// viewing a previously saved record. It only runs while gen is current and
// reports the new generation and whether it ran.
func (st *Store) Load(gen uint64, fn func(*Session)) (uint64, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.sess.Generation != gen {
		return st.sess.Generation, false
	}
	next := gen + 1
	st.sess = initial(next)
	fn(&st.sess)
	st.sess.Generation = next
	st.sess.Phase = PhaseIdle
	st.sess.Queue = queue.Idle()
	st.publishLocked()
	return next, true
}

// Subscribe returns a channel that receives a snapshot after every
// mutation. Slow subscribers only see the latest snapshot. Call the
// returned function to unsubscribe.
func (st *Store) Subscribe() (<-chan Session, func()) {
	ch := make(chan Session, 1)
	st.mu.Lock()
	id := st.next
	st.next++
	st.subs[id] = ch
	st.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			st.mu.Lock()
			delete(st.subs, id)
			close(ch)
			st.mu.Unlock()
		})
	}
}

// publishLocked delivers a snapshot to every subscriber, replacing any
// snapshot the subscriber has not consumed yet. st.mu must be held.
func (st *Store) publishLocked() {
	if len(st.subs) == 0 {
		return
	}
	snap := st.sess.Clone()
	for _, ch := range st.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
