package server

import (
	"sync"
	"time"

	"github.com/Longshot123/collabREate/internal/session"
)

// sessionStore tracks live sessions by id for the duration of their
// bearer token. The coordinator's session registry tracks project
// membership; this store resolves tokens back to sessions and reaps
// sessions whose token lifetime has lapsed, so a client that vanished
// without an explicit leave is torn down like a disconnect. Every add
// and lookup sweeps expired entries through the eviction callback.
type sessionStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	clock   func() time.Time
	onEvict func(*session.Session)
	entries map[string]sessionEntry
}

type sessionEntry struct {
	session *session.Session
	expires time.Time
}

func newSessionStore(ttl time.Duration, clock func() time.Time, onEvict func(*session.Session)) *sessionStore {
	if clock == nil {
		clock = time.Now
	}
	if onEvict == nil {
		onEvict = func(*session.Session) {}
	}
	return &sessionStore{
		ttl:     ttl,
		clock:   clock,
		onEvict: onEvict,
		entries: make(map[string]sessionEntry),
	}
}

func (s *sessionStore) add(sess *session.Session) {
	now := s.clock()
	s.mu.Lock()
	evicted := s.sweepLocked(now)
	s.entries[sess.ID] = sessionEntry{session: sess, expires: now.Add(s.ttl)}
	s.mu.Unlock()
	for _, stale := range evicted {
		s.onEvict(stale)
	}
}

func (s *sessionStore) get(id string) (*session.Session, bool) {
	now := s.clock()
	s.mu.Lock()
	evicted := s.sweepLocked(now)
	entry, ok := s.entries[id]
	s.mu.Unlock()
	for _, stale := range evicted {
		s.onEvict(stale)
	}
	if !ok {
		return nil, false
	}
	return entry.session, true
}

func (s *sessionStore) remove(id string) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// sweepLocked removes expired entries and returns them for eviction
// callbacks, which must run outside the lock.
func (s *sessionStore) sweepLocked(now time.Time) []*session.Session {
	var evicted []*session.Session
	for id, entry := range s.entries {
		if now.Before(entry.expires) {
			continue
		}
		delete(s.entries, id)
		evicted = append(evicted, entry.session)
	}
	return evicted
}
