package review

import (
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// Store holds live sessions. The interface keeps the state machine
// decoupled from the storage choice; the default is in-process.
type Store interface {
	Get(id string) (*Session, bool)
	Put(s *Session)
	Evict(id string)
}

// MemoryStore is a concurrent in-process session store with a background
// reaper that evicts expired sessions. Expiry has no durable side
// effects, so dropping a session is always safe.
type MemoryStore struct {
	sessions *xsync.Map[string, *Session]
	log      *zap.Logger
	stop     chan struct{}
	done     chan struct{}
}

// NewMemoryStore creates the store and starts its reaper.
func NewMemoryStore(log *zap.Logger) *MemoryStore {
	m := &MemoryStore{
		sessions: xsync.NewMap[string, *Session](),
		log:      log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.reap()
	return m
}

// Get returns the session if present. Expiry is checked by the Manager
// on access, not here, so a just-expired session still reports its
// terminal state instead of vanishing silently.
func (m *MemoryStore) Get(id string) (*Session, bool) {
	return m.sessions.Load(id)
}

// Put stores a session under its ID.
func (m *MemoryStore) Put(s *Session) {
	m.sessions.Store(s.ID, s)
}

// Evict removes a session.
func (m *MemoryStore) Evict(id string) {
	m.sessions.Delete(id)
}

// Close stops the reaper and waits for it to exit.
func (m *MemoryStore) Close() {
	close(m.stop)
	<-m.done
}

func (m *MemoryStore) reap() {
	defer close(m.done)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.sessions.Range(func(id string, s *Session) bool {
				if s.expired(now) {
					m.sessions.Delete(id)
					m.log.Debug("expired session reaped", zap.String("session_id", id))
				}
				return true
			})
		}
	}
}
