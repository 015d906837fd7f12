package manager

import (
	"sync"
	"time"
)

// sessionIDWrapLimit is the full UINT_MAX-1 session-id boundary of §4.6:
// once it has been handed out, allocation restarts at 1. Tests reach it by
// setting nextID directly rather than allocating billions of sessions.
const sessionIDWrapLimit = uint32(1<<32 - 2)

// Session is a client connection's holdable-cursor state (§3).
type Session struct {
	mu sync.Mutex

	SessionID       uint32
	RelatedSocket   string
	HoldableQueries []SessionQueryEntry
	LastAccessTime  time.Time
	MarkedDeleted   bool
}

func newSession(id uint32, socket string) *Session {
	return &Session{SessionID: id, RelatedSocket: socket, LastAccessTime: time.Now()}
}

// SessionStoreConfig carries the §6 PRM_SESSION_STATE_TIMEOUT environment
// input.
type SessionStoreConfig struct {
	Timeout time.Duration
}

func (c *SessionStoreConfig) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Minute
	}
}

// SessionStore is the hash table of §4.6: 32-bit session ids, overflow-safe
// allocation, and a background sweep that reclaims idle, unclaimed sessions.
// Grounded on the teacher's registry shape (map + RWMutex, ticker-driven
// background goroutine) already used by `RedoLogManager.backgroundFlush`.
type SessionStore struct {
	mu sync.RWMutex

	cfg SessionStoreConfig

	sessions map[uint32]*Session
	active   map[uint32]bool // ids claimed by a live connection
	nextID   uint32

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSessionStore creates a store and starts its timeout-sweep daemon.
func NewSessionStore(cfg SessionStoreConfig) *SessionStore {
	cfg.applyDefaults()
	s := &SessionStore{
		cfg:      cfg,
		sessions: make(map[uint32]*Session),
		active:   make(map[uint32]bool),
		nextID:   1,
		stopCh:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.sweepLoop()
	return s
}

// Open allocates a new session bound to socket, claiming it as active.
func (s *SessionStore) Open(socket string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.allocateIDLocked()
	sess := newSession(id, socket)
	s.sessions[id] = sess
	s.active[id] = true
	return sess
}

// allocateIDLocked finds an unused id, wrapping past sessionIDWrapLimit back
// to 1 and re-checking membership until a free value is found (§4.6).
func (s *SessionStore) allocateIDLocked() uint32 {
	for {
		id := s.nextID
		if s.nextID >= sessionIDWrapLimit {
			s.nextID = 1
		} else {
			s.nextID++
		}
		if _, exists := s.sessions[id]; !exists {
			return id
		}
	}
}

// Touch claims sessionID as actively connected and refreshes its access
// time, resetting MarkedDeleted if the sweep had flagged it in the interim
// (§4.6's "double-check under the session critical section").
func (s *SessionStore) Touch(sessionID uint32) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	s.active[sessionID] = true
	s.mu.Unlock()

	sess.mu.Lock()
	sess.LastAccessTime = time.Now()
	sess.MarkedDeleted = false
	sess.mu.Unlock()
	return nil
}

// Release marks sessionID no longer actively connected, leaving it subject
// to the timeout sweep.
func (s *SessionStore) Release(sessionID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, sessionID)
}

// AttachHoldableQuery records a holdable query entry (handed off by the
// query manager at commit, §4.5) against sessionID.
func (s *SessionStore) AttachHoldableQuery(sessionID uint32, qe SessionQueryEntry) error {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}

	sess.mu.Lock()
	sess.HoldableQueries = append(sess.HoldableQueries, qe)
	sess.LastAccessTime = time.Now()
	sess.mu.Unlock()
	return nil
}

// LoadQueryEntryInfo looks up a holdable query by id within sessionID. A
// lookup miss is treated as an explicit error per the committed decision on
// the source's guarded-out TODO (§9 Open Question) rather than silently
// re-allocating.
func (s *SessionStore) LoadQueryEntryInfo(sessionID uint32, queryID int64) (SessionQueryEntry, error) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return SessionQueryEntry{}, ErrSessionNotFound
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.LastAccessTime = time.Now()
	for _, qe := range sess.HoldableQueries {
		if qe.QueryID == queryID {
			return qe, nil
		}
	}
	return SessionQueryEntry{}, ErrHoldableQueryNotFound
}

// ReleaseHoldableQuery drops queryID from sessionID's holdable-cursor list,
// e.g. once a client explicitly closes the cursor.
func (s *SessionStore) ReleaseHoldableQuery(sessionID uint32, queryID int64) error {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	for i, qe := range sess.HoldableQueries {
		if qe.QueryID == queryID {
			sess.HoldableQueries = append(sess.HoldableQueries[:i], sess.HoldableQueries[i+1:]...)
			return nil
		}
	}
	return ErrHoldableQueryNotFound
}

// sweepLoop is the §5 "session control" daemon: every cfg.Timeout it frees
// sessions that are neither actively connected nor recently touched.
func (s *SessionStore) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Timeout)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *SessionStore) sweepOnce() {
	now := time.Now()

	s.mu.RLock()
	candidates := make([]*Session, 0, len(s.sessions))
	for id, sess := range s.sessions {
		if s.active[id] {
			continue
		}
		candidates = append(candidates, sess)
	}
	s.mu.RUnlock()

	var toFree []uint32
	for _, sess := range candidates {
		sess.mu.Lock()
		expired := now.Sub(sess.LastAccessTime) >= s.cfg.Timeout
		if expired {
			sess.MarkedDeleted = true
		}
		sess.mu.Unlock()
		if expired {
			toFree = append(toFree, sess.SessionID)
		}
	}

	if len(toFree) == 0 {
		return
	}

	s.mu.Lock()
	for _, id := range toFree {
		// Double-check: a connection may have re-claimed the session
		// between the read pass above and taking the write lock.
		if s.active[id] {
			continue
		}
		if sess, ok := s.sessions[id]; ok {
			sess.mu.Lock()
			stillMarked := sess.MarkedDeleted
			sess.mu.Unlock()
			if stillMarked {
				delete(s.sessions, id)
			}
		}
	}
	s.mu.Unlock()
}

// Get returns sessionID's session without updating its access time.
func (s *SessionStore) Get(sessionID uint32) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Len reports the number of sessions currently tracked.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Close stops the sweep daemon.
func (s *SessionStore) Close() error {
	close(s.stopCh)
	s.wg.Wait()
	return nil
}

// ComputeCommitLSA implements §4.6's global commit_lsa rule: the minimum
// begin_lsa over all DML-only working transactions, or currentAppendLSA if
// any DDL transaction is active.
func ComputeCommitLSA(table *TransactionTable, currentAppendLSA LSA) LSA {
	working := table.WorkingTransactions()

	for _, d := range working {
		if d.Type == TranDDL {
			return currentAppendLSA
		}
	}

	best := NullLSA
	for _, d := range working {
		if d.Type != TranDML {
			continue
		}
		if best == NullLSA || d.BeginLSA.Less(best) {
			best = d.BeginLSA
		}
	}
	if best == NullLSA {
		return currentAppendLSA
	}
	return best
}
