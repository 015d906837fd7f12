package manager

import (
	"sync"
	"time"
)

// UndoLogManager is an in-process rollback cache: it remembers, per
// transaction, every undo-bearing log record recorded for it since it began
// (there are no savepoints) so that a non-crash Abort can walk them back to front
// without rereading the WAL. It is not itself durable — durability for undo
// comes from the UNDOREDO/UNDO/COMPENSATE records already written through
// RedoLogManager (§4.1's write-ahead rule); a crash is recovered by the
// recovery package's undo pass replaying those records from disk, not from
// this cache. Adapted from the teacher's UndoLogManager (same RWMutex'd
// map-of-slices shape, same active-transaction/oldest-time bookkeeping) with
// its redundant on-disk undo.log dropped, since that duplicated the WAL's own
// durability guarantee rather than adding one.
type UndoLogManager struct {
	mu sync.RWMutex

	entries       map[int64][]*LogRecord
	firstSeen     map[int64]time.Time
	oldestTxnTime time.Time
}

// NewUndoLogManager creates an empty rollback cache.
func NewUndoLogManager() *UndoLogManager {
	return &UndoLogManager{
		entries:   make(map[int64][]*LogRecord),
		firstSeen: make(map[int64]time.Time),
	}
}

// Record appends rec to trid's pending-undo chain. Only records whose type
// carries an undo image are meaningful here; callers are expected to filter
// (UNDOREDO, DIFF_UNDOREDO, UNDO).
func (u *UndoLogManager) Record(trid int64, rec *LogRecord) {
	u.mu.Lock()
	defer u.mu.Unlock()

	now := time.Now()
	if _, ok := u.firstSeen[trid]; !ok {
		u.firstSeen[trid] = now
		if u.oldestTxnTime.IsZero() || now.Before(u.oldestTxnTime) {
			u.oldestTxnTime = now
		}
	}
	u.entries[trid] = append(u.entries[trid], rec)
}

// Rollback returns trid's pending-undo records in reverse (most-recent-first)
// order — the order §4.4.3's undo pass applies them in — and clears the
// cache for trid. The caller is responsible for dispatching each record's
// undo image through the recovery-index callback table (out of scope here,
// per the dispatch-mechanism-only Non-goal); this manager only tracks which
// records are pending.
func (u *UndoLogManager) Rollback(trid int64) ([]*LogRecord, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	records, ok := u.entries[trid]
	if !ok {
		return nil, ErrTxNotFound
	}

	reversed := make([]*LogRecord, len(records))
	for i, r := range records {
		reversed[len(records)-1-i] = r
	}

	u.cleanupLocked(trid)
	return reversed, nil
}

// Cleanup discards trid's cache without returning its records, used on a
// normal commit where no undo is ever needed.
func (u *UndoLogManager) Cleanup(trid int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.cleanupLocked(trid)
}

func (u *UndoLogManager) cleanupLocked(trid int64) {
	delete(u.entries, trid)
	delete(u.firstSeen, trid)

	if len(u.firstSeen) == 0 {
		u.oldestTxnTime = time.Time{}
		return
	}
	oldest := time.Now()
	for _, t := range u.firstSeen {
		if t.Before(oldest) {
			oldest = t
		}
	}
	u.oldestTxnTime = oldest
}

// ActiveTrids returns the transactions with a non-empty pending-undo chain.
func (u *UndoLogManager) ActiveTrids() []int64 {
	u.mu.RLock()
	defer u.mu.RUnlock()

	trids := make([]int64, 0, len(u.entries))
	for trid := range u.entries {
		trids = append(trids, trid)
	}
	return trids
}

// OldestTxnTime returns the earliest first-seen time among active entries.
func (u *UndoLogManager) OldestTxnTime() time.Time {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.oldestTxnTime
}

// Close releases the cache. It performs no I/O of its own; it exists for
// symmetry with RedoLogManager.Close so TransactionManager can shut both down
// uniformly.
func (u *UndoLogManager) Close() error {
	return nil
}
