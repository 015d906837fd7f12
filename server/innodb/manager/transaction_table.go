package manager

import (
	"sync"
)

// SystemTransactionIndex is the reserved index of the system transaction,
// always present and never freed (§4.2).
const SystemTransactionIndex = 0

// tridWrapLimit mirrors §4.2's "wraps past SHRT_MAX-2 by resetting to the
// first normal id" trid generator rule.
const tridWrapLimit = int64(32767 - 2)

// TransactionTableConfig collects the environment inputs governing table
// sizing (§6, §9's "pass a context handle to every operation" design note).
type TransactionTableConfig struct {
	InitialCapacity int
	GrowthCeiling   int // maximum number of entries the table may ever grow to
}

func (c *TransactionTableConfig) applyDefaults() {
	if c.InitialCapacity <= 0 {
		c.InitialCapacity = 32
	}
	if c.GrowthCeiling <= 0 {
		c.GrowthCeiling = 4096
	}
}

// TransactionTable is the fixed-capacity (but growable-by-25%) array of
// transaction descriptors described in §4.2: free-slot search from a hint,
// a working-transaction list ordered by ascending begin_lsa, and a
// process-wide trid generator. Adapted from the teacher's TransactionManager
// (same RWMutex-guarded-map shape, same New<Thing>(cfg) constructor) but
// rebuilt around real TDES slots instead of a map of lightweight MVCC
// Transaction values.
type TransactionTable struct {
	mu sync.RWMutex

	cfg           TransactionTableConfig
	entries       []*TransactionDescriptor // the descriptor-pointer spine; never reordered
	hintFreeIndex int
	nextTrid      int64

	workingHead *TransactionDescriptor
	workingTail *TransactionDescriptor
}

// NewTransactionTable allocates the table with its system transaction
// pre-installed at index 0.
func NewTransactionTable(cfg TransactionTableConfig) *TransactionTable {
	cfg.applyDefaults()

	t := &TransactionTable{
		cfg:           cfg,
		entries:       make([]*TransactionDescriptor, cfg.InitialCapacity),
		hintFreeIndex: 1,
		nextTrid:      1,
	}
	for i := range t.entries {
		t.entries[i] = newTransactionDescriptor(i)
	}
	t.entries[SystemTransactionIndex].State = StateActive
	t.entries[SystemTransactionIndex].Type = TranDDL
	return t
}

// nextTridLocked assigns the next transaction id, wrapping per §4.2. Caller
// must hold mu.
func (t *TransactionTable) nextTridLocked() int64 {
	id := t.nextTrid
	t.nextTrid++
	if t.nextTrid >= tridWrapLimit {
		t.nextTrid = 1
	}
	return id
}

// Allocate binds a new descriptor to client, scanning for a free slot from
// hintFreeIndex (wrapping once) before growing the table by 25% (bounded by
// GrowthCeiling). Read-only transactions never join the working list (§4.2).
func (t *TransactionTable) Allocate(clientID int64, info ClientInfo, tranType TranType) (*TransactionDescriptor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	index, err := t.findFreeSlotLocked()
	if err != nil {
		if err != ErrTableFull {
			return nil, err
		}
		if err := t.growLocked(); err != nil {
			return nil, err
		}
		index, err = t.findFreeSlotLocked()
		if err != nil {
			return nil, err
		}
	}

	d := t.entries[index]
	d.Lock(t)
	d.resetLocked()
	d.ClientID = clientID
	d.ClientInfo = info
	d.Type = tranType
	d.Trid = t.nextTridLocked()
	d.State = StateActive
	d.Unlock(t)

	t.hintFreeIndex = index + 1
	if t.hintFreeIndex >= len(t.entries) {
		t.hintFreeIndex = 1
	}
	return d, nil
}

// findFreeSlotLocked scans linearly from hintFreeIndex, wrapping once, for a
// slot in state NULL. Caller must hold mu.
func (t *TransactionTable) findFreeSlotLocked() (int, error) {
	n := len(t.entries)
	for i := 0; i < n-1; i++ {
		idx := 1 + (t.hintFreeIndex-1+i)%(n-1)
		if t.entries[idx].State == StateNull {
			return idx, nil
		}
	}
	return 0, ErrTableFull
}

// growLocked grows the spine by 25% (minimum one slot), bounded by
// GrowthCeiling, allocating fresh descriptor arenas for the new slots while
// leaving every existing descriptor pointer untouched. Caller must hold mu.
func (t *TransactionTable) growLocked() error {
	oldLen := len(t.entries)
	newLen := oldLen + oldLen/4
	if newLen <= oldLen {
		newLen = oldLen + 1
	}
	if newLen > t.cfg.GrowthCeiling {
		newLen = t.cfg.GrowthCeiling
	}
	if newLen <= oldLen {
		return ErrTableFull
	}

	grown := make([]*TransactionDescriptor, newLen)
	copy(grown, t.entries) // existing *TransactionDescriptor values are untouched
	for i := oldLen; i < newLen; i++ {
		grown[i] = newTransactionDescriptor(i)
	}
	t.entries = grown
	return nil
}

// Get returns the descriptor at index, or ErrTxNotFound if out of range or
// unallocated.
func (t *TransactionTable) Get(index int) (*TransactionDescriptor, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if index < 0 || index >= len(t.entries) {
		return nil, ErrTxNotFound
	}
	d := t.entries[index]
	if d.State == StateNull {
		return nil, ErrTxNotFound
	}
	return d, nil
}

// Free returns a descriptor's slot to the pool, first removing it from the
// working list if it is still there, and resets the descriptor to NULL.
func (t *TransactionTable) Free(index int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.entries) || index == SystemTransactionIndex {
		return ErrTxNotFound
	}
	d := t.entries[index]
	d.Lock(t)
	defer d.Unlock(t)
	if d.inWorkingList {
		t.removeFromWorkingListLocked(d)
	}
	d.resetLocked()
	return nil
}

// InsertIntoWorkingList adds d to the working-transaction list, keeping it
// ordered by ascending begin_lsa (§3 invariant 3, §4.2 "append on first
// write"). No-op for READ_ONLY descriptors.
func (t *TransactionTable) InsertIntoWorkingList(d *TransactionDescriptor, beginLSA LSA) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if d.Type == TranReadOnly || d.inWorkingList {
		return
	}
	d.BeginLSA = beginLSA

	if t.workingHead == nil {
		t.workingHead, t.workingTail = d, d
		d.nextWorking, d.prevWorking = nil, nil
		d.inWorkingList = true
		return
	}

	// insertion sort by ascending begin_lsa; the working list is expected to
	// stay short relative to total throughput, matching the teacher's
	// linear-scan style elsewhere (hint-based free-slot search).
	cur := t.workingHead
	for cur != nil && cur.BeginLSA.LessEqual(beginLSA) {
		cur = cur.nextWorking
	}
	if cur == nil {
		d.prevWorking = t.workingTail
		d.nextWorking = nil
		t.workingTail.nextWorking = d
		t.workingTail = d
	} else if cur.prevWorking == nil {
		d.nextWorking = cur
		d.prevWorking = nil
		cur.prevWorking = d
		t.workingHead = d
	} else {
		d.nextWorking = cur
		d.prevWorking = cur.prevWorking
		cur.prevWorking.nextWorking = d
		cur.prevWorking = d
	}
	d.inWorkingList = true
}

// RemoveFromWorkingList detaches d on commit/abort (§4.2).
func (t *TransactionTable) RemoveFromWorkingList(d *TransactionDescriptor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeFromWorkingListLocked(d)
}

func (t *TransactionTable) removeFromWorkingListLocked(d *TransactionDescriptor) {
	if !d.inWorkingList {
		return
	}
	if d.prevWorking != nil {
		d.prevWorking.nextWorking = d.nextWorking
	} else {
		t.workingHead = d.nextWorking
	}
	if d.nextWorking != nil {
		d.nextWorking.prevWorking = d.prevWorking
	} else {
		t.workingTail = d.prevWorking
	}
	d.nextWorking, d.prevWorking = nil, nil
	d.inWorkingList = false
}

// WorkingTransactions returns the working list in ascending begin_lsa order
// (§8 invariant 6), snapshotted under the table lock.
func (t *TransactionTable) WorkingTransactions() []*TransactionDescriptor {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*TransactionDescriptor
	for d := t.workingHead; d != nil; d = d.nextWorking {
		out = append(out, d)
	}
	return out
}

// Len reports the current spine length (capacity), for diagnostics/tests.
func (t *TransactionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// InstallRecovered allocates a slot for a transaction discovered during crash
// recovery's analysis pass, carrying trid forward from the log rather than
// generating a fresh one (§4.4.1: "if T is unknown, allocate a descriptor
// with state UNILATERALLY_ABORTED"). The caller sets State/BeginLSA/etc under
// the returned descriptor's own lock; InstallRecovered only performs the
// slot-allocation half of the work Allocate does for a live client bind.
func (t *TransactionTable) InstallRecovered(trid int64, tranType TranType) (*TransactionDescriptor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	index, err := t.findFreeSlotLocked()
	if err != nil {
		if err != ErrTableFull {
			return nil, err
		}
		if err := t.growLocked(); err != nil {
			return nil, err
		}
		index, err = t.findFreeSlotLocked()
		if err != nil {
			return nil, err
		}
	}

	d := t.entries[index]
	d.Lock(t)
	d.resetLocked()
	d.Trid = trid
	d.Type = tranType
	d.State = StateRecovery
	d.Unlock(t)

	t.hintFreeIndex = index + 1
	if t.hintFreeIndex >= len(t.entries) {
		t.hintFreeIndex = 1
	}
	return d, nil
}

// FindByTrid linearly scans allocated descriptors for trid. Recovery
// identifies transactions by the trid carried in the log, not by table
// index, so it needs this instead of Get.
func (t *TransactionTable) FindByTrid(trid int64) (*TransactionDescriptor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, d := range t.entries {
		if d.State != StateNull && d.Trid == trid {
			return d, true
		}
	}
	return nil, false
}

// ResetNextTrid forces the trid generator's next value, used by analysis's
// END_OF_LOG handling (§4.4.1: "set next_trid = record.trid").
func (t *TransactionTable) ResetNextTrid(trid int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextTrid = trid
}

// AllDescriptors returns every currently allocated (non-NULL) descriptor.
// Recovery's undo pass uses this to find the greatest-undo_nxlsa candidate
// among descriptors still requiring undo (§4.4.3, §5).
func (t *TransactionTable) AllDescriptors() []*TransactionDescriptor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*TransactionDescriptor, 0, len(t.entries))
	for _, d := range t.entries {
		if d.State != StateNull {
			out = append(out, d)
		}
	}
	return out
}
