package recovery

import (
	"sync"

	"github.com/xmysql-server/reclog-core/server/innodb/manager"
)

// RedoFunc applies a record's after-image to page (nil when the index is
// logical). page is nil and the callback must locate its own target when
// IndexMeta.Logical is true (§4.4.2's "RCV_IS_LOGICAL_LOG bypasses
// page-fetch entirely").
type RedoFunc func(page Page, payload []byte) error

// UndoFunc reverses a record's effect on page, and is also the function
// invoked for COMPENSATE records during redo (§4.4.2 step 4: "compensations
// reuse undo callback; they are not themselves undone").
type UndoFunc func(page Page, payload []byte) error

// IndexMeta is the per-recovery-index metadata table of §9's redesign note:
// "an array of function handles paired with a metadata table listing
// page-type requirements (new-page, logical, physical)".
type IndexMeta struct {
	// Logical marks a recovery index whose undo/redo callback performs its
	// own target lookup; the engine never fetches a page for it (§4.4.2,
	// §9 "Logical vs physical logging").
	Logical bool
	// NewPage marks an index whose redo implies the target page is being
	// created; the engine sets the page's type before invoking the
	// callback (§4.4.2's RCV_IS_NEWPG_LOG).
	NewPage bool
}

type indexEntry struct {
	meta IndexMeta
	redo RedoFunc
	undo UndoFunc
}

// Dispatcher is the RV_fun[rcvindex] table of §4.4/§9: a tagged dispatch over
// the ~80 concrete recovery indices this spec deliberately does not
// enumerate (§1's Non-goals — "implementing every recovery index ... they
// are dispatched through a uniform undo/redo callback table"). Heap, B-tree,
// and other page-format owners register their own redo/undo pair against
// whichever RecoveryIndex values they claim; this package only ever calls
// through the table, never interprets an index's algebra itself.
type Dispatcher struct {
	mu      sync.RWMutex
	entries map[manager.RecoveryIndex]indexEntry
}

// NewDispatcher creates an empty dispatch table.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{entries: make(map[manager.RecoveryIndex]indexEntry)}
}

// Register binds redo/undo callbacks to idx. A logical index's redo/undo may
// both be nil-page-safe; a physical index is invoked with the fetched page.
func (d *Dispatcher) Register(idx manager.RecoveryIndex, meta IndexMeta, redo RedoFunc, undo UndoFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[idx] = indexEntry{meta: meta, redo: redo, undo: undo}
}

// Meta returns idx's registered metadata, or the zero value if unregistered
// (treated as physical, not-new-page by callers).
func (d *Dispatcher) Meta(idx manager.RecoveryIndex) IndexMeta {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.entries[idx].meta
}

// Redo invokes idx's redo callback, or ErrUnregisteredIndex if none was
// registered — recovery treats a dispatch miss as a fatal inconsistency
// rather than silently skipping the record (§7 kind 6).
func (d *Dispatcher) Redo(idx manager.RecoveryIndex, page Page, payload []byte) error {
	d.mu.RLock()
	e, ok := d.entries[idx]
	d.mu.RUnlock()
	if !ok || e.redo == nil {
		return ErrUnregisteredIndex
	}
	return e.redo(page, payload)
}

// Undo invokes idx's undo callback, or ErrUnregisteredIndex if none was
// registered. Also used by the redo pass for COMPENSATE records.
func (d *Dispatcher) Undo(idx manager.RecoveryIndex, page Page, payload []byte) error {
	d.mu.RLock()
	e, ok := d.entries[idx]
	d.mu.RUnlock()
	if !ok || e.undo == nil {
		return ErrUnregisteredIndex
	}
	return e.undo(page, payload)
}
