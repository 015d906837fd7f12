package manager

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// QueryMode is a query entry's lifecycle state (§3).
type QueryMode uint8

const (
	QueryRunning QueryMode = iota
	QueryCompleted
)

// MembufType distinguishes the two temp-file free-lists of §3/§4.5.
type MembufType uint8

const (
	MembufNormal MembufType = iota
	MembufKeyBuffer
)

// PageLocation is the result of the page-type discrimination §4.5 requires
// before a temp-file page access: in-memory membuf, on-disk (an external
// page-buffer collaborator's concern), or unknown (a defensive-assertion
// condition the caller must treat as a bug, never a recoverable case).
type PageLocation uint8

const (
	PageUnknown PageLocation = iota
	PageInMemory
	PageOnDisk
)

// QueryManagerConfig collects the §6 environment inputs governing temp-file
// sizing (`TEMP_MEM_BUFFER_SIZE`, `INDEX_SCAN_KEY_BUFFER_SIZE`) and the
// QMGR_* compile-time constants §3/§4.5 name.
type QueryManagerConfig struct {
	MembufPagesPerFile   int // first N-1 pages of a temp file are served in-memory
	VPIDArraySize        int // QMGR_VPID_ARRAY_SIZE
	TempFileFreeListSize int // QMGR_TEMP_FILE_FREE_LIST_SIZE, per membuf type
}

func (c *QueryManagerConfig) applyDefaults() {
	if c.MembufPagesPerFile <= 0 {
		c.MembufPagesPerFile = 4
	}
	if c.VPIDArraySize <= 0 {
		c.VPIDArraySize = 16
	}
	if c.TempFileFreeListSize <= 0 {
		c.TempFileFreeListSize = 8
	}
}

// TempFileDescriptor is one temp-file pool entry (§3): an in-memory page
// buffer (membuf) served first, then an on-disk extent once exhausted. The
// §9 redesign note's "arena + indices" reconsideration of the original
// cyclic pointer list is realized here by holding descriptors in the pool's
// slice-backed free lists and addressing them by pointer rather than via
// next_idx/prev_idx fields threaded through a circular list — idiomatic Go
// reclamation is a slice append/pop, which is the same O(1) the note asks
// for without hand-rolled index bookkeeping.
type TempFileDescriptor struct {
	VFID       int64
	MembufType MembufType

	Pages        [][]byte // in-memory buffer pages
	MembufNPages int

	VPIDArray         []int64 // cached on-disk page ids, bounded at VPIDArraySize
	CurrFreePageIndex int
	LastFreePageIndex int
	TotalCount        int
}

// Locate classifies pageIndex per §4.5's get_page/free_page discrimination.
func (d *TempFileDescriptor) Locate(pageIndex int) PageLocation {
	switch {
	case pageIndex < 0:
		return PageUnknown
	case pageIndex < len(d.Pages):
		return PageInMemory
	case pageIndex < d.TotalCount:
		return PageOnDisk
	default:
		return PageUnknown
	}
}

// GetPage returns the in-memory page at pageIndex directly; for an on-disk
// page it reports PageOnDisk so the caller can fetch it via the external
// page-buffer collaborator (pgbuf_fix, out of scope per §1); an unknown
// location is the defensive-assertion case and returns
// ErrUnknownPageLocation rather than silently returning a zero page.
func (d *TempFileDescriptor) GetPage(pageIndex int) ([]byte, PageLocation, error) {
	switch d.Locate(pageIndex) {
	case PageInMemory:
		return d.Pages[pageIndex], PageInMemory, nil
	case PageOnDisk:
		return nil, PageOnDisk, nil
	default:
		return nil, PageUnknown, ErrUnknownPageLocation
	}
}

func (d *TempFileDescriptor) reset() {
	d.VFID = 0
	d.Pages = d.Pages[:0]
	d.MembufNPages = 0
	d.VPIDArray = d.VPIDArray[:0]
	d.CurrFreePageIndex = 0
	d.LastFreePageIndex = 0
	d.TotalCount = 0
}

// TempFilePool is the per-membuf-type free-list of pre-allocated temp-file
// descriptors (§4.5, §8's "temp-file free-list at capacity" boundary case).
type TempFilePool struct {
	mu sync.Mutex

	cfg QueryManagerConfig

	freeNormal    []*TempFileDescriptor
	freeKeyBuffer []*TempFileDescriptor

	nextVFID int64
}

// NewTempFilePool creates an empty pool.
func NewTempFilePool(cfg QueryManagerConfig) *TempFilePool {
	cfg.applyDefaults()
	return &TempFilePool{cfg: cfg}
}

// Allocate returns a temp-file descriptor for membufType, reusing a freed one
// from that type's free list when available.
func (p *TempFilePool) Allocate(membufType MembufType) *TempFileDescriptor {
	p.mu.Lock()
	defer p.mu.Unlock()

	freeList := p.freeListFor(membufType)
	if n := len(*freeList); n > 0 {
		d := (*freeList)[n-1]
		*freeList = (*freeList)[:n-1]
		d.reset()
		d.MembufType = membufType
		d.VFID = p.nextVFID
		p.nextVFID++
		return d
	}

	p.nextVFID++
	return &TempFileDescriptor{
		VFID:         p.nextVFID - 1,
		MembufType:   membufType,
		Pages:        make([][]byte, 0, p.cfg.MembufPagesPerFile-1),
		MembufNPages: p.cfg.MembufPagesPerFile,
		VPIDArray:    make([]int64, 0, p.cfg.VPIDArraySize),
	}
}

// Release returns d to its type's free list if it has spare capacity
// (QMGR_TEMP_FILE_FREE_LIST_SIZE); otherwise d is dropped (§8: "the (N+1)-th
// returned file is freed, not cached").
func (p *TempFilePool) Release(d *TempFileDescriptor) {
	p.mu.Lock()
	defer p.mu.Unlock()

	freeList := p.freeListFor(d.MembufType)
	if len(*freeList) < p.cfg.TempFileFreeListSize {
		*freeList = append(*freeList, d)
	}
}

func (p *TempFilePool) freeListFor(membufType MembufType) *[]*TempFileDescriptor {
	if membufType == MembufKeyBuffer {
		return &p.freeKeyBuffer
	}
	return &p.freeNormal
}

// QueryEntry is one per-transaction query entry (QE, §3).
type QueryEntry struct {
	mu   sync.Mutex
	cond *sync.Cond

	QueryID            int64
	ListID             int64
	XASLID             int64
	TempFiles          []*TempFileDescriptor
	QueryMode          QueryMode
	Interrupt          bool
	PropagateInterrupt bool
	IsHoldable         bool
	TidOfExecutor      int64
	ErrorID            int
	ErrorMsg           string
	QueryFlag          uint32

	trid int64
}

func newQueryEntry(queryID, trid int64) *QueryEntry {
	qe := &QueryEntry{QueryID: queryID, trid: trid, QueryMode: QueryRunning}
	qe.cond = sync.NewCond(&qe.mu)
	return qe
}

// SessionQueryEntry is a QE detached from its owning transaction at commit,
// owned thereafter by a Session (§3, §4.5's holdable cursor handoff).
type SessionQueryEntry struct {
	QueryID   int64
	ListID    int64
	TempFiles []*TempFileDescriptor
}

// QueryManager governs per-transaction query entries and the temp-file pool
// (C6). Grounded on the teacher's RWMutex-guarded-registry shape used
// elsewhere in this package (TransactionTable, RedoLogManager); new file —
// the teacher had no query-execution layer of its own (its SQL engine is out
// of scope per §1, only the session/resource bookkeeping around it is ours).
type QueryManager struct {
	mu sync.RWMutex

	cfg  QueryManagerConfig
	pool *TempFilePool

	nextQueryID int64
	byID        map[int64]*QueryEntry
	byTrid      map[int64][]*QueryEntry // LIFO: last element is top of stack

	nextXASLID int64
	xasl       map[int64][]byte

	numHoldableCursors int64 // atomic gauge, §4.5
}

// NewQueryManager creates an empty query manager.
func NewQueryManager(cfg QueryManagerConfig) *QueryManager {
	cfg.applyDefaults()
	return &QueryManager{
		cfg:         cfg,
		pool:        NewTempFilePool(cfg),
		nextQueryID: 1,
		byID:        make(map[int64]*QueryEntry),
		byTrid:      make(map[int64][]*QueryEntry),
		nextXASLID:  1,
		xasl:        make(map[int64][]byte),
	}
}

// Prepare caches an XASL stream and returns its handle (§4.5).
func (qm *QueryManager) Prepare(stream []byte) int64 {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	id := qm.nextXASLID
	qm.nextXASLID++
	qm.xasl[id] = stream
	return id
}

// Execute allocates a QE for trid bound to a previously prepared xaslID,
// chaining it LIFO onto the transaction's entry list (§4.5).
func (qm *QueryManager) Execute(trid, xaslID int64, isHoldable bool) (*QueryEntry, error) {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	if _, ok := qm.xasl[xaslID]; !ok {
		return nil, ErrXASLNotFound
	}

	queryID := qm.nextQueryID
	qm.nextQueryID++

	qe := newQueryEntry(queryID, trid)
	qe.XASLID = xaslID
	qe.IsHoldable = isHoldable

	qm.byID[queryID] = qe
	qm.byTrid[trid] = append(qm.byTrid[trid], qe)
	return qe, nil
}

// AllocateTempFile hands out a temp-file descriptor of membufType to qe,
// drawing from the shared pool.
func (qm *QueryManager) AllocateTempFile(qe *QueryEntry, membufType MembufType) *TempFileDescriptor {
	d := qm.pool.Allocate(membufType)
	qe.mu.Lock()
	qe.TempFiles = append(qe.TempFiles, d)
	qe.mu.Unlock()
	return d
}

// InterruptQuery sets queryID's interrupt flag; the XASL engine is expected
// to poll it (§4.5).
func (qm *QueryManager) InterruptQuery(queryID int64) error {
	qm.mu.RLock()
	qe, ok := qm.byID[queryID]
	qm.mu.RUnlock()
	if !ok {
		return ErrQueryNotFound
	}

	qe.mu.Lock()
	qe.Interrupt = true
	qe.cond.Broadcast()
	qe.mu.Unlock()
	return nil
}

// MarkCompleted transitions a running query to COMPLETED and wakes any
// waiter blocked in EndQuery, matching the XASL engine's "execution finished"
// notification.
func (qm *QueryManager) MarkCompleted(queryID int64) error {
	qm.mu.RLock()
	qe, ok := qm.byID[queryID]
	qm.mu.RUnlock()
	if !ok {
		return ErrQueryNotFound
	}

	qe.mu.Lock()
	qe.QueryMode = QueryCompleted
	qe.cond.Broadcast()
	qe.mu.Unlock()
	return nil
}

// EndQuery releases queryID's resources (§4.5): if still running, it marks
// the entry interrupted and blocks until the executor observes the
// interrupt and completes; otherwise it frees immediately. Temp files return
// to the shared pool; the entry is removed from both indexes.
func (qm *QueryManager) EndQuery(queryID int64) error {
	qm.mu.RLock()
	qe, ok := qm.byID[queryID]
	qm.mu.RUnlock()
	if !ok {
		return ErrQueryNotFound
	}

	qe.mu.Lock()
	if qe.QueryMode != QueryCompleted {
		qe.Interrupt = true
		qe.PropagateInterrupt = true
		for qe.QueryMode != QueryCompleted {
			qe.cond.Wait()
		}
	}
	tempFiles := qe.TempFiles
	qe.TempFiles = nil
	qe.mu.Unlock()

	for _, d := range tempFiles {
		qm.pool.Release(d)
	}

	qm.mu.Lock()
	delete(qm.byID, queryID)
	qm.removeFromTridLocked(qe)
	qm.mu.Unlock()
	return nil
}

func (qm *QueryManager) removeFromTridLocked(qe *QueryEntry) {
	list := qm.byTrid[qe.trid]
	for i, candidate := range list {
		if candidate == qe {
			qm.byTrid[qe.trid] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(qm.byTrid[qe.trid]) == 0 {
		delete(qm.byTrid, qe.trid)
	}
}

// WaitForTransaction drains every outstanding query of trid concurrently
// (§4.5's "wait for all queries of this transaction" primitive, used at
// commit/abort since a transaction may hand queries to worker threads).
func (qm *QueryManager) WaitForTransaction(ctx context.Context, trid int64) error {
	qm.mu.RLock()
	entries := append([]*QueryEntry(nil), qm.byTrid[trid]...)
	qm.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, qe := range entries {
		qe := qe
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return qm.EndQuery(qe.QueryID)
			}
		})
	}
	return g.Wait()
}

// HandoffHoldable moves every holdable QE of trid into SessionQueryEntry
// values for the caller to attach to a session (§4.5's holdable cursor
// handoff): the QE's list-id and temp files survive past transaction end
// instead of being released by EndQuery/WaitForTransaction. Call this before
// WaitForTransaction so holdable entries are excluded from the drain.
func (qm *QueryManager) HandoffHoldable(trid int64) []SessionQueryEntry {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	var handed []SessionQueryEntry
	var remaining []*QueryEntry
	for _, qe := range qm.byTrid[trid] {
		if !qe.IsHoldable {
			remaining = append(remaining, qe)
			continue
		}
		qe.mu.Lock()
		handed = append(handed, SessionQueryEntry{
			QueryID:   qe.QueryID,
			ListID:    qe.ListID,
			TempFiles: qe.TempFiles,
		})
		qe.TempFiles = nil
		qe.QueryMode = QueryCompleted
		qe.cond.Broadcast()
		qe.mu.Unlock()
		delete(qm.byID, qe.QueryID)
		atomic.AddInt64(&qm.numHoldableCursors, 1)
	}
	qm.byTrid[trid] = remaining
	if len(remaining) == 0 {
		delete(qm.byTrid, trid)
	}
	return handed
}

// NumHoldableCursors reports the process-wide holdable-cursor gauge (§4.5).
func (qm *QueryManager) NumHoldableCursors() int64 {
	return atomic.LoadInt64(&qm.numHoldableCursors)
}
