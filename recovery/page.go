package recovery

import "github.com/xmysql-server/reclog-core/server/innodb/manager"

// Page is the minimal surface recovery needs from a data page, owned by the
// page buffer pool — out of scope per spec.md §1 beyond this interface
// contract. A concrete Page also carries the §6 page-header fields
// (pg_tplcnt, prev/next pgid, ...); recovery itself only ever reads/stamps
// the LSN field and, for RCV_IS_NEWPG_LOG records, the page type.
type Page interface {
	// LSA returns the page's current stamped LSN (§3's P.lsa).
	LSA() manager.LSA
	// StampLSA sets the page's LSN after a redo/undo callback applies its
	// change, per §4.4.2 step 5.
	StampLSA(manager.LSA)
	// SetNewPageType marks the page as freshly created before its redo
	// callback runs, for RCV_IS_NEWPG_LOG records (§4.4.2).
	SetNewPageType(pageType uint16)
}

// PageStore is the collaborator interface the real page buffer pool/file
// manager implements: fetch a page by id for a physical redo/undo step, or
// report it does not exist so the step is skipped (§4.4.2 step 1). This
// package never fixes/unfixes latches itself — that protocol belongs to the
// buffer pool per §5's "Page buffer exposes its own latch protocol".
type PageStore interface {
	Fetch(pageID int64) (Page, bool, error)
}

// page-header field offsets (§6), re-grounded here from the teacher's
// server/innodb/basic/page_header.go FHeader* constants. Recovery never
// parses a page body itself (heap/B-tree format is out of scope, §1); these
// are documented for implementers of PageStore/Page so a concrete page
// satisfies the same on-disk contract recovery assumes when it calls
// StampLSA.
const (
	PageHeaderChecksumOffset = 0  // 4 bytes
	PageHeaderPageNoOffset   = 4  // 4 bytes
	PageHeaderPrevPageOffset = 8  // 4 bytes
	PageHeaderNextPageOffset = 12 // 4 bytes
	PageHeaderLSNOffset      = 16 // 8 bytes
	PageHeaderPageTypeOffset = 24 // 2 bytes
	PageHeaderFlushLSNOffset = 26 // 8 bytes
	PageHeaderSpaceIDOffset  = 34 // 4 bytes
	PageHeaderSize           = 38
)
