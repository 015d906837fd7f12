package recovery

import (
	"errors"
	"fmt"

	"github.com/xmysql-server/reclog-core/server/innodb/manager"
)

// Sentinel errors for the recovery engine (C5), per §7's error taxonomy.
// "Not-found"-class recovery errors (an unreadable or missing log page past
// the point we were told to stop at) are plain sentinels; anything that
// indicates the log itself is inconsistent mid-replay is wrapped in
// FatalError below instead, per §7 kind 6.
var (
	ErrNoActiveLog      = errors.New("recovery: no active log to replay")
	ErrUndoCursorMissing = errors.New("recovery: undo_nxlsa does not resolve to a log record")
	ErrCheckpointCorrupt = errors.New("recovery: checkpoint record payload is corrupt")
	ErrUnregisteredIndex = errors.New("recovery: no redo/undo callback registered for recovery index")
	ErrLogInconsistent  = errors.New("recovery: log record stream is inconsistent")
)

// FatalError wraps a log inconsistency discovered during analysis, redo, or
// undo (§7 kind 6: "log inconsistency during recovery; aborts the process
// after writing a diagnostic"). The caller decides whether to abort the
// process after logging — this package never panics or calls os.Exit
// itself, per SPEC_FULL.md §A.2.
type FatalError struct {
	Phase string
	LSA   manager.LSA
	Trid  int64
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("recovery: fatal inconsistency during %s at lsa=%v trid=%d: %v", e.Phase, e.LSA, e.Trid, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func fatalf(phase string, lsa manager.LSA, trid int64, err error) error {
	return &FatalError{Phase: phase, LSA: lsa, Trid: trid, Err: err}
}
