package manager

import "errors"

// Common errors
var (
	ErrNotImplemented = errors.New("not implemented")
	ErrInvalidParam   = errors.New("invalid parameter")
)

// Log manager errors (C1/C2)
var (
	ErrCorruptLogRecord = errors.New("corrupt log record")
	ErrCorruptLogPage   = errors.New("corrupt log page: checksum mismatch")
	ErrLogRecordTooLarge = errors.New("log record too large for a single page")
	ErrNoCheckpoint     = errors.New("no checkpoint recorded")
)

// Transaction table errors (C3/C4)
var (
	ErrTxNotFound          = errors.New("transaction not found")
	ErrTxAlreadyExists     = errors.New("transaction already exists")
	ErrTxTimeout           = errors.New("transaction timeout")
	ErrTxAborted           = errors.New("transaction aborted")
	ErrTxFinished          = errors.New("transaction already finished")
	ErrTableFull           = errors.New("transaction table at maximum capacity")
	ErrInvalidTransition   = errors.New("invalid transaction descriptor state transition")
	ErrTopOpStackEmpty     = errors.New("no open nested top-operation")
	ErrTopOpStackOverflow  = errors.New("nested top-operation stack exhausted")
)

// Query manager errors (C6)
var (
	ErrQueryNotFound        = errors.New("query entry not found")
	ErrQueryAlreadyCompleted = errors.New("query already completed")
	ErrTempFileFull         = errors.New("temp file descriptor exhausted")
	ErrUnknownPageLocation  = errors.New("temp page is neither in-memory nor on-disk")
	ErrXASLNotFound         = errors.New("prepared XASL stream not found")
)

// Session store errors (C7)
var (
	ErrSessionNotFound         = errors.New("session not found")
	ErrHoldableQueryNotFound   = errors.New("holdable query entry not found in session")
	ErrSessionIDSpaceExhausted = errors.New("session id space exhausted")
)

// Concurrency errors (§5, §7)
var (
	ErrInterrupted = errors.New("operation interrupted")
)
