package manager

import (
	"github.com/xmysql-server/reclog-core/server/innodb/latch"
)

// TDESState is one of the legal transaction descriptor states of §4.3.
type TDESState uint8

const (
	StateNull TDESState = iota
	StateActive
	StateCommitted
	StateWillCommit
	StateCommittedWithPostpone
	StateTopopeCommittedWithPostpone
	StateAborted
	StateUnilaterallyAborted
	StateUnknown
	StateRecovery
)

// TranType classifies a descriptor for working-list membership and commit-LSA
// computation (§4.6): only DML/DDL transactions join the working list.
type TranType uint8

const (
	TranDML TranType = iota
	TranDDL
	TranReadOnly
)

// ClientInfo is the bind-time identity carried by a descriptor (§3).
type ClientInfo struct {
	Type      string
	User      string
	Program   string
	Host      string
	PID       int
	SessionID uint32 // 0 when the transaction has no session-store binding
}

// TopOpFrame is one level of the nested top-operation stack (§3, §4.3):
// lastparent_lsa lets analysis/undo restore the parent's undo cursor once the
// nested operation's TOPOPE_RESULT is seen; posp_lsa is the nested operation's
// own postpone cursor.
type TopOpFrame struct {
	LastParentLSA LSA
	PospLSA       LSA
}

// topOpGrowStep matches §4.2's "capacity grows in steps of 3" for the nested
// top-operation stack.
const topOpGrowStep = 3

// TransactionDescriptor is one entry of the transaction table (TDES, §3). It
// is never moved once allocated: the table holds a pointer to it in a
// non-moving arena, so holding a *TransactionDescriptor across a table growth
// remains valid (§4.2).
type TransactionDescriptor struct {
	lock *latch.ReentrantMutex

	Index      int
	Trid       int64
	ClientID   int64
	ClientInfo ClientInfo

	State TDESState
	Type  TranType

	BeginLSA         LSA
	LastLSA          LSA
	UndoNxLSA        LSA
	PospNxLSA        LSA
	SavepointLSA     LSA
	TopOpLSA         LSA
	TailTopResultLSA LSA

	topOps []TopOpFrame

	Interrupt            bool
	WaitMsecs            int
	DisableModifications bool
	QueryTimeout         int64

	TranGroupID  int32
	TranShardKey []byte

	ModifiedClasses []string
	SavepointChain  []LSA

	// working-transaction list links (§4.2), maintained by TransactionTable.
	nextWorking *TransactionDescriptor
	prevWorking *TransactionDescriptor
	inWorkingList bool
}

func newTransactionDescriptor(index int) *TransactionDescriptor {
	return &TransactionDescriptor{
		lock:      latch.NewReentrantMutex(),
		Index:     index,
		State:     StateNull,
		BeginLSA:  NullLSA,
		LastLSA:   NullLSA,
		UndoNxLSA: NullLSA,
		PospNxLSA: NullLSA,
		SavepointLSA: NullLSA,
		TopOpLSA:  NullLSA,
		TailTopResultLSA: NullLSA,
		WaitMsecs: -1,
	}
}

// resetLocked restores a freed slot to its NULL state for reuse. Caller must
// hold the descriptor lock.
func (t *TransactionDescriptor) resetLocked() {
	t.Trid = 0
	t.ClientID = 0
	t.ClientInfo = ClientInfo{}
	t.State = StateNull
	t.Type = TranDML
	t.BeginLSA = NullLSA
	t.LastLSA = NullLSA
	t.UndoNxLSA = NullLSA
	t.PospNxLSA = NullLSA
	t.SavepointLSA = NullLSA
	t.TopOpLSA = NullLSA
	t.TailTopResultLSA = NullLSA
	t.topOps = t.topOps[:0]
	t.Interrupt = false
	t.WaitMsecs = -1
	t.DisableModifications = false
	t.QueryTimeout = 0
	t.TranGroupID = 0
	t.TranShardKey = nil
	t.ModifiedClasses = nil
	t.SavepointChain = nil
}

// Lock/Unlock acquire and release the descriptor's reentrant mutex on behalf
// of owner (§4.2). owner is any value stable for the logical call chain —
// Go has no thread-local identity, so the caller supplies one (typically
// itself, a request-scoped pointer, or a context value).
func (t *TransactionDescriptor) Lock(owner interface{}) {
	t.lock.Acquire(owner)
}

func (t *TransactionDescriptor) Unlock(owner interface{}) {
	t.lock.Release(owner)
}

// legalTransitions enumerates §4.3's arrows. A transition not present here is
// rejected with ErrInvalidTransition.
var legalTransitions = map[TDESState]map[TDESState]bool{
	StateNull:                       {StateActive: true},
	StateActive:                     {StateWillCommit: true, StateTopopeCommittedWithPostpone: true, StateUnilaterallyAborted: true, StateRecovery: true},
	StateWillCommit:                 {StateCommittedWithPostpone: true, StateRecovery: true},
	StateCommittedWithPostpone:      {StateCommitted: true, StateRecovery: true},
	StateTopopeCommittedWithPostpone: {StateActive: true, StateRecovery: true}, // topop_done returns to the outer (active) state
	StateCommitted:                  {StateRecovery: true},
	StateUnilaterallyAborted:        {StateAborted: true, StateRecovery: true},
	StateAborted:                    {StateRecovery: true},
	StateUnknown:                    {StateRecovery: true},
	StateRecovery:                   {},
}

// TransitionTo moves the descriptor to newState if §4.3 allows the arrow from
// its current state, else returns ErrInvalidTransition. Caller must hold the
// descriptor lock.
func (t *TransactionDescriptor) TransitionTo(newState TDESState) error {
	allowed, ok := legalTransitions[t.State]
	if !ok || !allowed[newState] {
		return ErrInvalidTransition
	}
	t.State = newState
	return nil
}

// PushTopOp opens a nested top-operation, growing the stack in steps of 3
// when it is full (§4.2/§4.3). Caller must hold the descriptor lock.
func (t *TransactionDescriptor) PushTopOp(frame TopOpFrame) {
	if len(t.topOps) == cap(t.topOps) {
		grown := make([]TopOpFrame, len(t.topOps), len(t.topOps)+topOpGrowStep)
		copy(grown, t.topOps)
		t.topOps = grown
	}
	t.topOps = append(t.topOps, frame)
}

// PopTopOp closes the innermost nested top-operation, returning its frame so
// the caller (analysis/undo) can restore lastparent_lsa. Caller must hold the
// descriptor lock.
func (t *TransactionDescriptor) PopTopOp() (TopOpFrame, error) {
	if len(t.topOps) == 0 {
		return TopOpFrame{}, ErrTopOpStackEmpty
	}
	frame := t.topOps[len(t.topOps)-1]
	t.topOps = t.topOps[:len(t.topOps)-1]
	return frame, nil
}

// TopOpDepth reports how many nested top-operations are currently open.
func (t *TransactionDescriptor) TopOpDepth() int {
	return len(t.topOps)
}
