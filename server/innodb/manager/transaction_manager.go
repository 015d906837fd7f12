package manager

import (
	"context"

	"github.com/juju/errors"
)

// TransactionManager wires the transaction table (C3), the descriptor state
// machine (C4), and the log managers together into the operations a client
// session actually calls: begin, record a write, commit, abort. Adapted from
// the teacher's TransactionManager (same New<Thing>(...) constructor and
// RWMutex-guarded top-level struct shape) but rebuilt around real TDES
// transitions instead of a map of lightweight MVCC Transaction values — this
// repo's transaction model has no read-view/visibility concept (§3 has none
// on TDES; that is a heap-operator concern deferred to the recovery-index
// callback table, out of scope per §1).
type TransactionManager struct {
	Table      *TransactionTable
	Redo       *RedoLogManager
	Undo       *UndoLogManager
	Interrupts *InterruptRegistry
	Shards     *ShardGroupRegistry
	Queries    *QueryManager
	Sessions   *SessionStore
}

// NewTransactionManager builds the full transaction subsystem: a transaction
// table, redo log manager, undo rollback cache, interrupt registry,
// shard-group registry, query manager, and session store, all sharing one
// configuration set.
func NewTransactionManager(logCfg LogConfig, tableCfg TransactionTableConfig, queryCfg QueryManagerConfig, sessionCfg SessionStoreConfig) (*TransactionManager, error) {
	redo, err := NewRedoLogManager(logCfg)
	if err != nil {
		return nil, errors.Annotate(err, "create redo log manager")
	}

	table := NewTransactionTable(tableCfg)

	return &TransactionManager{
		Table:      table,
		Redo:       redo,
		Undo:       NewUndoLogManager(),
		Interrupts: NewInterruptRegistry(),
		Shards:     NewShardGroupRegistry(table),
		Queries:    NewQueryManager(queryCfg),
		Sessions:   NewSessionStore(sessionCfg),
	}, nil
}

// Begin allocates and activates a new descriptor (§4.2's client-binding
// paragraph: NULL -> ACTIVE).
func (tm *TransactionManager) Begin(clientID int64, info ClientInfo, tranType TranType) (*TransactionDescriptor, error) {
	return tm.Table.Allocate(clientID, info, tranType)
}

// RecordWrite appends rec through the redo log, assigns its LSA, updates the
// descriptor's last_lsa/undo_nxlsa (§3 invariant 2), inserts it into the
// working-transaction list on its first write (§4.2), and caches its undo
// image in the rollback cache when it carries one.
func (tm *TransactionManager) RecordWrite(owner interface{}, d *TransactionDescriptor, rec *LogRecord) (LSA, error) {
	d.Lock(owner)
	defer d.Unlock(owner)

	rec.Header.Trid = d.Trid
	rec.Header.PrevTranLSA = d.LastLSA

	lsa, err := tm.Redo.Append(rec)
	if err != nil {
		return NullLSA, errors.Trace(err)
	}

	if d.BeginLSA.IsNull() {
		tm.Table.InsertIntoWorkingList(d, lsa)
	}
	d.LastLSA = lsa
	if rec.Header.Type.IsUndoRedo() || rec.Header.Type == RecUndo {
		d.UndoNxLSA = lsa
		tm.Undo.Record(d.Trid, rec)
	}

	return lsa, nil
}

// Commit drives a descriptor through ACTIVE -> WILL_COMMIT ->
// COMMITTED_WITH_POSTPONE -> COMMITTED (§4.3), logging the corresponding
// records, flushes the log up to the COMMIT record (WAL durability before the
// caller acknowledges success), removes the descriptor from the working list,
// clears its rollback cache, and frees its table slot. Before finalizing, any
// holdable query entries of this transaction are handed off to the client's
// session (§4.5) and every remaining query is drained via
// Queries.WaitForTransaction so no executor is left referencing a freed
// descriptor.
func (tm *TransactionManager) Commit(ctx context.Context, owner interface{}, d *TransactionDescriptor) error {
	sessionID := d.ClientInfo.SessionID
	trid := d.Trid

	if tm.Queries != nil {
		if sessionID != 0 && tm.Sessions != nil {
			for _, qe := range tm.Queries.HandoffHoldable(trid) {
				if err := tm.Sessions.AttachHoldableQuery(sessionID, qe); err != nil {
					return errors.Trace(err)
				}
			}
		}
		if err := tm.Queries.WaitForTransaction(ctx, trid); err != nil {
			return errors.Trace(err)
		}
	}

	d.Lock(owner)
	if err := d.TransitionTo(StateWillCommit); err != nil {
		d.Unlock(owner)
		return err
	}

	commitWithPostpone := &LogRecord{
		Header: RecordHeader{Trid: d.Trid, Type: RecCommitWithPostpone, PrevTranLSA: d.LastLSA},
	}
	lsa, err := tm.Redo.Append(commitWithPostpone)
	if err != nil {
		d.Unlock(owner)
		return errors.Trace(err)
	}
	d.LastLSA = lsa
	if err := d.TransitionTo(StateCommittedWithPostpone); err != nil {
		d.Unlock(owner)
		return err
	}

	commit := &LogRecord{Header: RecordHeader{Trid: d.Trid, Type: RecCommit, PrevTranLSA: d.LastLSA}}
	lsa, err = tm.Redo.Append(commit)
	if err != nil {
		d.Unlock(owner)
		return errors.Trace(err)
	}
	d.LastLSA = lsa
	if err := d.TransitionTo(StateCommitted); err != nil {
		d.Unlock(owner)
		return err
	}
	index := d.Index
	d.Unlock(owner)

	if err := tm.Redo.Flush(lsa); err != nil {
		return errors.Trace(err)
	}

	tm.Table.RemoveFromWorkingList(d)
	tm.Undo.Cleanup(trid)
	return tm.Table.Free(index)
}

// Abort drives a descriptor through ACTIVE -> UNILATERALLY_ABORTED ->
// ABORTED (§4.3), draining its rollback cache (the caller is responsible for
// dispatching each returned record's undo image through the recovery-index
// callback table — out of scope here, §1/§9), logs the ABORT record, removes
// it from the working list, and frees its slot. An aborted transaction never
// honors is_holdable (§4.5's handoff is a commit-only path), so every
// outstanding query of the transaction is simply drained.
func (tm *TransactionManager) Abort(ctx context.Context, owner interface{}, d *TransactionDescriptor) ([]*LogRecord, error) {
	d.Lock(owner)
	if err := d.TransitionTo(StateUnilaterallyAborted); err != nil {
		d.Unlock(owner)
		return nil, err
	}
	trid := d.Trid
	lastLSA := d.LastLSA
	d.Unlock(owner)

	if tm.Queries != nil {
		if err := tm.Queries.WaitForTransaction(ctx, trid); err != nil {
			return nil, errors.Trace(err)
		}
	}

	pending, err := tm.Undo.Rollback(trid)
	if err != nil && err != ErrTxNotFound {
		return nil, errors.Trace(err)
	}

	d.Lock(owner)
	abortRec := &LogRecord{Header: RecordHeader{Trid: trid, Type: RecAbort, PrevTranLSA: lastLSA}}
	lsa, err := tm.Redo.Append(abortRec)
	if err != nil {
		d.Unlock(owner)
		return nil, errors.Trace(err)
	}
	d.LastLSA = lsa
	if err := d.TransitionTo(StateAborted); err != nil {
		d.Unlock(owner)
		return nil, err
	}
	index := d.Index
	d.Unlock(owner)

	if err := tm.Redo.Flush(lsa); err != nil {
		return nil, errors.Trace(err)
	}

	tm.Table.RemoveFromWorkingList(d)
	if err := tm.Table.Free(index); err != nil {
		return nil, err
	}
	return pending, nil
}

// BeginTopOpCommit opens a nested top-operation (§4.3: ACTIVE ->
// TOPOPE_COMMITTED_WITH_POSTPONE), pushing a stack frame that remembers the
// parent's current undo cursor so a crash mid-top-op can restore it.
func (tm *TransactionManager) BeginTopOpCommit(owner interface{}, d *TransactionDescriptor) error {
	d.Lock(owner)
	defer d.Unlock(owner)

	if err := d.TransitionTo(StateTopopeCommittedWithPostpone); err != nil {
		return err
	}
	d.PushTopOp(TopOpFrame{LastParentLSA: d.UndoNxLSA, PospLSA: d.PospNxLSA})
	return nil
}

// TopOpDone closes the innermost nested top-operation (§4.3: topop_done
// returns to the outer ACTIVE state), logging a TOPOPE_RESULT record that
// carries lastparent_lsa so analysis/undo can restore it on replay.
func (tm *TransactionManager) TopOpDone(owner interface{}, d *TransactionDescriptor) error {
	d.Lock(owner)
	defer d.Unlock(owner)

	frame, err := d.PopTopOp()
	if err != nil {
		return err
	}

	rec := &LogRecord{
		Header: RecordHeader{Trid: d.Trid, Type: RecTopopeResult, PrevTranLSA: d.LastLSA},
		RefLSA: frame.LastParentLSA,
	}
	lsa, err := tm.Redo.Append(rec)
	if err != nil {
		return errors.Trace(err)
	}
	d.LastLSA = lsa
	d.TailTopResultLSA = lsa

	return d.TransitionTo(StateActive)
}

// Close shuts down the redo log manager, undo cache, and session-timeout
// daemon.
func (tm *TransactionManager) Close() error {
	if tm.Sessions != nil {
		if err := tm.Sessions.Close(); err != nil {
			return err
		}
	}
	if err := tm.Undo.Close(); err != nil {
		return err
	}
	return tm.Redo.Close()
}
