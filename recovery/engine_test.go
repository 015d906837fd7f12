package recovery

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmysql-server/reclog-core/server/innodb/manager"
)

const testRcvIndex manager.RecoveryIndex = 1

type fakePage struct {
	id       int64
	lsa      manager.LSA
	pageType uint16
}

func (p *fakePage) LSA() manager.LSA            { return p.lsa }
func (p *fakePage) StampLSA(lsa manager.LSA)    { p.lsa = lsa }
func (p *fakePage) SetNewPageType(t uint16)     { p.pageType = t }

// fakePageStore is an in-memory PageStore: every page id auto-vivifies at
// NullLSA on first Fetch, standing in for the buffer pool §1 puts out of
// scope.
type fakePageStore struct {
	mu    sync.Mutex
	pages map[int64]*fakePage
}

func newFakePageStore() *fakePageStore {
	return &fakePageStore{pages: make(map[int64]*fakePage)}
}

func (s *fakePageStore) Fetch(id int64) (Page, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[id]
	if !ok {
		p = &fakePage{id: id, lsa: manager.NullLSA}
		s.pages[id] = p
	}
	return p, true, nil
}

// recordingLedger captures every redo/undo callback invocation the dispatcher
// forwards, in call order, so tests can assert both call counts and the
// exact bytes each pass applied.
type recordingLedger struct {
	mu    sync.Mutex
	redos []string
	undos []string
}

func (l *recordingLedger) recordRedo(payload []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.redos = append(l.redos, string(payload))
}

func (l *recordingLedger) recordUndo(payload []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.undos = append(l.undos, string(payload))
}

func newTestEngine(t *testing.T, table *manager.TransactionTable, ledger *recordingLedger) (*Engine, *manager.RedoLogManager, *fakePageStore) {
	t.Helper()
	dir := t.TempDir()
	redo, err := manager.NewRedoLogManager(manager.LogConfig{LogDir: dir, DBName: "rt", PageSize: 4096})
	require.NoError(t, err)
	t.Cleanup(func() { _ = redo.Close() })

	pages := newFakePageStore()
	dispatcher := NewDispatcher()
	dispatcher.Register(testRcvIndex, IndexMeta{}, func(page Page, payload []byte) error {
		ledger.recordRedo(payload)
		return nil
	}, func(page Page, payload []byte) error {
		ledger.recordUndo(payload)
		return nil
	})

	engine := NewEngine(Config{}, redo, table, dispatcher, pages)
	return engine, redo, pages
}

// S1: a record whose target page already carries an LSN at or past the
// record's own LSA must not be redone.
func TestEngine_RedoSkipsAlreadyDurablePage(t *testing.T) {
	table := manager.NewTransactionTable(manager.TransactionTableConfig{})
	ledger := &recordingLedger{}
	engine, redo, pages := newTestEngine(t, table, ledger)

	rec := &manager.LogRecord{
		Header:    manager.RecordHeader{Trid: 1, Type: manager.RecUndoRedo, PrevTranLSA: manager.NullLSA},
		RcvIndex:  testRcvIndex,
		PageID:    5,
		RedoImage: []byte("v1"),
	}
	lsa, err := redo.Append(rec)
	require.NoError(t, err)
	commit := &manager.LogRecord{Header: manager.RecordHeader{Trid: 1, Type: manager.RecCommit, PrevTranLSA: lsa}}
	commitLSA, err := redo.Append(commit)
	require.NoError(t, err)
	require.NoError(t, redo.Flush(commitLSA))

	page, _, err := pages.Fetch(5)
	require.NoError(t, err)
	page.StampLSA(lsa) // page already reflects this change before "crash"

	_, err = engine.Recover(context.Background(), AnalysisOptions{})
	require.NoError(t, err)

	assert.Empty(t, ledger.redos, "redo callback must not run when the page LSN is already current")
}

// Companion to the skip test: a stale page (never flushed) must be redone.
func TestEngine_RedoAppliesWhenPageIsStale(t *testing.T) {
	table := manager.NewTransactionTable(manager.TransactionTableConfig{})
	ledger := &recordingLedger{}
	engine, redo, _ := newTestEngine(t, table, ledger)

	rec := &manager.LogRecord{
		Header:    manager.RecordHeader{Trid: 1, Type: manager.RecUndoRedo, PrevTranLSA: manager.NullLSA},
		RcvIndex:  testRcvIndex,
		PageID:    5,
		RedoImage: []byte("v1"),
	}
	lsa, err := redo.Append(rec)
	require.NoError(t, err)
	commit := &manager.LogRecord{Header: manager.RecordHeader{Trid: 1, Type: manager.RecCommit, PrevTranLSA: lsa}}
	commitLSA, err := redo.Append(commit)
	require.NoError(t, err)
	require.NoError(t, redo.Flush(commitLSA))

	_, err = engine.Recover(context.Background(), AnalysisOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"v1"}, ledger.redos)
}

// S2: an interrupt raised mid-undo takes effect only after the in-flight
// step's compensation is durable, and a subsequent call resumes from the
// advanced cursor rather than redoing the completed step.
func TestEngine_UndoHonorsInterruptAfterCurrentStep(t *testing.T) {
	table := manager.NewTransactionTable(manager.TransactionTableConfig{})
	ledger := &recordingLedger{}
	engine, redo, _ := newTestEngine(t, table, ledger)

	const trid = int64(7)
	r1 := &manager.LogRecord{
		Header:    manager.RecordHeader{Trid: trid, Type: manager.RecUndoRedo, PrevTranLSA: manager.NullLSA},
		RcvIndex:  testRcvIndex,
		PageID:    9,
		UndoImage: []byte("u1"),
		RedoImage: []byte("r1"),
	}
	lsa1, err := redo.Append(r1)
	require.NoError(t, err)

	r2 := &manager.LogRecord{
		Header:    manager.RecordHeader{Trid: trid, Type: manager.RecUndoRedo, PrevTranLSA: lsa1},
		RcvIndex:  testRcvIndex,
		PageID:    9,
		UndoImage: []byte("u2"),
		RedoImage: []byte("r2"),
	}
	lsa2, err := redo.Append(r2)
	require.NoError(t, err)
	require.NoError(t, redo.Flush(lsa2))
	// no COMMIT/ABORT: this transaction was still active at crash time.

	analysis, err := engine.Analyze(context.Background(), AnalysisOptions{})
	require.NoError(t, err)
	assert.False(t, analysis.DidIncompleteRecovery)

	d, ok := table.FindByTrid(trid)
	require.True(t, ok)
	assert.Equal(t, manager.StateUnilaterallyAborted, d.State)
	assert.Equal(t, lsa2, d.UndoNxLSA)

	d.Lock(t)
	d.Interrupt = true
	d.Unlock(t)

	err = engine.undoPass(context.Background())
	assert.ErrorIs(t, err, manager.ErrInterrupted)
	assert.Equal(t, []string{"u2"}, ledger.undos, "only the single in-flight step should have undone before the interrupt surfaced")

	d2, ok := table.FindByTrid(trid)
	require.True(t, ok)
	assert.Equal(t, lsa1, d2.UndoNxLSA, "cursor must have advanced past the completed step")

	d2.Lock(t)
	d2.Interrupt = false
	d2.Unlock(t)

	require.NoError(t, engine.undoPass(context.Background()))
	assert.Equal(t, []string{"u2", "u1"}, ledger.undos)

	_, stillThere := table.FindByTrid(trid)
	assert.False(t, stillThere, "a fully undone loser must be freed")
}

// S4: analysis resumes from the checkpoint's own recorded start_redo_lsa
// rather than scanning the whole log, and reconstructs the checkpoint's
// working set before continuing the forward scan.
func TestEngine_AnalysisResumesFromCheckpoint(t *testing.T) {
	table := manager.NewTransactionTable(manager.TransactionTableConfig{})
	ledger := &recordingLedger{}
	engine, redo, _ := newTestEngine(t, table, ledger)

	d, err := table.Allocate(100, manager.ClientInfo{}, manager.TranDML)
	require.NoError(t, err)

	r1 := &manager.LogRecord{
		Header:    manager.RecordHeader{Trid: d.Trid, Type: manager.RecUndoRedo, PrevTranLSA: manager.NullLSA},
		RcvIndex:  testRcvIndex,
		PageID:    3,
		UndoImage: []byte("u"),
		RedoImage: []byte("r"),
	}
	lsa1, err := redo.Append(r1)
	require.NoError(t, err)

	d.Lock(t)
	d.BeginLSA = lsa1
	d.LastLSA = lsa1
	d.UndoNxLSA = lsa1
	d.Unlock(t)

	chkLSA, err := WriteCheckpoint(redo, table)
	require.NoError(t, err)
	assert.False(t, chkLSA.IsNull())

	r2 := &manager.LogRecord{
		Header:    manager.RecordHeader{Trid: d.Trid, Type: manager.RecUndoRedo, PrevTranLSA: lsa1},
		RcvIndex:  testRcvIndex,
		PageID:    3,
		UndoImage: []byte("u2"),
		RedoImage: []byte("r2"),
	}
	lsa2, err := redo.Append(r2)
	require.NoError(t, err)
	require.NoError(t, redo.Flush(lsa2))

	freshTable := manager.NewTransactionTable(manager.TransactionTableConfig{})
	freshEngine := NewEngine(Config{}, redo, freshTable, engine.Dispatcher, engine.Pages)

	analysis, err := freshEngine.Analyze(context.Background(), AnalysisOptions{})
	require.NoError(t, err)
	assert.Equal(t, lsa1, analysis.StartRedoLSA, "checkpoint's own start_redo_lsa must seed the result, not the log origin")

	recovered, ok := freshTable.FindByTrid(d.Trid)
	require.True(t, ok)
	assert.Equal(t, lsa2, recovered.UndoNxLSA, "forward scan past the checkpoint must still extend the cursor")
	assert.Equal(t, manager.StateUnilaterallyAborted, recovered.State, "never having committed, it must end up a loser once end-of-log is reached")
}

// S5: finishing a transaction's postpones after a crash must not re-apply
// whichever ones a RUN_POSTPONE record already proves ran.
func TestEngine_FinishPostponesResumesPastAlreadyRun(t *testing.T) {
	table := manager.NewTransactionTable(manager.TransactionTableConfig{})
	ledger := &recordingLedger{}
	engine, redo, _ := newTestEngine(t, table, ledger)

	const trid = int64(42)

	p1 := &manager.LogRecord{
		Header:    manager.RecordHeader{Trid: trid, Type: manager.RecPostpone, PrevTranLSA: manager.NullLSA},
		RcvIndex:  testRcvIndex,
		PageID:    11,
		RedoImage: []byte("p1"),
	}
	p1LSA, err := redo.Append(p1)
	require.NoError(t, err)

	commitWP := &manager.LogRecord{
		Header: manager.RecordHeader{Trid: trid, Type: manager.RecCommitWithPostpone, PrevTranLSA: p1LSA},
		RefLSA: p1LSA,
	}
	commitWPLSA, err := redo.Append(commitWP)
	require.NoError(t, err)

	// p1 already ran before the crash: a RUN_POSTPONE record proves it.
	run1 := &manager.LogRecord{
		Header: manager.RecordHeader{Trid: trid, Type: manager.RecRunPostpone, PrevTranLSA: commitWPLSA},
		RefLSA: p1LSA,
	}
	run1LSA, err := redo.Append(run1)
	require.NoError(t, err)

	p2 := &manager.LogRecord{
		Header:    manager.RecordHeader{Trid: trid, Type: manager.RecPostpone, PrevTranLSA: run1LSA},
		RcvIndex:  testRcvIndex,
		PageID:    11,
		RedoImage: []byte("p2"),
	}
	p2LSA, err := redo.Append(p2)
	require.NoError(t, err)
	require.NoError(t, redo.Flush(p2LSA))
	// crash here: p2 never ran, and no COMMIT was ever logged.

	_, err = engine.Analyze(context.Background(), AnalysisOptions{})
	require.NoError(t, err)

	d, ok := table.FindByTrid(trid)
	require.True(t, ok)
	assert.Equal(t, manager.StateCommittedWithPostpone, d.State)

	require.NoError(t, engine.finishPostponesPass(context.Background()))

	assert.Equal(t, []string{"p2"}, ledger.redos, "the already-run postpone must not be reapplied")

	_, stillThere := table.FindByTrid(trid)
	assert.False(t, stillThere, "a finished committer must be freed")
}

// S6: a media-crash stopat cutoff rewinds the log to the first COMMIT past
// the cutoff and leaves recovery incomplete rather than applying it.
func TestEngine_StopAtTruncatesPastCutoff(t *testing.T) {
	table := manager.NewTransactionTable(manager.TransactionTableConfig{})
	ledger := &recordingLedger{}
	engine, redo, _ := newTestEngine(t, table, ledger)

	const trid = int64(3)
	r1 := &manager.LogRecord{
		Header:    manager.RecordHeader{Trid: trid, Type: manager.RecUndoRedo, PrevTranLSA: manager.NullLSA},
		RcvIndex:  testRcvIndex,
		PageID:    2,
		UndoImage: []byte("u"),
		RedoImage: []byte("r"),
	}
	lsa1, err := redo.Append(r1)
	require.NoError(t, err)

	cutoff := time.Now()

	commit := &manager.LogRecord{Header: manager.RecordHeader{Trid: trid, Type: manager.RecCommit, PrevTranLSA: lsa1}}
	commitLSA, err := redo.Append(commit)
	require.NoError(t, err)
	require.NoError(t, redo.Flush(commitLSA))
	require.True(t, commit.Timestamp.After(cutoff), "the commit must have been stamped after the cutoff for this test to be meaningful")

	analysis, err := engine.Analyze(context.Background(), AnalysisOptions{StopAtTime: &cutoff})
	require.NoError(t, err)
	assert.True(t, analysis.DidIncompleteRecovery)

	d, ok := table.FindByTrid(trid)
	require.True(t, ok)
	assert.Equal(t, lsa1, d.UndoNxLSA, "the rewound descriptor's cursor must point at the last record before the truncated commit")
	assert.Equal(t, manager.StateUnilaterallyAborted, d.State)

	_, err = redo.LastCheckpoint()
	assert.ErrorIs(t, err, manager.ErrNoCheckpoint)

	reader, err := redo.ReadFrom(lsa1)
	require.NoError(t, err)
	defer reader.Close()
	rec, err := reader.Next()
	require.NoError(t, err)
	assert.Equal(t, manager.RecUndoRedo, rec.Header.Type, "the record before the cutoff must survive truncation")
	_, err = reader.Next()
	assert.ErrorIs(t, err, io.EOF, "the log must no longer contain the truncated COMMIT record")
}
