package manager

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransactionManager(t *testing.T) *TransactionManager {
	t.Helper()
	tm, err := NewTransactionManager(
		LogConfig{LogDir: t.TempDir(), DBName: "t", PageSize: 4096},
		TransactionTableConfig{InitialCapacity: 8},
		QueryManagerConfig{},
		SessionStoreConfig{},
	)
	require.NoError(t, err)
	t.Cleanup(func() { tm.Close() })
	return tm
}

func TestTransactionManager_BeginCommit(t *testing.T) {
	tm := newTestTransactionManager(t)
	owner := t

	d, err := tm.Begin(1, ClientInfo{User: "alice"}, TranDML)
	require.NoError(t, err)
	assert.Equal(t, StateActive, d.State)

	_, err = tm.RecordWrite(owner, d, &LogRecord{Header: RecordHeader{Type: RecUndoRedo}, PageID: 1, RedoImage: []byte("v")})
	require.NoError(t, err)

	require.NoError(t, tm.Commit(context.Background(), owner, d))
	assert.Equal(t, StateCommitted, d.State)

	_, err = tm.Table.Get(d.Index)
	assert.ErrorIs(t, err, ErrTxNotFound)
}

func TestTransactionManager_Abort(t *testing.T) {
	tm := newTestTransactionManager(t)
	owner := t

	d, err := tm.Begin(1, ClientInfo{}, TranDML)
	require.NoError(t, err)

	_, err = tm.RecordWrite(owner, d, &LogRecord{Header: RecordHeader{Type: RecUndoRedo}, PageID: 5, UndoImage: []byte("before")})
	require.NoError(t, err)

	pending, err := tm.Abort(context.Background(), owner, d)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, []byte("before"), pending[0].UndoImage)
	assert.Equal(t, StateNull, d.State, "Abort frees the slot, which resets the descriptor")
}

func TestTransactionManager_WorkingListOrderedByBeginLSA(t *testing.T) {
	tm := newTestTransactionManager(t)
	owner := t

	d1, err := tm.Begin(1, ClientInfo{}, TranDML)
	require.NoError(t, err)
	d2, err := tm.Begin(2, ClientInfo{}, TranDML)
	require.NoError(t, err)

	_, err = tm.RecordWrite(owner, d2, &LogRecord{Header: RecordHeader{Type: RecUndoRedo}, PageID: 1})
	require.NoError(t, err)
	_, err = tm.RecordWrite(owner, d1, &LogRecord{Header: RecordHeader{Type: RecUndoRedo}, PageID: 2})
	require.NoError(t, err)

	working := tm.Table.WorkingTransactions()
	require.Len(t, working, 2)
	assert.True(t, working[0].BeginLSA.LessEqual(working[1].BeginLSA))
}

func TestTransactionManager_ReadOnlySkipsWorkingList(t *testing.T) {
	tm := newTestTransactionManager(t)
	owner := t

	d, err := tm.Begin(1, ClientInfo{}, TranReadOnly)
	require.NoError(t, err)

	_, err = tm.RecordWrite(owner, d, &LogRecord{Header: RecordHeader{Type: RecUndoRedo}})
	require.NoError(t, err)

	assert.Empty(t, tm.Table.WorkingTransactions())
}

func TestTransactionManager_TopOp(t *testing.T) {
	tm := newTestTransactionManager(t)
	owner := t

	d, err := tm.Begin(1, ClientInfo{}, TranDML)
	require.NoError(t, err)

	require.NoError(t, tm.BeginTopOpCommit(owner, d))
	assert.Equal(t, StateTopopeCommittedWithPostpone, d.State)
	assert.Equal(t, 1, d.TopOpDepth())

	require.NoError(t, tm.TopOpDone(owner, d))
	assert.Equal(t, StateActive, d.State)
	assert.Equal(t, 0, d.TopOpDepth())
}

func TestTransactionManager_Concurrent(t *testing.T) {
	tm := newTestTransactionManager(t)

	const numTrx = 10
	descs := make([]*TransactionDescriptor, numTrx)

	var wg sync.WaitGroup
	for i := 0; i < numTrx; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d, err := tm.Begin(int64(id), ClientInfo{}, TranDML)
			require.NoError(t, err)
			descs[id] = d
		}(i)
	}
	wg.Wait()

	for _, d := range descs {
		assert.Equal(t, StateActive, d.State)
	}

	wg = sync.WaitGroup{}
	for i := 0; i < numTrx; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			require.NoError(t, tm.Commit(context.Background(), descs[id], descs[id]))
		}(i)
	}
	wg.Wait()

	for _, d := range descs {
		_, err := tm.Table.Get(d.Index)
		assert.ErrorIs(t, err, ErrTxNotFound)
	}
}
