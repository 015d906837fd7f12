package manager

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionTable_AllocateAndFree(t *testing.T) {
	tt := NewTransactionTable(TransactionTableConfig{InitialCapacity: 4})

	d, err := tt.Allocate(1, ClientInfo{User: "bob"}, TranDML)
	require.NoError(t, err)
	assert.NotEqual(t, SystemTransactionIndex, d.Index)
	assert.Equal(t, StateActive, d.State)
	assert.Equal(t, int64(1), d.Trid)

	require.NoError(t, tt.Free(d.Index))
	got, err := tt.Get(d.Index)
	assert.ErrorIs(t, err, ErrTxNotFound)
	assert.Nil(t, got)
}

func TestTransactionTable_SystemTransactionPreInstalled(t *testing.T) {
	tt := NewTransactionTable(TransactionTableConfig{InitialCapacity: 4})
	d, err := tt.Get(SystemTransactionIndex)
	require.NoError(t, err)
	assert.Equal(t, StateActive, d.State)
}

func TestTransactionTable_GrowsWhenFull(t *testing.T) {
	tt := NewTransactionTable(TransactionTableConfig{InitialCapacity: 2, GrowthCeiling: 16})
	before := tt.Len()

	// capacity 2 means only index 1 is free (index 0 is the system tx).
	_, err := tt.Allocate(1, ClientInfo{}, TranDML)
	require.NoError(t, err)

	_, err = tt.Allocate(2, ClientInfo{}, TranDML)
	require.NoError(t, err)

	assert.Greater(t, tt.Len(), before)
}

func TestTransactionTable_GrowthBoundedByCeiling(t *testing.T) {
	tt := NewTransactionTable(TransactionTableConfig{InitialCapacity: 2, GrowthCeiling: 2})

	_, err := tt.Allocate(1, ClientInfo{}, TranDML)
	require.NoError(t, err)

	_, err = tt.Allocate(2, ClientInfo{}, TranDML)
	assert.ErrorIs(t, err, ErrTableFull)
}

func TestTransactionTable_WorkingListOrdering(t *testing.T) {
	tt := NewTransactionTable(TransactionTableConfig{InitialCapacity: 8})

	d1, _ := tt.Allocate(1, ClientInfo{}, TranDML)
	d2, _ := tt.Allocate(2, ClientInfo{}, TranDML)
	d3, _ := tt.Allocate(3, ClientInfo{}, TranDML)

	tt.InsertIntoWorkingList(d2, LSA{PageID: 20})
	tt.InsertIntoWorkingList(d1, LSA{PageID: 10})
	tt.InsertIntoWorkingList(d3, LSA{PageID: 30})

	working := tt.WorkingTransactions()
	require.Len(t, working, 3)
	assert.Equal(t, []int{d1.Index, d2.Index, d3.Index}, []int{working[0].Index, working[1].Index, working[2].Index})

	tt.RemoveFromWorkingList(d2)
	working = tt.WorkingTransactions()
	require.Len(t, working, 2)
	assert.Equal(t, d1.Index, working[0].Index)
	assert.Equal(t, d3.Index, working[1].Index)
}

func TestTransactionTable_ReadOnlyNeverJoinsWorkingList(t *testing.T) {
	tt := NewTransactionTable(TransactionTableConfig{InitialCapacity: 8})
	d, _ := tt.Allocate(1, ClientInfo{}, TranReadOnly)

	tt.InsertIntoWorkingList(d, LSA{PageID: 1})
	assert.Empty(t, tt.WorkingTransactions())
}

func TestTransactionTable_ConcurrentAllocate(t *testing.T) {
	tt := NewTransactionTable(TransactionTableConfig{InitialCapacity: 4, GrowthCeiling: 256})

	const n = 50
	var wg sync.WaitGroup
	seen := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d, err := tt.Allocate(int64(id), ClientInfo{}, TranDML)
			require.NoError(t, err)
			seen <- d.Index
		}(i)
	}
	wg.Wait()
	close(seen)

	indices := make(map[int]bool)
	for idx := range seen {
		assert.False(t, indices[idx], "duplicate index allocated")
		indices[idx] = true
	}
	assert.Len(t, indices, n)
}
