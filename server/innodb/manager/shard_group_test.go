package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterruptRegistry_CountTracksFlags(t *testing.T) {
	r := NewInterruptRegistry()
	d1 := newTransactionDescriptor(1)
	d2 := newTransactionDescriptor(2)
	owner := t

	r.SetInterrupt(owner, d1)
	r.SetInterrupt(owner, d2)
	assert.Equal(t, int64(2), r.Count())

	r.SetInterrupt(owner, d1) // already set, no double count
	assert.Equal(t, int64(2), r.Count())

	r.ClearInterrupt(owner, d1)
	assert.Equal(t, int64(1), r.Count())
	assert.False(t, d1.Interrupt)
	assert.True(t, d2.Interrupt)
}

func TestShardGroupRegistry_GlobalGroupAlwaysOwned(t *testing.T) {
	tt := NewTransactionTable(TransactionTableConfig{InitialCapacity: 4})
	s := NewShardGroupRegistry(tt)
	assert.True(t, s.CheckOwn(GlobalShardGroup))
	assert.False(t, s.CheckOwn(5))

	s.Claim(5)
	assert.True(t, s.CheckOwn(5))
}

func TestShardGroupRegistry_MigrateDrainsWorkingTransactions(t *testing.T) {
	tt := NewTransactionTable(TransactionTableConfig{InitialCapacity: 4})
	s := NewShardGroupRegistry(tt)
	s.Claim(7)

	d, err := tt.Allocate(1, ClientInfo{}, TranDML)
	require.NoError(t, err)
	d.TranGroupID = 7
	tt.InsertIntoWorkingList(d, LSA{PageID: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = s.Migrate(ctx, 7, 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, s.CheckOwn(7))

	tt.RemoveFromWorkingList(d)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel2()
	require.NoError(t, s.Migrate(ctx2, 7, 5*time.Millisecond))
	assert.False(t, s.CheckOwn(7))
}
