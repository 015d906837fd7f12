package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// GlobalShardGroup is the distinguished group id every descriptor is
// considered a member of, regardless of the process-wide ownership bitmap
// (§4.7).
const GlobalShardGroup int32 = 0

// InterruptRegistry maintains the process-wide num_interrupts counter in
// lock-step with each descriptor's Interrupt flag (§3 invariant 5, §8
// invariant 5): num_interrupts == |{T : T.interrupt = true}| at every
// quiescent point.
type InterruptRegistry struct {
	count int64 // atomic
}

// NewInterruptRegistry creates an empty registry.
func NewInterruptRegistry() *InterruptRegistry {
	return &InterruptRegistry{}
}

// SetInterrupt raises d's interrupt flag and increments the global counter,
// if it was not already set. owner identifies the caller for the descriptor's
// reentrant lock (§4.2).
func (r *InterruptRegistry) SetInterrupt(owner interface{}, d *TransactionDescriptor) {
	d.Lock(owner)
	defer d.Unlock(owner)
	if !d.Interrupt {
		d.Interrupt = true
		atomic.AddInt64(&r.count, 1)
	}
}

// ClearInterrupt lowers d's interrupt flag and decrements the global counter,
// if it was set. Typically called once the interrupted operation has unwound.
func (r *InterruptRegistry) ClearInterrupt(owner interface{}, d *TransactionDescriptor) {
	d.Lock(owner)
	defer d.Unlock(owner)
	if d.Interrupt {
		d.Interrupt = false
		atomic.AddInt64(&r.count, -1)
	}
}

// Count returns the current num_interrupts value, a cheap check long loops
// can consult before examining any individual descriptor's flag (§4.7).
func (r *InterruptRegistry) Count() int64 {
	return atomic.LoadInt64(&r.count)
}

// ShardGroupRegistry tracks which shard groups this process currently owns
// (§4.7, §9's groupid-visibility predicate) and drains working transactions
// of a group before releasing ownership during migration.
type ShardGroupRegistry struct {
	mu    sync.RWMutex
	owned map[int32]bool

	table *TransactionTable
}

// NewShardGroupRegistry creates a registry with no groups owned yet, backed
// by table for migration drain checks.
func NewShardGroupRegistry(table *TransactionTable) *ShardGroupRegistry {
	return &ShardGroupRegistry{owned: make(map[int32]bool), table: table}
}

// CheckOwn reports whether this process may serve requests for gid: true for
// the global group, or when gid's bit is set in the ownership bitmap.
func (s *ShardGroupRegistry) CheckOwn(gid int32) bool {
	if gid == GlobalShardGroup {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.owned[gid]
}

// Claim marks this process as owning gid.
func (s *ShardGroupRegistry) Claim(gid int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owned[gid] = true
}

// Migrate drains every working transaction belonging to gid, then clears
// ownership, per §4.7's "migration operations drain working transactions of
// a group before clearing its bit." It polls the working-transaction list at
// pollInterval until none remain or ctx is cancelled.
func (s *ShardGroupRegistry) Migrate(ctx context.Context, gid int32, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if !s.groupHasWorkingTransactions(gid) {
			s.mu.Lock()
			delete(s.owned, gid)
			s.mu.Unlock()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *ShardGroupRegistry) groupHasWorkingTransactions(gid int32) bool {
	for _, d := range s.table.WorkingTransactions() {
		if d.TranGroupID == gid {
			return true
		}
	}
	return false
}
