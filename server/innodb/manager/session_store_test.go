package manager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStore_OpenAndLookup(t *testing.T) {
	s := NewSessionStore(SessionStoreConfig{Timeout: time.Hour})
	defer s.Close()

	sess := s.Open("127.0.0.1:5000")
	assert.NotZero(t, sess.SessionID)

	got, err := s.Get(sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, sess.SessionID, got.SessionID)

	_, err = s.Get(99999)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionStore_HoldableQueryRoundTrip(t *testing.T) {
	s := NewSessionStore(SessionStoreConfig{Timeout: time.Hour})
	defer s.Close()

	sess := s.Open("client-1")
	qe := SessionQueryEntry{QueryID: 42, ListID: 7}
	require.NoError(t, s.AttachHoldableQuery(sess.SessionID, qe))

	got, err := s.LoadQueryEntryInfo(sess.SessionID, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.ListID)

	_, err = s.LoadQueryEntryInfo(sess.SessionID, 999)
	assert.ErrorIs(t, err, ErrHoldableQueryNotFound)

	require.NoError(t, s.ReleaseHoldableQuery(sess.SessionID, 42))
	_, err = s.LoadQueryEntryInfo(sess.SessionID, 42)
	assert.ErrorIs(t, err, ErrHoldableQueryNotFound)
}

func TestSessionStore_LoadQueryEntryInfoUnknownSession(t *testing.T) {
	s := NewSessionStore(SessionStoreConfig{Timeout: time.Hour})
	defer s.Close()

	_, err := s.LoadQueryEntryInfo(1234, 1)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionStore_IDAllocationSkipsInUseIDs(t *testing.T) {
	s := NewSessionStore(SessionStoreConfig{Timeout: time.Hour})
	defer s.Close()

	s.mu.Lock()
	s.nextID = sessionIDWrapLimit - 1
	s.mu.Unlock()

	first := s.Open("a")
	second := s.Open("b")
	third := s.Open("c")

	assert.Equal(t, sessionIDWrapLimit-1, first.SessionID)
	assert.Equal(t, sessionIDWrapLimit, second.SessionID)
	assert.Equal(t, uint32(1), third.SessionID)

	// id 1 is now held by third, so the next wrap must skip past it.
	s.mu.Lock()
	s.nextID = 1
	s.mu.Unlock()
	fourth := s.Open("d")
	assert.Equal(t, uint32(2), fourth.SessionID)
}

func TestSessionStore_SweepFreesIdleUnclaimedSessions(t *testing.T) {
	s := NewSessionStore(SessionStoreConfig{Timeout: 10 * time.Millisecond})
	defer s.Close()

	idle := s.Open("idle")
	s.Release(idle.SessionID)
	active := s.Open("active")

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Touch(active.SessionID))

	s.sweepOnce()

	_, err := s.Get(idle.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = s.Get(active.SessionID)
	assert.NoError(t, err)
}

func TestSessionStore_TouchResetsMarkedDeleted(t *testing.T) {
	s := NewSessionStore(SessionStoreConfig{Timeout: 10 * time.Millisecond})
	defer s.Close()

	sess := s.Open("client")
	s.Release(sess.SessionID)
	time.Sleep(20 * time.Millisecond)

	sess.mu.Lock()
	sess.MarkedDeleted = true
	sess.mu.Unlock()

	require.NoError(t, s.Touch(sess.SessionID))
	sess.mu.Lock()
	marked := sess.MarkedDeleted
	sess.mu.Unlock()
	assert.False(t, marked)
}

func TestComputeCommitLSA_MinBeginLSAAcrossDMLTransactions(t *testing.T) {
	tt := NewTransactionTable(TransactionTableConfig{InitialCapacity: 8})
	d1, _ := tt.Allocate(1, ClientInfo{}, TranDML)
	d2, _ := tt.Allocate(2, ClientInfo{}, TranDML)

	tt.InsertIntoWorkingList(d1, LSA{PageID: 20})
	tt.InsertIntoWorkingList(d2, LSA{PageID: 10})

	lsa := ComputeCommitLSA(tt, LSA{PageID: 99})
	assert.Equal(t, LSA{PageID: 10}, lsa)
}

func TestComputeCommitLSA_DDLActiveUsesCurrentAppendLSA(t *testing.T) {
	tt := NewTransactionTable(TransactionTableConfig{InitialCapacity: 8})
	d1, _ := tt.Allocate(1, ClientInfo{}, TranDML)
	d2, _ := tt.Allocate(2, ClientInfo{}, TranDDL)

	tt.InsertIntoWorkingList(d1, LSA{PageID: 5})
	tt.InsertIntoWorkingList(d2, LSA{PageID: 1})

	lsa := ComputeCommitLSA(tt, LSA{PageID: 99})
	assert.Equal(t, LSA{PageID: 99}, lsa)
}

func TestComputeCommitLSA_NoWorkingTransactionsUsesCurrentAppendLSA(t *testing.T) {
	tt := NewTransactionTable(TransactionTableConfig{InitialCapacity: 8})
	lsa := ComputeCommitLSA(tt, LSA{PageID: 7})
	assert.Equal(t, LSA{PageID: 7}, lsa)
}
