package manager

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/galleonfs/kernel/galleon/basic"
	"github.com/zhukovaskychina/galleonfs/kernel/galleon/objstore"
)

// lockSet 测试用锁检查器, 视集合内对象为已加排他锁
type lockSet map[uint64]bool

func (s lockSet) HoldsLock(objectID, txID uint64, lockType LockType) bool {
	return s[objectID]
}

func TestTransactionStateMachine(t *testing.T) {
	store := objstore.NewMemStore()

	t.Run("active to preparing to committed", func(t *testing.T) {
		trx := NewTransaction(1, store, lockSet{10: true})
		require.NoError(t, trx.AddOperation(objstore.CreateObject{ID: 10, Data: []byte("x")}))
		require.NoError(t, trx.AddLock(10))

		require.NoError(t, trx.Prepare())
		assert.Equal(t, TRX_STATE_PREPARING, trx.State())
		assert.True(t, errors.Is(trx.AddOperation(objstore.DeleteObject{ID: 10}), basic.ErrInvalidTransactionState))
		assert.True(t, errors.Is(trx.AddLock(11), basic.ErrInvalidTransactionState))
		assert.True(t, errors.Is(trx.Prepare(), basic.ErrInvalidTransactionState))

		require.NoError(t, trx.Commit())
		assert.Equal(t, TRX_STATE_COMMITTED, trx.State())
		assert.True(t, errors.Is(trx.Abort(), basic.ErrInvalidTransactionState))
		assert.True(t, errors.Is(trx.Commit(), basic.ErrInvalidTransactionState))
		_, err := trx.CreateSavepoint()
		assert.True(t, errors.Is(err, basic.ErrInvalidTransactionState))
	})

	t.Run("commit on aborted fails", func(t *testing.T) {
		trx := NewTransaction(2, store, nil)
		require.NoError(t, trx.Prepare())
		require.NoError(t, trx.Abort())
		assert.Equal(t, TRX_STATE_ABORTED, trx.State())
		assert.True(t, errors.Is(trx.Commit(), basic.ErrInvalidTransactionState))
		assert.True(t, errors.Is(trx.Abort(), basic.ErrInvalidTransactionState))
		assert.True(t, errors.Is(trx.AddOperation(objstore.DeleteObject{ID: 1}), basic.ErrInvalidTransactionState))
	})

	t.Run("nil operation", func(t *testing.T) {
		trx := NewTransaction(3, store, nil)
		assert.True(t, errors.Is(trx.AddOperation(nil), basic.ErrInvalidParameter))
	})

	t.Run("pointer operations are stored as values", func(t *testing.T) {
		trx := NewTransaction(5, store, lockSet{20: true})
		require.NoError(t, trx.AddOperation(&objstore.CreateObject{ID: 20, Data: []byte("ptr")}))
		assert.Equal(t, []objstore.Operation{objstore.CreateObject{ID: 20, Data: []byte("ptr")}}, trx.Operations())
		require.NoError(t, trx.Commit())
		got, _ := store.Get(20)
		assert.Equal(t, []byte("ptr"), got)

		var missing *objstore.DeleteObject
		other := NewTransaction(6, store, nil)
		assert.True(t, errors.Is(other.AddOperation(missing), basic.ErrInvalidParameter))
		assert.Empty(t, other.Operations())
	})

	t.Run("lock set has no duplicates", func(t *testing.T) {
		trx := NewTransaction(4, store, nil)
		require.NoError(t, trx.AddLock(5))
		require.NoError(t, trx.AddLock(6))
		require.NoError(t, trx.AddLock(5))
		assert.Equal(t, []uint64{5, 6}, trx.Locks())
	})

	t.Run("journal state mapping", func(t *testing.T) {
		assert.Equal(t, JOURNAL_TXN_ACTIVE, TRX_STATE_ACTIVE.JournalState())
		assert.Equal(t, JOURNAL_TXN_ACTIVE, TRX_STATE_PREPARING.JournalState())
		assert.Equal(t, JOURNAL_TXN_COMMITTED, TRX_STATE_COMMITTED.JournalState())
		assert.Equal(t, JOURNAL_TXN_ABORTED, TRX_STATE_ABORTED.JournalState())
	})
}

func TestTransactionPrepareValidation(t *testing.T) {
	store := objstore.NewMemStore()
	store.Put(1, []byte("current"))

	t.Run("missing exclusive lock", func(t *testing.T) {
		trx := NewTransaction(1, store, lockSet{})
		require.NoError(t, trx.AddOperation(objstore.DeleteObject{ID: 1}))
		assert.True(t, errors.Is(trx.Prepare(), basic.ErrInvalidTransactionState))
		assert.Equal(t, TRX_STATE_ACTIVE, trx.State())
	})

	t.Run("space operations need no object lock", func(t *testing.T) {
		trx := NewTransaction(2, store, lockSet{})
		require.NoError(t, trx.AddOperation(objstore.AllocateSpace{Offset: 0, Size: 8}))
		assert.NoError(t, trx.Prepare())
	})

	t.Run("stale operation", func(t *testing.T) {
		trx := NewTransaction(3, store, lockSet{1: true})
		require.NoError(t, trx.AddOperation(objstore.UpdateObject{ID: 1, Old: []byte("older"), New: []byte("n")}))
		assert.True(t, errors.Is(trx.Prepare(), objstore.ErrStaleImage))
		assert.Equal(t, TRX_STATE_ACTIVE, trx.State())
	})

	t.Run("operations that build on each other", func(t *testing.T) {
		trx := NewTransaction(4, store, lockSet{2: true})
		require.NoError(t, trx.AddOperation(objstore.CreateObject{ID: 2, Data: []byte("ab")}))
		require.NoError(t, trx.AddOperation(objstore.WriteData{ID: 2, Offset: 2, Data: []byte("cd")}))
		require.NoError(t, trx.AddOperation(objstore.TruncateData{ID: 2, OldSize: 4, NewSize: 3}))
		require.NoError(t, trx.Commit())
		got, _ := store.Get(2)
		assert.Equal(t, []byte("abc"), got)
	})
}

func TestTransactionCommitIsAtomic(t *testing.T) {
	store := objstore.NewMemStore()
	store.Put(1, []byte("one"))
	store.FailApplyOn(3, true)

	trx := NewTransaction(1, store, nil)
	require.NoError(t, trx.AddOperation(objstore.UpdateObject{ID: 1, Old: []byte("one"), New: []byte("uno")}))
	require.NoError(t, trx.AddOperation(objstore.CreateObject{ID: 2, Data: []byte("two")}))
	require.NoError(t, trx.AddOperation(objstore.CreateObject{ID: 3, Data: []byte("three")}))

	err := trx.Commit()
	assert.True(t, errors.Is(err, objstore.ErrInjected))
	assert.Equal(t, TRX_STATE_ABORTED, trx.State())

	got, _ := store.Get(1)
	assert.Equal(t, []byte("one"), got)
	_, ok := store.Get(2)
	assert.False(t, ok)
}

func TestSavepoints(t *testing.T) {
	trx := NewTransaction(1, objstore.NewMemStore(), nil)
	for i := uint64(0); i < 2; i++ {
		require.NoError(t, trx.AddOperation(objstore.CreateObject{ID: i}))
	}
	sp, err := trx.CreateSavepoint()
	require.NoError(t, err)
	assert.Equal(t, 2, sp.OperationCount)
	assert.Equal(t, uint64(1), sp.TxID)

	for i := uint64(2); i < 5; i++ {
		require.NoError(t, trx.AddOperation(objstore.CreateObject{ID: i}))
	}
	later, err := trx.CreateSavepoint()
	require.NoError(t, err)
	assert.Equal(t, []uint64{sp.ID, later.ID}, trx.Savepoints())

	require.NoError(t, trx.RollbackToSavepoint(sp.ID))
	assert.Len(t, trx.Operations(), 2)
	assert.Equal(t, []uint64{sp.ID}, trx.Savepoints())
	assert.True(t, errors.Is(trx.RollbackToSavepoint(later.ID), basic.ErrSavepointNotFound))

	// 保存点在回滚后仍可用
	require.NoError(t, trx.AddOperation(objstore.CreateObject{ID: 9}))
	require.NoError(t, trx.RollbackToSavepoint(sp.ID))
	assert.Len(t, trx.Operations(), 2)

	require.NoError(t, trx.ReleaseSavepoint(sp.ID))
	assert.Empty(t, trx.Savepoints())
	assert.Len(t, trx.Operations(), 2)
	assert.True(t, errors.Is(trx.ReleaseSavepoint(sp.ID), basic.ErrSavepointNotFound))
}
