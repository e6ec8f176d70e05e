package manager

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/zhukovaskychina/galleonfs/kernel/galleon/basic"
	"github.com/zhukovaskychina/galleonfs/kernel/galleon/objstore"
	"github.com/zhukovaskychina/galleonfs/logger"
)

// TransactionManager 事务管理器
type TransactionManager struct {
	mu                 sync.RWMutex
	nextTrxID          uint64                  // 下一个事务ID
	activeTransactions map[uint64]*Transaction // 活跃事务

	lockManager *LockManager
	store       objstore.ObjectStore
	applier     operationApplier
}

// NewTransactionManager creates a manager over store. With a journal every
// commit is written ahead through it and the journal's undo hook is pointed
// at store; without one operations are applied directly.
func NewTransactionManager(store objstore.ObjectStore, journal *JournalManager, lockConfig LockConfig) *TransactionManager {
	tm := &TransactionManager{
		activeTransactions: make(map[uint64]*Transaction),
		lockManager:        NewLockManager(NewDeadlockDetector(), lockConfig),
		store:              store,
	}
	if journal != nil {
		journal.SetUndoApplier(NewStoreUndoApplier(store))
		tm.applier = &journaledApplier{journal: journal, store: store}
	} else {
		tm.applier = &directApplier{store: store}
	}
	return tm
}

// LockManager 返回锁管理器
func (tm *TransactionManager) LockManager() *LockManager {
	return tm.lockManager
}

// Begin 开始新事务
func (tm *TransactionManager) Begin() *Transaction {
	trxID := atomic.AddUint64(&tm.nextTrxID, 1)
	trx := newTransaction(trxID, tm.store, tm.lockManager, tm.applier)

	tm.mu.Lock()
	tm.activeTransactions[trxID] = trx
	tm.mu.Unlock()

	logger.Debugf("transaction %d begun", trxID)
	return trx
}

// GetTransaction 获取活跃事务
func (tm *TransactionManager) GetTransaction(txID uint64) *Transaction {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.activeTransactions[txID]
}

// ActiveTransactions 返回活跃事务ID, 升序
func (tm *TransactionManager) ActiveTransactions() []uint64 {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	ids := make([]uint64, 0, len(tm.activeTransactions))
	for id := range tm.activeTransactions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (tm *TransactionManager) lookup(txID uint64) (*Transaction, error) {
	trx := tm.GetTransaction(txID)
	if trx == nil {
		return nil, errors.Wrapf(basic.ErrInvalidParameter, "transaction %d is not active", txID)
	}
	return trx, nil
}

// AddOperation 向事务追加操作
func (tm *TransactionManager) AddOperation(txID uint64, op objstore.Operation) error {
	trx, err := tm.lookup(txID)
	if err != nil {
		return err
	}
	return trx.AddOperation(op)
}

// CommitTransaction commits the transaction, then removes it from the
// registry and releases its locks. A commit that fails ends the
// transaction Aborted; its locks are released all the same.
func (tm *TransactionManager) CommitTransaction(txID uint64) error {
	trx, err := tm.lookup(txID)
	if err != nil {
		return err
	}

	err = trx.Commit()
	if err != nil && !trx.State().IsTerminal() {
		if abortErr := trx.Abort(); abortErr != nil {
			logger.Warnf("transaction %d: abort after failed commit: %v", txID, abortErr)
		}
	}
	tm.finish(trx)

	if err != nil {
		logger.Infof("transaction %d aborted at commit: %v", txID, err)
		return err
	}
	logger.Debugf("transaction %d committed", txID)
	return nil
}

// AbortTransaction 中止事务并释放锁
func (tm *TransactionManager) AbortTransaction(txID uint64) error {
	trx, err := tm.lookup(txID)
	if err != nil {
		return err
	}
	if err := trx.Abort(); err != nil {
		return err
	}
	tm.finish(trx)
	logger.Debugf("transaction %d aborted", txID)
	return nil
}

// finish 移出注册表并释放锁, 释放顺序无关
func (tm *TransactionManager) finish(trx *Transaction) {
	tm.mu.Lock()
	delete(tm.activeTransactions, trx.ID)
	tm.mu.Unlock()

	for _, objectID := range trx.Locks() {
		tm.lockManager.ReleaseLock(objectID, trx.ID)
	}
	tm.lockManager.ReleaseAll(trx.ID)
}

// AcquireLock locks objectID for the transaction. When the wait is broken
// by deadlock resolution the transaction is aborted before the error is
// returned.
func (tm *TransactionManager) AcquireLock(ctx context.Context, objectID, txID uint64, lockType LockType) error {
	trx, err := tm.lookup(txID)
	if err != nil {
		return err
	}
	if state := trx.State(); state != TRX_STATE_ACTIVE {
		return errors.Wrapf(basic.ErrInvalidTransactionState, "lock object %d in transaction %d in state %s", objectID, txID, state)
	}

	if err := tm.lockManager.AcquireLock(ctx, objectID, txID, lockType); err != nil {
		if errors.Is(err, basic.ErrDeadlockDetected) {
			if abortErr := tm.AbortTransaction(txID); abortErr != nil {
				logger.Warnf("deadlock victim %d: %v", txID, abortErr)
			}
		}
		return err
	}

	if err := trx.AddLock(objectID); err != nil {
		// 等待期间事务已结束
		tm.lockManager.ReleaseLock(objectID, txID)
		return err
	}
	return nil
}

// CreateSavepoint 在事务中创建保存点
func (tm *TransactionManager) CreateSavepoint(txID uint64) (*Savepoint, error) {
	trx, err := tm.lookup(txID)
	if err != nil {
		return nil, err
	}
	return trx.CreateSavepoint()
}

// RollbackToSavepoint 回滚到保存点
func (tm *TransactionManager) RollbackToSavepoint(txID, savepointID uint64) error {
	trx, err := tm.lookup(txID)
	if err != nil {
		return err
	}
	return trx.RollbackToSavepoint(savepointID)
}

// ReleaseSavepoint 释放保存点
func (tm *TransactionManager) ReleaseSavepoint(txID, savepointID uint64) error {
	trx, err := tm.lookup(txID)
	if err != nil {
		return err
	}
	return trx.ReleaseSavepoint(savepointID)
}

// Close aborts every remaining transaction and stops the lock manager.
func (tm *TransactionManager) Close() {
	for _, txID := range tm.ActiveTransactions() {
		if err := tm.AbortTransaction(txID); err != nil {
			logger.Warnf("close: abort transaction %d: %v", txID, err)
		}
	}
	tm.lockManager.Close()
}
