package manager

import (
	"time"

	"github.com/pkg/errors"
	"github.com/zhukovaskychina/galleonfs/kernel/galleon/basic"
)

// Savepoint 事务内保存点, 记录创建时已入队的操作数
type Savepoint struct {
	ID             uint64
	TxID           uint64
	OperationCount int
	CreatedAt      time.Time
}

// CreateSavepoint 创建保存点
func (trx *Transaction) CreateSavepoint() (*Savepoint, error) {
	trx.mu.Lock()
	defer trx.mu.Unlock()

	if trx.state != TRX_STATE_ACTIVE {
		return nil, errors.Wrapf(basic.ErrInvalidTransactionState, "savepoint in transaction %d in state %s", trx.ID, trx.state)
	}
	sp := &Savepoint{
		ID:             trx.nextSavepointID,
		TxID:           trx.ID,
		OperationCount: len(trx.operations),
		CreatedAt:      time.Now(),
	}
	trx.nextSavepointID++
	trx.savepoints = append(trx.savepoints, sp)
	return sp, nil
}

// RollbackToSavepoint truncates the operation list back to the savepoint and
// discards every savepoint created after it. The savepoint itself stays
// usable.
func (trx *Transaction) RollbackToSavepoint(savepointID uint64) error {
	trx.mu.Lock()
	defer trx.mu.Unlock()

	if trx.state != TRX_STATE_ACTIVE {
		return errors.Wrapf(basic.ErrInvalidTransactionState, "rollback in transaction %d in state %s", trx.ID, trx.state)
	}
	idx := trx.findSavepoint(savepointID)
	if idx < 0 {
		return errors.Wrapf(basic.ErrSavepointNotFound, "savepoint %d in transaction %d", savepointID, trx.ID)
	}

	sp := trx.savepoints[idx]
	for i := sp.OperationCount; i < len(trx.operations); i++ {
		trx.operations[i] = nil
	}
	trx.operations = trx.operations[:sp.OperationCount]
	for i := idx + 1; i < len(trx.savepoints); i++ {
		trx.savepoints[i] = nil
	}
	trx.savepoints = trx.savepoints[:idx+1]
	return nil
}

// ReleaseSavepoint 释放保存点, 不影响已入队的操作
func (trx *Transaction) ReleaseSavepoint(savepointID uint64) error {
	trx.mu.Lock()
	defer trx.mu.Unlock()

	if trx.state != TRX_STATE_ACTIVE {
		return errors.Wrapf(basic.ErrInvalidTransactionState, "release savepoint in transaction %d in state %s", trx.ID, trx.state)
	}
	idx := trx.findSavepoint(savepointID)
	if idx < 0 {
		return errors.Wrapf(basic.ErrSavepointNotFound, "savepoint %d in transaction %d", savepointID, trx.ID)
	}
	trx.savepoints = append(trx.savepoints[:idx], trx.savepoints[idx+1:]...)
	return nil
}

// Savepoints 返回现存保存点的ID
func (trx *Transaction) Savepoints() []uint64 {
	trx.mu.Lock()
	defer trx.mu.Unlock()

	ids := make([]uint64, 0, len(trx.savepoints))
	for _, sp := range trx.savepoints {
		ids = append(ids, sp.ID)
	}
	return ids
}

func (trx *Transaction) findSavepoint(savepointID uint64) int {
	for i, sp := range trx.savepoints {
		if sp.ID == savepointID {
			return i
		}
	}
	return -1
}
