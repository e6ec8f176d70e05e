package manager

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/zhukovaskychina/galleonfs/kernel/galleon/basic"
	"github.com/zhukovaskychina/galleonfs/kernel/galleon/objstore"
)

// TransactionState 逻辑事务状态
type TransactionState uint8

const (
	TRX_STATE_ACTIVE TransactionState = iota
	TRX_STATE_PREPARING
	TRX_STATE_COMMITTED
	TRX_STATE_ABORTED
)

func (s TransactionState) String() string {
	switch s {
	case TRX_STATE_ACTIVE:
		return "Active"
	case TRX_STATE_PREPARING:
		return "Preparing"
	case TRX_STATE_COMMITTED:
		return "Committed"
	case TRX_STATE_ABORTED:
		return "Aborted"
	}
	return fmt.Sprintf("TransactionState(%d)", uint8(s))
}

// IsTerminal 是否为终止状态
func (s TransactionState) IsTerminal() bool {
	return s == TRX_STATE_COMMITTED || s == TRX_STATE_ABORTED
}

// JournalState maps a logical state onto the disk transaction state that
// backs it. Preparing has no disk counterpart and maps to Active.
func (s TransactionState) JournalState() JournalTxnState {
	switch s {
	case TRX_STATE_COMMITTED:
		return JOURNAL_TXN_COMMITTED
	case TRX_STATE_ABORTED:
		return JOURNAL_TXN_ABORTED
	}
	return JOURNAL_TXN_ACTIVE
}

// LockChecker 查询事务是否持有对象锁
type LockChecker interface {
	HoldsLock(objectID, txID uint64, lockType LockType) bool
}

// operationApplier applies the operations of a prepared transaction all or
// nothing.
type operationApplier interface {
	applyAll(txID uint64, ops []objstore.Operation) error
}

// Transaction 逻辑事务. 操作在提交前只入队, 提交时统一应用.
type Transaction struct {
	mu sync.Mutex

	ID        uint64
	StartTime time.Time

	state           TransactionState
	operations      []objstore.Operation
	locks           []uint64
	savepoints      []*Savepoint
	nextSavepointID uint64

	store       objstore.ObjectStore
	lockChecker LockChecker
	applier     operationApplier
}

// NewTransaction creates an Active transaction that applies directly to
// store at commit. lockChecker may be nil, in which case prepare does not
// check locks.
func NewTransaction(id uint64, store objstore.ObjectStore, lockChecker LockChecker) *Transaction {
	return newTransaction(id, store, lockChecker, &directApplier{store: store})
}

func newTransaction(id uint64, store objstore.ObjectStore, lockChecker LockChecker, applier operationApplier) *Transaction {
	return &Transaction{
		ID:              id,
		StartTime:       time.Now(),
		state:           TRX_STATE_ACTIVE,
		nextSavepointID: 1,
		store:           store,
		lockChecker:     lockChecker,
		applier:         applier,
	}
}

// State 获取事务状态
func (trx *Transaction) State() TransactionState {
	trx.mu.Lock()
	defer trx.mu.Unlock()
	return trx.state
}

// Operations 返回已入队操作的副本
func (trx *Transaction) Operations() []objstore.Operation {
	trx.mu.Lock()
	defer trx.mu.Unlock()
	return append([]objstore.Operation(nil), trx.operations...)
}

// Locks 返回事务加锁的对象
func (trx *Transaction) Locks() []uint64 {
	trx.mu.Lock()
	defer trx.mu.Unlock()
	return append([]uint64(nil), trx.locks...)
}

// AddOperation 追加一个操作
func (trx *Transaction) AddOperation(op objstore.Operation) error {
	if op == nil {
		return errors.Wrap(basic.ErrInvalidParameter, "nil operation")
	}
	op, err := objstore.Canonical(op)
	if err != nil {
		return err
	}
	trx.mu.Lock()
	defer trx.mu.Unlock()

	if trx.state != TRX_STATE_ACTIVE {
		return errors.Wrapf(basic.ErrInvalidTransactionState, "add %s to transaction %d in state %s", op.Kind(), trx.ID, trx.state)
	}
	trx.operations = append(trx.operations, op)
	return nil
}

// AddLock 记录事务持有锁的对象
func (trx *Transaction) AddLock(objectID uint64) error {
	trx.mu.Lock()
	defer trx.mu.Unlock()

	if trx.state != TRX_STATE_ACTIVE {
		return errors.Wrapf(basic.ErrInvalidTransactionState, "lock object %d in transaction %d in state %s", objectID, trx.ID, trx.state)
	}
	for _, id := range trx.locks {
		if id == objectID {
			return nil
		}
	}
	trx.locks = append(trx.locks, objectID)
	return nil
}

// Prepare validates every queued operation against the object store and
// checks that each object it mutates is locked exclusively by this
// transaction, then moves to Preparing. On failure the transaction stays
// Active.
func (trx *Transaction) Prepare() error {
	trx.mu.Lock()
	defer trx.mu.Unlock()
	return trx.prepare()
}

func (trx *Transaction) prepare() error {
	if trx.state != TRX_STATE_ACTIVE {
		return errors.Wrapf(basic.ErrInvalidTransactionState, "prepare transaction %d in state %s", trx.ID, trx.state)
	}
	for i, op := range trx.operations {
		if objectID, ok := objstore.ObjectOf(op); ok && trx.lockChecker != nil {
			if !trx.lockChecker.HoldsLock(objectID, trx.ID, LOCK_X) {
				return errors.Wrapf(basic.ErrInvalidTransactionState,
					"transaction %d operation %d (%s) needs an exclusive lock on object %d", trx.ID, i, op.Kind(), objectID)
			}
		}
	}
	if err := trx.validate(); err != nil {
		return err
	}
	trx.state = TRX_STATE_PREPARING
	return nil
}

// validate checks each operation against the store. An operation on a
// target already touched earlier in the transaction depends on that earlier
// effect and is checked again when applied.
func (trx *Transaction) validate() error {
	type targetKey struct {
		space bool
		id    uint64
	}
	touched := make(map[targetKey]bool)
	for i, op := range trx.operations {
		key := targetKey{space: op.Kind().IsSpace(), id: op.Target()}
		if !touched[key] {
			if err := trx.store.Validate(op); err != nil {
				return errors.WithMessagef(err, "transaction %d operation %d (%s)", trx.ID, i, op.Kind())
			}
			touched[key] = true
		}
	}
	return nil
}

// Commit prepares the transaction if it is still Active and applies every
// queued operation. If applying fails the applied prefix is reverted and
// the transaction ends Aborted.
func (trx *Transaction) Commit() error {
	trx.mu.Lock()
	defer trx.mu.Unlock()

	if trx.state == TRX_STATE_ACTIVE {
		if err := trx.prepare(); err != nil {
			return err
		}
	}
	if trx.state != TRX_STATE_PREPARING {
		return errors.Wrapf(basic.ErrInvalidTransactionState, "commit transaction %d in state %s", trx.ID, trx.state)
	}
	if err := trx.applier.applyAll(trx.ID, trx.operations); err != nil {
		trx.state = TRX_STATE_ABORTED
		return errors.WithMessagef(err, "commit transaction %d", trx.ID)
	}
	trx.state = TRX_STATE_COMMITTED
	return nil
}

// Abort 中止事务. 已提交或已中止的事务返回错误.
func (trx *Transaction) Abort() error {
	trx.mu.Lock()
	defer trx.mu.Unlock()

	if trx.state.IsTerminal() {
		return errors.Wrapf(basic.ErrInvalidTransactionState, "abort transaction %d in state %s", trx.ID, trx.state)
	}
	trx.state = TRX_STATE_ABORTED
	return nil
}

// directApplier 直接应用到对象存储, 失败时用快照回退
type directApplier struct {
	store objstore.ObjectStore
}

func (a *directApplier) applyAll(txID uint64, ops []objstore.Operation) error {
	type undoImage struct {
		op    objstore.Operation
		image []byte
	}
	applied := make([]undoImage, 0, len(ops))

	for _, op := range ops {
		image, err := a.store.Snapshot(op)
		if err == nil {
			err = a.store.Apply(op)
		}
		if err != nil {
			for i := len(applied) - 1; i >= 0; i-- {
				u := applied[i]
				if rerr := a.store.Restore(u.op.Kind(), u.op.Target(), u.image); rerr != nil {
					return errors.Wrapf(rerr, "revert %s on %d after: %v", u.op.Kind(), u.op.Target(), err)
				}
			}
			return err
		}
		applied = append(applied, undoImage{op: op, image: image})
	}
	return nil
}
