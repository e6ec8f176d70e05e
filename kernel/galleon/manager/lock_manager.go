package manager

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/zhukovaskychina/galleonfs/kernel/galleon/basic"
	"github.com/zhukovaskychina/galleonfs/logger"
)

// lockRequest 等待中的锁请求
type lockRequest struct {
	txID     uint64
	objectID uint64
	lockType LockType
	waitChan chan struct{} // 唤醒通道
	victim   bool          // 被选为死锁牺牲者
	created  time.Time
}

func (r *lockRequest) wake() {
	select {
	case r.waitChan <- struct{}{}:
	default:
	}
}

// LockManager 对象级共享/排他锁. 冲突的请求会阻塞, 并在挂起前把等待边
// 写入死锁检测器.
type LockManager struct {
	mu         sync.Mutex
	lockTable  map[uint64][]LockInfo      // 对象 -> 持有者
	waitQueues map[uint64][]*lockRequest  // 对象 -> 等待者
	waiting    map[uint64]*lockRequest    // 事务 -> 正在等待的请求
	txnLocks   map[uint64]map[uint64]bool // 事务 -> 持有的对象
	detector   *DeadlockDetector
	config     LockConfig
	stats      LockStats
	lastCycle  *DeadlockInfo
	stopChan   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// NewLockManager 创建锁管理器
func NewLockManager(detector *DeadlockDetector, config LockConfig) *LockManager {
	if detector == nil {
		detector = NewDeadlockDetector()
	}
	lm := &LockManager{
		lockTable:  make(map[uint64][]LockInfo),
		waitQueues: make(map[uint64][]*lockRequest),
		waiting:    make(map[uint64]*lockRequest),
		txnLocks:   make(map[uint64]map[uint64]bool),
		detector:   detector,
		config:     config,
		stopChan:   make(chan struct{}),
	}
	if config.DeadlockInterval > 0 {
		lm.wg.Add(1)
		go lm.deadlockDetection()
	}
	return lm
}

// Close 关闭锁管理器
func (lm *LockManager) Close() {
	lm.stopOnce.Do(func() {
		close(lm.stopChan)
	})
	lm.wg.Wait()
}

// Detector 返回使用的死锁检测器
func (lm *LockManager) Detector() *DeadlockDetector {
	return lm.detector
}

// AcquireLock blocks until txID holds lockType on objectID. A transaction's
// own holds never conflict with it; a held exclusive lock satisfies a
// shared request and a shared hold is upgraded once txID is the only
// holder. The wait ends with ErrDeadlockDetected when txID is chosen as a
// deadlock victim, ErrLockTimeout after LockTimeout, or ctx.Err().
func (lm *LockManager) AcquireLock(ctx context.Context, objectID, txID uint64, lockType LockType) error {
	if lockType != LOCK_S && lockType != LOCK_X {
		return errors.Wrapf(basic.ErrInvalidParameter, "lock type %d", int(lockType))
	}

	var timeout <-chan time.Time
	if lm.config.LockTimeout > 0 {
		timer := time.NewTimer(lm.config.LockTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	lm.mu.Lock()
	var req *lockRequest
	for {
		if req != nil && req.victim {
			lm.dequeue(req)
			lm.mu.Unlock()
			return errors.Wrapf(basic.ErrDeadlockDetected, "tx %d waiting for object %d", txID, objectID)
		}

		blockers := lm.conflicting(objectID, txID, lockType)
		if len(blockers) == 0 {
			lm.grant(objectID, txID, lockType)
			if req != nil {
				lm.dequeue(req)
				lm.recordWait(time.Since(req.created))
			}
			lm.mu.Unlock()
			return nil
		}

		if req == nil {
			req = &lockRequest{
				txID:     txID,
				objectID: objectID,
				lockType: lockType,
				waitChan: make(chan struct{}, 1),
				created:  time.Now(),
			}
			lm.waitQueues[objectID] = append(lm.waitQueues[objectID], req)
			lm.waiting[txID] = req
			lm.stats.LockWaits++
		}

		// 挂起前登记等待边并检测死锁
		for _, holder := range blockers {
			lm.detector.AddWaitEdge(txID, holder)
		}
		if lm.resolveDeadlock() == txID {
			lm.removeEdges(txID, blockers)
			lm.dequeue(req)
			lm.mu.Unlock()
			return errors.Wrapf(basic.ErrDeadlockDetected, "tx %d waiting for object %d", txID, objectID)
		}
		lm.mu.Unlock()

		var waitErr error
		select {
		case <-req.waitChan:
		case <-timeout:
			waitErr = errors.Wrapf(basic.ErrLockTimeout, "tx %d waiting for object %d after %v", txID, objectID, lm.config.LockTimeout)
		case <-ctx.Done():
			waitErr = ctx.Err()
		}

		lm.mu.Lock()
		lm.removeEdges(txID, blockers)
		if waitErr != nil {
			lm.dequeue(req)
			if errors.Is(waitErr, basic.ErrLockTimeout) {
				lm.stats.LockTimeouts++
			}
			lm.mu.Unlock()
			return waitErr
		}
	}
}

// ReleaseLock 释放事务在对象上的所有锁, 并唤醒该对象的等待者
func (lm *LockManager) ReleaseLock(objectID, txID uint64) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.release(objectID, txID)
}

// ReleaseAll 释放事务持有的全部锁
func (lm *LockManager) ReleaseAll(txID uint64) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for objectID := range lm.txnLocks[txID] {
		lm.release(objectID, txID)
	}
	delete(lm.txnLocks, txID)
	lm.detector.RemoveTransaction(txID)
}

// GetLockHolders 获取对象的持有者
func (lm *LockManager) GetLockHolders(objectID uint64) []uint64 {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	holders := lm.lockTable[objectID]
	out := make([]uint64, 0, len(holders))
	for _, h := range holders {
		out = append(out, h.TxID)
	}
	return out
}

// HoldsLock 检查事务是否持有至少 lockType 强度的锁
func (lm *LockManager) HoldsLock(objectID, txID uint64, lockType LockType) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for _, h := range lm.lockTable[objectID] {
		if h.TxID == txID && (h.LockType == LOCK_X || h.LockType == lockType) {
			return true
		}
	}
	return false
}

// LockedObjects 返回事务持有锁的对象, 升序
func (lm *LockManager) LockedObjects(txID uint64) []uint64 {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	out := make([]uint64, 0, len(lm.txnLocks[txID]))
	for objectID := range lm.txnLocks[txID] {
		out = append(out, objectID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Stats 获取锁统计信息
func (lm *LockManager) Stats() LockStats {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.stats
}

// LastDeadlock 返回最近一次检测到的死锁
func (lm *LockManager) LastDeadlock() *DeadlockInfo {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.lastCycle == nil {
		return nil
	}
	info := *lm.lastCycle
	return &info
}

// conflicting 返回与请求冲突的其他持有者
func (lm *LockManager) conflicting(objectID, txID uint64, lockType LockType) []uint64 {
	var out []uint64
	for _, h := range lm.lockTable[objectID] {
		if h.TxID == txID {
			continue
		}
		if !isLockCompatible(h.LockType, lockType) {
			out = append(out, h.TxID)
		}
	}
	return out
}

func (lm *LockManager) grant(objectID, txID uint64, lockType LockType) {
	holders := lm.lockTable[objectID]
	for i, h := range holders {
		if h.TxID != txID {
			continue
		}
		if h.LockType == LOCK_S && lockType == LOCK_X {
			holders[i].LockType = LOCK_X
		}
		return
	}
	lm.lockTable[objectID] = append(holders, LockInfo{TxID: txID, LockType: lockType})
	if lm.txnLocks[txID] == nil {
		lm.txnLocks[txID] = make(map[uint64]bool)
	}
	lm.txnLocks[txID][objectID] = true
	lm.stats.GrantedLocks++
}

func (lm *LockManager) release(objectID, txID uint64) {
	holders := lm.lockTable[objectID]
	kept := holders[:0]
	for _, h := range holders {
		if h.TxID != txID {
			kept = append(kept, h)
		}
	}
	if len(kept) == 0 {
		delete(lm.lockTable, objectID)
	} else {
		lm.lockTable[objectID] = kept
	}
	if objs := lm.txnLocks[txID]; objs != nil {
		delete(objs, objectID)
		if len(objs) == 0 {
			delete(lm.txnLocks, txID)
		}
	}
	for _, w := range lm.waitQueues[objectID] {
		w.wake()
	}
}

func (lm *LockManager) dequeue(req *lockRequest) {
	queue := lm.waitQueues[req.objectID]
	for i, w := range queue {
		if w == req {
			queue = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(lm.waitQueues, req.objectID)
	} else {
		lm.waitQueues[req.objectID] = queue
	}
	if lm.waiting[req.txID] == req {
		delete(lm.waiting, req.txID)
	}
}

func (lm *LockManager) removeEdges(txID uint64, blockers []uint64) {
	for _, holder := range blockers {
		lm.detector.RemoveWaitEdge(txID, holder)
	}
}

func (lm *LockManager) recordWait(d time.Duration) {
	if d > lm.stats.MaxWaitTime {
		lm.stats.MaxWaitTime = d
	}
}

// resolveDeadlock 检测死锁并通知牺牲者, 返回牺牲者事务ID (无死锁返回0).
// 调用方需持有 lm.mu.
func (lm *LockManager) resolveDeadlock() uint64 {
	cycle := lm.detector.DetectDeadlock()
	if cycle == nil {
		return 0
	}
	victim := selectVictim(cycle)
	req := lm.waiting[victim]
	if req != nil && req.victim {
		return victim
	}

	lm.stats.Deadlocks++
	lm.lastCycle = &DeadlockInfo{DetectedAt: time.Now(), Cycle: cycle, VictimTxID: victim}
	logger.WithFields(logger.Fields{"cycle": cycle, "victim": victim}).Warn("deadlock detected")

	if req != nil {
		req.victim = true
		req.wake()
	}
	return victim
}

// deadlockDetection 后台死锁巡检
func (lm *LockManager) deadlockDetection() {
	defer lm.wg.Done()
	ticker := time.NewTicker(lm.config.DeadlockInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			lm.mu.Lock()
			lm.resolveDeadlock()
			lm.mu.Unlock()
		case <-lm.stopChan:
			return
		}
	}
}
