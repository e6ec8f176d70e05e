package manager

import (
	"fmt"
	"time"
)

// LockType 锁类型
type LockType int

const (
	LOCK_S LockType = iota // 共享锁
	LOCK_X                 // 排他锁
)

func (t LockType) String() string {
	switch t {
	case LOCK_S:
		return "Shared"
	case LOCK_X:
		return "Exclusive"
	}
	return fmt.Sprintf("LockType(%d)", int(t))
}

// isLockCompatible 检查锁兼容性
func isLockCompatible(existing, requested LockType) bool {
	return existing == LOCK_S && requested == LOCK_S
}

// LockInfo 锁持有信息
type LockInfo struct {
	TxID     uint64   // 事务ID
	LockType LockType // 锁类型
}

// LockStats 锁统计信息
type LockStats struct {
	GrantedLocks uint64        // 已授予锁数
	LockWaits    uint64        // 进入等待的次数
	Deadlocks    uint64        // 死锁次数
	LockTimeouts uint64        // 锁超时次数
	MaxWaitTime  time.Duration // 最长等待时间
}

// LockConfig 锁配置
type LockConfig struct {
	LockTimeout      time.Duration // 锁超时时间, 0 表示不超时
	DeadlockInterval time.Duration // 后台死锁巡检间隔, 0 表示关闭
}

// DefaultLockConfig 默认锁配置
func DefaultLockConfig() LockConfig {
	return LockConfig{
		LockTimeout: 5 * time.Second,
	}
}

// DeadlockInfo 死锁信息
type DeadlockInfo struct {
	DetectedAt time.Time // 检测时间
	Cycle      []uint64  // 死锁环
	VictimTxID uint64    // 牺牲事务
}
