package manager

import (
	"fmt"

	"github.com/zhukovaskychina/galleonfs/kernel/galleon/record"
)

// JournalTxnState 磁盘日志事务状态
type JournalTxnState uint8

const (
	JOURNAL_TXN_ACTIVE JournalTxnState = iota
	JOURNAL_TXN_COMMITTED
	JOURNAL_TXN_ABORTED
)

func (s JournalTxnState) String() string {
	switch s {
	case JOURNAL_TXN_ACTIVE:
		return "Active"
	case JOURNAL_TXN_COMMITTED:
		return "Committed"
	case JOURNAL_TXN_ABORTED:
		return "Aborted"
	}
	return fmt.Sprintf("JournalTxnState(%d)", uint8(s))
}

// JournalTransaction groups the records logged under one disk transaction.
type JournalTransaction struct {
	ID            uint64
	State         JournalTxnState
	Records       []*record.LogRecord
	StartSequence uint64
}

// JournalConfig 日志区域配置
type JournalConfig struct {
	Drive       uint8  // 驱动器编号
	StartSector uint64 // 日志区起始扇区
	SizeSectors uint64 // 日志区扇区数
	SlotSectors uint64 // 每条记录占用的扇区数, 0 视为 1
	Clock       record.Clock
}

// UndoApplier reverts the effect of one logged record. A record may be
// undone again if recovery is interrupted before its checkpoint is written.
type UndoApplier interface {
	ApplyUndo(rec *record.LogRecord) error
}

// UndoFunc adapts a function to UndoApplier.
type UndoFunc func(rec *record.LogRecord) error

func (f UndoFunc) ApplyUndo(rec *record.LogRecord) error { return f(rec) }

// Archiver receives transactions that have reached a terminal state before
// they are dropped from the catalogue.
type Archiver interface {
	Archive(tx *JournalTransaction) error
}

// RecoveryStats 恢复统计
type RecoveryStats struct {
	Scanned   int    // 解析成功的记录数(含提交/回滚标记)
	Malformed int    // 跳过的损坏槽位
	Committed int    // 已提交的事务数
	Skipped   int    // 检查点之前未提交的记录, 不再撤销
	Undone    int    // 撤销的记录数
	Boundary  uint64 // 检查点序列号
}

const (
	markerCommit     = "COMMIT"
	markerAbort      = "ABORT"
	markerMembers    = "MEMBERS"
	markerCheckpoint = "CHECKPOINT"
)

// isMarker reports whether rec is a marker rather than a data record.
// Transaction markers carry the transaction id as target and the member
// sequence numbers as undo data; checkpoints carry the recovered sequence
// boundary as target.
func isMarker(rec *record.LogRecord) bool {
	if rec.OperationType != record.OP_UPDATE_METADATA {
		return false
	}
	switch string(rec.RedoData) {
	case markerCommit, markerAbort, markerMembers, markerCheckpoint:
		return true
	}
	return false
}
