package manager

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/zhukovaskychina/galleonfs/kernel/galleon/basic"
	"github.com/zhukovaskychina/galleonfs/kernel/galleon/record"
	"github.com/zhukovaskychina/galleonfs/logger"
	"github.com/zhukovaskychina/galleonfs/util"
)

const minSlotSize = 64

// JournalManager 预写日志管理器. 记录按序列号写入日志区的固定槽位:
// 槽位 = seq mod 槽位数, 日志区写满后循环覆盖.
type JournalManager struct {
	mu sync.Mutex

	device             basic.BlockDevice
	drive              uint8
	journalStartSector uint64
	journalSizeSectors uint64
	slotSize           uint64
	maxRecords         uint64

	currentSequence    uint64
	nextTransactionID  uint64
	activeTransactions []*JournalTransaction

	clock    record.Clock
	undo     UndoApplier
	archiver Archiver
}

// NewJournalManager 创建日志管理器
func NewJournalManager(device basic.BlockDevice, cfg JournalConfig) (*JournalManager, error) {
	if device == nil {
		return nil, errors.Wrap(basic.ErrInvalidParameter, "nil block device")
	}
	slotSectors := cfg.SlotSectors
	if slotSectors == 0 {
		slotSectors = 1
	}
	if cfg.SizeSectors < slotSectors {
		return nil, errors.Wrapf(basic.ErrInvalidParameter, "journal of %d sectors cannot hold a %d sector slot", cfg.SizeSectors, slotSectors)
	}
	if end := cfg.StartSector + cfg.SizeSectors; end > device.SectorCount() || end < cfg.StartSector {
		return nil, errors.Wrapf(basic.ErrInvalidParameter, "journal [%d,+%d) exceeds device of %d sectors",
			cfg.StartSector, cfg.SizeSectors, device.SectorCount())
	}

	slotSize := slotSectors * basic.SectorSize
	if slotSize < minSlotSize {
		slotSize = minSlotSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = record.DefaultClock
	}

	return &JournalManager{
		device:             device,
		drive:              cfg.Drive,
		journalStartSector: cfg.StartSector,
		journalSizeSectors: cfg.SizeSectors,
		slotSize:           slotSize,
		maxRecords:         cfg.SizeSectors * basic.SectorSize / slotSize,
		currentSequence:    1,
		nextTransactionID:  1,
		clock:              clock,
	}, nil
}

// SetUndoApplier 设置回滚回调
func (jm *JournalManager) SetUndoApplier(undo UndoApplier) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.undo = undo
}

// SetArchiver 设置归档器
func (jm *JournalManager) SetArchiver(archiver Archiver) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.archiver = archiver
}

// Drive 返回日志所在驱动器
func (jm *JournalManager) Drive() uint8 {
	return jm.drive
}

// SlotSize 返回槽位字节数
func (jm *JournalManager) SlotSize() int {
	return int(jm.slotSize)
}

// CurrentSequence 返回下一条记录将使用的序列号
func (jm *JournalManager) CurrentSequence() uint64 {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	return jm.currentSequence
}

// BeginTransaction 开始磁盘事务
func (jm *JournalManager) BeginTransaction() uint64 {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	tx := &JournalTransaction{
		ID:            jm.nextTransactionID,
		State:         JOURNAL_TXN_ACTIVE,
		StartSequence: jm.currentSequence,
	}
	jm.nextTransactionID++
	jm.activeTransactions = append(jm.activeTransactions, tx)
	return tx.ID
}

// LogOperation appends one record to an Active transaction and writes it to
// its slot. The sequence number is consumed only once the write succeeds.
func (jm *JournalManager) LogOperation(txID uint64, op record.OperationType, target uint64, undo, redo []byte) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	tx := jm.find(txID)
	if tx == nil || tx.State != JOURNAL_TXN_ACTIVE {
		return errors.Wrapf(basic.ErrInvalidParameter, "journal transaction %d is not active", txID)
	}
	if !op.Valid() {
		return errors.Wrapf(basic.ErrInvalidParameter, "operation type %d", uint32(op))
	}

	rec, err := jm.write(op, target, undo, redo)
	if err != nil {
		return err
	}
	tx.Records = append(tx.Records, rec)
	return nil
}

// CommitTransaction writes the commit marker and marks the transaction
// Committed.
func (jm *JournalManager) CommitTransaction(txID uint64) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	tx := jm.find(txID)
	if tx == nil {
		return errors.Wrapf(basic.ErrInvalidParameter, "journal transaction %d not found", txID)
	}
	if tx.State != JOURNAL_TXN_ACTIVE {
		return errors.Wrapf(basic.ErrInvalidTransactionState, "commit journal transaction %d in state %s", txID, tx.State)
	}
	if err := jm.writeMarkers(tx, markerCommit); err != nil {
		return err
	}
	tx.State = JOURNAL_TXN_COMMITTED
	logger.Debugf("journal transaction %d committed with %d records", txID, len(tx.Records))
	return nil
}

// AbortTransaction replays the undo of every record of the transaction in
// reverse order, writes the abort marker and marks it Aborted. If an undo
// fails the transaction stays Active and may be aborted again.
func (jm *JournalManager) AbortTransaction(txID uint64) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	tx := jm.find(txID)
	if tx == nil {
		return errors.Wrapf(basic.ErrInvalidParameter, "journal transaction %d not found", txID)
	}
	if tx.State != JOURNAL_TXN_ACTIVE {
		return errors.Wrapf(basic.ErrInvalidTransactionState, "abort journal transaction %d in state %s", txID, tx.State)
	}

	if jm.undo != nil {
		for i := len(tx.Records) - 1; i >= 0; i-- {
			if err := jm.undo.ApplyUndo(tx.Records[i]); err != nil {
				return errors.Wrapf(err, "undo seq %d of journal transaction %d", tx.Records[i].SequenceNumber, txID)
			}
		}
	}
	if err := jm.writeMarkers(tx, markerAbort); err != nil {
		return err
	}
	tx.State = JOURNAL_TXN_ABORTED
	logger.Debugf("journal transaction %d aborted, %d records undone", txID, len(tx.Records))
	return nil
}

// CleanupCompletedTransactions drops terminal transactions from the
// catalogue and returns how many were dropped. With an archiver set, a
// transaction is dropped only after it was archived.
func (jm *JournalManager) CleanupCompletedTransactions() int {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	kept := jm.activeTransactions[:0]
	dropped := 0
	for _, tx := range jm.activeTransactions {
		if tx.State == JOURNAL_TXN_ACTIVE {
			kept = append(kept, tx)
			continue
		}
		if jm.archiver != nil {
			if err := jm.archiver.Archive(tx); err != nil {
				logger.Warnf("archive journal transaction %d: %v", tx.ID, err)
				kept = append(kept, tx)
				continue
			}
		}
		dropped++
	}
	for i := len(kept); i < len(jm.activeTransactions); i++ {
		jm.activeTransactions[i] = nil
	}
	jm.activeTransactions = kept
	return dropped
}

// GetTransaction 返回事务快照
func (jm *JournalManager) GetTransaction(txID uint64) *JournalTransaction {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	tx := jm.find(txID)
	if tx == nil {
		return nil
	}
	snapshot := *tx
	snapshot.Records = append([]*record.LogRecord(nil), tx.Records...)
	return &snapshot
}

// TransactionCount 返回目录中的事务数
func (jm *JournalManager) TransactionCount() int {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	return len(jm.activeTransactions)
}

func (jm *JournalManager) find(txID uint64) *JournalTransaction {
	for _, tx := range jm.activeTransactions {
		if tx.ID == txID {
			return tx
		}
	}
	return nil
}

// slotSector 计算序列号对应的扇区(相对日志区起点)
func (jm *JournalManager) slotSector(seq uint64) uint64 {
	if jm.maxRecords == 0 {
		return 0
	}
	return (seq % jm.maxRecords) * jm.slotSize / basic.SectorSize
}

// write 编码并写入一条记录, 调用方需持有 jm.mu
func (jm *JournalManager) write(op record.OperationType, target uint64, undo, redo []byte) (*record.LogRecord, error) {
	if n := record.EncodedLen(len(undo), len(redo)); uint64(n) > jm.slotSize {
		return nil, errors.Wrapf(basic.ErrRecordTooLarge, "record of %d bytes, slot of %d", n, jm.slotSize)
	}

	rec := record.NewLogRecord(jm.currentSequence, op, target, undo, redo, jm.clock)
	buf := make([]byte, jm.slotSize)
	copy(buf, record.Encode(rec))

	lba := jm.journalStartSector + jm.slotSector(rec.SequenceNumber)
	if err := jm.device.WriteSectors(lba, buf); err != nil {
		return nil, errors.Wrapf(basic.ErrIOError, "write seq %d at lba %d: %v", rec.SequenceNumber, lba, err)
	}
	jm.currentSequence++
	return rec, nil
}

// markerCapacity 单个标记记录可容纳的成员序列号数
func (jm *JournalManager) markerCapacity() int {
	return (int(jm.slotSize) - record.HeaderSize - len(markerMembers)) / 8
}

// writeMarkers 写入事务标记. 成员过多时先写 MEMBERS 记录, 最后一条为
// COMMIT/ABORT.
func (jm *JournalManager) writeMarkers(tx *JournalTransaction, kind string) error {
	members := make([]uint64, 0, len(tx.Records))
	for _, rec := range tx.Records {
		members = append(members, rec.SequenceNumber)
	}

	capacity := jm.markerCapacity()
	for len(members) > capacity {
		if _, err := jm.write(record.OP_UPDATE_METADATA, tx.ID, encodeMembers(members[:capacity]), []byte(markerMembers)); err != nil {
			return err
		}
		members = members[capacity:]
	}
	if _, err := jm.write(record.OP_UPDATE_METADATA, tx.ID, encodeMembers(members), []byte(kind)); err != nil {
		return err
	}
	if err := jm.device.Sync(); err != nil {
		return errors.Wrapf(basic.ErrIOError, "sync journal: %v", err)
	}
	return nil
}

func encodeMembers(seqs []uint64) []byte {
	buf := make([]byte, 0, len(seqs)*8)
	for _, seq := range seqs {
		buf = util.WriteUB8(buf, seq)
	}
	return buf
}

func decodeMembers(data []byte) []uint64 {
	seqs := make([]uint64, 0, len(data)/8)
	for cursor := 0; cursor+8 <= len(data); {
		var seq uint64
		cursor, seq = util.ReadUB8(data, cursor)
		seqs = append(seqs, seq)
	}
	return seqs
}
