package manager

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/zhukovaskychina/galleonfs/kernel/galleon/basic"
	"github.com/zhukovaskychina/galleonfs/kernel/galleon/record"
	"github.com/zhukovaskychina/galleonfs/logger"
)

// Scan reads every record in the journal region and returns them ordered by
// sequence number, with the number of slots that carried a signature but
// failed to decode. A device read error aborts the scan.
func (jm *JournalManager) Scan() ([]*record.LogRecord, int, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	return jm.scan()
}

func (jm *JournalManager) scan() ([]*record.LogRecord, int, error) {
	var (
		records   []*record.LogRecord
		malformed int
	)
	for s := uint64(0); s < jm.journalSizeSectors; s++ {
		lba := jm.journalStartSector + s
		sector, err := jm.device.ReadSectors(lba, 1)
		if err != nil {
			return nil, malformed, errors.Wrapf(basic.ErrIOError, "read lba %d: %v", lba, err)
		}
		if !record.HasSignature(sector) {
			continue
		}

		n, err := record.PeekLen(sector)
		if err != nil {
			malformed++
			logger.Warnf("journal lba %d: %v", lba, err)
			continue
		}
		sectors := (uint64(n) + basic.SectorSize - 1) / basic.SectorSize
		if s+sectors > jm.journalSizeSectors {
			malformed++
			logger.Warnf("journal lba %d: record of %d bytes runs past journal end", lba, n)
			continue
		}

		buf := sector
		if sectors > 1 {
			if buf, err = jm.device.ReadSectors(lba, int(sectors)); err != nil {
				return nil, malformed, errors.Wrapf(basic.ErrIOError, "read %d sectors at lba %d: %v", sectors, lba, err)
			}
		}
		rec, err := record.Decode(buf)
		if err != nil {
			malformed++
			logger.Warnf("journal lba %d: %v", lba, err)
			continue
		}
		records = append(records, rec)
		s += sectors - 1
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].SequenceNumber < records[j].SequenceNumber
	})
	return records, malformed, nil
}

// recoveryPlan is the outcome of reading the journal: the records to undo,
// newest first, and the counters the journal must move past.
type recoveryPlan struct {
	stats  *RecoveryStats
	undo   []*record.LogRecord
	maxSeq uint64
	maxTx  uint64
}

// plan 两遍扫描: 第一遍收集标记与检查点, 第二遍挑出需撤销的记录
func (jm *JournalManager) plan() (*recoveryPlan, error) {
	records, malformed, err := jm.scan()
	if err != nil {
		return nil, err
	}
	p := &recoveryPlan{stats: &RecoveryStats{Scanned: len(records), Malformed: malformed}}

	owner := make(map[uint64]uint64)
	committed := make(map[uint64]bool)
	var boundary uint64

	// 第一遍: 收集标记
	for _, rec := range records {
		if rec.SequenceNumber > p.maxSeq {
			p.maxSeq = rec.SequenceNumber
		}
		if !isMarker(rec) {
			continue
		}
		if string(rec.RedoData) == markerCheckpoint {
			if rec.TargetRecordID > boundary {
				boundary = rec.TargetRecordID
			}
			continue
		}
		txID := rec.TargetRecordID
		if txID > p.maxTx {
			p.maxTx = txID
		}
		for _, seq := range decodeMembers(rec.UndoData) {
			owner[seq] = txID
		}
		if string(rec.RedoData) == markerCommit && !committed[txID] {
			committed[txID] = true
			p.stats.Committed++
		}
	}
	p.stats.Boundary = boundary

	// 第二遍: 逆序挑出未提交的记录, 检查点之前的已在上次恢复中处理
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if isMarker(rec) {
			continue
		}
		if txID, ok := owner[rec.SequenceNumber]; ok && committed[txID] {
			continue
		}
		if rec.SequenceNumber <= boundary {
			p.stats.Skipped++
			continue
		}
		p.undo = append(p.undo, rec)
	}
	return p, nil
}

// PendingUndo returns, newest first, the records Recover would undo without
// undoing them or writing anything.
func (jm *JournalManager) PendingUndo() ([]*record.LogRecord, *RecoveryStats, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	p, err := jm.plan()
	if err != nil {
		return nil, nil, err
	}
	p.stats.Undone = len(p.undo)
	return p.undo, p.stats, nil
}

// Recover scans the journal and undoes, newest first, every data record
// that does not belong to a committed transaction and lies past the last
// checkpoint. Ownership comes from the member lists carried by the markers;
// records with no marker at all were left by a transaction that never
// finished. Afterwards the sequence and transaction counters are moved past
// everything found on disk, and if anything was undone a checkpoint holding
// the highest recovered sequence is written so later mounts leave those
// records alone. Recover must run before any new transaction is started.
func (jm *JournalManager) Recover() (*RecoveryStats, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	p, err := jm.plan()
	if err != nil {
		return nil, err
	}
	stats := p.stats
	for _, rec := range p.undo {
		if jm.undo != nil {
			if err := jm.undo.ApplyUndo(rec); err != nil {
				return stats, errors.Wrapf(err, "undo seq %d during recovery", rec.SequenceNumber)
			}
		}
		stats.Undone++
	}

	if p.maxSeq >= jm.currentSequence {
		jm.currentSequence = p.maxSeq + 1
	}
	if p.maxTx >= jm.nextTransactionID {
		jm.nextTransactionID = p.maxTx + 1
	}
	if stats.Undone > 0 {
		if err := jm.writeCheckpoint(p.maxSeq); err != nil {
			return stats, err
		}
		stats.Boundary = p.maxSeq
	}

	logger.WithFields(logger.Fields{
		"scanned":   stats.Scanned,
		"malformed": stats.Malformed,
		"committed": stats.Committed,
		"skipped":   stats.Skipped,
		"undone":    stats.Undone,
		"boundary":  stats.Boundary,
	}).Info("journal recovery finished")
	return stats, nil
}

// writeCheckpoint 写入检查点记录, 目标字段为已恢复的最大序列号.
// 检查点的序列号大于它覆盖的所有记录, 循环覆盖时总是晚于这些记录被覆盖.
func (jm *JournalManager) writeCheckpoint(boundary uint64) error {
	if _, err := jm.write(record.OP_UPDATE_METADATA, boundary, nil, []byte(markerCheckpoint)); err != nil {
		return err
	}
	if err := jm.device.Sync(); err != nil {
		return errors.Wrapf(basic.ErrIOError, "sync journal: %v", err)
	}
	return nil
}
