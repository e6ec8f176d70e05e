package manager

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/galleonfs/kernel/galleon/basic"
	"github.com/zhukovaskychina/galleonfs/kernel/galleon/record"
	"github.com/zhukovaskychina/galleonfs/kernel/galleon/storage/store/blocks"
)

// recoverCrashed 在设备快照上重新挂载日志并恢复
func recoverCrashed(t *testing.T, dev *blocks.MemDevice, start, size uint64) (*JournalManager, *RecoveryStats, *undoRecorder) {
	t.Helper()
	jm := newTestJournal(t, dev.Snapshot(), start, size)
	undo := &undoRecorder{}
	jm.SetUndoApplier(undo)
	stats, err := jm.Recover()
	require.NoError(t, err)
	return jm, stats, undo
}

// snapshotOf 复制日志当前所在的内存设备, 模拟再次崩溃
func snapshotOf(t *testing.T, jm *JournalManager) *blocks.MemDevice {
	t.Helper()
	dev, ok := jm.device.(*blocks.MemDevice)
	require.True(t, ok)
	return dev.Snapshot()
}

func TestRecoverEndToEnd(t *testing.T) {
	t.Run("committed record is kept", func(t *testing.T) {
		dev := blocks.NewMemDevice(64)
		jm := newTestJournal(t, dev, 0, 64)

		tx := jm.BeginTransaction()
		assert.Equal(t, uint64(1), tx)
		require.NoError(t, jm.LogOperation(tx, record.OP_CREATE_FILE, 42, []byte{}, []byte("payload")))
		assert.Equal(t, uint64(2), jm.CurrentSequence())
		require.NoError(t, jm.CommitTransaction(tx))
		assert.Equal(t, JOURNAL_TXN_COMMITTED, jm.GetTransaction(tx).State)

		_, stats, undo := recoverCrashed(t, dev, 0, 64)
		assert.Empty(t, undo.seqs)
		assert.Equal(t, &RecoveryStats{Scanned: 2, Committed: 1}, stats)
	})

	t.Run("aborted record is undone again and nothing else", func(t *testing.T) {
		dev := blocks.NewMemDevice(64)
		jm := newTestJournal(t, dev, 0, 64)

		tx := jm.BeginTransaction()
		require.NoError(t, jm.LogOperation(tx, record.OP_CREATE_FILE, 42, []byte{}, []byte("payload")))
		require.NoError(t, jm.AbortTransaction(tx))

		_, stats, undo := recoverCrashed(t, dev, 0, 64)
		assert.Equal(t, []uint64{1}, undo.seqs)
		assert.Equal(t, 1, stats.Undone)
		assert.Zero(t, stats.Committed)
	})

	t.Run("unfinished transaction is undone newest first", func(t *testing.T) {
		dev := blocks.NewMemDevice(64)
		jm := newTestJournal(t, dev, 0, 64)

		done := jm.BeginTransaction()
		for i := 0; i < 3; i++ {
			require.NoError(t, jm.LogOperation(done, record.OP_WRITE_DATA, 1, []byte("u"), []byte("r")))
		}
		pending := jm.BeginTransaction()
		require.NoError(t, jm.LogOperation(pending, record.OP_WRITE_DATA, 2, []byte("u"), []byte("r")))
		require.NoError(t, jm.CommitTransaction(done))
		require.NoError(t, jm.LogOperation(pending, record.OP_DELETE_FILE, 2, []byte("u"), nil))

		recovered, stats, undo := recoverCrashed(t, dev, 0, 64)
		assert.Equal(t, []uint64{6, 4}, undo.seqs)
		assert.Equal(t, &RecoveryStats{Scanned: 6, Committed: 1, Undone: 2, Boundary: 6}, stats)

		// seq 7 为检查点
		assert.Equal(t, uint64(8), recovered.CurrentSequence())
		assert.Equal(t, uint64(2), recovered.BeginTransaction())
	})
}

func TestRecoverSkipsMalformedSlots(t *testing.T) {
	dev := blocks.NewMemDevice(64)
	jm := newTestJournal(t, dev, 8, 32)

	done := jm.BeginTransaction()
	require.NoError(t, jm.LogOperation(done, record.OP_WRITE_DATA, 1, []byte("u"), []byte("r")))
	require.NoError(t, jm.CommitTransaction(done))
	pending := jm.BeginTransaction()
	require.NoError(t, jm.LogOperation(pending, record.OP_WRITE_DATA, 2, []byte("u"), []byte("r")))
	require.NoError(t, jm.LogOperation(pending, record.OP_WRITE_DATA, 3, []byte("u"), []byte("r")))

	// 破坏 seq 3 的负载
	dev.Corrupt((8+3)*basic.SectorSize+record.HeaderSize, 0xFF)

	_, stats, undo := recoverCrashed(t, dev, 8, 32)
	assert.Equal(t, 1, stats.Malformed)
	assert.Equal(t, 3, stats.Scanned)
	assert.Equal(t, []uint64{4}, undo.seqs)
}

func TestRecoverReadFailure(t *testing.T) {
	dev := blocks.NewMemDevice(16)
	jm := newTestJournal(t, dev, 0, 16)
	tx := jm.BeginTransaction()
	require.NoError(t, jm.LogOperation(tx, record.OP_WRITE_DATA, 1, nil, nil))

	dev.SetFailReads(true)
	stats, err := jm.Recover()
	assert.Nil(t, stats)
	assert.True(t, errors.Is(err, basic.ErrIOError))
}

func TestRecoverEmptyJournal(t *testing.T) {
	dev := blocks.NewMemDevice(16)
	jm, stats, undo := recoverCrashed(t, dev, 0, 16)
	assert.Equal(t, &RecoveryStats{}, stats)
	assert.Empty(t, undo.seqs)
	assert.Equal(t, uint64(1), jm.CurrentSequence())
}

func TestRecoverUndoFailureStopsMount(t *testing.T) {
	dev := blocks.NewMemDevice(16)
	jm := newTestJournal(t, dev, 0, 16)
	tx := jm.BeginTransaction()
	require.NoError(t, jm.LogOperation(tx, record.OP_WRITE_DATA, 1, nil, nil))

	crashed := newTestJournal(t, dev.Snapshot(), 0, 16)
	crashed.SetUndoApplier(&undoRecorder{fail: true})
	_, err := crashed.Recover()
	assert.Error(t, err)
}

func TestRecoverCheckpoint(t *testing.T) {
	dev := blocks.NewMemDevice(64)
	jm := newTestJournal(t, dev, 0, 64)
	crashed := jm.BeginTransaction()
	require.NoError(t, jm.LogOperation(crashed, record.OP_WRITE_DATA, 5, []byte("A"), []byte("B")))

	// 第二次挂载: 撤销 seq 1, 写检查点, 再提交同一对象的新写入
	second, stats, undo := recoverCrashed(t, dev, 0, 64)
	assert.Equal(t, []uint64{1}, undo.seqs)
	assert.Equal(t, uint64(1), stats.Boundary)
	assert.Equal(t, uint64(3), second.CurrentSequence())

	records, _, err := second.Scan()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []byte(markerCheckpoint), records[1].RedoData)
	assert.Equal(t, uint64(1), records[1].TargetRecordID)

	tx := second.BeginTransaction()
	require.NoError(t, second.LogOperation(tx, record.OP_WRITE_DATA, 5, []byte("A"), []byte("C")))
	require.NoError(t, second.CommitTransaction(tx))

	// 第三次挂载: seq 1 已处理过, 不再撤销
	t.Run("later mount leaves recovered records alone", func(t *testing.T) {
		third := newTestJournal(t, snapshotOf(t, second), 0, 64)
		again := &undoRecorder{}
		third.SetUndoApplier(again)
		stats, err := third.Recover()
		require.NoError(t, err)
		assert.Empty(t, again.seqs)
		assert.Equal(t, &RecoveryStats{Scanned: 4, Committed: 1, Skipped: 1, Boundary: 1}, stats)
		assert.Equal(t, uint64(5), third.CurrentSequence())
	})

	t.Run("records after the checkpoint are still undone", func(t *testing.T) {
		dev := blocks.NewMemDevice(64)
		jm := newTestJournal(t, dev, 0, 64)
		require.NoError(t, jm.LogOperation(jm.BeginTransaction(), record.OP_WRITE_DATA, 5, []byte("A"), []byte("B")))

		second, _, _ := recoverCrashed(t, dev, 0, 64)
		require.NoError(t, second.LogOperation(second.BeginTransaction(), record.OP_WRITE_DATA, 6, []byte("X"), []byte("Y")))

		_, stats, undo := recoverCrashed(t, snapshotOf(t, second), 0, 64)
		assert.Equal(t, []uint64{3}, undo.seqs)
		assert.Equal(t, 1, stats.Skipped)
		assert.Equal(t, uint64(3), stats.Boundary)
	})
}

func TestPendingUndoIsReadOnly(t *testing.T) {
	dev := blocks.NewMemDevice(64)
	jm := newTestJournal(t, dev, 0, 64)
	tx := jm.BeginTransaction()
	require.NoError(t, jm.LogOperation(tx, record.OP_WRITE_DATA, 1, []byte("u"), []byte("r")))
	require.NoError(t, jm.LogOperation(tx, record.OP_WRITE_DATA, 2, []byte("u"), []byte("r")))

	mounted := newTestJournal(t, dev.Snapshot(), 0, 64)
	undo := &undoRecorder{}
	mounted.SetUndoApplier(undo)
	pending, stats, err := mounted.PendingUndo()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, uint64(2), pending[0].SequenceNumber)
	assert.Equal(t, uint64(1), pending[1].SequenceNumber)
	assert.Equal(t, 2, stats.Undone)
	assert.Zero(t, stats.Boundary)

	assert.Empty(t, undo.seqs)
	assert.Equal(t, uint64(1), mounted.CurrentSequence())
	records, _, err := mounted.Scan()
	require.NoError(t, err)
	assert.Len(t, records, 2)
}
