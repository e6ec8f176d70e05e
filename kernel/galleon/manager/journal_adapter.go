package manager

import (
	"github.com/pkg/errors"
	"github.com/zhukovaskychina/galleonfs/kernel/galleon/basic"
	"github.com/zhukovaskychina/galleonfs/kernel/galleon/objstore"
	"github.com/zhukovaskychina/galleonfs/kernel/galleon/record"
	"github.com/zhukovaskychina/galleonfs/logger"
	"github.com/zhukovaskychina/galleonfs/util"
)

// 逻辑操作到日志操作码的映射
var journalOpTypes = map[objstore.OperationKind]record.OperationType{
	objstore.OP_KIND_CREATE_OBJECT:    record.OP_CREATE_FILE,
	objstore.OP_KIND_UPDATE_OBJECT:    record.OP_UPDATE_METADATA,
	objstore.OP_KIND_DELETE_OBJECT:    record.OP_DELETE_FILE,
	objstore.OP_KIND_WRITE_DATA:       record.OP_WRITE_DATA,
	objstore.OP_KIND_TRUNCATE_DATA:    record.OP_SET_ATTRIBUTE,
	objstore.OP_KIND_ALLOCATE_SPACE:   record.OP_UPDATE_METADATA,
	objstore.OP_KIND_DEALLOCATE_SPACE: record.OP_UPDATE_METADATA,
}

// EncodeOperation turns a logical operation and the pre-image captured
// before it into journal record fields. Both payloads start with the
// operation kind; undo carries the pre-image, redo the operation itself.
func EncodeOperation(op objstore.Operation, image []byte) (record.OperationType, uint64, []byte, []byte) {
	kind := byte(op.Kind())
	undo := util.WriteBytes([]byte{kind}, image)
	redo := []byte{kind}

	switch o := op.(type) {
	case objstore.CreateObject:
		redo = util.WriteBytes(redo, o.Data)
	case objstore.UpdateObject:
		redo = util.WriteUB4(redo, uint32(len(o.Old)))
		redo = util.WriteBytes(redo, o.Old)
		redo = util.WriteBytes(redo, o.New)
	case objstore.DeleteObject:
	case objstore.WriteData:
		redo = util.WriteUB8(redo, o.Offset)
		redo = util.WriteBytes(redo, o.Data)
	case objstore.TruncateData:
		redo = util.WriteUB8(redo, o.OldSize)
		redo = util.WriteUB8(redo, o.NewSize)
	case objstore.AllocateSpace:
		redo = util.WriteUB8(redo, o.Size)
	case objstore.DeallocateSpace:
		redo = util.WriteUB8(redo, o.Size)
	}
	return journalOpTypes[op.Kind()], op.Target(), undo, redo
}

// DecodeOperation rebuilds the logical operation from a record written by
// EncodeOperation.
func DecodeOperation(rec *record.LogRecord) (objstore.Operation, error) {
	redo := rec.RedoData
	if isMarker(rec) || len(redo) == 0 {
		return nil, errors.Wrapf(basic.ErrInvalidParameter, "seq %d carries no logical operation", rec.SequenceNumber)
	}
	kind := objstore.OperationKind(redo[0])
	if want, ok := journalOpTypes[kind]; !ok || want != rec.OperationType {
		return nil, errors.Wrapf(basic.ErrInvalidParameter, "seq %d: kind %d under %s", rec.SequenceNumber, redo[0], rec.OperationType)
	}

	body := redo[1:]
	need := func(n int) error {
		if len(body) < n {
			return basic.Malformed(errors.Wrapf(basic.ErrBadLength, "seq %d: %s payload of %d bytes", rec.SequenceNumber, kind, len(body)))
		}
		return nil
	}
	target := rec.TargetRecordID

	switch kind {
	case objstore.OP_KIND_CREATE_OBJECT:
		return objstore.CreateObject{ID: target, Data: append([]byte(nil), body...)}, nil
	case objstore.OP_KIND_UPDATE_OBJECT:
		if err := need(4); err != nil {
			return nil, err
		}
		cursor, oldLen := util.ReadUB4(body, 0)
		if err := need(4 + int(oldLen)); err != nil {
			return nil, err
		}
		cursor, old := util.ReadBytes(body, cursor, int(oldLen))
		_, newData := util.ReadBytes(body, cursor, len(body)-cursor)
		return objstore.UpdateObject{ID: target, Old: old, New: newData}, nil
	case objstore.OP_KIND_DELETE_OBJECT:
		return objstore.DeleteObject{ID: target}, nil
	case objstore.OP_KIND_WRITE_DATA:
		if err := need(8); err != nil {
			return nil, err
		}
		cursor, offset := util.ReadUB8(body, 0)
		_, data := util.ReadBytes(body, cursor, len(body)-cursor)
		return objstore.WriteData{ID: target, Offset: offset, Data: data}, nil
	case objstore.OP_KIND_TRUNCATE_DATA:
		if err := need(16); err != nil {
			return nil, err
		}
		cursor, oldSize := util.ReadUB8(body, 0)
		_, newSize := util.ReadUB8(body, cursor)
		return objstore.TruncateData{ID: target, OldSize: oldSize, NewSize: newSize}, nil
	case objstore.OP_KIND_ALLOCATE_SPACE, objstore.OP_KIND_DEALLOCATE_SPACE:
		if err := need(8); err != nil {
			return nil, err
		}
		_, size := util.ReadUB8(body, 0)
		if kind == objstore.OP_KIND_ALLOCATE_SPACE {
			return objstore.AllocateSpace{Offset: target, Size: size}, nil
		}
		return objstore.DeallocateSpace{Offset: target, Size: size}, nil
	}
	return nil, errors.Wrapf(basic.ErrInvalidParameter, "seq %d: kind %d", rec.SequenceNumber, redo[0])
}

// StoreUndoApplier restores the pre-images carried by journal records into
// an object store. It is the undo hook for abort and recovery.
type StoreUndoApplier struct {
	store objstore.ObjectStore
}

var _ UndoApplier = (*StoreUndoApplier)(nil)

func NewStoreUndoApplier(store objstore.ObjectStore) *StoreUndoApplier {
	return &StoreUndoApplier{store: store}
}

func (a *StoreUndoApplier) ApplyUndo(rec *record.LogRecord) error {
	if isMarker(rec) {
		return nil
	}
	if len(rec.UndoData) < 2 {
		logger.Warnf("seq %d has no undo image, skipped", rec.SequenceNumber)
		return nil
	}
	kind := objstore.OperationKind(rec.UndoData[0])
	if _, ok := journalOpTypes[kind]; !ok {
		logger.Warnf("seq %d has undo image of unknown kind %d, skipped", rec.SequenceNumber, rec.UndoData[0])
		return nil
	}
	return a.store.Restore(kind, rec.TargetRecordID, rec.UndoData[1:])
}

// journaledApplier writes every operation to the journal before applying it
// and commits the disk transaction once all are applied. Any failure aborts
// the disk transaction, whose undo hook restores what was applied.
type journaledApplier struct {
	journal *JournalManager
	store   objstore.ObjectStore
}

func (a *journaledApplier) applyAll(txID uint64, ops []objstore.Operation) error {
	diskID := a.journal.BeginTransaction()
	defer a.journal.CleanupCompletedTransactions()

	fail := func(cause error) error {
		if err := a.journal.AbortTransaction(diskID); err != nil {
			logger.Errorf("transaction %d: abort journal transaction %d: %v", txID, diskID, err)
			return errors.WithMessagef(cause, "journal transaction %d not rolled back: %v", diskID, err)
		}
		return cause
	}

	for _, op := range ops {
		image, err := a.store.Snapshot(op)
		if err != nil {
			return fail(err)
		}
		opType, target, undo, redo := EncodeOperation(op, image)
		if err := a.journal.LogOperation(diskID, opType, target, undo, redo); err != nil {
			return fail(err)
		}
		if err := a.store.Apply(op); err != nil {
			return fail(err)
		}
	}
	if err := a.journal.CommitTransaction(diskID); err != nil {
		return fail(err)
	}

	logger.WithFields(logger.Fields{
		"tx":         txID,
		"journal_tx": diskID,
		"state":      TRX_STATE_COMMITTED.JournalState().String(),
		"operations": len(ops),
	}).Debug("transaction applied through journal")
	return nil
}
