package objstore

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/zhukovaskychina/galleonfs/kernel/galleon/basic"
)

// OperationKind tags the logical operation variants a transaction queues.
type OperationKind uint8

const (
	OP_KIND_CREATE_OBJECT OperationKind = iota + 1
	OP_KIND_UPDATE_OBJECT
	OP_KIND_DELETE_OBJECT
	OP_KIND_WRITE_DATA
	OP_KIND_TRUNCATE_DATA
	OP_KIND_ALLOCATE_SPACE
	OP_KIND_DEALLOCATE_SPACE
)

func (k OperationKind) String() string {
	switch k {
	case OP_KIND_CREATE_OBJECT:
		return "CreateObject"
	case OP_KIND_UPDATE_OBJECT:
		return "UpdateObject"
	case OP_KIND_DELETE_OBJECT:
		return "DeleteObject"
	case OP_KIND_WRITE_DATA:
		return "WriteData"
	case OP_KIND_TRUNCATE_DATA:
		return "TruncateData"
	case OP_KIND_ALLOCATE_SPACE:
		return "AllocateSpace"
	case OP_KIND_DEALLOCATE_SPACE:
		return "DeallocateSpace"
	}
	return fmt.Sprintf("OperationKind(%d)", uint8(k))
}

// IsSpace reports whether k addresses a disk range rather than an object.
func (k OperationKind) IsSpace() bool {
	return k == OP_KIND_ALLOCATE_SPACE || k == OP_KIND_DEALLOCATE_SPACE
}

// Operation is one queued mutation. Target is the object id for object
// operations and the range offset for space operations.
type Operation interface {
	Kind() OperationKind
	Target() uint64
}

// ObjectOf returns the object id op mutates, if any.
func ObjectOf(op Operation) (uint64, bool) {
	if op.Kind().IsSpace() {
		return 0, false
	}
	return op.Target(), true
}

// Canonical returns op as its value variant. Pointers to the variants are
// dereferenced; nil pointers and foreign types are rejected.
func Canonical(op Operation) (Operation, error) {
	switch o := op.(type) {
	case CreateObject, UpdateObject, DeleteObject, WriteData, TruncateData, AllocateSpace, DeallocateSpace:
		return op, nil
	case *CreateObject:
		if o != nil {
			return *o, nil
		}
	case *UpdateObject:
		if o != nil {
			return *o, nil
		}
	case *DeleteObject:
		if o != nil {
			return *o, nil
		}
	case *WriteData:
		if o != nil {
			return *o, nil
		}
	case *TruncateData:
		if o != nil {
			return *o, nil
		}
	case *AllocateSpace:
		if o != nil {
			return *o, nil
		}
	case *DeallocateSpace:
		if o != nil {
			return *o, nil
		}
	}
	return nil, errors.Wrapf(basic.ErrInvalidParameter, "unsupported operation %T", op)
}

type CreateObject struct {
	ID   uint64
	Data []byte
}

type UpdateObject struct {
	ID  uint64
	Old []byte
	New []byte
}

type DeleteObject struct {
	ID uint64
}

type WriteData struct {
	ID     uint64
	Offset uint64
	Data   []byte
}

type TruncateData struct {
	ID      uint64
	OldSize uint64
	NewSize uint64
}

type AllocateSpace struct {
	Offset uint64
	Size   uint64
}

type DeallocateSpace struct {
	Offset uint64
	Size   uint64
}

func (CreateObject) Kind() OperationKind    { return OP_KIND_CREATE_OBJECT }
func (UpdateObject) Kind() OperationKind    { return OP_KIND_UPDATE_OBJECT }
func (DeleteObject) Kind() OperationKind    { return OP_KIND_DELETE_OBJECT }
func (WriteData) Kind() OperationKind       { return OP_KIND_WRITE_DATA }
func (TruncateData) Kind() OperationKind    { return OP_KIND_TRUNCATE_DATA }
func (AllocateSpace) Kind() OperationKind   { return OP_KIND_ALLOCATE_SPACE }
func (DeallocateSpace) Kind() OperationKind { return OP_KIND_DEALLOCATE_SPACE }

func (o CreateObject) Target() uint64    { return o.ID }
func (o UpdateObject) Target() uint64    { return o.ID }
func (o DeleteObject) Target() uint64    { return o.ID }
func (o WriteData) Target() uint64       { return o.ID }
func (o TruncateData) Target() uint64    { return o.ID }
func (o AllocateSpace) Target() uint64   { return o.Offset }
func (o DeallocateSpace) Target() uint64 { return o.Offset }
