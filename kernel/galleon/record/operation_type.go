package record

import "fmt"

// OperationType is the on-disk operation code of a journal record (u32, 1..8).
type OperationType uint32

const (
	OP_CREATE_FILE OperationType = iota + 1
	OP_DELETE_FILE
	OP_WRITE_DATA
	OP_UPDATE_METADATA
	OP_CREATE_DIRECTORY
	OP_DELETE_DIRECTORY
	OP_MOVE_FILE
	OP_SET_ATTRIBUTE
)

var operationNames = map[OperationType]string{
	OP_CREATE_FILE:      "CreateFile",
	OP_DELETE_FILE:      "DeleteFile",
	OP_WRITE_DATA:       "WriteData",
	OP_UPDATE_METADATA:  "UpdateMetadata",
	OP_CREATE_DIRECTORY: "CreateDirectory",
	OP_DELETE_DIRECTORY: "DeleteDirectory",
	OP_MOVE_FILE:        "MoveFile",
	OP_SET_ATTRIBUTE:    "SetAttribute",
}

// Valid reports whether t is one of the eight known codes.
func (t OperationType) Valid() bool {
	return t >= OP_CREATE_FILE && t <= OP_SET_ATTRIBUTE
}

func (t OperationType) String() string {
	if name, ok := operationNames[t]; ok {
		return name
	}
	return fmt.Sprintf("OperationType(%d)", uint32(t))
}
