package record

import (
	"bytes"
	"fmt"

	"github.com/pkg/errors"
	"github.com/zhukovaskychina/galleonfs/kernel/galleon/basic"
	"github.com/zhukovaskychina/galleonfs/util"
)

const (
	// HeaderSize is the fixed header length: signature, sequence, op, target,
	// undo_len, redo_len, checksum, timestamp.
	HeaderSize = 44
	// RecordAlign is the padding boundary of an encoded record.
	RecordAlign = 8
)

// Signature starts every encoded record.
var Signature = []byte("JRNL")

// LogRecord is one write-ahead log entry.
type LogRecord struct {
	SequenceNumber uint64
	OperationType  OperationType
	TargetRecordID uint64
	UndoData       []byte
	RedoData       []byte
	Checksum       uint32
	Timestamp      uint64
}

// NewLogRecord builds a record stamped by clock with its checksum filled in.
func NewLogRecord(seq uint64, op OperationType, target uint64, undo, redo []byte, clock Clock) *LogRecord {
	if clock == nil {
		clock = DefaultClock
	}
	r := &LogRecord{
		SequenceNumber: seq,
		OperationType:  op,
		TargetRecordID: target,
		UndoData:       undo,
		RedoData:       redo,
		Timestamp:      clock.Next(),
	}
	r.Checksum = Checksum(r)
	return r
}

// Checksum folds every field except the timestamp into 32 bits with XOR.
//
// Each payload byte is XORed into the low byte only, so reordering payload
// bytes never changes the result. Existing journals verify with exactly
// this function.
func Checksum(r *LogRecord) uint32 {
	var sum uint32
	sum ^= uint32(r.SequenceNumber)
	sum ^= uint32(r.SequenceNumber >> 32)
	sum ^= uint32(r.OperationType)
	sum ^= uint32(r.TargetRecordID)
	sum ^= uint32(r.TargetRecordID >> 32)
	for _, b := range r.UndoData {
		sum ^= uint32(b)
	}
	for _, b := range r.RedoData {
		sum ^= uint32(b)
	}
	return sum
}

// Verify reports whether the stored checksum matches the fields.
func (r *LogRecord) Verify() bool {
	return r.Checksum == Checksum(r)
}

// EncodedLen is the padded on-disk size of a record with the given payloads.
func EncodedLen(undoLen, redoLen int) int {
	return util.AlignUp(HeaderSize+undoLen+redoLen, RecordAlign)
}

// Len returns the padded encoded size of r.
func (r *LogRecord) Len() int {
	return EncodedLen(len(r.UndoData), len(r.RedoData))
}

// Encode serializes r in the bit-exact journal format.
func Encode(r *LogRecord) []byte {
	buf := make([]byte, 0, r.Len())
	buf = util.WriteBytes(buf, Signature)
	buf = util.WriteUB8(buf, r.SequenceNumber)
	buf = util.WriteUB4(buf, uint32(r.OperationType))
	buf = util.WriteUB8(buf, r.TargetRecordID)
	buf = util.WriteUB4(buf, uint32(len(r.UndoData)))
	buf = util.WriteUB4(buf, uint32(len(r.RedoData)))
	buf = util.WriteUB4(buf, r.Checksum)
	buf = util.WriteUB8(buf, r.Timestamp)
	buf = util.WriteBytes(buf, r.UndoData)
	buf = util.WriteBytes(buf, r.RedoData)
	return util.PadTo(buf, RecordAlign)
}

// HasSignature reports whether buf starts with the record signature.
func HasSignature(buf []byte) bool {
	return len(buf) >= len(Signature) && bytes.Equal(buf[:len(Signature)], Signature)
}

// PeekLen reads the declared payload lengths from a header and returns the
// padded size the whole record needs. buf must hold at least HeaderSize bytes.
func PeekLen(buf []byte) (int, error) {
	if len(buf) < HeaderSize {
		return 0, basic.Malformed(errors.Wrapf(basic.ErrShortBuffer, "need %d header bytes, have %d", HeaderSize, len(buf)))
	}
	_, undoLen := util.ReadUB4(buf, 24)
	_, redoLen := util.ReadUB4(buf, 28)
	return EncodedLen(int(undoLen), int(redoLen)), nil
}

// Decode parses one record from the front of buf. Trailing bytes (padding,
// the rest of a sector) are ignored. The record is returned only if its
// checksum verifies.
func Decode(buf []byte) (*LogRecord, error) {
	if len(buf) < HeaderSize {
		return nil, basic.Malformed(errors.Wrapf(basic.ErrShortBuffer, "need %d header bytes, have %d", HeaderSize, len(buf)))
	}
	if !HasSignature(buf) {
		return nil, basic.Malformed(errors.Wrapf(basic.ErrBadSignature, "got %q", buf[:len(Signature)]))
	}

	r := &LogRecord{}
	cursor := len(Signature)
	var op, undoLen, redoLen uint32
	cursor, r.SequenceNumber = util.ReadUB8(buf, cursor)
	cursor, op = util.ReadUB4(buf, cursor)
	cursor, r.TargetRecordID = util.ReadUB8(buf, cursor)
	cursor, undoLen = util.ReadUB4(buf, cursor)
	cursor, redoLen = util.ReadUB4(buf, cursor)
	cursor, r.Checksum = util.ReadUB4(buf, cursor)
	cursor, r.Timestamp = util.ReadUB8(buf, cursor)

	r.OperationType = OperationType(op)
	if !r.OperationType.Valid() {
		return nil, basic.Malformed(errors.Wrapf(basic.ErrUnknownOperation, "code %d at sequence %d", op, r.SequenceNumber))
	}

	need := uint64(HeaderSize) + uint64(undoLen) + uint64(redoLen)
	if need > uint64(len(buf)) {
		return nil, basic.Malformed(errors.Wrapf(basic.ErrBadLength, "undo %d + redo %d exceed %d remaining bytes", undoLen, redoLen, len(buf)-HeaderSize))
	}

	cursor, r.UndoData = util.ReadBytes(buf, cursor, int(undoLen))
	_, r.RedoData = util.ReadBytes(buf, cursor, int(redoLen))

	if !r.Verify() {
		return nil, basic.Malformed(errors.Wrapf(basic.ErrChecksumMismatch, "sequence %d: stored %#08x, computed %#08x", r.SequenceNumber, r.Checksum, Checksum(r)))
	}
	return r, nil
}

func (r *LogRecord) String() string {
	return fmt.Sprintf("LogRecord{seq=%d op=%s target=%d undo=%d redo=%d ts=%d}",
		r.SequenceNumber, r.OperationType, r.TargetRecordID, len(r.UndoData), len(r.RedoData), r.Timestamp)
}
