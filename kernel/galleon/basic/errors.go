package basic

import "errors"

// 参数/状态错误
var (
	// ErrInvalidParameter is returned when an operation names a transaction
	// that does not exist or is no longer Active.
	ErrInvalidParameter        = errors.New("invalid parameter")
	ErrInvalidTransactionState = errors.New("invalid transaction state")
	ErrSavepointNotFound       = errors.New("savepoint not found")
)

// 日志记录错误
var (
	ErrMalformedRecord  = errors.New("malformed journal record")
	ErrShortBuffer      = errors.New("journal record buffer too short")
	ErrBadSignature     = errors.New("journal record signature mismatch")
	ErrBadLength        = errors.New("journal record payload length exceeds buffer")
	ErrUnknownOperation = errors.New("unknown journal operation type")
	ErrChecksumMismatch = errors.New("journal record checksum mismatch")
	ErrRecordTooLarge   = errors.New("journal record larger than slot")
)

// 锁相关错误
var (
	ErrDeadlockDetected = errors.New("deadlock detected")
	ErrLockTimeout      = errors.New("lock timeout")
)

// 系统错误
var (
	ErrIOError        = errors.New("I/O error")
	ErrArchiveCorrupt = errors.New("archive frame corrupt")
)

// malformed groups the decode failures under ErrMalformedRecord.
type malformed struct {
	cause error
}

func (m *malformed) Error() string { return m.cause.Error() }

func (m *malformed) Is(target error) bool {
	return target == ErrMalformedRecord
}

func (m *malformed) Unwrap() error { return m.cause }

// Malformed tags one of the finer record errors so that errors.Is matches
// both it and ErrMalformedRecord.
func Malformed(cause error) error {
	return &malformed{cause: cause}
}
