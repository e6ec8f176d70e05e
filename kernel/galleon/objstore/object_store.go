package objstore

// ObjectStore is the collaborator that owns object and space state. The
// journal and transaction layers never mutate state except through it.
type ObjectStore interface {
	// Validate reports whether op can still be applied to current state.
	Validate(op Operation) error
	// Snapshot returns the pre-image of whatever op will touch.
	Snapshot(op Operation) ([]byte, error)
	// Apply performs op.
	Apply(op Operation) error
	// Restore puts back a pre-image taken by Snapshot. Restoring is
	// idempotent: the same image may be restored more than once.
	Restore(kind OperationKind, target uint64, image []byte) error
}
