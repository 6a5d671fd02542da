package object

// Op is a single operation of a change.
type Op struct {
	Action Action
	// Obj is the object the operation applies to.
	Obj OpID
	// Key is the map key or list element the operation applies to.
	Key Key
	// Insert is true if the operation creates a new list element after Key.
	Insert bool
	// Value is the value assigned by set and the delta applied by inc.
	Value Value
	// Values holds the values of a multi-insert shorthand operation.
	Values []Value
	// MultiOp is the number of consecutive elements removed by a multi-delete shorthand operation.
	MultiOp int
	// Child is the object referenced by a link operation.
	Child OpID
	// Pred is the list of operations this operation supersedes.
	Pred []OpID
}

// NumOps returns the number of operation ids the operation consumes.
func (op *Op) NumOps() int {
	switch {
	case op.Action == Set && op.Insert && op.Values != nil:
		return len(op.Values)
	case op.Action == Del && op.MultiOp > 1:
		return op.MultiOp
	default:
		return 1
	}
}

// Change is an actor's batch of operations.
type Change struct {
	// Actor is the hex id of the actor that created the change.
	Actor string
	// Seq is the 1-based sequence number of the change for its actor.
	Seq uint64
	// StartOp is the counter of the first operation.
	StartOp uint64
	// Time is the creation time in milliseconds since the epoch.
	Time int64
	// Message is an optional description of the change.
	Message string
	// Deps is the sorted list of hashes of changes this change depends on.
	Deps []Hash
	// Ops is the list of operations.
	Ops []Op
	// Hash is set when a change is encoded or decoded.
	Hash Hash
	// ExtraBytes is opaque trailing data that is preserved when re-encoding.
	ExtraBytes []byte
}

// NumOps returns the number of operation ids consumed by the change.
func (c *Change) NumOps() uint64 {
	var n uint64
	for i := range c.Ops {
		n += uint64(c.Ops[i].NumOps())
	}
	return n
}

// MaxOp returns the counter of the last operation of the change.
func (c *Change) MaxOp() uint64 {
	n := c.NumOps()
	if n == 0 {
		return max(c.StartOp, 1) - 1
	}
	return c.StartOp + n - 1
}
