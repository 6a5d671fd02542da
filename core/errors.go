package core

import "errors"

var (
	// ErrDuplicateOp is returned when an operation id is already present in the document.
	ErrDuplicateOp = errors.New("duplicate operation id")
	// ErrMissingPred is returned when an operation references a predecessor that does not exist.
	ErrMissingPred = errors.New("no matching operation for pred")
	// ErrMissingElement is returned when an operation references a list element that does not exist.
	ErrMissingElement = errors.New("reference element not found")
	// ErrMissingObject is returned when an operation references an object that does not exist.
	ErrMissingObject = errors.New("object not found")
	// ErrKeyType is returned when a map key is used on a list or an element id on a map.
	ErrKeyType = errors.New("key type does not match object type")
	// ErrSeqGap is returned when a change skips a sequence number of its actor.
	ErrSeqGap = errors.New("skipped sequence number")
	// ErrSeqReuse is returned in strict mode when a change reuses a sequence number of its actor.
	ErrSeqReuse = errors.New("reused sequence number")
	// ErrStartOp is returned when a change starts at an operation counter its actor already used.
	ErrStartOp = errors.New("operation counter already used")
	// ErrUnknownHash is returned when a change hash is not present in the document.
	ErrUnknownHash = errors.New("hash not found")
)
