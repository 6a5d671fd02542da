package object

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
)

const (
	// RootID is the textual id of the root map object.
	RootID = "_root"
	// HeadID is the textual element id of the start of a list.
	HeadID = "_head"
)

// OpID identifies an operation by a Lamport timestamp.
//
// The zero OpID is the root object when used as an object id
// and the list head when used as an element id.
type OpID struct {
	// Counter is the operation counter.
	Counter uint64
	// Actor is the hex id of the actor that created the operation.
	Actor string
}

// Root is the id of the root map object.
var Root = OpID{}

// ParseOpID parses an id of the form "<counter>@<actor>".
func ParseOpID(s string) (OpID, error) {
	if s == RootID || s == HeadID {
		return OpID{}, nil
	}
	counter, actor, ok := strings.Cut(s, "@")
	if !ok || actor == "" {
		return OpID{}, fmt.Errorf("invalid operation id %q", s)
	}
	n, err := strconv.ParseUint(counter, 10, 64)
	if err != nil || n == 0 {
		return OpID{}, fmt.Errorf("invalid operation id %q", s)
	}
	return OpID{Counter: n, Actor: actor}, nil
}

// IsZero returns true for the root / head sentinel.
func (id OpID) IsZero() bool {
	return id.Counter == 0 && id.Actor == ""
}

// Compare orders ids by counter, then by actor id.
func (id OpID) Compare(other OpID) int {
	if c := cmp.Compare(id.Counter, other.Counter); c != 0 {
		return c
	}
	return strings.Compare(id.Actor, other.Actor)
}

// Next returns the id with the counter advanced by n.
func (id OpID) Next(n uint64) OpID {
	return OpID{Counter: id.Counter + n, Actor: id.Actor}
}

func (id OpID) String() string {
	if id.IsZero() {
		return RootID
	}
	return strconv.FormatUint(id.Counter, 10) + "@" + id.Actor
}

func (id OpID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *OpID) UnmarshalText(text []byte) error {
	parsed, err := ParseOpID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Key is the property an operation applies to: a map key or a list element id.
type Key struct {
	// Str is the map key.
	Str string
	// Elem is the list element id.
	Elem OpID

	elem bool
}

// MapKey returns a map property key.
func MapKey(s string) Key {
	return Key{Str: s}
}

// ElemKey returns a list element key.
func ElemKey(id OpID) Key {
	return Key{Elem: id, elem: true}
}

// HeadKey is the element key that refers to the start of a list.
var HeadKey = ElemKey(OpID{})

// IsElem returns true if the key is a list element id.
func (k Key) IsElem() bool {
	return k.elem
}

// IsHead returns true if the key refers to the start of a list.
func (k Key) IsHead() bool {
	return k.elem && k.Elem.IsZero()
}

func (k Key) String() string {
	switch {
	case k.IsHead():
		return HeadID
	case k.elem:
		return k.Elem.String()
	default:
		return k.Str
	}
}

// Action is the type of an operation.
type Action uint64

const (
	MakeMap Action = iota
	Set
	MakeList
	Del
	MakeText
	Inc
	MakeTable
	Link
)

var actionNames = []string{"makeMap", "set", "makeList", "del", "makeText", "inc", "makeTable", "link"}

// ParseAction returns the action with the given name.
func ParseAction(name string) (Action, error) {
	for i, n := range actionNames {
		if n == name {
			return Action(i), nil
		}
	}
	return 0, fmt.Errorf("unknown action %q", name)
}

// IsMake returns true if the action creates a new object.
func (a Action) IsMake() bool {
	return a == MakeMap || a == MakeList || a == MakeText || a == MakeTable
}

// Known returns true if the action is one of the defined actions.
func (a Action) Known() bool {
	return a <= Link
}

// ObjType returns the type of object created by a make action.
func (a Action) ObjType() ObjType {
	switch a {
	case MakeMap:
		return Map
	case MakeList:
		return List
	case MakeText:
		return Text
	case MakeTable:
		return Table
	default:
		return ""
	}
}

func (a Action) String() string {
	if a.Known() {
		return actionNames[a]
	}
	return "action(" + strconv.FormatUint(uint64(a), 10) + ")"
}

// ObjType is the type of a document object.
type ObjType string

const (
	Map   ObjType = "map"
	List  ObjType = "list"
	Text  ObjType = "text"
	Table ObjType = "table"
)

// IsSequence returns true for list-like objects addressed by element ids.
func (t ObjType) IsSequence() bool {
	return t == List || t == Text
}
