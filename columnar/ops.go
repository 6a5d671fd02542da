package columnar

import (
	"fmt"
	"slices"

	"github.com/nasdf/automerge/codec"
	"github.com/nasdf/automerge/object"
)

// DocOp is an operation as stored in a document. Deletions are not stored
// as operations; they appear in the Succ list of the operations they remove.
type DocOp struct {
	ID     object.OpID
	Obj    object.OpID
	Key    object.Key
	Insert bool
	Action object.Action
	Value  object.Value
	Child  object.OpID
	// Succ is the sorted list of operations that overwrite or delete this one.
	Succ []object.OpID
}

// ElemID returns the list element the operation belongs to.
func (op *DocOp) ElemID() object.OpID {
	if op.Insert {
		return op.ID
	}
	return op.Key.Elem
}

// opRow is a single row of the operation columns. refs holds the preds of a
// change operation or the succs of a document operation.
type opRow struct {
	id     object.OpID
	obj    object.OpID
	key    object.Key
	insert bool
	action object.Action
	value  object.Value
	child  object.OpID
	refs   []object.OpID
}

type opEncoder struct {
	actors      map[string]int
	forDocument bool

	objActor  *codec.RLEEncoder[uint64]
	objCtr    *codec.RLEEncoder[uint64]
	keyActor  *codec.RLEEncoder[uint64]
	keyCtr    *codec.DeltaEncoder
	keyStr    *codec.RLEEncoder[string]
	idActor   *codec.RLEEncoder[uint64]
	idCtr     *codec.DeltaEncoder
	insert    *codec.BooleanEncoder
	action    *codec.RLEEncoder[uint64]
	valLen    *codec.RLEEncoder[uint64]
	valRaw    *codec.Encoder
	chldActor *codec.RLEEncoder[uint64]
	chldCtr   *codec.DeltaEncoder
	refNum    *codec.RLEEncoder[uint64]
	refActor  *codec.RLEEncoder[uint64]
	refCtr    *codec.DeltaEncoder
}

func newOpEncoder(actors map[string]int, forDocument bool) *opEncoder {
	return &opEncoder{
		actors:      actors,
		forDocument: forDocument,
		objActor:    codec.NewUintEncoder(),
		objCtr:      codec.NewUintEncoder(),
		keyActor:    codec.NewUintEncoder(),
		keyCtr:      codec.NewDeltaEncoder(),
		keyStr:      codec.NewStringEncoder(),
		idActor:     codec.NewUintEncoder(),
		idCtr:       codec.NewDeltaEncoder(),
		insert:      codec.NewBooleanEncoder(),
		action:      codec.NewUintEncoder(),
		valLen:      codec.NewUintEncoder(),
		valRaw:      codec.NewEncoder(),
		chldActor:   codec.NewUintEncoder(),
		chldCtr:     codec.NewDeltaEncoder(),
		refNum:      codec.NewUintEncoder(),
		refActor:    codec.NewUintEncoder(),
		refCtr:      codec.NewDeltaEncoder(),
	}
}

func (e *opEncoder) actorNum(actor string) (uint64, error) {
	num, ok := e.actors[actor]
	if !ok {
		return 0, fmt.Errorf("unknown actor %q", actor)
	}
	return uint64(num), nil
}

func (e *opEncoder) append(row *opRow) error {
	if row.obj.IsZero() {
		e.objActor.AppendNull(1)
		e.objCtr.AppendNull(1)
	} else {
		num, err := e.actorNum(row.obj.Actor)
		if err != nil {
			return err
		}
		e.objActor.AppendValue(num, 1)
		e.objCtr.AppendValue(row.obj.Counter, 1)
	}

	switch {
	case !row.key.IsElem():
		e.keyActor.AppendNull(1)
		e.keyCtr.AppendNull(1)
		e.keyStr.AppendValue(row.key.Str, 1)
	case row.key.IsHead():
		e.keyActor.AppendNull(1)
		e.keyCtr.AppendValue(0, 1)
		e.keyStr.AppendNull(1)
	default:
		num, err := e.actorNum(row.key.Elem.Actor)
		if err != nil {
			return err
		}
		e.keyActor.AppendValue(num, 1)
		e.keyCtr.AppendValue(int64(row.key.Elem.Counter), 1)
		e.keyStr.AppendNull(1)
	}

	if e.forDocument {
		num, err := e.actorNum(row.id.Actor)
		if err != nil {
			return err
		}
		e.idActor.AppendValue(num, 1)
		e.idCtr.AppendValue(int64(row.id.Counter), 1)
	}

	e.insert.AppendValue(row.insert, 1)
	e.action.AppendValue(uint64(row.action), 1)

	value := row.value
	if row.action != object.Set && row.action != object.Inc {
		value = object.NullValue()
	}
	sizeTag, err := encodeValue(e.valRaw, value)
	if err != nil {
		return fmt.Errorf("operation %s: %w", row.id, err)
	}
	e.valLen.AppendValue(sizeTag, 1)

	if row.child.IsZero() {
		e.chldActor.AppendNull(1)
		e.chldCtr.AppendNull(1)
	} else {
		num, err := e.actorNum(row.child.Actor)
		if err != nil {
			return err
		}
		e.chldActor.AppendValue(num, 1)
		e.chldCtr.AppendValue(int64(row.child.Counter), 1)
	}

	refs := slices.Clone(row.refs)
	slices.SortFunc(refs, object.OpID.Compare)
	e.refNum.AppendValue(uint64(len(refs)), 1)
	for _, ref := range refs {
		num, err := e.actorNum(ref.Actor)
		if err != nil {
			return err
		}
		e.refActor.AppendValue(num, 1)
		e.refCtr.AppendValue(int64(ref.Counter), 1)
	}
	return nil
}

func (e *opEncoder) columns() Columns {
	columns := Columns{
		{ID: colObjActor, Data: e.objActor.Finish()},
		{ID: colObjCtr, Data: e.objCtr.Finish()},
		{ID: colKeyActor, Data: e.keyActor.Finish()},
		{ID: colKeyCtr, Data: e.keyCtr.Finish()},
		{ID: colKeyStr, Data: e.keyStr.Finish()},
		{ID: colInsert, Data: e.insert.Finish()},
		{ID: colAction, Data: e.action.Finish()},
		{ID: colValLen, Data: e.valLen.Finish()},
		{ID: colValRaw, Data: e.valRaw.Bytes()},
		{ID: colChldActor, Data: e.chldActor.Finish()},
		{ID: colChldCtr, Data: e.chldCtr.Finish()},
	}
	if e.forDocument {
		columns = append(columns,
			Column{ID: colIDActor, Data: e.idActor.Finish()},
			Column{ID: colIDCtr, Data: e.idCtr.Finish()},
			Column{ID: colSuccNum, Data: e.refNum.Finish()},
			Column{ID: colSuccActor, Data: e.refActor.Finish()},
			Column{ID: colSuccCtr, Data: e.refCtr.Finish()},
		)
	} else {
		columns = append(columns,
			Column{ID: colPredNum, Data: e.refNum.Finish()},
			Column{ID: colPredActor, Data: e.refActor.Finish()},
			Column{ID: colPredCtr, Data: e.refCtr.Finish()},
		)
	}
	return columns.nonEmpty()
}

type opDecoder struct {
	actors      []string
	forDocument bool

	objActor  *codec.RLEDecoder[uint64]
	objCtr    *codec.RLEDecoder[uint64]
	keyActor  *codec.RLEDecoder[uint64]
	keyCtr    *codec.DeltaDecoder
	keyStr    *codec.RLEDecoder[string]
	idActor   *codec.RLEDecoder[uint64]
	idCtr     *codec.DeltaDecoder
	insert    *codec.BooleanDecoder
	action    *codec.RLEDecoder[uint64]
	valLen    *codec.RLEDecoder[uint64]
	valRaw    *codec.Decoder
	chldActor *codec.RLEDecoder[uint64]
	chldCtr   *codec.DeltaDecoder
	refNum    *codec.RLEDecoder[uint64]
	refActor  *codec.RLEDecoder[uint64]
	refCtr    *codec.DeltaDecoder
}

func newOpDecoder(columns Columns, actors []string, forDocument bool) *opDecoder {
	refNum, refActor, refCtr := colPredNum, colPredActor, colPredCtr
	if forDocument {
		refNum, refActor, refCtr = colSuccNum, colSuccActor, colSuccCtr
	}
	return &opDecoder{
		actors:      actors,
		forDocument: forDocument,
		objActor:    codec.NewUintDecoder(columns.Get(colObjActor)),
		objCtr:      codec.NewUintDecoder(columns.Get(colObjCtr)),
		keyActor:    codec.NewUintDecoder(columns.Get(colKeyActor)),
		keyCtr:      codec.NewDeltaDecoder(columns.Get(colKeyCtr)),
		keyStr:      codec.NewStringDecoder(columns.Get(colKeyStr)),
		idActor:     codec.NewUintDecoder(columns.Get(colIDActor)),
		idCtr:       codec.NewDeltaDecoder(columns.Get(colIDCtr)),
		insert:      codec.NewBooleanDecoder(columns.Get(colInsert)),
		action:      codec.NewUintDecoder(columns.Get(colAction)),
		valLen:      codec.NewUintDecoder(columns.Get(colValLen)),
		valRaw:      codec.NewDecoder(columns.Get(colValRaw)),
		chldActor:   codec.NewUintDecoder(columns.Get(colChldActor)),
		chldCtr:     codec.NewDeltaDecoder(columns.Get(colChldCtr)),
		refNum:      codec.NewUintDecoder(columns.Get(refNum)),
		refActor:    codec.NewUintDecoder(columns.Get(refActor)),
		refCtr:      codec.NewDeltaDecoder(columns.Get(refCtr)),
	}
}

func (d *opDecoder) done() bool {
	return d.objActor.Done() && d.objCtr.Done() && d.keyActor.Done() && d.keyCtr.Done() &&
		d.keyStr.Done() && d.idActor.Done() && d.idCtr.Done() && d.insert.Done() &&
		d.action.Done() && d.valLen.Done() && d.chldActor.Done() && d.chldCtr.Done() &&
		d.refNum.Done()
}

func (d *opDecoder) actor(num uint64) (string, error) {
	if num >= uint64(len(d.actors)) {
		return "", fmt.Errorf("%w: no actor index %d", codec.ErrMalformed, num)
	}
	return d.actors[num], nil
}

// readID reads an operation id from an actor column and a counter column.
// ok is false if both columns are null.
func (d *opDecoder) readID(actorCol *codec.RLEDecoder[uint64], ctrCol interface {
	ReadValue() (int64, bool, error)
}, what string) (object.OpID, bool, error) {
	num, hasActor, err := actorCol.ReadValue()
	if err != nil {
		return object.OpID{}, false, err
	}
	ctr, hasCtr, err := ctrCol.ReadValue()
	if err != nil {
		return object.OpID{}, false, err
	}
	if !hasActor && !hasCtr {
		return object.OpID{}, false, nil
	}
	if !hasActor || !hasCtr || ctr <= 0 {
		return object.OpID{}, false, fmt.Errorf("%w: invalid %s reference", codec.ErrMalformed, what)
	}
	actor, err := d.actor(num)
	if err != nil {
		return object.OpID{}, false, err
	}
	return object.OpID{Counter: uint64(ctr), Actor: actor}, true, nil
}

type uintAsInt struct {
	*codec.RLEDecoder[uint64]
}

func (u uintAsInt) ReadValue() (int64, bool, error) {
	v, ok, err := u.RLEDecoder.ReadValue()
	return int64(v), ok, err
}

func (d *opDecoder) read() (opRow, error) {
	var row opRow
	var err error

	row.obj, _, err = d.readID(d.objActor, uintAsInt{d.objCtr}, "object")
	if err != nil {
		return row, err
	}

	keyActor, hasKeyActor, err := d.keyActor.ReadValue()
	if err != nil {
		return row, err
	}
	keyCtr, hasKeyCtr, err := d.keyCtr.ReadValue()
	if err != nil {
		return row, err
	}
	keyStr, hasKeyStr, err := d.keyStr.ReadValue()
	if err != nil {
		return row, err
	}
	switch {
	case hasKeyStr && !hasKeyActor && !hasKeyCtr:
		row.key = object.MapKey(keyStr)
	case !hasKeyStr && !hasKeyActor && hasKeyCtr && keyCtr == 0:
		row.key = object.HeadKey
	case !hasKeyStr && hasKeyActor && hasKeyCtr && keyCtr > 0:
		actor, err := d.actor(keyActor)
		if err != nil {
			return row, err
		}
		row.key = object.ElemKey(object.OpID{Counter: uint64(keyCtr), Actor: actor})
	default:
		return row, fmt.Errorf("%w: invalid key reference", codec.ErrMalformed)
	}

	if d.forDocument {
		var ok bool
		row.id, ok, err = d.readID(d.idActor, d.idCtr, "operation id")
		if err != nil {
			return row, err
		}
		if !ok {
			return row, fmt.Errorf("%w: missing operation id", codec.ErrMalformed)
		}
	}

	row.insert, err = d.insert.ReadValue()
	if err != nil {
		return row, err
	}

	action, ok, err := d.action.ReadValue()
	if err != nil {
		return row, err
	}
	if !ok {
		return row, fmt.Errorf("%w: missing action", codec.ErrMalformed)
	}
	row.action = object.Action(action)

	sizeTag, _, err := d.valLen.ReadValue()
	if err != nil {
		return row, err
	}
	row.value, err = decodeValue(d.valRaw, sizeTag)
	if err != nil {
		return row, err
	}

	row.child, _, err = d.readID(d.chldActor, d.chldCtr, "child")
	if err != nil {
		return row, err
	}

	numRefs, _, err := d.refNum.ReadValue()
	if err != nil {
		return row, err
	}
	for range numRefs {
		ref, ok, err := d.readID(d.refActor, d.refCtr, "pred or succ")
		if err != nil {
			return row, err
		}
		if !ok {
			return row, fmt.Errorf("%w: missing pred or succ entry", codec.ErrMalformed)
		}
		row.refs = append(row.refs, ref)
	}
	return row, nil
}

func decodeOpRows(columns Columns, actors []string, forDocument bool) ([]opRow, error) {
	dec := newOpDecoder(columns, actors, forDocument)
	var rows []opRow
	for !dec.done() {
		row, err := dec.read()
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	if !dec.valRaw.Done() || !dec.refActor.Done() || !dec.refCtr.Done() {
		return nil, fmt.Errorf("%w: excess data in operation columns", codec.ErrMalformed)
	}
	return rows, nil
}

// EncodeDocOps encodes document operations into columns. actors maps each
// actor id to its index in the document actor table.
func EncodeDocOps(ops []DocOp, actors map[string]int) (Columns, error) {
	enc := newOpEncoder(actors, true)
	for i := range ops {
		op := &ops[i]
		row := opRow{
			id:     op.ID,
			obj:    op.Obj,
			key:    op.Key,
			insert: op.Insert,
			action: op.Action,
			value:  op.Value,
			child:  op.Child,
			refs:   op.Succ,
		}
		if err := enc.append(&row); err != nil {
			return nil, err
		}
	}
	return enc.columns(), nil
}

// DecodeDocOps decodes document operation columns.
func DecodeDocOps(columns Columns, actors []string) ([]DocOp, error) {
	rows, err := decodeOpRows(columns, actors, true)
	if err != nil {
		return nil, err
	}
	ops := make([]DocOp, len(rows))
	for i, row := range rows {
		ops[i] = DocOp{
			ID:     row.id,
			Obj:    row.obj,
			Key:    row.key,
			Insert: row.insert,
			Action: row.action,
			Value:  row.value,
			Child:  row.child,
			Succ:   row.refs,
		}
	}
	return ops, nil
}
