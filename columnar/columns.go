package columnar

import (
	"bytes"
	"fmt"
	"io"
	"slices"

	"github.com/klauspost/compress/flate"
	"github.com/nasdf/automerge/codec"
)

// Column value encodings. A column id is the column group shifted left by
// four bits combined with one of these types.
const (
	typeGroupCard = iota
	typeActorID
	typeIntRLE
	typeIntDelta
	typeBoolean
	typeStringRLE
	typeValueLen
	typeValueRaw
)

// deflateFlag marks a column whose data is DEFLATE compressed.
const deflateFlag = 8

// DeflateMinSize is the encoded size at which changes and document columns are compressed.
const DeflateMinSize = 256

// ColumnID identifies a column by group and value encoding.
type ColumnID uint32

func (id ColumnID) kind() int {
	return int(id & 7)
}

func (id ColumnID) group() ColumnID {
	return id >> 4
}

func (id ColumnID) deflated() bool {
	return id&deflateFlag != 0
}

func (id ColumnID) plain() ColumnID {
	return id &^ deflateFlag
}

// Operation columns.
const (
	colObjActor  ColumnID = 0<<4 | typeActorID
	colObjCtr    ColumnID = 0<<4 | typeIntRLE
	colKeyActor  ColumnID = 1<<4 | typeActorID
	colKeyCtr    ColumnID = 1<<4 | typeIntDelta
	colKeyStr    ColumnID = 1<<4 | typeStringRLE
	colIDActor   ColumnID = 2<<4 | typeActorID
	colIDCtr     ColumnID = 2<<4 | typeIntDelta
	colInsert    ColumnID = 3<<4 | typeBoolean
	colAction    ColumnID = 4<<4 | typeIntRLE
	colValLen    ColumnID = 5<<4 | typeValueLen
	colValRaw    ColumnID = 5<<4 | typeValueRaw
	colChldActor ColumnID = 6<<4 | typeActorID
	colChldCtr   ColumnID = 6<<4 | typeIntDelta
	colPredNum   ColumnID = 7<<4 | typeGroupCard
	colPredActor ColumnID = 7<<4 | typeActorID
	colPredCtr   ColumnID = 7<<4 | typeIntDelta
	colSuccNum   ColumnID = 8<<4 | typeGroupCard
	colSuccActor ColumnID = 8<<4 | typeActorID
	colSuccCtr   ColumnID = 8<<4 | typeIntDelta
)

// Document change metadata columns.
const (
	colChangeActor   ColumnID = 0<<4 | typeActorID
	colChangeSeq     ColumnID = 0<<4 | typeIntDelta
	colChangeMaxOp   ColumnID = 1<<4 | typeIntDelta
	colChangeTime    ColumnID = 2<<4 | typeIntDelta
	colChangeMessage ColumnID = 3<<4 | typeStringRLE
	colDepsNum       ColumnID = 4<<4 | typeGroupCard
	colDepsIndex     ColumnID = 4<<4 | typeIntDelta
	colExtraLen      ColumnID = 5<<4 | typeValueLen
	colExtraRaw      ColumnID = 5<<4 | typeValueRaw
)

// Column is the encoded data of a single column.
type Column struct {
	ID   ColumnID
	Data []byte
}

// Columns is a list of columns sorted by id.
type Columns []Column

// Get returns the data of the column with the given id or nil if it is absent.
func (c Columns) Get(id ColumnID) []byte {
	for _, col := range c {
		if col.ID.plain() == id {
			return col.Data
		}
	}
	return nil
}

func (c Columns) nonEmpty() Columns {
	out := make(Columns, 0, len(c))
	for _, col := range c {
		if len(col.Data) > 0 {
			out = append(out, col)
		}
	}
	slices.SortFunc(out, func(a, b Column) int {
		return int(a.ID.plain()) - int(b.ID.plain())
	})
	return out
}

func encodeColumnInfo(enc *codec.Encoder, columns Columns) {
	enc.AppendUint53(uint64(len(columns)))
	for _, col := range columns {
		enc.AppendUint53(uint64(col.ID))
		enc.AppendUint53(uint64(len(col.Data)))
	}
}

type columnInfo struct {
	id     ColumnID
	length int
}

// decodeColumnInfo reads the column metadata and checks that ids ascend.
func decodeColumnInfo(dec *codec.Decoder) ([]columnInfo, error) {
	count, err := dec.ReadUint53()
	if err != nil {
		return nil, err
	}
	var infos []columnInfo
	last := -1
	for range count {
		id, err := dec.ReadUint53()
		if err != nil {
			return nil, err
		}
		length, err := dec.ReadUint53()
		if err != nil {
			return nil, err
		}
		if id > 0xffffffff {
			return nil, fmt.Errorf("%w: column id %d out of range", codec.ErrMalformed, id)
		}
		plain := int(ColumnID(id).plain())
		if plain <= last {
			return nil, fmt.Errorf("%w: columns must be in ascending order", codec.ErrMalformed)
		}
		last = plain
		infos = append(infos, columnInfo{id: ColumnID(id), length: int(length)})
	}
	return infos, nil
}

func readColumns(dec *codec.Decoder, infos []columnInfo) (Columns, error) {
	columns := make(Columns, 0, len(infos))
	for _, info := range infos {
		data, err := dec.ReadRawBytes(info.length)
		if err != nil {
			return nil, err
		}
		columns = append(columns, Column{ID: info.id, Data: data})
	}
	return columns, nil
}

func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// maxInflatedSize bounds the output of inflate.
var maxInflatedSize = 256 << 20

func inflate(data []byte) ([]byte, error) {
	src := bytes.NewReader(data)
	r := flate.NewReader(src)
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, int64(maxInflatedSize)+1))
	if err != nil {
		return nil, fmt.Errorf("%w: inflate: %v", codec.ErrMalformed, err)
	}
	if len(out) > maxInflatedSize {
		return nil, fmt.Errorf("%w: inflated data exceeds %d bytes", codec.ErrMalformed, maxInflatedSize)
	}
	if src.Len() > 0 {
		return nil, fmt.Errorf("%w: %d bytes after deflate stream", codec.ErrMalformed, src.Len())
	}
	return out, nil
}

func deflateColumns(columns Columns) (Columns, error) {
	out := make(Columns, len(columns))
	for i, col := range columns {
		out[i] = col
		if len(col.Data) < DeflateMinSize {
			continue
		}
		data, err := deflate(col.Data)
		if err != nil {
			return nil, err
		}
		out[i] = Column{ID: col.ID | deflateFlag, Data: data}
	}
	return out, nil
}

func inflateColumns(columns Columns) (Columns, error) {
	for i, col := range columns {
		if !col.ID.deflated() {
			continue
		}
		data, err := inflate(col.Data)
		if err != nil {
			return nil, err
		}
		columns[i] = Column{ID: col.ID.plain(), Data: data}
	}
	return columns, nil
}

// ColumnSet is a group of columns that all describe the same rows.
type ColumnSet struct {
	Columns Columns
	Rows    int
}

// ConcatColumns joins column sets row-wise without decoding every value.
// Columns missing from a set are filled with nulls, or false for booleans.
func ConcatColumns(sets []ColumnSet) (Columns, error) {
	var ids []ColumnID
	for _, set := range sets {
		for _, col := range set.Columns {
			if !slices.Contains(ids, col.ID.plain()) {
				ids = append(ids, col.ID.plain())
			}
		}
	}
	slices.Sort(ids)

	// The number of values in a grouped column is the sum of the group cardinality column.
	groupCounts := make([]map[ColumnID]int, len(sets))
	for i, set := range sets {
		groupCounts[i] = make(map[ColumnID]int)
		for _, col := range set.Columns {
			if col.ID.kind() != typeGroupCard {
				continue
			}
			total, err := sumUints(col.Data)
			if err != nil {
				return nil, err
			}
			groupCounts[i][col.ID.group()] = total
		}
	}

	out := make(Columns, 0, len(ids))
	for _, id := range ids {
		enc := newColumnEncoder(id)
		for i, set := range sets {
			count := set.Rows
			if id.kind() != typeGroupCard && hasGroupCard(ids, id.group()) {
				count = groupCounts[i][id.group()]
			}
			if err := enc.copyFrom(set.Columns.Get(id), count); err != nil {
				return nil, fmt.Errorf("concat column %#x: %w", uint32(id), err)
			}
		}
		out = append(out, Column{ID: id, Data: enc.finish()})
	}
	return out.nonEmpty(), nil
}

func hasGroupCard(ids []ColumnID, group ColumnID) bool {
	return slices.Contains(ids, group<<4|typeGroupCard)
}

func sumUints(data []byte) (int, error) {
	dec := codec.NewUintDecoder(data)
	total := 0
	for !dec.Done() {
		v, _, err := dec.ReadValue()
		if err != nil {
			return 0, err
		}
		total += int(v)
	}
	return total, nil
}

// columnEncoder appends encoded column data of any column type.
type columnEncoder struct {
	id      ColumnID
	uints   *codec.RLEEncoder[uint64]
	strings *codec.RLEEncoder[string]
	deltas  *codec.DeltaEncoder
	bools   *codec.BooleanEncoder
	raw     *codec.Encoder
}

func newColumnEncoder(id ColumnID) *columnEncoder {
	enc := &columnEncoder{id: id}
	switch id.kind() {
	case typeIntDelta:
		enc.deltas = codec.NewDeltaEncoder()
	case typeBoolean:
		enc.bools = codec.NewBooleanEncoder()
	case typeStringRLE:
		enc.strings = codec.NewStringEncoder()
	case typeValueRaw:
		enc.raw = codec.NewEncoder()
	default:
		enc.uints = codec.NewUintEncoder()
	}
	return enc
}

func (e *columnEncoder) copyFrom(data []byte, count int) error {
	switch {
	case e.raw != nil:
		e.raw.AppendRawBytes(data)
		return nil
	case len(data) == 0:
		return e.appendEmpty(count)
	case e.deltas != nil:
		return e.deltas.CopyFrom(codec.NewDeltaDecoder(data), count)
	case e.bools != nil:
		return e.bools.CopyFrom(codec.NewBooleanDecoder(data), count)
	case e.strings != nil:
		return e.strings.CopyFrom(codec.NewStringDecoder(data), count)
	default:
		return e.uints.CopyFrom(codec.NewUintDecoder(data), count)
	}
}

func (e *columnEncoder) appendEmpty(count int) error {
	switch {
	case e.deltas != nil:
		e.deltas.AppendNull(count)
	case e.bools != nil:
		e.bools.AppendValue(false, count)
	case e.strings != nil:
		e.strings.AppendNull(count)
	default:
		e.uints.AppendNull(count)
	}
	return nil
}

func (e *columnEncoder) finish() []byte {
	switch {
	case e.raw != nil:
		return e.raw.Bytes()
	case e.deltas != nil:
		return e.deltas.Finish()
	case e.bools != nil:
		return e.bools.Finish()
	case e.strings != nil:
		return e.strings.Finish()
	default:
		return e.uints.Finish()
	}
}
