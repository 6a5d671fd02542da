package core

import (
	"encoding/binary"
	"slices"

	"github.com/cespare/xxhash/v2"
	"github.com/nasdf/automerge/columnar"
	"github.com/nasdf/automerge/object"
)

const (
	// maxBlockOps is the number of operations above which a block is split.
	maxBlockOps = 600
	// loadBlockOps is the block size used when loading a document.
	loadBlockOps = 300

	bloomBits   = 8192
	bloomProbes = 3
)

// blockBloom is a bloom filter over the element ids inserted in a block.
type blockBloom [bloomBits / 8]byte

func bloomHashes(id object.OpID) (uint32, uint32) {
	var ctr [8]byte
	binary.LittleEndian.PutUint64(ctr[:], id.Counter)
	d := xxhash.New()
	d.Write(ctr[:])
	d.WriteString(id.Actor)
	h := d.Sum64()
	return uint32(h), uint32(h>>32) | 1
}

func (b *blockBloom) add(id object.OpID) {
	h1, h2 := bloomHashes(id)
	for i := uint32(0); i < bloomProbes; i++ {
		bit := (h1 + i*h2) % bloomBits
		b[bit/8] |= 1 << (bit % 8)
	}
}

func (b *blockBloom) contains(id object.OpID) bool {
	h1, h2 := bloomHashes(id)
	for i := uint32(0); i < bloomProbes; i++ {
		bit := (h1 + i*h2) % bloomBits
		if b[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}
	return true
}

// block is a sorted run of document operations. The operations of one map
// key or one list element are never split across blocks.
type block struct {
	ops   []columnar.DocOp
	bloom blockBloom
	// gen is the staging generation that owns the block. Only blocks owned
	// by the current generation are modified in place.
	gen uint64

	numVisible int
	visibleOK  bool
	columns    columnar.Columns
}

func newBlock(ops []columnar.DocOp, gen uint64) *block {
	b := &block{ops: ops, gen: gen}
	for i := range ops {
		if ops[i].Insert {
			b.bloom.add(ops[i].ID)
		}
	}
	return b
}

func (b *block) clone(gen uint64) *block {
	return &block{
		ops:        slices.Clone(b.ops),
		bloom:      b.bloom,
		gen:        gen,
		numVisible: b.numVisible,
		visibleOK:  b.visibleOK,
		columns:    b.columns,
	}
}

func (b *block) invalidate() {
	b.visibleOK = false
	b.columns = nil
}

func (b *block) insert(i int, op columnar.DocOp) {
	b.ops = slices.Insert(b.ops, i, op)
	if op.Insert {
		b.bloom.add(op.ID)
	}
	b.invalidate()
}

func (b *block) addSucc(i int, id object.OpID) {
	op := &b.ops[i]
	n, _ := slices.BinarySearchFunc(op.Succ, id, object.OpID.Compare)
	op.Succ = slices.Insert(slices.Clip(op.Succ), n, id)
	b.invalidate()
}

// split divides an oversized block at the group boundary closest to its middle.
func (b *block) split(gen uint64) []*block {
	if len(b.ops) <= maxBlockOps {
		return []*block{b}
	}
	mid := len(b.ops) / 2
	at := -1
	for d := 0; d < len(b.ops) && at < 0; d++ {
		if i := mid - d; i > 0 && groupStart(b.ops, i) {
			at = i
		} else if i := mid + d; i < len(b.ops) && groupStart(b.ops, i) {
			at = i
		}
	}
	if at < 0 {
		return []*block{b}
	}
	left := newBlock(slices.Clone(b.ops[:at]), gen)
	right := newBlock(slices.Clone(b.ops[at:]), gen)
	return append(left.split(gen), right.split(gen)...)
}

func (b *block) visible() int {
	if b.visibleOK {
		return b.numVisible
	}
	n := 0
	for i := 0; i < len(b.ops); {
		end := groupEnd(b.ops, i)
		if b.ops[i].Key.IsElem() && len(visibleOps(b.ops[i:end])) > 0 {
			n++
		}
		i = end
	}
	b.numVisible, b.visibleOK = n, true
	return n
}

func (b *block) encode(actors map[string]int) (columnar.Columns, error) {
	if b.columns != nil {
		return b.columns, nil
	}
	columns, err := columnar.EncodeDocOps(b.ops, actors)
	if err != nil {
		return nil, err
	}
	b.columns = columns
	return columns, nil
}

// chunkOps divides a sorted operation list into blocks of roughly size operations.
func chunkOps(ops []columnar.DocOp, size int) [][]columnar.DocOp {
	var chunks [][]columnar.DocOp
	start := 0
	for i := 1; i < len(ops); i++ {
		if i-start >= size && groupStart(ops, i) {
			chunks = append(chunks, ops[start:i:i])
			start = i
		}
	}
	if start < len(ops) {
		chunks = append(chunks, ops[start:])
	}
	return chunks
}

func groupStart(ops []columnar.DocOp, i int) bool {
	if i == 0 {
		return true
	}
	op, prev := &ops[i], &ops[i-1]
	if op.Obj != prev.Obj || op.Insert {
		return true
	}
	return !op.Key.IsElem() && op.Key != prev.Key
}

func groupEnd(ops []columnar.DocOp, start int) int {
	i := start + 1
	for i < len(ops) && !groupStart(ops, i) {
		i++
	}
	return i
}

// visibleOp is an operation whose value is visible in the document.
type visibleOp struct {
	ID     object.OpID
	Action object.Action
	// Value includes the increments applied to a counter.
	Value object.Value
	Child object.OpID
}

// visibleOps returns the visible operations of a group in id order. An
// operation is visible if nothing overwrote it; a counter stays visible
// while it is only incremented.
func visibleOps(group []columnar.DocOp) []visibleOp {
	var incs map[object.OpID]int64
	for i := range group {
		if group[i].Action == object.Inc {
			if incs == nil {
				incs = make(map[object.OpID]int64)
			}
			incs[group[i].ID] = group[i].Value.Int()
		}
	}
	var visible []visibleOp
	for i := range group {
		op := &group[i]
		if op.Action == object.Inc || op.Action == object.Del {
			continue
		}
		value := op.Value
		if len(op.Succ) > 0 {
			if op.Value.Datatype != object.Counter {
				continue
			}
			sum, ok := op.Value.Int(), true
			for _, succ := range op.Succ {
				delta, isInc := incs[succ]
				if !isInc {
					ok = false
					break
				}
				sum += delta
			}
			if !ok {
				continue
			}
			value = object.CounterValue(sum)
		}
		visible = append(visible, visibleOp{ID: op.ID, Action: op.Action, Value: value, Child: op.Child})
	}
	return visible
}

func sameVisible(a, b []visibleOp) bool {
	return slices.EqualFunc(a, b, func(x, y visibleOp) bool {
		return x.ID == y.ID && x.Action == y.Action && x.Value.Equal(y.Value)
	})
}
