package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipld/go-car/v2"
	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/fluent/qp"
	cidlink "github.com/ipld/go-ipld-prime/linking/cid"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	"github.com/ipld/go-ipld-prime/traversal/selector/builder"
	"github.com/nasdf/automerge/object"
)

// Export writes a CAR of the changes reachable from heads to the given
// io.Writer. The root of the CAR is an archive node listing the heads and
// every change in dependency order.
func (s *Store) Export(ctx context.Context, heads []object.Hash, out io.Writer) error {
	history, err := s.History(ctx, heads)
	if err != nil {
		return err
	}
	heads = object.SortHashes(slices.Clone(heads))
	headLinks := make([]datamodel.Link, len(heads))
	for i, head := range heads {
		if headLinks[i], err = s.LinkOf(ctx, head); err != nil {
			return err
		}
	}
	root, err := qp.BuildMap(basicnode.Prototype.Any, 2, func(ma datamodel.MapAssembler) {
		qp.MapEntry(ma, "heads", linksAssembler(headLinks))
		qp.MapEntry(ma, "changes", linksAssembler(history))
	})
	if err != nil {
		return err
	}
	rootLink, err := s.Store(ctx, root)
	if err != nil {
		return err
	}

	// the archive node links every change, so its deps are not followed
	ssb := builder.NewSelectorSpecBuilder(basicnode.Prototype.Any)
	sel := ssb.ExploreFields(func(efsb builder.ExploreFieldsSpecBuilder) {
		efsb.Insert("changes", ssb.ExploreAll(ssb.Matcher()))
	})
	w, err := car.NewSelectiveWriter(ctx, &s.lsys, rootLink.(cidlink.Link).Cid, sel.Node())
	if err != nil {
		return err
	}
	_, err = w.WriteTo(out)
	return err
}

func linksAssembler(links []datamodel.Link) qp.Assemble {
	return qp.List(int64(len(links)), func(la datamodel.ListAssembler) {
		for _, lnk := range links {
			qp.ListEntry(la, qp.Link(lnk))
		}
	})
}

// Import reads a CAR written by Export into the store. It returns the
// heads and the encoded changes in dependency order.
func (s *Store) Import(ctx context.Context, in io.Reader) ([]object.Hash, [][]byte, error) {
	br, err := car.NewBlockReader(in)
	if err != nil {
		return nil, nil, err
	}
	if len(br.Roots) != 1 {
		return nil, nil, fmt.Errorf("%w: archive has %d roots", ErrCorruptNode, len(br.Roots))
	}
	for {
		blk, err := br.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		if err := s.putBlock(ctx, blk); err != nil {
			return nil, nil, err
		}
	}

	root, err := s.Load(ctx, cidlink.Link{Cid: br.Roots[0]}, basicnode.Prototype.Any)
	if err != nil {
		return nil, nil, err
	}
	headsNode, err := root.LookupByString("heads")
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrCorruptNode, err)
	}
	headLinks, err := linkList(headsNode)
	if err != nil {
		return nil, nil, err
	}
	changesNode, err := root.LookupByString("changes")
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrCorruptNode, err)
	}
	changeLinks, err := linkList(changesNode)
	if err != nil {
		return nil, nil, err
	}

	hashes := make(map[string]object.Hash, len(changeLinks))
	changes := make([][]byte, len(changeLinks))
	for i, lnk := range changeLinks {
		change, err := s.GetChange(ctx, lnk)
		if err != nil {
			return nil, nil, err
		}
		if err := s.index(ctx, change.Hash, lnk); err != nil {
			return nil, nil, err
		}
		hashes[lnk.String()] = change.Hash
		changes[i] = change.Change
	}
	heads := make([]object.Hash, len(headLinks))
	for i, lnk := range headLinks {
		hash, ok := hashes[lnk.String()]
		if !ok {
			return nil, nil, fmt.Errorf("%w: head %s is not in the archive", ErrCorruptNode, lnk)
		}
		heads[i] = hash
	}
	return heads, changes, nil
}

// putBlock checks that the data of blk matches its CID and writes it to
// the underlying storage.
func (s *Store) putBlock(ctx context.Context, blk blocks.Block) error {
	sum, err := blk.Cid().Prefix().Sum(blk.RawData())
	if err != nil {
		return err
	}
	if !sum.Equals(blk.Cid()) {
		return fmt.Errorf("%w: block %s does not match its data", ErrCorruptNode, blk.Cid())
	}
	return s.store.Put(ctx, blk.Cid().KeyString(), blk.RawData())
}
