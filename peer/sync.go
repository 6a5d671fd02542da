package peer

import (
	"maps"
	"slices"

	"github.com/nasdf/automerge/columnar"
	"github.com/nasdf/automerge/core"
	"github.com/nasdf/automerge/object"
)

// Document is the part of a document the sync protocol needs.
type Document interface {
	Heads() []object.Hash
	GetChanges(have []object.Hash) ([][]byte, error)
	GetChangeByHash(hash object.Hash) ([]byte, error)
	GetMissingDeps(heads []object.Hash) ([]object.Hash, error)
	ApplyChanges(changes [][]byte, opts core.ApplyOptions) (*core.Patch, error)
}

// State is what a peer knows about another peer. States are never
// modified in place; every protocol step returns a new state.
type State struct {
	// SharedHeads are the heads both peers are known to have.
	SharedHeads []object.Hash
	// LastSentHeads are the local heads of the last message sent.
	LastSentHeads []object.Hash
	// TheirHeads, TheirNeed and TheirHave are nil until the first message
	// from the other peer arrives.
	TheirHeads []object.Hash
	TheirNeed  []object.Hash
	TheirHave  []Have
	// SentHashes holds the changes sent since the last reset.
	SentHashes map[object.Hash]struct{}
}

// NewState returns the state of a peer nothing is known about.
func NewState() *State {
	return &State{
		SharedHeads:   []object.Hash{},
		LastSentHeads: []object.Hash{},
		SentHashes:    make(map[object.Hash]struct{}),
	}
}

func (s *State) copy() *State {
	c := *s
	return &c
}

func changeHash(data []byte) (object.Hash, []object.Hash, error) {
	meta, err := columnar.DecodeChangeMeta(data)
	if err != nil {
		return object.Hash{}, nil, err
	}
	return meta.Hash, meta.Deps, nil
}

func containsHash(hashes []object.Hash, hash object.Hash) bool {
	return slices.Contains(hashes, hash)
}

func sortedUnion(a, b []object.Hash) []object.Hash {
	seen := make(map[object.Hash]struct{}, len(a)+len(b))
	for _, h := range a {
		seen[h] = struct{}{}
	}
	for _, h := range b {
		seen[h] = struct{}{}
	}
	return object.SortHashes(slices.AppendSeq(make([]object.Hash, 0, len(seen)), maps.Keys(seen)))
}

// makeHave summarizes the changes added since lastSync.
func makeHave(doc Document, lastSync []object.Hash) (Have, error) {
	changes, err := doc.GetChanges(lastSync)
	if err != nil {
		return Have{}, err
	}
	hashes := make([]object.Hash, len(changes))
	for i, data := range changes {
		if hashes[i], _, err = changeHash(data); err != nil {
			return Have{}, err
		}
	}
	return Have{LastSync: lastSync, Bloom: NewBloomFilter(hashes).Bytes()}, nil
}

// changesToSend returns the changes the other peer is missing according
// to its have and need lists.
func changesToSend(doc Document, have []Have, need []object.Hash) ([][]byte, error) {
	if len(have) == 0 {
		var changes [][]byte
		for _, hash := range need {
			data, err := doc.GetChangeByHash(hash)
			if err != nil {
				return nil, err
			}
			if data != nil {
				changes = append(changes, data)
			}
		}
		return changes, nil
	}

	var lastSync []object.Hash
	filters := make([]*BloomFilter, 0, len(have))
	for _, h := range have {
		lastSync = append(lastSync, h.LastSync...)
		filter, err := DecodeBloomFilter(h.Bloom)
		if err != nil {
			return nil, err
		}
		filters = append(filters, filter)
	}
	changes, err := doc.GetChanges(sortedUnion(lastSync, nil))
	if err != nil {
		return nil, err
	}

	hashes := make([]object.Hash, len(changes))
	present := make(map[object.Hash]struct{}, len(changes))
	dependents := make(map[object.Hash][]object.Hash)
	toSend := make(map[object.Hash]struct{})
	for i, data := range changes {
		hash, deps, err := changeHash(data)
		if err != nil {
			return nil, err
		}
		hashes[i] = hash
		present[hash] = struct{}{}
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], hash)
		}
		if !slices.ContainsFunc(filters, func(f *BloomFilter) bool { return f.Contains(hash) }) {
			toSend[hash] = struct{}{}
		}
	}

	// a change the peer lacks implies it lacks every change depending on it
	stack := slices.Collect(maps.Keys(toSend))
	for len(stack) > 0 {
		hash := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, dep := range dependents[hash] {
			if _, ok := toSend[dep]; !ok {
				toSend[dep] = struct{}{}
				stack = append(stack, dep)
			}
		}
	}

	var result [][]byte
	for _, hash := range need {
		toSend[hash] = struct{}{}
		if _, ok := present[hash]; ok {
			continue
		}
		data, err := doc.GetChangeByHash(hash)
		if err != nil {
			return nil, err
		}
		if data != nil {
			result = append(result, data)
		}
	}
	for i, data := range changes {
		if _, ok := toSend[hashes[i]]; ok {
			result = append(result, data)
		}
	}
	return result, nil
}

// GenerateMessage returns the next message to send to the peer described
// by state, together with the updated state. The message is nil when there
// is nothing to send.
func GenerateMessage(doc Document, state *State) (*State, []byte, error) {
	ourHeads := doc.Heads()
	theirHeads := state.TheirHeads
	if theirHeads == nil {
		theirHeads = []object.Hash{}
	}
	ourNeed, err := doc.GetMissingDeps(theirHeads)
	if err != nil {
		return nil, nil, err
	}

	ourHave := []Have{}
	if state.TheirHeads == nil || !slices.ContainsFunc(ourNeed, func(h object.Hash) bool {
		return !containsHash(state.TheirHeads, h)
	}) {
		have, err := makeHave(doc, state.SharedHeads)
		if err != nil {
			return nil, nil, err
		}
		ourHave = append(ourHave, have)
	}

	if len(state.TheirHave) > 0 {
		for _, hash := range state.TheirHave[0].LastSync {
			data, err := doc.GetChangeByHash(hash)
			if err != nil {
				return nil, nil, err
			}
			if data != nil {
				continue
			}
			// the peer synced with a state we never had, start over
			msg, err := EncodeMessage(&Message{
				Heads:   ourHeads,
				Need:    []object.Hash{},
				Have:    []Have{{LastSync: []object.Hash{}, Bloom: []byte{}}},
				Changes: [][]byte{},
			})
			if err != nil {
				return nil, nil, err
			}
			return state, msg, nil
		}
	}

	var changes [][]byte
	if state.TheirHave != nil && state.TheirNeed != nil {
		if changes, err = changesToSend(doc, state.TheirHave, state.TheirNeed); err != nil {
			return nil, nil, err
		}
	}

	headsUnchanged := state.LastSentHeads != nil && object.HashesEqual(ourHeads, state.LastSentHeads)
	headsEqual := state.TheirHeads != nil && object.HashesEqual(ourHeads, state.TheirHeads)
	if headsUnchanged && headsEqual && len(changes) == 0 {
		return state, nil, nil
	}

	sentHashes := state.SentHashes
	unsent := make([][]byte, 0, len(changes))
	var newHashes []object.Hash
	for _, data := range changes {
		hash, _, err := changeHash(data)
		if err != nil {
			return nil, nil, err
		}
		if _, ok := sentHashes[hash]; ok {
			continue
		}
		unsent = append(unsent, data)
		newHashes = append(newHashes, hash)
	}
	if len(newHashes) > 0 {
		sentHashes = maps.Clone(sentHashes)
		if sentHashes == nil {
			sentHashes = make(map[object.Hash]struct{}, len(newHashes))
		}
		for _, hash := range newHashes {
			sentHashes[hash] = struct{}{}
		}
	}

	msg, err := EncodeMessage(&Message{
		Heads:   ourHeads,
		Need:    ourNeed,
		Have:    ourHave,
		Changes: unsent,
	})
	if err != nil {
		return nil, nil, err
	}
	next := state.copy()
	next.LastSentHeads = ourHeads
	next.SentHashes = sentHashes
	return next, msg, nil
}

// advanceHeads returns the shared heads after the local heads moved from
// before to after.
func advanceHeads(before, after, shared []object.Hash) []object.Hash {
	var heads []object.Hash
	for _, h := range after {
		if !containsHash(before, h) {
			heads = append(heads, h)
		}
	}
	for _, h := range shared {
		if containsHash(after, h) {
			heads = append(heads, h)
		}
	}
	return sortedUnion(heads, nil)
}

// ReceiveMessage applies a message from the peer described by state. It
// returns the updated state and the patch of any changes the message
// carried. Every lookup that can fail runs before the changes are applied,
// so on error the document is unchanged.
func ReceiveMessage(doc Document, state *State, data []byte) (*State, *core.Patch, error) {
	msg, err := DecodeMessage(data)
	if err != nil {
		return nil, nil, err
	}
	sharedHeads := state.SharedHeads
	lastSentHeads := state.LastSentHeads
	sentHashes := state.SentHashes

	known := make(map[object.Hash]bool, len(msg.Heads))
	for _, hash := range msg.Heads {
		change, err := doc.GetChangeByHash(hash)
		if err != nil {
			return nil, nil, err
		}
		known[hash] = change != nil
	}

	var patch *core.Patch
	beforeHeads := slices.Clone(doc.Heads())
	if len(msg.Changes) > 0 {
		if patch, err = doc.ApplyChanges(msg.Changes, core.ApplyOptions{}); err != nil {
			return nil, nil, err
		}
		afterHeads := doc.Heads()
		sharedHeads = advanceHeads(beforeHeads, afterHeads, sharedHeads)
		// a head of the sender that was just applied is one of our heads,
		// since none of our changes can depend on it yet
		for _, hash := range msg.Heads {
			if containsHash(afterHeads, hash) {
				known[hash] = true
			}
		}
	}
	if len(msg.Changes) == 0 && object.HashesEqual(msg.Heads, beforeHeads) {
		lastSentHeads = msg.Heads
	}

	var knownHeads []object.Hash
	for _, hash := range msg.Heads {
		if known[hash] {
			knownHeads = append(knownHeads, hash)
		}
	}
	if len(knownHeads) == len(msg.Heads) {
		sharedHeads = msg.Heads
		if len(msg.Heads) == 0 {
			lastSentHeads = []object.Hash{}
			sentHashes = make(map[object.Hash]struct{})
		}
	} else {
		sharedHeads = sortedUnion(knownHeads, sharedHeads)
	}

	return &State{
		SharedHeads:   sharedHeads,
		LastSentHeads: lastSentHeads,
		TheirHeads:    msg.Heads,
		TheirNeed:     msg.Need,
		TheirHave:     msg.Have,
		SentHashes:    sentHashes,
	}, patch, nil
}
