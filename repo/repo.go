// Package repo keeps named documents in a storage backend and tracks the
// sync state of their peers.
package repo

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nasdf/automerge"
	"github.com/nasdf/automerge/columnar"
	"github.com/nasdf/automerge/core"
	"github.com/nasdf/automerge/edit"
	"github.com/nasdf/automerge/link"
	"github.com/nasdf/automerge/object"
	"github.com/nasdf/automerge/peer"
	"github.com/nasdf/automerge/storage"
)

const (
	docPrefix   = "doc/"
	actorPrefix = "actor/"
	syncPrefix  = "sync/"
)

var (
	// ErrInvalidName is returned for document and peer names that cannot be stored.
	ErrInvalidName = errors.New("invalid name")
	// ErrActorConflict is returned when two documents hold different changes
	// with the same actor and sequence number.
	ErrActorConflict = errors.New("documents share an actor with diverging changes")
)

// Config configures a Repository.
type Config struct {
	// Storage holds document snapshots, sync states and the change archive.
	Storage storage.Storage
	// PeerID identifies the repository to its sync peers.
	PeerID string
	// NewActor returns the hex actor id of local changes to a document that
	// has none stored yet.
	NewActor func(doc string) string
	// Logger receives repository events.
	Logger *slog.Logger
}

// DefaultConfig returns a configuration with in-memory storage, a new peer
// id and random document actors.
func DefaultConfig() Config {
	return Config{
		Storage:  storage.NewMemory(),
		PeerID:   NewActorID(),
		NewActor: func(string) string { return NewActorID() },
		Logger:   slog.Default(),
	}
}

// NewActorID returns a random actor id.
func NewActorID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

type document struct {
	mu      sync.Mutex
	name    string
	actor   string
	stored  bool
	backend *automerge.Backend
	view    *edit.View
}

// Repository is a set of named documents. It is safe for concurrent use.
type Repository struct {
	store    storage.Storage
	links    *link.Store
	peerID   string
	newActor func(doc string) string
	logger   *slog.Logger
	docs     *xsync.MapOf[string, *document]
	sessions *xsync.MapOf[string, *peer.State]
}

// Open returns a repository over the configured storage.
func Open(cfg Config) (*Repository, error) {
	if cfg.Storage == nil {
		return nil, errors.New("repository storage is required")
	}
	if cfg.PeerID == "" {
		cfg.PeerID = NewActorID()
	}
	if err := checkName(cfg.PeerID); err != nil {
		return nil, err
	}
	if cfg.NewActor == nil {
		cfg.NewActor = func(string) string { return NewActorID() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Repository{
		store:    cfg.Storage,
		links:    link.NewStore(cfg.Storage),
		peerID:   cfg.PeerID,
		newActor: cfg.NewActor,
		logger:   cfg.Logger.With("peer", cfg.PeerID),
		docs:     xsync.NewMapOf[string, *document](),
		sessions: xsync.NewMapOf[string, *peer.State](),
	}, nil
}

// PeerID returns the id the repository uses towards its sync peers.
func (r *Repository) PeerID() string {
	return r.peerID
}

// Actor returns the actor id of local changes to the named document and
// stores it if the document has none yet.
func (r *Repository) Actor(ctx context.Context, name string) (string, error) {
	doc, err := r.document(ctx, name)
	if err != nil {
		return "", err
	}
	doc.mu.Lock()
	defer doc.mu.Unlock()
	if err := r.storeActor(ctx, doc); err != nil {
		return "", err
	}
	return doc.actor, nil
}

// Close closes the underlying storage.
func (r *Repository) Close() error {
	return r.store.Close()
}

func checkName(name string) error {
	if name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// document returns the named document, loading it from storage or
// creating an empty one.
func (r *Repository) document(ctx context.Context, name string) (*document, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	if doc, ok := r.docs.Load(name); ok {
		return doc, nil
	}
	actor, stored, err := r.documentActor(ctx, name)
	if err != nil {
		return nil, err
	}
	backend := automerge.Init()
	view := edit.NewView()
	data, err := r.store.Get(ctx, docPrefix+name)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		if backend, err = automerge.Load(data); err != nil {
			return nil, fmt.Errorf("load document %s: %w", name, err)
		}
		patch, err := backend.GetPatch()
		if err != nil {
			return nil, err
		}
		if err := view.ApplyPatch(patch); err != nil {
			return nil, err
		}
		r.logger.Debug("loaded document", "doc", name, "bytes", len(data))
	}
	doc, loaded := r.docs.LoadOrStore(name, &document{name: name, actor: actor, stored: stored, backend: backend, view: view})
	if !loaded {
		documentsOpen.Inc()
	}
	return doc, nil
}

// documentActor returns the stored actor id of a document, or a new one.
func (r *Repository) documentActor(ctx context.Context, name string) (string, bool, error) {
	data, err := r.store.Get(ctx, actorPrefix+name)
	if err == nil {
		return string(data), true, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", false, err
	}
	actor := r.newActor(name)
	if _, err := hex.DecodeString(actor); err != nil || actor == "" {
		return "", false, fmt.Errorf("actor id of document %s must be hex: %q", name, actor)
	}
	return actor, false, nil
}

func (r *Repository) storeActor(ctx context.Context, doc *document) error {
	if doc.stored {
		return nil
	}
	if err := r.store.Put(ctx, actorPrefix+doc.name, []byte(doc.actor)); err != nil {
		return err
	}
	doc.stored = true
	return nil
}

// save persists the snapshot of a locked document.
func (r *Repository) save(ctx context.Context, doc *document) error {
	if err := r.storeActor(ctx, doc); err != nil {
		return err
	}
	data, err := doc.backend.Save()
	if err != nil {
		return err
	}
	return r.store.Put(ctx, docPrefix+doc.name, data)
}

// Names returns the sorted names of the stored and open documents.
func (r *Repository) Names(ctx context.Context) ([]string, error) {
	keys, err := r.store.Keys(ctx, docPrefix)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(keys))
	for _, key := range keys {
		names = append(names, strings.TrimPrefix(key, docPrefix))
	}
	r.docs.Range(func(name string, _ *document) bool {
		names = append(names, name)
		return true
	})
	slices.Sort(names)
	return slices.Compact(names), nil
}

// Change runs fn against the named document and applies the resulting
// local change. It returns nil if fn made no modifications.
func (r *Repository) Change(ctx context.Context, name, message string, fn func(*edit.Context) error) (*core.Patch, error) {
	ctx, span := startSpan(ctx, "repo.Change", name)
	defer span.End()

	doc, err := r.document(ctx, name)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	doc.mu.Lock()
	defer doc.mu.Unlock()

	start := time.Now()
	change, err := doc.view.Change(doc.actor, message, fn)
	if err != nil || change == nil {
		return nil, err
	}
	backend, patch, _, err := doc.backend.ApplyLocalChange(change)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	doc.backend = backend
	if err := doc.view.ApplyPatch(patch); err != nil {
		return nil, err
	}
	if err := r.save(ctx, doc); err != nil {
		return nil, err
	}
	changesApplied.WithLabelValues("local").Inc()
	applyDuration.WithLabelValues("local").Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("automerge.ops", len(change.Ops)))
	r.logger.Debug("applied local change", "doc", name, "seq", change.Seq, "ops", len(change.Ops))
	return patch, nil
}

// ApplyChanges applies encoded changes to the named document.
func (r *Repository) ApplyChanges(ctx context.Context, name string, changes [][]byte) (*core.Patch, error) {
	ctx, span := startSpan(ctx, "repo.ApplyChanges", name)
	defer span.End()
	span.SetAttributes(attribute.Int("automerge.changes", len(changes)))

	doc, err := r.document(ctx, name)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	doc.mu.Lock()
	defer doc.mu.Unlock()

	patch, err := r.applyRemote(ctx, doc, changes)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return patch, nil
}

func (r *Repository) applyRemote(ctx context.Context, doc *document, changes [][]byte) (*core.Patch, error) {
	start := time.Now()
	backend, patch, err := doc.backend.ApplyChanges(changes)
	if err != nil {
		return nil, err
	}
	doc.backend = backend
	if err := doc.view.ApplyPatch(patch); err != nil {
		return nil, err
	}
	if err := r.save(ctx, doc); err != nil {
		return nil, err
	}
	changesApplied.WithLabelValues("remote").Add(float64(len(changes)))
	applyDuration.WithLabelValues("remote").Observe(time.Since(start).Seconds())
	r.logger.Debug("applied changes", "doc", doc.name, "changes", len(changes), "pending", patch.PendingChanges)
	return patch, nil
}

// Get returns the materialized value at path of the named document.
func (r *Repository) Get(ctx context.Context, name, path string) (any, error) {
	doc, err := r.document(ctx, name)
	if err != nil {
		return nil, err
	}
	doc.mu.Lock()
	defer doc.mu.Unlock()
	return doc.view.Get(path)
}

// Heads returns the heads of the named document.
func (r *Repository) Heads(ctx context.Context, name string) ([]object.Hash, error) {
	doc, err := r.document(ctx, name)
	if err != nil {
		return nil, err
	}
	doc.mu.Lock()
	defer doc.mu.Unlock()
	return doc.backend.GetHeads()
}

// Changes returns the changes of the named document that are not
// ancestors of have.
func (r *Repository) Changes(ctx context.Context, name string, have []object.Hash) ([][]byte, error) {
	doc, err := r.document(ctx, name)
	if err != nil {
		return nil, err
	}
	doc.mu.Lock()
	defer doc.mu.Unlock()
	return doc.backend.GetChanges(have)
}

// Merge applies every change of src to dst. It fails with ErrActorConflict
// and leaves dst unchanged if both documents hold a different change with
// the same actor and sequence number.
func (r *Repository) Merge(ctx context.Context, dst, src string) (*core.Patch, error) {
	ctx, span := startSpan(ctx, "repo.Merge", dst)
	defer span.End()

	changes, err := r.Changes(ctx, src, nil)
	if err != nil {
		return nil, err
	}
	doc, err := r.document(ctx, dst)
	if err != nil {
		return nil, err
	}
	doc.mu.Lock()
	defer doc.mu.Unlock()

	for _, data := range changes {
		meta, err := columnar.DecodeChangeMeta(data)
		if err != nil {
			return nil, err
		}
		if meta.Seq > doc.view.Seq(meta.Actor) {
			continue
		}
		known, err := doc.backend.GetChangeByHash(meta.Hash)
		if err != nil {
			return nil, err
		}
		if known == nil {
			err := fmt.Errorf("%w: change %d of actor %s in %s", ErrActorConflict, meta.Seq, meta.Actor, src)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}
	patch, err := r.applyRemote(ctx, doc, changes)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return patch, nil
}

// HistoryEntry is the state of a document after one of its changes.
type HistoryEntry struct {
	Change   *object.Change
	Snapshot any
}

// History replays the changes of the named document in order and returns
// the materialized document after each of them.
func (r *Repository) History(ctx context.Context, name string) ([]HistoryEntry, error) {
	ctx, span := startSpan(ctx, "repo.History", name)
	defer span.End()

	changes, err := r.Changes(ctx, name, nil)
	if err != nil {
		return nil, err
	}
	backend := automerge.Init()
	view := edit.NewView()
	history := make([]HistoryEntry, 0, len(changes))
	for _, data := range changes {
		change, err := automerge.DecodeChange(data)
		if err != nil {
			return nil, err
		}
		next, patch, err := backend.ApplyChanges([][]byte{data})
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("replay change %s: %w", change.Hash, err)
		}
		backend = next
		if err := view.ApplyPatch(patch); err != nil {
			return nil, err
		}
		snapshot, err := view.Get("")
		if err != nil {
			return nil, err
		}
		history = append(history, HistoryEntry{Change: change, Snapshot: snapshot})
	}
	span.SetAttributes(attribute.Int("automerge.changes", len(history)))
	return history, nil
}

// Export archives the changes of the named document and writes them to
// out as a CAR.
func (r *Repository) Export(ctx context.Context, name string, out io.Writer) error {
	ctx, span := startSpan(ctx, "repo.Export", name)
	defer span.End()

	doc, err := r.document(ctx, name)
	if err != nil {
		return err
	}
	doc.mu.Lock()
	changes, err := doc.backend.GetAllChanges()
	if err != nil {
		doc.mu.Unlock()
		return err
	}
	heads, err := doc.backend.GetHeads()
	doc.mu.Unlock()
	if err != nil {
		return err
	}
	for _, change := range changes {
		if _, err := r.links.PutChange(ctx, change); err != nil {
			return err
		}
	}
	var buf bytes.Buffer
	if err := r.links.Export(ctx, heads, &buf); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	r.logger.Info("exported document", "doc", name, "changes", len(changes), "bytes", buf.Len())
	_, err = buf.WriteTo(out)
	return err
}

// Import reads a CAR written by Export and applies its changes to the
// named document.
func (r *Repository) Import(ctx context.Context, name string, in io.Reader) (*core.Patch, error) {
	ctx, span := startSpan(ctx, "repo.Import", name)
	defer span.End()

	_, changes, err := r.links.Import(ctx, in)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	r.logger.Info("imported archive", "doc", name, "changes", len(changes))
	return r.ApplyChanges(ctx, name, changes)
}

func syncKey(name, peerID string) string {
	return syncPrefix + name + "/" + peerID
}

// session returns the sync state of a peer for the named document.
func (r *Repository) session(ctx context.Context, name, peerID string) (*peer.State, error) {
	key := syncKey(name, peerID)
	if state, ok := r.sessions.Load(key); ok {
		return state, nil
	}
	data, err := r.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return automerge.InitSyncState(), nil
	}
	if err != nil {
		return nil, err
	}
	return automerge.DecodeSyncState(data)
}

func (r *Repository) storeSession(ctx context.Context, name, peerID string, state *peer.State) error {
	key := syncKey(name, peerID)
	r.sessions.Store(key, state)
	data, err := automerge.EncodeSyncState(state)
	if err != nil {
		return err
	}
	return r.store.Put(ctx, key, data)
}

// GenerateSyncMessage returns the next sync message for a peer of the
// named document, or nil if the peer is up to date.
func (r *Repository) GenerateSyncMessage(ctx context.Context, name, peerID string) ([]byte, error) {
	if err := checkName(peerID); err != nil {
		return nil, err
	}
	ctx, span := startSpan(ctx, "repo.GenerateSyncMessage", name)
	defer span.End()

	doc, err := r.document(ctx, name)
	if err != nil {
		return nil, err
	}
	doc.mu.Lock()
	defer doc.mu.Unlock()

	state, err := r.session(ctx, name, peerID)
	if err != nil {
		return nil, err
	}
	state, msg, err := doc.backend.GenerateSyncMessage(state)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err := r.storeSession(ctx, name, peerID, state); err != nil {
		return nil, err
	}
	if msg != nil {
		syncMessages.WithLabelValues("sent").Inc()
		syncMessageSize.Observe(float64(len(msg)))
		r.logger.Debug("generated sync message", "doc", name, "peer", peerID, "bytes", len(msg))
	}
	return msg, nil
}

// ReceiveSyncMessage applies a sync message from a peer of the named document.
func (r *Repository) ReceiveSyncMessage(ctx context.Context, name, peerID string, msg []byte) (*core.Patch, error) {
	if err := checkName(peerID); err != nil {
		return nil, err
	}
	ctx, span := startSpan(ctx, "repo.ReceiveSyncMessage", name)
	defer span.End()

	doc, err := r.document(ctx, name)
	if err != nil {
		return nil, err
	}
	doc.mu.Lock()
	defer doc.mu.Unlock()

	state, err := r.session(ctx, name, peerID)
	if err != nil {
		return nil, err
	}
	backend, state, patch, err := doc.backend.ReceiveSyncMessage(state, msg)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	doc.backend = backend
	if patch != nil {
		if err := doc.view.ApplyPatch(patch); err != nil {
			return nil, err
		}
		if err := r.save(ctx, doc); err != nil {
			return nil, err
		}
	}
	if err := r.storeSession(ctx, name, peerID, state); err != nil {
		return nil, err
	}
	syncMessages.WithLabelValues("received").Inc()
	syncMessageSize.Observe(float64(len(msg)))
	r.logger.Debug("received sync message", "doc", name, "peer", peerID, "bytes", len(msg))
	return patch, nil
}
