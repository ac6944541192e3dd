// DIO (Data Interchange Object): the transactional read/write API callers
// use over a chain. A DIO is bound to one chain + one session and has two
// modes (read-only, mutable); mutators accumulate dirty rows and are
// applied atomically on Commit.
//
// Grounded on core/ledger.go's State map accessors (GetState/SetState,
// defensive byte-slice copies on read/write) generalized from raw
// key/value bytes to typed Dao rows, and on core/connection_pool.go's
// per-address pooling shape generalized to the per-row striped lock table
// used during commit.
package core

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"
)

// CommitScope selects how durable a commit must be before it returns.
type CommitScope uint8

const (
	// ScopeLocal applies the commit to the local index immediately,
	// returning before the redo log confirms durability.
	ScopeLocal CommitScope = iota
	// ScopeFull awaits durability from the redo log (an explicit Flush).
	ScopeFull
	// ScopeReplica awaits at least one replica CommitAck from the mesh.
	ScopeReplica
)

func init() {
	// Wire Timeline's authority-resolution hook to Chain's redo log so
	// Parent-chain walks can load the event behind a Leaf without Timeline
	// depending on RedoLog directly (keeping the layering spec.md §2
	// describes: timeline depends only on what's below it).
	eventForLeafHook = func(t *Timeline, leaf *Leaf) (*Event, bool) {
		owner := timelineOwners.get(t)
		if owner == nil {
			return nil, false
		}
		ev, err := owner.redoLog.Load(leaf.RecordLocation)
		if err != nil {
			return nil, false
		}
		return ev, true
	}
}

// timelineOwners maps a *Timeline back to the *Chain that owns it, since
// Go has no reverse-pointer "owning struct" mechanism; set in newDIO.
var timelineOwners = newTimelineOwnerRegistry()

type timelineOwnerRegistry struct {
	mu sync.RWMutex
	m  map[*Timeline]*Chain
}

func newTimelineOwnerRegistry() *timelineOwnerRegistry {
	return &timelineOwnerRegistry{m: make(map[*Timeline]*Chain)}
}

func (r *timelineOwnerRegistry) set(t *Timeline, c *Chain) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[t] = c
}

func (r *timelineOwnerRegistry) get(t *Timeline) *Chain {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.m[t]
}

// DaoRow is a typed row materialized from an event: its primary key, its
// editable authorization, a pointer back to its source leaf, and the
// decoded payload.
type DaoRow struct {
	Key       PrimaryKey
	Auth      MetaAuthorization
	Leaf      *Leaf // nil for a row not yet committed
	Payload   []byte
	TypeName  string
	ParentRef *MetaParent
}

type dirtyOp uint8

const (
	opStore dirtyOp = iota
	opDelete
)

type dirtyRow struct {
	op  dirtyOp
	row DaoRow
}

// DIO is the transactional handle over one Chain for one Session.
type DIO struct {
	chain      *Chain
	session    *Session
	mutable    bool
	privileged bool
	scope      CommitScope

	mu      sync.Mutex
	dirty   map[PrimaryKey]*dirtyRow
	dirtyOrd []PrimaryKey
	committed bool
}

func newDIO(c *Chain, session *Session, scope CommitScope, mutable bool) *DIO {
	timelineOwners.set(c.timeline, c)
	return &DIO{
		chain:   c,
		session: session,
		mutable: mutable,
		scope:   scope,
		dirty:   make(map[PrimaryKey]*dirtyRow),
	}
}

// Load materializes the row at key, decoding its body and running reverse
// transformers (decryption) through the chain's pipeline.
func (d *DIO) Load(ctx context.Context, key PrimaryKey) (*DaoRow, error) {
	leaf, ok := d.chain.timeline.Lookup(key)
	if !ok {
		return nil, wrapKind(KindLoad, "load", ErrNotFound)
	}
	ev, err := d.chain.redoLog.Load(leaf.RecordLocation)
	if err != nil {
		return nil, wrapKind(KindLoad, "load", err)
	}
	pc := &PipelineContext{Session: d.session, Chain: d.chain, Timestamp: nowMillis()}
	if err := d.chain.pipeline.ProcessRead(ctx, pc, ev); err != nil {
		return nil, err
	}
	row := &DaoRow{Key: key, Leaf: leaf, Payload: ev.Body}
	if a, ok := GetAuthorization(ev.Meta); ok {
		row.Auth = a
	}
	if p, ok := GetParent(ev.Meta); ok {
		row.ParentRef = &p
	}
	if tn, ok := GetType(ev.Meta); ok {
		row.TypeName = tn
	}
	return row, nil
}

// LoadWeak resolves only the leaf/header without fetching or decrypting the
// body, grounded on original_source/lib/src/trust/load_result.rs's
// EventWeakData/EventStrongData split.
func (d *DIO) LoadWeak(key PrimaryKey) (*Leaf, bool) {
	return d.chain.timeline.Lookup(key)
}

// Exists reports whether key resolves to a live row.
func (d *DIO) Exists(key PrimaryKey) bool {
	if d.mutable {
		d.mu.Lock()
		if dr, ok := d.dirty[key]; ok {
			deleted := dr.op == opDelete
			d.mu.Unlock()
			return !deleted
		}
		d.mu.Unlock()
	}
	return d.chain.timeline.Exists(key)
}

// Store stages key=payload for commit. On a read-only DIO this is a
// programming error and panics, mirroring the teacher's fail-fast style
// for misuse of a handle opened in the wrong mode.
func (d *DIO) Store(key PrimaryKey, typeName string, payload []byte, auth MetaAuthorization, parent *MetaParent) {
	if !d.mutable {
		panic("core: Store called on a read-only DIO")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.dirty[key]; !ok {
		d.dirtyOrd = append(d.dirtyOrd, key)
	}
	d.dirty[key] = &dirtyRow{op: opStore, row: DaoRow{
		Key: key, Auth: auth, Payload: payload, TypeName: typeName, ParentRef: parent,
	}}
}

// Delete stages a tombstone for key.
func (d *DIO) Delete(key PrimaryKey) {
	if !d.mutable {
		panic("core: Delete called on a read-only DIO")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.dirty[key]; !ok {
		d.dirtyOrd = append(d.dirtyOrd, key)
	}
	d.dirty[key] = &dirtyRow{op: opDelete, row: DaoRow{Key: key}}
}

// ChildrenExt enumerates child keys of parent within collectionID.
func (d *DIO) ChildrenExt(collectionID AteHash, parent PrimaryKey, recursive, includeTombstones bool) []PrimaryKey {
	return d.chain.timeline.Children(collectionID, parent, recursive, includeTombstones)
}

// rowLocks is the commit-scope striped lock table: one mutex per primary
// key touched by an in-flight commit, so parallel mutators never interleave
// writes for the same key. Grounded on core/connection_pool.go's
// map[addr][]*pooledConn shape, generalized from per-address connection
// pooling to per-key locking.
type rowLocks struct {
	mu    sync.Mutex
	locks map[PrimaryKey]*sync.Mutex
}

var globalRowLocks = &rowLocks{locks: make(map[PrimaryKey]*sync.Mutex)}

func (r *rowLocks) lockFor(k PrimaryKey) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.locks[k]
	if !ok {
		m = &sync.Mutex{}
		r.locks[k] = m
	}
	return m
}

// Commit serializes every dirty row into a new event, runs the full write
// pipeline, appends to the redo log, and returns a CommitError on any
// failure. Committing an empty DIO is a no-op; committing the same DIO
// twice fails with Aborted, per spec.md §8's idempotent-commit property.
func (d *DIO) Commit(ctx context.Context) error {
	d.mu.Lock()
	if d.committed {
		d.mu.Unlock()
		return wrapKind(KindCommit, "commit", &CommitError{Aborted: true})
	}
	if len(d.dirtyOrd) == 0 {
		d.committed = true
		d.mu.Unlock()
		return nil
	}
	keys := append([]PrimaryKey(nil), d.dirtyOrd...)
	rows := make(map[PrimaryKey]*dirtyRow, len(d.dirty))
	for k, v := range d.dirty {
		rows[k] = v
	}
	d.mu.Unlock()

	for _, k := range keys {
		m := globalRowLocks.lockFor(k)
		m.Lock()
		defer m.Unlock()
	}

	events := make([]*Event, 0, len(keys))
	for _, k := range keys {
		dr := rows[k]
		meta := MetaForData(k)
		if dr.op == opDelete {
			meta = []Meta{MetaTombstone{Key: k}}
		} else {
			if dr.row.ParentRef != nil {
				meta = append(meta, *dr.row.ParentRef)
			}
			meta = append(meta, MetaAuthorization{Read: dr.row.Auth.Read, Write: dr.row.Auth.Write})
			if dr.row.TypeName != "" {
				meta = append(meta, MetaType{TypeName: dr.row.TypeName})
			}
		}
		meta = append(meta, MetaTimestamp{MillisSinceEpoch: nowMillis()})
		nonce, err := RandomBytes(8)
		if err != nil {
			return wrapKind(KindCommit, "commit", err)
		}
		var nv uint64
		for _, b := range nonce {
			nv = nv<<8 | uint64(b)
		}
		meta = append(meta, MetaEntropy{Nonce: nv})

		if !d.privileged {
			for _, h := range d.session.WriteKeyHashes() {
				priv, _ := d.session.WriteKey(h)
				pub, err := priv.Public()
				if err != nil {
					continue
				}
				sigBytes, err := Sign(priv, dr.row.Payload)
				if err != nil {
					return wrapKind(KindCommit, "commit sign", err)
				}
				meta = append(meta, MetaSignature{PublicKeyHash: pub.Hash(), Signature: sigBytes})
			}
		}

		var body []byte
		if dr.op == opStore {
			body = dr.row.Payload
		}
		events = append(events, &Event{Meta: meta, Body: body, DataHash: hashBodyIfAny(body)})
	}

	pc := &PipelineContext{Session: d.session, Chain: d.chain, Timestamp: nowMillis()}
	_, perr, err := d.chain.commitLocked(ctx, pc, events)
	if err != nil {
		return err
	}
	if !perr.Empty() {
		return wrapKind(KindCommit, "commit", &CommitError{Process: perr})
	}

	if d.scope == ScopeFull {
		if err := d.chain.Flush(); err != nil {
			return err
		}
	}
	if d.scope == ScopeReplica {
		if err := d.awaitReplication(ctx, events); err != nil {
			return err
		}
	}

	d.mu.Lock()
	d.committed = true
	d.mu.Unlock()
	return nil
}

// awaitReplication publishes each committed event to the chain's attached
// mesh as a MsgCommit frame and waits for at least one mirror to CommitAck
// it before returning, satisfying ScopeReplica's "at least one replica
// acknowledged" durability level. A chain with no mesh attached (or no
// mirrors known yet) has mirrorCount() == 0, so this degrades to a no-op
// and ScopeReplica behaves exactly like ScopeLocal.
func (d *DIO) awaitReplication(ctx context.Context, events []*Event) error {
	mc := d.chain.mirrorCount()
	if mc == 0 {
		return nil
	}
	d.chain.meshMu.RLock()
	mesh, topic := d.chain.mesh, d.chain.meshTopic
	d.chain.meshMu.RUnlock()

	for _, e := range events {
		h, err := e.MetaHash(FormatMessagePack)
		if err != nil {
			continue
		}
		if err := mesh.publishCommit(topic, e); err != nil {
			return wrapKind(KindCommit, "replica publish", err)
		}
		if err := awaitCommitAck(ctx, h, 1); err != nil {
			return err
		}
	}
	return nil
}

func hashBodyIfAny(body []byte) *AteHash {
	if len(body) == 0 {
		return nil
	}
	h := Hash(body)
	return &h
}

//---------------------------------------------------------------------
// Typed generic wrappers
//---------------------------------------------------------------------

// Dao is a typed row handle over a DIO for values of type T, serialized
// with the BodyFormat passed to NewDao.
type Dao[T any] struct {
	dio *DIO
	fmtv BodyFormat
}

// NewDao returns a typed accessor bound to dio.
func NewDao[T any](dio *DIO, format BodyFormat) *Dao[T] { return &Dao[T]{dio: dio, fmtv: format} }

// Get loads and decodes the row at key.
func (d *Dao[T]) Get(ctx context.Context, key PrimaryKey) (T, error) {
	var zero T
	row, err := d.dio.Load(ctx, key)
	if err != nil {
		return zero, err
	}
	var v T
	if err := Decode(d.fmtv, row.Payload, &v); err != nil {
		return zero, err
	}
	return v, nil
}

// Set encodes v and stages it for commit.
func (d *Dao[T]) Set(key PrimaryKey, v T, auth MetaAuthorization) error {
	payload, err := Encode(d.fmtv, v)
	if err != nil {
		return err
	}
	d.dio.Store(key, typeNameOf[T](), payload, auth, nil)
	return nil
}

func typeNameOf[T any]() string {
	var zero T
	return sprintfType(zero)
}

func sprintfType(v interface{}) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return fmt.Sprintf("%v", v)
	}
	return t.String() + ":" + fmt.Sprintf("%v", v)
}

// DaoVec is an ordered collection of children of a parent key within one
// collection id.
type DaoVec[T any] struct {
	dio          *DIO
	fmtv         BodyFormat
	collectionID AteHash
	parent       PrimaryKey
}

// NewDaoVec returns a vector accessor for the named collection under
// parent.
func NewDaoVec[T any](dio *DIO, format BodyFormat, collection string, parent PrimaryKey) *DaoVec[T] {
	return &DaoVec[T]{dio: dio, fmtv: format, collectionID: Hash([]byte(collection)), parent: parent}
}

// Push stages a new child under the parent key.
func (v *DaoVec[T]) Push(key PrimaryKey, item T, auth MetaAuthorization) error {
	payload, err := Encode(v.fmtv, item)
	if err != nil {
		return err
	}
	parentRef := MetaParent{CollectionID: v.collectionID, ParentKey: v.parent}
	v.dio.Store(key, typeNameOf[T](), payload, auth, &parentRef)
	return nil
}

// Iter returns the keys of every live child, in append order.
func (v *DaoVec[T]) Iter(recursive bool) []PrimaryKey {
	return v.dio.ChildrenExt(v.collectionID, v.parent, recursive, false)
}

// DaoMap is a keyed collection of children, addressed by an arbitrary
// string key hashed into a PrimaryKey.
type DaoMap[K comparable, V any] struct {
	vec *DaoVec[V]
}

// NewDaoMap returns a map accessor for the named collection under parent.
func NewDaoMap[K comparable, V any](dio *DIO, format BodyFormat, collection string, parent PrimaryKey) *DaoMap[K, V] {
	return &DaoMap[K, V]{vec: NewDaoVec[V](dio, format, collection, parent)}
}

// KeyFor derives the deterministic PrimaryKey for a map key k.
func KeyFor(collection string, k interface{}) PrimaryKey {
	h := Hash([]byte(collection + ":" + sprintfType(k)))
	var v uint64
	for _, b := range h[:8] {
		v = v<<8 | uint64(b)
	}
	return PrimaryKey(v)
}

// DaoRef is a strong reference to another row by primary key within the
// same chain. Resolution never follows an in-memory pointer, so cyclic
// parent/child graphs are structurally impossible, per spec.md §9.
type DaoRef[T any] struct {
	dio *DIO
	fmtv BodyFormat
	key PrimaryKey
}

// NewDaoRef returns a strong reference to key.
func NewDaoRef[T any](dio *DIO, format BodyFormat, key PrimaryKey) *DaoRef[T] {
	return &DaoRef[T]{dio: dio, fmtv: format, key: key}
}

// Resolve loads the referenced row, failing with ErrNotFound if it was
// tombstoned.
func (r *DaoRef[T]) Resolve(ctx context.Context) (T, error) {
	var zero T
	row, err := r.dio.Load(ctx, r.key)
	if err != nil {
		return zero, err
	}
	var v T
	if err := Decode(r.fmtv, row.Payload, &v); err != nil {
		return zero, err
	}
	return v, nil
}

// DaoWeak carries only a key; unlike DaoRef it does not imply the target
// must exist, matching spec.md §4.7's "weak references carry only a key."
type DaoWeak[T any] struct {
	Key PrimaryKey
}

// Resolve attempts to load the referenced row, returning (zero, false) if
// it was tombstoned or never existed rather than an error.
func (w DaoWeak[T]) Resolve(ctx context.Context, dio *DIO, format BodyFormat) (T, bool) {
	var zero T
	row, err := dio.Load(ctx, w.Key)
	if err != nil {
		return zero, false
	}
	var v T
	if err := Decode(format, row.Payload, &v); err != nil {
		return zero, false
	}
	return v, true
}

// ChainKey identifies a chain by its routing key, used by DaoForeign to
// address a row on a different chain than the one its own DIO is open
// against.
type ChainKey string

// DaoForeign is a cross-chain key reference: a ChainKey plus a PrimaryKey,
// resolved through a ChainRegistry rather than an in-memory pointer.
// Grounded on original_source/lib/src/dio/foreign.rs.
type DaoForeign[T any] struct {
	Chain ChainKey
	Key   PrimaryKey
}

// ChainRegistry resolves ChainKeys to already-open Chain handles.
type ChainRegistry struct {
	mu     sync.RWMutex
	chains map[ChainKey]*Chain
}

// NewChainRegistry returns an empty registry.
func NewChainRegistry() *ChainRegistry { return &ChainRegistry{chains: make(map[ChainKey]*Chain)} }

// Register makes c resolvable under key.
func (r *ChainRegistry) Register(key ChainKey, c *Chain) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chains[key] = c
}

// Resolve loads the row referenced by f through registry, opening a DIO on
// the target chain with session.
func (f DaoForeign[T]) Resolve(ctx context.Context, registry *ChainRegistry, session *Session, format BodyFormat) (T, error) {
	var zero T
	registry.mu.RLock()
	target, ok := registry.chains[f.Chain]
	registry.mu.RUnlock()
	if !ok {
		return zero, wrapKind(KindLoad, "resolve foreign", ErrNotFound)
	}
	dio := target.DIO(session)
	row, err := dio.Load(ctx, f.Key)
	if err != nil {
		return zero, err
	}
	var v T
	if err := Decode(format, row.Payload, &v); err != nil {
		return zero, err
	}
	return v, nil
}

// commitDeadline returns ctx's deadline, if it has one. Commit does not
// call it.
func commitDeadline(ctx context.Context) (time.Time, bool) {
	return ctx.Deadline()
}
