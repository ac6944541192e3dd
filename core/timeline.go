// Trust timeline & index: the in-memory materialized state of a chain —
// total insertion order, primary-key -> latest leaf, tombstones, and
// per-collection reverse indices for child enumeration.
//
// Grounded on core/ledger.go's map-plus-RWMutex state shape
// (blockIndex/State guarded by l.mu) and its defensive-copy read/write
// discipline, generalized from block/state maps to the timeline's
// leaf/tombstone/collection maps.
package core

import (
	"context"
	"sync"
)

// Timeline keeps the total order of accepted events and the live index
// derived from them.
type Timeline struct {
	mu sync.RWMutex

	order      []AteHash            // event hashes in insertion (= authoritative) order
	seq        map[AteHash]uint64   // insertion sequence number; recorded, not read by the package
	nextSeq    uint64
	index      map[PrimaryKey]*Leaf
	tombstones map[PrimaryKey]struct{}
	children   map[AteHash]map[PrimaryKey][]PrimaryKey // collectionID -> parent -> ordered children
	publicKeys map[AteHash]PublicKey
}

// NewTimeline returns an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{
		seq:        make(map[AteHash]uint64),
		index:      make(map[PrimaryKey]*Leaf),
		tombstones: make(map[PrimaryKey]struct{}),
		children:   make(map[AteHash]map[PrimaryKey][]PrimaryKey),
		publicKeys: make(map[AteHash]PublicKey),
	}
}

// Apply folds one accepted event into the timeline, per spec.md §4.5 and
// §4.4's Sink stage. It is the timeline's half of the Sink interface;
// Chain wires a *timelineSink adapter (below) into the pipeline.
func (t *Timeline) Apply(lookup LogLookup, e *Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	eventHash := t.hashEvent(e)
	t.order = append(t.order, eventHash)
	t.seq[eventHash] = t.nextSeq
	t.nextSeq++

	for _, m := range e.Meta {
		if pk, ok := m.(MetaPublicKey); ok {
			t.publicKeys[pk.Key.Hash()] = pk.Key
		}
	}

	pk, hasKey := GetDataKey(e.Meta)
	if !hasKey {
		return
	}

	if IsTombstoned(e.Meta) {
		t.tombstones[pk] = struct{}{}
		delete(t.index, pk)
		return
	}

	metaHash := Hash(mustEncodeMetaForHash(e.Meta))
	leaf := &Leaf{PrimaryKey: pk, EventHash: eventHash, MetaHash: metaHash, RecordLocation: lookup}
	t.index[pk] = leaf
	delete(t.tombstones, pk)

	if parent, ok := GetParent(e.Meta); ok {
		byParent, ok := t.children[parent.CollectionID]
		if !ok {
			byParent = make(map[PrimaryKey][]PrimaryKey)
			t.children[parent.CollectionID] = byParent
		}
		kids := byParent[parent.ParentKey]
		found := false
		for _, k := range kids {
			if k == pk {
				found = true
				break
			}
		}
		if !found {
			byParent[parent.ParentKey] = append(kids, pk)
		}
	}
}

// hashEvent computes an event's content hash from its metadata and body,
// used purely as the timeline's ordering key (not a cryptographic chain
// hash — the redo log, not the timeline, is the durability boundary).
func (t *Timeline) hashEvent(e *Event) AteHash {
	mh := Hash(mustEncodeMetaForHash(e.Meta))
	if e.DataHash != nil {
		return DoubleHash(mh, *e.DataHash)
	}
	return mh
}

func mustEncodeMetaForHash(meta []Meta) []byte {
	enc, err := EncodeMeta(FormatMessagePack, meta)
	if err != nil {
		// Metadata values are all plain structs; encoding failure here
		// would indicate a programming error, not a runtime condition.
		return nil
	}
	return enc
}

// Lookup resolves a primary key to its latest non-tombstoned leaf.
func (t *Timeline) Lookup(pk PrimaryKey) (*Leaf, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, dead := t.tombstones[pk]; dead {
		return nil, false
	}
	leaf, ok := t.index[pk]
	return leaf, ok
}

// Exists reports whether pk resolves to a live (non-tombstoned) leaf.
func (t *Timeline) Exists(pk PrimaryKey) bool {
	_, ok := t.Lookup(pk)
	return ok
}

// IsTombstoned reports whether pk has been explicitly deleted.
func (t *Timeline) IsTombstoned(pk PrimaryKey) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.tombstones[pk]
	return ok
}

// Children returns the recorded child keys of parent within collectionID,
// in append order, optionally recursing into grandchildren.
func (t *Timeline) Children(collectionID AteHash, parent PrimaryKey, recursive, includeTombstones bool) []PrimaryKey {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []PrimaryKey
	var walk func(p PrimaryKey)
	walk = func(p PrimaryKey) {
		byParent, ok := t.children[collectionID]
		if !ok {
			return
		}
		for _, k := range byParent[p] {
			if !includeTombstones {
				if _, dead := t.tombstones[k]; dead {
					continue
				}
			}
			out = append(out, k)
			if recursive {
				walk(k)
			}
		}
	}
	walk(parent)
	return out
}

// Relocate updates the RecordLocation of pk's current leaf in place,
// without touching order, seq, tombstones or children — used after
// compaction rewrites the underlying log so a surviving key's leaf still
// points at its bytes in the new log. A no-op if pk has no live leaf
// (already tombstoned, or never compacted into the new log).
func (t *Timeline) Relocate(pk PrimaryKey, lookup LogLookup) {
	t.mu.Lock()
	defer t.mu.Unlock()
	leaf, ok := t.index[pk]
	if !ok {
		return
	}
	relocated := *leaf
	relocated.RecordLocation = lookup
	t.index[pk] = &relocated
}

// PublicKeyByHash resolves a published public key by its content hash.
func (t *Timeline) PublicKeyByHash(h AteHash) (PublicKey, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pk, ok := t.publicKeys[h]
	return pk, ok
}

// Len returns the number of events recorded in insertion order.
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}

// Snapshot returns a cheap, immutable view of the current index for a
// reader, per spec.md §5: "readers hold snapshots of the index cheaply."
// The returned map must not be mutated by the caller.
func (t *Timeline) Snapshot() map[PrimaryKey]*Leaf {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[PrimaryKey]*Leaf, len(t.index))
	for k, v := range t.index {
		out[k] = v
	}
	return out
}

// timelineSink adapts *Timeline to the Sink interface so Chain can register
// it as the pipeline's terminal stage.
type timelineSink struct{ t *Timeline }

func (s *timelineSink) Sink(_ context.Context, _ *PipelineContext, lookup LogLookup, e *Event) error {
	s.t.Apply(lookup, e)
	return nil
}
