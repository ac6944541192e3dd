package core

import (
	"fmt"
	"sync"
)

// PrimaryKey is a 64-bit identifier, globally unique within a chain.
type PrimaryKey uint64

func (k PrimaryKey) String() string { return fmt.Sprintf("%016x", uint64(k)) }

// primaryKeyTLS implements the thread-local "current key" pattern: a
// constructor called without an explicit key picks up whatever key was
// last pushed by WithPrimaryKey on the calling goroutine, grounded on
// original_source/lib/src/header.rs's PrimaryKeyScope RAII guard. Go has no
// true thread-local storage, so this is keyed by goroutine id substitute: a
// context-free package-level stack guarded by a mutex, scoped by explicit
// push/pop pairs rather than goroutine identity (callers that need
// goroutine-local semantics should thread PrimaryKey explicitly instead).
var currentKeyMu sync.Mutex
var currentKeyStack []PrimaryKey

// PushCurrentKey makes k the "current" primary key for subsequent
// constructors that accept none explicitly.
func PushCurrentKey(k PrimaryKey) {
	currentKeyMu.Lock()
	defer currentKeyMu.Unlock()
	currentKeyStack = append(currentKeyStack, k)
}

// PopCurrentKey restores the previous current key. Callers should always
// pair this with PushCurrentKey via defer, mirroring PrimaryKeyScope's Drop.
func PopCurrentKey() {
	currentKeyMu.Lock()
	defer currentKeyMu.Unlock()
	if len(currentKeyStack) == 0 {
		return
	}
	currentKeyStack = currentKeyStack[:len(currentKeyStack)-1]
}

// CurrentKey returns the current primary key and whether one is set.
func CurrentKey() (PrimaryKey, bool) {
	currentKeyMu.Lock()
	defer currentKeyMu.Unlock()
	if len(currentKeyStack) == 0 {
		return 0, false
	}
	return currentKeyStack[len(currentKeyStack)-1], true
}

// WithPrimaryKey runs fn with k pushed as the current key, popping it
// afterwards regardless of panic/return, the Go equivalent of
// PrimaryKeyScope's scope-guard lifetime.
func WithPrimaryKey(k PrimaryKey, fn func()) {
	PushCurrentKey(k)
	defer PopCurrentKey()
	fn()
}

// NewPrimaryKey returns a fresh random primary key from the CSPRNG.
func NewPrimaryKey() (PrimaryKey, error) {
	b, err := RandomBytes(8)
	if err != nil {
		return 0, err
	}
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return PrimaryKey(v), nil
}

//---------------------------------------------------------------------
// ReadOption / WriteOption
//---------------------------------------------------------------------

// ReadOptionKind tags which encryption policy governs a body.
type ReadOptionKind uint8

const (
	ReadInherit ReadOptionKind = iota
	ReadEveryone
	ReadSpecific
)

// ReadOption controls which read key, if any, encrypts an event's body.
// Specific carries a DerivedEncryptKey so outer-key rotation never requires
// re-encrypting the body itself.
type ReadOption struct {
	Kind        ReadOptionKind
	EveryoneKey *EncryptKey        // set only for ReadEveryone with a key
	KeyHash     AteHash            // set only for ReadSpecific
	Derived     DerivedEncryptKey  // set only for ReadSpecific
}

// WriteOptionKind tags which signing policy governs an event.
type WriteOptionKind uint8

const (
	WriteInherit WriteOptionKind = iota
	WriteEveryone
	WriteNobody
	WriteSpecific
	WriteAny
)

// WriteOption controls which signatures authorize a mutation of a key.
type WriteOption struct {
	Kind     WriteOptionKind
	Hash     AteHash   // set only for WriteSpecific
	AnyHash  []AteHash // set only for WriteAny
}

//---------------------------------------------------------------------
// Metadata records: a closed tagged union, one struct per spec kind.
//---------------------------------------------------------------------

// MetaKind discriminates the metadata record variants attached to an event.
type MetaKind uint8

const (
	MetaKindData MetaKind = iota
	MetaKindTombstone
	MetaKindParent
	MetaKindAuthorization
	MetaKindConfidentiality
	MetaKindSignature
	MetaKindPublicKey
	MetaKindEncryptedPrivateKey
	MetaKindTimestamp
	MetaKindEntropy
	MetaKindType
	MetaKindReply
)

// Meta is implemented by every metadata record variant. Records are
// length-prefixed on the wire (see event.go) so adding new kinds stays
// forward compatible: an unknown tag's bytes can be skipped whole.
type Meta interface {
	Kind() MetaKind
}

// MetaData identifies which logical row an event mutates.
type MetaData struct{ Key PrimaryKey }

func (MetaData) Kind() MetaKind { return MetaKindData }

// MetaTombstone is a logical delete of Key.
type MetaTombstone struct{ Key PrimaryKey }

func (MetaTombstone) Kind() MetaKind { return MetaKindTombstone }

// MetaParent records tree/vector membership: Key is a child of ParentKey
// within CollectionID (so a single parent may host multiple ordered
// collections, e.g. "comments" vs "likes").
type MetaParent struct {
	CollectionID AteHash
	ParentKey    PrimaryKey
}

func (MetaParent) Kind() MetaKind { return MetaKindParent }

// MetaAuthorization carries the access-control policy for the key this
// event mutates.
type MetaAuthorization struct {
	Read  ReadOption
	Write WriteOption
}

func (MetaAuthorization) Kind() MetaKind { return MetaKindAuthorization }

// MetaConfidentiality records which read key encrypts the body, with
// CachedReadOption snapshotting the resolved option at write time so a
// reader does not need to re-walk the parent chain just to decrypt.
type MetaConfidentiality struct {
	Hash             AteHash
	CachedReadOption ReadOption
}

func (MetaConfidentiality) Kind() MetaKind { return MetaKindConfidentiality }

// MetaSignature is a producer attestation over the event's canonical bytes.
type MetaSignature struct {
	PublicKeyHash AteHash
	Signature     []byte
}

func (MetaSignature) Kind() MetaKind { return MetaKindSignature }

// MetaPublicKey publishes a key referenced by later signatures in the chain.
type MetaPublicKey struct{ Key PublicKey }

func (MetaPublicKey) Kind() MetaKind { return MetaKindPublicKey }

// MetaEncryptedPrivateKey delegates rights: a private key wrapped by a read
// key, recoverable only by a session holding that read key.
type MetaEncryptedPrivateKey struct {
	ReadKeyHash AteHash
	Wrapped     []byte
}

func (MetaEncryptedPrivateKey) Kind() MetaKind { return MetaKindEncryptedPrivateKey }

// MetaTimestamp carries milliseconds-since-epoch.
type MetaTimestamp struct{ MillisSinceEpoch int64 }

func (MetaTimestamp) Kind() MetaKind { return MetaKindTimestamp }

// MetaEntropy is a duplicate-avoidance nonce, the other half of the
// anti-replay key (public_key_hash, entropy).
type MetaEntropy struct{ Nonce uint64 }

func (MetaEntropy) Kind() MetaKind { return MetaKindEntropy }

// MetaType is an optional nominal type tag used by Services to route
// Invoke requests to the right handler.
type MetaType struct{ TypeName string }

func (MetaType) Kind() MetaKind { return MetaKindType }

// MetaReply correlates a service reply event with its originating request.
type MetaReply struct{ CorrelationID AteHash }

func (MetaReply) Kind() MetaKind { return MetaKindReply }

//---------------------------------------------------------------------
// header.rs-style accessors over a metadata slice
//---------------------------------------------------------------------

// MetaForData builds the metadata slice a new event addressed at key
// starts with, mirroring original_source/lib/src/header.rs's
// Metadata::for_data.
func MetaForData(key PrimaryKey) []Meta {
	return []Meta{MetaData{Key: key}}
}

// GetDataKey scans meta for a Data or Tombstone record and returns its key.
func GetDataKey(meta []Meta) (PrimaryKey, bool) {
	for _, m := range meta {
		switch v := m.(type) {
		case MetaData:
			return v.Key, true
		case MetaTombstone:
			return v.Key, true
		}
	}
	return 0, false
}

// SetDataKey mutates the existing Data record in place, or appends one if
// none is present yet.
func SetDataKey(meta []Meta, key PrimaryKey) []Meta {
	for i, m := range meta {
		if _, ok := m.(MetaData); ok {
			meta[i] = MetaData{Key: key}
			return meta
		}
	}
	return append(meta, MetaData{Key: key})
}

// IsTombstoned reports whether meta marks its key deleted.
func IsTombstoned(meta []Meta) bool {
	for _, m := range meta {
		if _, ok := m.(MetaTombstone); ok {
			return true
		}
	}
	return false
}

// GetAuthorization returns the Authorization record if present.
func GetAuthorization(meta []Meta) (MetaAuthorization, bool) {
	for _, m := range meta {
		if a, ok := m.(MetaAuthorization); ok {
			return a, true
		}
	}
	return MetaAuthorization{}, false
}

// GetParent returns the Parent record if present.
func GetParent(meta []Meta) (MetaParent, bool) {
	for _, m := range meta {
		if p, ok := m.(MetaParent); ok {
			return p, true
		}
	}
	return MetaParent{}, false
}

// GetSignatures returns every Signature record on meta.
func GetSignatures(meta []Meta) []MetaSignature {
	var out []MetaSignature
	for _, m := range meta {
		if s, ok := m.(MetaSignature); ok {
			out = append(out, s)
		}
	}
	return out
}

// GetTimestamp returns the Timestamp record if present.
func GetTimestamp(meta []Meta) (int64, bool) {
	for _, m := range meta {
		if t, ok := m.(MetaTimestamp); ok {
			return t.MillisSinceEpoch, true
		}
	}
	return 0, false
}

// GetEntropy returns the Entropy record if present.
func GetEntropy(meta []Meta) (uint64, bool) {
	for _, m := range meta {
		if e, ok := m.(MetaEntropy); ok {
			return e.Nonce, true
		}
	}
	return 0, false
}

// GetReply returns the Reply record if present.
func GetReply(meta []Meta) (AteHash, bool) {
	for _, m := range meta {
		if r, ok := m.(MetaReply); ok {
			return r.CorrelationID, true
		}
	}
	return AteHash{}, false
}

// GetType returns the Type record if present.
func GetType(meta []Meta) (string, bool) {
	for _, m := range meta {
		if t, ok := m.(MetaType); ok {
			return t.TypeName, true
		}
	}
	return "", false
}

// GetConfidentiality returns the Confidentiality record if present.
func GetConfidentiality(meta []Meta) (MetaConfidentiality, bool) {
	for _, m := range meta {
		if c, ok := m.(MetaConfidentiality); ok {
			return c, true
		}
	}
	return MetaConfidentiality{}, false
}

// IntegrityMode selects whether writers cross-sign each other's events
// (Distributed) or a designated root authenticates writes (Centralized).
type IntegrityMode struct {
	Centralized bool
	SessionHash AteHash // only meaningful when Centralized is true
}

func (m IntegrityMode) String() string {
	if m.Centralized {
		return fmt.Sprintf("centralized(session=%s)", m.SessionHash)
	}
	return "distributed"
}

// NewCentralizedIntegrity mints a fresh session hash. Grounded on
// original_source/lib/src/redo/flags.rs: both create_centralized() and
// open_centralized() call AteHash::generate() fresh on every call, so this
// hash is never persisted across restarts — it is regenerated at every
// chain open.
func NewCentralizedIntegrity() (IntegrityMode, error) {
	b, err := RandomBytes(32)
	if err != nil {
		return IntegrityMode{}, err
	}
	var h AteHash
	copy(h[:], b)
	return IntegrityMode{Centralized: true, SessionHash: h}, nil
}
