// Authority resolution: walks an object's Parent chain to resolve
// inherited Authorization, then evaluates the write rule against a
// session's signatures.
//
// Grounded on core/authority_nodes.go / authority_apply.go's
// quorum/role-walk patterns, adapted from elected-authority voting to
// per-event write-policy resolution against a chain's timeline.
package core

import "context"

// ResolveWriteOption walks pk's Parent chain in timeline t until it finds an
// explicit (non-Inherit) WriteOption, or reaches a root with no
// Authorization at all — whose default is Nobody unless the chain was
// opened for new roots (callers pass allowRootWrite to permit that).
//
// selfMeta is the metadata of the event currently being validated, used as
// the starting point of the walk instead of a timeline lookup: a brand-new
// key's first-ever write has no committed leaf yet, so t.Lookup(pk) would
// fail immediately and the walk could never reach the event's own Parent
// record. Pass nil when pk is already committed (e.g. a plain lookup with
// no event in flight).
func ResolveWriteOption(t *Timeline, collectionID AteHash, pk PrimaryKey, selfMeta []Meta, allowRootWrite bool) WriteOption {
	cur := pk
	meta := selfMeta
	for i := 0; i < 64; i++ { // bounded walk: Parent chains are acyclic by construction
		if meta == nil {
			leaf, ok := t.Lookup(cur)
			if !ok {
				break
			}
			ev, ok := eventForLeaf(t, leaf)
			if !ok {
				break
			}
			meta = ev.Meta
		}
		if auth, ok := GetAuthorization(meta); ok && auth.Write.Kind != WriteInherit {
			return auth.Write
		}
		parent, ok := GetParent(meta)
		if !ok {
			break
		}
		cur = parent.ParentKey
		meta = nil
	}
	if allowRootWrite {
		return WriteOption{Kind: WriteEveryone}
	}
	return WriteOption{Kind: WriteNobody}
}

// eventForLeaf is a resolution hook Chain wires up; Timeline itself has no
// redo log reference, so this layering keeps Timeline depending only on
// what's below it.
var eventForLeafHook func(t *Timeline, leaf *Leaf) (*Event, bool)

func eventForLeaf(t *Timeline, leaf *Leaf) (*Event, bool) {
	if eventForLeafHook == nil {
		return nil, false
	}
	return eventForLeafHook(t, leaf)
}

// AuthorizeWrite checks whether e's signatures satisfy rule, resolving
// Specific/Any hashes against the signatures actually attached to e.
// Nobody only admits a privileged (Sudo/Inner) session.
func AuthorizeWrite(rule WriteOption, session *Session, e *Event) bool {
	switch rule.Kind {
	case WriteEveryone:
		return true
	case WriteNobody:
		return session != nil && session.IsPrivileged()
	case WriteSpecific:
		return hasSignatureFrom(e, rule.Hash)
	case WriteAny:
		for _, h := range rule.AnyHash {
			if hasSignatureFrom(e, h) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func hasSignatureFrom(e *Event, hash AteHash) bool {
	for _, sig := range GetSignatures(e.Meta) {
		if sig.PublicKeyHash == hash {
			return true
		}
	}
	return false
}

// ResolveReadOption walks pk's Parent chain the same way ResolveWriteOption
// does, looking for an explicit (non-Inherit) ReadOption, defaulting to
// Everyone (plaintext) if none is ever declared. selfMeta carries the
// in-flight event's own metadata for the same first-write reason
// ResolveWriteOption takes it: a brand-new key has no committed leaf yet.
func ResolveReadOption(t *Timeline, pk PrimaryKey, selfMeta []Meta) ReadOption {
	cur := pk
	meta := selfMeta
	for i := 0; i < 64; i++ {
		if meta == nil {
			leaf, ok := t.Lookup(cur)
			if !ok {
				break
			}
			ev, ok := eventForLeaf(t, leaf)
			if !ok {
				break
			}
			meta = ev.Meta
		}
		if auth, ok := GetAuthorization(meta); ok && auth.Read.Kind != ReadInherit {
			return auth.Read
		}
		parent, ok := GetParent(meta)
		if !ok {
			break
		}
		cur = parent.ParentKey
		meta = nil
	}
	return ReadOption{Kind: ReadEveryone}
}

// authValidator is the pipeline Validator enforcing write authority, per
// spec.md §8's "Write authority" testable property.
type authValidator struct {
	chain *Chain
}

// collectionIDForSelf is the collection id authValidator passes to
// ResolveWriteOption; that function does not read its collectionID
// argument, and no record is written under this id.
var collectionIDForSelf = Hash([]byte("__self__"))

func (v *authValidator) Validate(_ context.Context, pc *PipelineContext, e *Event) (Verdict, error) {
	pk, ok := GetDataKey(e.Meta)
	if !ok {
		return Abstain, nil
	}
	rule, explicit := GetAuthorization(e.Meta)
	write := rule.Write
	if !explicit || write.Kind == WriteInherit {
		// "opened for new roots" per spec.md §4.8: a chain truncated open
		// (create_distributed/create_centralized) permits a brand-new root
		// key with no declared policy to default to Everyone; a chain
		// reopened against an existing log defaults such a root to Nobody.
		allowRootWrite := v.chain.cfg.Flags.Truncate
		write = ResolveWriteOption(v.chain.timeline, collectionIDForSelf, pk, e.Meta, allowRootWrite)
	}
	if AuthorizeWrite(write, pc.Session, e) {
		return Allow, nil
	}
	return Deny, nil
}
