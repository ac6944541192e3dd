// Confidentiality: the Transformer enforcing ReadOption policy, encrypting
// a body under its resolved read key on write and decrypting it on read.
//
// Grounded on core/authority.go's ResolveReadOption walk and crypto.go's
// DerivedEncryptKey wrap/unwrap, adapted from write-authority resolution to
// the read side: spec.md §4.1's "Specific(key_hash, derived_key)" read
// policy, exercised end to end rather than left as unused helpers.
package core

import "context"

// confidentialityTransformer is the pipeline Transformer enforcing read
// authority, per spec.md §8's Read-authority-adjacent "Write authority"
// testable property's sibling on the read side.
type confidentialityTransformer struct {
	chain *Chain
}

// TransformWrite seals e's body under the inner key wrapped by its resolved
// ReadOption, when that option is Specific. Everyone and Inherit-resolving-
// to-Everyone bodies pass through untouched.
func (ct *confidentialityTransformer) TransformWrite(_ context.Context, pc *PipelineContext, e *Event) error {
	pk, ok := GetDataKey(e.Meta)
	if !ok || IsTombstoned(e.Meta) || len(e.Body) == 0 {
		return nil
	}
	read := ct.resolveRead(pk, e.Meta)
	if read.Kind != ReadSpecific {
		return nil
	}
	if pc.Session == nil {
		return wrapKind(KindTransform, "confidentiality encrypt", ErrMissingReadKey)
	}
	outer, ok := pc.Session.ReadKey(read.KeyHash)
	if !ok {
		return wrapKind(KindTransform, "confidentiality encrypt", ErrMissingReadKey)
	}
	inner, err := read.Derived.Unwrap(outer)
	if err != nil {
		return wrapKind(KindTransform, "confidentiality encrypt", err)
	}
	sealed, err := Encrypt(inner, e.Body, confidentialityAAD(pk))
	if err != nil {
		return wrapKind(KindTransform, "confidentiality encrypt", err)
	}
	e.Body = sealed
	e.Meta = append(e.Meta, MetaConfidentiality{Hash: read.KeyHash, CachedReadOption: read})
	return nil
}

// TransformRead reverses TransformWrite using the MetaConfidentiality record
// the write side cached, so a reader never has to re-walk the Parent chain
// just to find which key decrypts the body.
func (ct *confidentialityTransformer) TransformRead(_ context.Context, pc *PipelineContext, e *Event) error {
	conf, ok := GetConfidentiality(e.Meta)
	if !ok || conf.CachedReadOption.Kind != ReadSpecific {
		return nil
	}
	pk, _ := GetDataKey(e.Meta)
	if pc.Session == nil {
		return wrapKind(KindTransform, "confidentiality decrypt", ErrMissingReadKey)
	}
	outer, ok := pc.Session.ReadKey(conf.Hash)
	if !ok {
		return wrapKind(KindTransform, "confidentiality decrypt", ErrMissingReadKey)
	}
	inner, err := conf.CachedReadOption.Derived.Unwrap(outer)
	if err != nil {
		return wrapKind(KindTransform, "confidentiality decrypt", err)
	}
	plain, err := Decrypt(inner, e.Body, confidentialityAAD(pk))
	if err != nil {
		return wrapKind(KindTransform, "confidentiality decrypt", err)
	}
	e.Body = plain
	return nil
}

// resolveRead prefers an explicit ReadOption declared on e itself (the
// common case: a caller setting up a brand-new Specific policy on its own
// row) before falling back to a Parent-chain walk for Inherit.
func (ct *confidentialityTransformer) resolveRead(pk PrimaryKey, meta []Meta) ReadOption {
	if auth, ok := GetAuthorization(meta); ok && auth.Read.Kind != ReadInherit {
		return auth.Read
	}
	return ResolveReadOption(ct.chain.timeline, pk, meta)
}

// confidentialityAAD binds a sealed body to the row it belongs to, so a
// ciphertext lifted from one key's event can never be replayed as another's.
func confidentialityAAD(pk PrimaryKey) []byte {
	return []byte(pk.String())
}
