// Session & authority: a typed bundle of keys and claims carried explicitly
// through every DIO and service call — there is no hidden global session,
// per spec.md §9's "session as explicit parameter" design note.
//
// Grounded on core/wallet.go's key-bundle shape (HDWallet holding seed/keys)
// and field-for-field on original_source/lib/src/session/role_purpose.rs
// and session_property.rs, adapted from wallet key derivation to an
// in-memory session carried per request.
package core

import (
	"crypto/ed25519"
	"sync"

	"github.com/tyler-smith/go-bip39"
)

// SessionKind tags which authority a session carries.
type SessionKind uint8

const (
	SessionUser SessionKind = iota
	SessionSudo
	SessionGroup // nests a User session
	SessionInner // delegated, e.g. a service handler's privileged session
)

// RolePurpose enumerates the roles a session or key bundle may carry,
// carried verbatim from original_source/lib/src/session/role_purpose.rs
// since spec.md names roles/group-elevation without enumerating them.
type RolePurpose uint8

const (
	RoleOwner RolePurpose = iota
	RolePersonal
	RoleDelegate
	RoleContributor
	RoleObserver
	RoleFinance
	RoleWebServer
	RoleEdgeCompute
	RoleOther
)

// Property is a named claim (uid/gid) carried on a session, grounded on
// original_source/lib/src/session/session_property.rs's AteSessionProperty.
type Property struct {
	Name  string
	Value string
}

// Session bundles the key material and claims a caller presents when
// opening a DIO or being dispatched a service request.
type Session struct {
	mu sync.RWMutex

	Kind SessionKind
	Role RolePurpose

	readKeys        map[AteHash]EncryptKey
	privateReadKeys map[AteHash]EncryptKey
	writeKeys       map[AteHash]PrivateSignKey

	claims map[string]string // uid/gid and similar named claims

	inner *Session // set only when Kind == SessionGroup
}

// NewSession returns an empty session of the given kind.
func NewSession(kind SessionKind) *Session {
	return &Session{
		Kind:            kind,
		readKeys:        make(map[AteHash]EncryptKey),
		privateReadKeys: make(map[AteHash]EncryptKey),
		writeKeys:       make(map[AteHash]PrivateSignKey),
		claims:          make(map[string]string),
	}
}

// NewGroupSession nests user inside a Group-kind session.
func NewGroupSession(user *Session) *Session {
	s := NewSession(SessionGroup)
	s.inner = user
	return s
}

// AddReadKey registers key, addressable by its content hash.
func (s *Session) AddReadKey(key EncryptKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readKeys[Hash(key[:])] = key
}

// AddPrivateReadKey registers a private (non-shared) read key.
func (s *Session) AddPrivateReadKey(key EncryptKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.privateReadKeys[Hash(key[:])] = key
}

// AddWriteKey registers a signing key, addressable by its public key hash.
func (s *Session) AddWriteKey(priv PrivateSignKey) error {
	pub, err := priv.Public()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeKeys[pub.Hash()] = priv
	return nil
}

// SetClaim records a named claim such as uid/gid.
func (s *Session) SetClaim(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims[name] = value
}

// Claim returns a named claim's value, per the session pipeline querying
// keys/claims by hash or name rather than a global lookup.
func (s *Session) Claim(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Kind == SessionGroup && s.inner != nil {
		if v, ok := s.inner.Claim(name); ok {
			return v, ok
		}
	}
	v, ok := s.claims[name]
	return v, ok
}

// ReadKey resolves a read key by hash, falling through to a nested user
// session for Group-kind sessions.
func (s *Session) ReadKey(h AteHash) (EncryptKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if k, ok := s.readKeys[h]; ok {
		return k, true
	}
	if k, ok := s.privateReadKeys[h]; ok {
		return k, true
	}
	if s.Kind == SessionGroup && s.inner != nil {
		return s.inner.ReadKey(h)
	}
	return EncryptKey{}, false
}

// WriteKey resolves a signing key by its public key hash.
func (s *Session) WriteKey(h AteHash) (PrivateSignKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if k, ok := s.writeKeys[h]; ok {
		return k, true
	}
	if s.Kind == SessionGroup && s.inner != nil {
		return s.inner.WriteKey(h)
	}
	return PrivateSignKey{}, false
}

// WriteKeyHashes returns the public key hashes of every signing key this
// session (and, for Group sessions, its nested user) can sign with.
func (s *Session) WriteKeyHashes() []AteHash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AteHash, 0, len(s.writeKeys))
	for h := range s.writeKeys {
		out = append(out, h)
	}
	if s.Kind == SessionGroup && s.inner != nil {
		out = append(out, s.inner.WriteKeyHashes()...)
	}
	return out
}

// IsPrivileged reports whether this session may act as "master" for the
// purposes of a WriteNobody policy, i.e. Sudo or Inner sessions.
func (s *Session) IsPrivileged() bool {
	return s.Kind == SessionSudo || s.Kind == SessionInner
}

//---------------------------------------------------------------------
// Mnemonic bootstrap
//---------------------------------------------------------------------

// NewRecoveryPhrase returns a fresh BIP-39 mnemonic a user can write down
// once and later replay through SessionFromMnemonic to regain the same
// read/write keys, grounded on core/wallet.go's seed-phrase key derivation
// (adapted from an HD wallet's coin-type derivation path to a single
// deterministic key pair, since the chain of trust has no account tree).
func NewRecoveryPhrase() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", wrapKind(KindCrypto, "recovery phrase", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", wrapKind(KindCrypto, "recovery phrase", err)
	}
	return mnemonic, nil
}

// SessionFromMnemonic rebuilds a User-kind session's Ed25519 write key and a
// derived read key from mnemonic, the same phrase NewRecoveryPhrase returned.
// passphrase is the optional BIP-39 extension word; callers not using one
// pass "".
func SessionFromMnemonic(mnemonic, passphrase string) (*Session, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, wrapKind(KindCrypto, "session from mnemonic", ErrDenied)
	}
	seed := bip39.NewSeed(mnemonic, passphrase)

	signSeed := seed[:ed25519.SeedSize]
	priv := ed25519.NewKeyFromSeed(signSeed)
	writeKey := PrivateSignKey{Algo: AlgoEd25519, Raw: priv}

	readKey := EncryptKey(Hash(seed[ed25519.SeedSize:]))

	s := NewSession(SessionUser)
	if err := s.AddWriteKey(writeKey); err != nil {
		return nil, wrapKind(KindCrypto, "session from mnemonic", err)
	}
	s.AddReadKey(readKey)
	return s, nil
}

// Elevate returns a new Sudo-kind session sharing the same key material,
// the explicit "main_sudo" elevation spec.md §8's sudo-elevation scenario
// exercises.
func (s *Session) Elevate() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	elevated := NewSession(SessionSudo)
	for h, k := range s.readKeys {
		elevated.readKeys[h] = k
	}
	for h, k := range s.privateReadKeys {
		elevated.privateReadKeys[h] = k
	}
	for h, k := range s.writeKeys {
		elevated.writeKeys[h] = k
	}
	for k, v := range s.claims {
		elevated.claims[k] = v
	}
	return elevated
}
