package core

import "testing"

func TestSessionWriteKeyLookup(t *testing.T) {
	s := NewSession(SessionUser)
	pub, priv, err := GenerateSignKeyPair(AlgoEd25519)
	if err != nil {
		t.Fatalf("GenerateSignKeyPair: %v", err)
	}
	if err := s.AddWriteKey(priv); err != nil {
		t.Fatalf("AddWriteKey: %v", err)
	}
	got, ok := s.WriteKey(pub.Hash())
	if !ok {
		t.Fatalf("WriteKey did not find the key just added")
	}
	if string(got.Raw) != string(priv.Raw) {
		t.Fatalf("WriteKey returned a different key")
	}
}

func TestSessionReadKeyLookup(t *testing.T) {
	s := NewSession(SessionUser)
	key, err := RandomKey()
	if err != nil {
		t.Fatalf("RandomKey: %v", err)
	}
	s.AddReadKey(key)
	got, ok := s.ReadKey(Hash(key[:]))
	if !ok || got != key {
		t.Fatalf("ReadKey did not return the registered key: got %v ok=%v", got, ok)
	}
}

// TestGroupSessionFallsThroughToInner is the sudo/group elevation scenario:
// a Group session nests a User session and must resolve that user's keys
// and claims when its own maps are empty.
func TestGroupSessionFallsThroughToInner(t *testing.T) {
	user := NewSession(SessionUser)
	pub, priv, err := GenerateSignKeyPair(AlgoEd25519)
	if err != nil {
		t.Fatalf("GenerateSignKeyPair: %v", err)
	}
	if err := user.AddWriteKey(priv); err != nil {
		t.Fatalf("AddWriteKey: %v", err)
	}
	user.SetClaim("uid", "1000")

	group := NewGroupSession(user)
	if _, ok := group.WriteKey(pub.Hash()); !ok {
		t.Fatalf("group session did not fall through to the nested user's write key")
	}
	if v, ok := group.Claim("uid"); !ok || v != "1000" {
		t.Fatalf("group session did not fall through to the nested user's claim: %q ok=%v", v, ok)
	}
}

// TestElevateSharesKeyMaterial is end-to-end scenario "main_sudo": elevating
// a user session yields a Sudo-kind session carrying the same keys and an
// IsPrivileged answer of true.
func TestElevateSharesKeyMaterial(t *testing.T) {
	user := NewSession(SessionUser)
	if user.IsPrivileged() {
		t.Fatalf("a plain user session must not be privileged")
	}
	pub, priv, err := GenerateSignKeyPair(AlgoEd25519)
	if err != nil {
		t.Fatalf("GenerateSignKeyPair: %v", err)
	}
	if err := user.AddWriteKey(priv); err != nil {
		t.Fatalf("AddWriteKey: %v", err)
	}

	sudo := user.Elevate()
	if !sudo.IsPrivileged() {
		t.Fatalf("Elevate() should return a privileged session")
	}
	if _, ok := sudo.WriteKey(pub.Hash()); !ok {
		t.Fatalf("elevated session lost the original write key")
	}
}

func TestRecoveryPhraseRoundTrip(t *testing.T) {
	mnemonic, err := NewRecoveryPhrase()
	if err != nil {
		t.Fatalf("NewRecoveryPhrase: %v", err)
	}

	s1, err := SessionFromMnemonic(mnemonic, "")
	if err != nil {
		t.Fatalf("SessionFromMnemonic: %v", err)
	}
	s2, err := SessionFromMnemonic(mnemonic, "")
	if err != nil {
		t.Fatalf("SessionFromMnemonic (second derivation): %v", err)
	}

	hashes1 := s1.WriteKeyHashes()
	hashes2 := s2.WriteKeyHashes()
	if len(hashes1) != 1 || len(hashes2) != 1 || hashes1[0] != hashes2[0] {
		t.Fatalf("deriving a session from the same mnemonic twice produced different write keys")
	}
}

func TestSessionFromMnemonicRejectsInvalidPhrase(t *testing.T) {
	if _, err := SessionFromMnemonic("not a real mnemonic phrase at all", ""); err == nil {
		t.Fatalf("expected an error for an invalid mnemonic")
	}
}
