package core

import "testing"

func TestAuthorizeWriteEveryone(t *testing.T) {
	if !AuthorizeWrite(WriteOption{Kind: WriteEveryone}, nil, &Event{}) {
		t.Fatalf("WriteEveryone should allow any session")
	}
}

func TestAuthorizeWriteNobodyRequiresPrivilege(t *testing.T) {
	rule := WriteOption{Kind: WriteNobody}
	user := NewSession(SessionUser)
	if AuthorizeWrite(rule, user, &Event{}) {
		t.Fatalf("WriteNobody should deny a plain user session")
	}
	sudo := user.Elevate()
	if !AuthorizeWrite(rule, sudo, &Event{}) {
		t.Fatalf("WriteNobody should allow a privileged session")
	}
}

func TestAuthorizeWriteSpecific(t *testing.T) {
	pub, priv, err := GenerateSignKeyPair(AlgoEd25519)
	if err != nil {
		t.Fatalf("GenerateSignKeyPair: %v", err)
	}
	sig, err := Sign(priv, []byte("body"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	e := &Event{Meta: []Meta{MetaSignature{PublicKeyHash: pub.Hash(), Signature: sig}}}

	rule := WriteOption{Kind: WriteSpecific, Hash: pub.Hash()}
	if !AuthorizeWrite(rule, nil, e) {
		t.Fatalf("WriteSpecific should allow a matching signer")
	}

	otherPub, _, err := GenerateSignKeyPair(AlgoEd25519)
	if err != nil {
		t.Fatalf("GenerateSignKeyPair: %v", err)
	}
	otherRule := WriteOption{Kind: WriteSpecific, Hash: otherPub.Hash()}
	if AuthorizeWrite(otherRule, nil, e) {
		t.Fatalf("WriteSpecific should deny a non-matching signer")
	}
}

func TestAuthorizeWriteAny(t *testing.T) {
	pubA, privA, err := GenerateSignKeyPair(AlgoEd25519)
	if err != nil {
		t.Fatalf("GenerateSignKeyPair: %v", err)
	}
	pubB, _, err := GenerateSignKeyPair(AlgoEd25519)
	if err != nil {
		t.Fatalf("GenerateSignKeyPair: %v", err)
	}
	sig, err := Sign(privA, []byte("body"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	e := &Event{Meta: []Meta{MetaSignature{PublicKeyHash: pubA.Hash(), Signature: sig}}}

	rule := WriteOption{Kind: WriteAny, AnyHash: []AteHash{pubB.Hash(), pubA.Hash()}}
	if !AuthorizeWrite(rule, nil, e) {
		t.Fatalf("WriteAny should allow a signer present in the set")
	}
}

func TestResolveWriteOptionWalksParentChain(t *testing.T) {
	tl := NewTimeline()
	byKey := make(map[PrimaryKey]*Event)
	restore := eventForLeafHook
	eventForLeafHook = func(t *Timeline, leaf *Leaf) (*Event, bool) {
		e, ok := byKey[leaf.PrimaryKey]
		return e, ok
	}
	defer func() { eventForLeafHook = restore }()

	collection := Hash([]byte("docs"))
	root, _ := NewPrimaryKey()
	child, _ := NewPrimaryKey()

	pub, _, err := GenerateSignKeyPair(AlgoEd25519)
	if err != nil {
		t.Fatalf("GenerateSignKeyPair: %v", err)
	}
	rootAuth := MetaAuthorization{Write: WriteOption{Kind: WriteSpecific, Hash: pub.Hash()}}
	rootEvent := &Event{Meta: []Meta{MetaData{Key: root}, rootAuth}}
	byKey[root] = rootEvent
	tl.Apply(LogLookup{}, rootEvent)

	// childEvent is deliberately NOT applied to the timeline before
	// resolving: in real commit order (Chain.commitLocked), validators run
	// before the Sink/Timeline.Apply step, so child's first-ever write must
	// resolve against its own (not-yet-committed) Parent record.
	childEvent := &Event{Meta: []Meta{
		MetaData{Key: child},
		MetaParent{CollectionID: collection, ParentKey: root},
		MetaAuthorization{Write: WriteOption{Kind: WriteInherit}},
	}}

	got := ResolveWriteOption(tl, collection, child, childEvent.Meta, false)
	if got.Kind != WriteSpecific || got.Hash != pub.Hash() {
		t.Fatalf("ResolveWriteOption did not inherit from the root on a first write: %+v", got)
	}
}

func TestResolveWriteOptionDefaultsToNobody(t *testing.T) {
	tl := NewTimeline()
	missing, _ := NewPrimaryKey()
	got := ResolveWriteOption(tl, Hash([]byte("x")), missing, nil, false)
	if got.Kind != WriteNobody {
		t.Fatalf("expected WriteNobody default for an unresolvable key, got %+v", got)
	}
}

func TestResolveWriteOptionAllowsNewRootWhenPermitted(t *testing.T) {
	tl := NewTimeline()
	missing, _ := NewPrimaryKey()
	got := ResolveWriteOption(tl, Hash([]byte("x")), missing, nil, true)
	if got.Kind != WriteEveryone {
		t.Fatalf("expected WriteEveryone default for a new root when allowed, got %+v", got)
	}
}
