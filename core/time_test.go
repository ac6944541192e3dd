package core

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestTimestampEnforcerAllowsWithinTolerance(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1_700_000_000_000))
	enforcer := &TimestampEnforcer{Clock: mock, Tolerance: 5 * time.Second}

	e := &Event{Meta: []Meta{MetaTimestamp{MillisSinceEpoch: mock.Now().UnixMilli() + 1000}}}
	verdict, err := enforcer.Validate(context.Background(), &PipelineContext{}, e)
	if err != nil || verdict != Allow {
		t.Fatalf("expected Allow, got %v err=%v", verdict, err)
	}
}

func TestTimestampEnforcerDeniesOutsideTolerance(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1_700_000_000_000))
	enforcer := &TimestampEnforcer{Clock: mock, Tolerance: 5 * time.Second}

	e := &Event{Meta: []Meta{MetaTimestamp{MillisSinceEpoch: mock.Now().UnixMilli() + 60_000}}}
	verdict, err := enforcer.Validate(context.Background(), &PipelineContext{}, e)
	if err == nil || verdict != Deny {
		t.Fatalf("expected Deny, got %v err=%v", verdict, err)
	}
}

func TestTimestampEnforcerAbstainsWithoutTimestamp(t *testing.T) {
	mock := clock.NewMock()
	enforcer := &TimestampEnforcer{Clock: mock, Tolerance: time.Second}

	e := &Event{}
	verdict, err := enforcer.Validate(context.Background(), &PipelineContext{}, e)
	if err != nil || verdict != Abstain {
		t.Fatalf("expected Abstain for an event with no timestamp, got %v err=%v", verdict, err)
	}
}

func newSignedEvent(t *testing.T, nonce uint64) *Event {
	t.Helper()
	pub, priv, err := GenerateSignKeyPair(AlgoEd25519)
	if err != nil {
		t.Fatalf("GenerateSignKeyPair: %v", err)
	}
	sig, err := Sign(priv, []byte("body"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return &Event{Meta: []Meta{
		MetaEntropy{Nonce: nonce},
		MetaSignature{PublicKeyHash: pub.Hash(), Signature: sig},
	}}
}

func TestAntiReplayRejectsRepeatedNonce(t *testing.T) {
	a := NewAntiReplay(time.Minute)
	a.clock = clock.NewMock()

	e := newSignedEvent(t, 42)
	verdict, err := a.Validate(context.Background(), &PipelineContext{}, e)
	if err != nil || verdict != Allow {
		t.Fatalf("first occurrence should be allowed: %v %v", verdict, err)
	}

	replay := &Event{Meta: e.Meta}
	verdict, err = a.Validate(context.Background(), &PipelineContext{}, replay)
	if err == nil || verdict != Deny {
		t.Fatalf("replayed (signer, entropy) pair should be denied: %v %v", verdict, err)
	}
}

func TestAntiReplaySweepsExpiredEntries(t *testing.T) {
	mock := clock.NewMock()
	a := NewAntiReplay(time.Minute)
	a.clock = mock

	e := newSignedEvent(t, 7)
	if _, err := a.Validate(context.Background(), &PipelineContext{}, e); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if a.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", a.Len())
	}

	mock.Add(2 * time.Minute)
	other := newSignedEvent(t, 8)
	if _, err := a.Validate(context.Background(), &PipelineContext{}, other); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if a.Len() != 1 {
		t.Fatalf("expired entry was not swept: Len() = %d, want 1", a.Len())
	}
}

func TestAntiReplayAbstainsWithoutEntropyOrSignature(t *testing.T) {
	a := NewAntiReplay(time.Minute)
	verdict, err := a.Validate(context.Background(), &PipelineContext{}, &Event{})
	if err != nil || verdict != Abstain {
		t.Fatalf("expected Abstain for an event with no entropy, got %v %v", verdict, err)
	}
}
