package core

import (
	"context"
	"testing"
)

type fakeValidator struct {
	verdict Verdict
	err     error
	called  *[]string
	name    string
}

func (f fakeValidator) Validate(ctx context.Context, p *PipelineContext, e *Event) (Verdict, error) {
	if f.called != nil {
		*f.called = append(*f.called, f.name)
	}
	return f.verdict, f.err
}

type stampingLinter struct{ stamped *bool }

func (l stampingLinter) Lint(ctx context.Context, p *PipelineContext, e *Event) error {
	*l.stamped = true
	return nil
}

type rot13Transformer struct{}

func rot13(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z':
			out[i] = 'a' + (c-'a'+13)%26
		case c >= 'A' && c <= 'Z':
			out[i] = 'A' + (c-'A'+13)%26
		default:
			out[i] = c
		}
	}
	return out
}

func (rot13Transformer) TransformWrite(ctx context.Context, p *PipelineContext, e *Event) error {
	e.Body = rot13(e.Body)
	return nil
}

func (rot13Transformer) TransformRead(ctx context.Context, p *PipelineContext, e *Event) error {
	e.Body = rot13(e.Body)
	return nil
}

// TestPipelineWriteStages confirms ProcessWrite runs both the Lint and the
// TransformWrite stage on a write (validation, which runs first, allows an
// event when no validator is registered).
func TestPipelineWriteStages(t *testing.T) {
	stamped := false
	p := NewPipeline()
	p.Linters = append(p.Linters, stampingLinter{stamped: &stamped})
	p.Transformers = append(p.Transformers, rot13Transformer{})

	e := &Event{Body: []byte("hello")}
	if err := p.ProcessWrite(context.Background(), &PipelineContext{}, e); err != nil {
		t.Fatalf("ProcessWrite: %v", err)
	}
	if !stamped {
		t.Fatalf("linter did not run")
	}
	if string(e.Body) != "uryyb" {
		t.Fatalf("transformer did not run on write: got %q", e.Body)
	}
}

// TestPipelineTransformReadReversesWrite confirms ProcessRead undoes
// ProcessWrite's transform, applying transformers in reverse order.
func TestPipelineTransformReadReversesWrite(t *testing.T) {
	p := NewPipeline()
	p.Transformers = append(p.Transformers, rot13Transformer{})

	e := &Event{Body: []byte("secret")}
	if err := p.ProcessWrite(context.Background(), &PipelineContext{}, e); err != nil {
		t.Fatalf("ProcessWrite: %v", err)
	}
	if err := p.ProcessRead(context.Background(), &PipelineContext{}, e); err != nil {
		t.Fatalf("ProcessRead: %v", err)
	}
	if string(e.Body) != "secret" {
		t.Fatalf("read did not reverse write: got %q", e.Body)
	}
}

// TestPipelineValidatorDenyWins confirms a single Deny verdict rejects the
// event even when other validators Allow.
func TestPipelineValidatorDenyWins(t *testing.T) {
	p := NewPipeline()
	p.Validators = append(p.Validators,
		fakeValidator{verdict: Allow},
		fakeValidator{verdict: Deny},
	)
	e := &Event{Body: []byte("x")}
	err := p.ProcessWrite(context.Background(), &PipelineContext{}, e)
	if err == nil {
		t.Fatalf("expected denial, got nil error")
	}
}

// TestPipelineAllAbstainWithSignatureIsDenied confirms that when an event
// carries a signature but every validator abstains, the event is denied
// rather than silently allowed.
func TestPipelineAllAbstainWithSignatureIsDenied(t *testing.T) {
	p := NewPipeline()
	p.Validators = append(p.Validators, fakeValidator{verdict: Abstain})

	pub, priv, err := GenerateSignKeyPair(AlgoEd25519)
	if err != nil {
		t.Fatalf("GenerateSignKeyPair: %v", err)
	}
	sig, err := Sign(priv, []byte("x"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	e := &Event{
		Body: []byte("x"),
		Meta: []Meta{MetaSignature{PublicKeyHash: pub.Hash(), Signature: sig}},
	}
	if err := p.ProcessWrite(context.Background(), &PipelineContext{}, e); err == nil {
		t.Fatalf("expected ErrAllAbstained, got nil")
	}
}

// TestPipelineNoValidatorsAllows confirms an empty validator list allows
// every event by default.
func TestPipelineNoValidatorsAllows(t *testing.T) {
	p := NewPipeline()
	e := &Event{Body: []byte("x")}
	if err := p.ProcessWrite(context.Background(), &PipelineContext{}, e); err != nil {
		t.Fatalf("ProcessWrite with no validators should allow: %v", err)
	}
}
