// Plugin pipeline: an ordered composition of validators, linters,
// transformers and sinks applied to every event at live commit. Replay on
// open does not run any stage: OpenChain's loader applies each replayed
// event straight to the timeline.
//
// Grounded on core/consensus.go's small-interface-over-concrete-engine
// style (txPool/networkAdapter/securityAdapter/authorityAdapter), adapted
// from consensus-stage adapters to the spec's four named pipeline stages so
// the Chain composes by forwarding to each list in order rather than
// through inheritance, per spec.md §9's "Plugin dispatch" design note.
package core

import "context"

// Verdict is a Validator's answer for one event.
type Verdict uint8

const (
	Abstain Verdict = iota
	Allow
	Deny
)

// Validator checks one event against policy (signatures, write-option
// authority, time bounds, anti-replay via Entropy) without mutating it.
type Validator interface {
	Validate(ctx context.Context, p *PipelineContext, e *Event) (Verdict, error)
}

// Linter fills in defaults and enforces required metadata before an event
// is accepted, mutating it in place if needed (e.g. stamping a missing
// Timestamp).
type Linter interface {
	Lint(ctx context.Context, p *PipelineContext, e *Event) error
}

// Transformer runs in one direction on write (e.g. encrypt the body when
// Confidentiality resolves to a specific key) and in reverse on read (e.g.
// decrypt). Both directions share one interface so a symmetric transform
// registers itself once.
type Transformer interface {
	TransformWrite(ctx context.Context, p *PipelineContext, e *Event) error
	TransformRead(ctx context.Context, p *PipelineContext, e *Event) error
}

// Sink is the terminal stage: feeding the index/timeline. Tombstones remove
// their key from the live view instead of adding a new leaf.
type Sink interface {
	Sink(ctx context.Context, p *PipelineContext, lookup LogLookup, e *Event) error
}

// PipelineContext carries the session and chain state a stage needs to do
// its job without a hidden global, per spec.md §9's "session as explicit
// parameter" design note.
type PipelineContext struct {
	Session   *Session
	Chain     *Chain
	Timestamp int64
}

// Pipeline is the fixed four-stage composition described in spec.md §4.4.
type Pipeline struct {
	Validators   []Validator
	Linters      []Linter
	Transformers []Transformer
	Sinks        []Sink
}

// NewPipeline returns an empty pipeline; stages are appended by callers
// (typically Chain construction) in the order they should run.
func NewPipeline() *Pipeline { return &Pipeline{} }

// ProcessWrite runs the full write path: validate, lint, transform-write.
// It does not call Sinks — those run only once an event is durably
// positioned in the redo log, from Chain.commitLocked.
func (p *Pipeline) ProcessWrite(ctx context.Context, pc *PipelineContext, e *Event) error {
	verdict, err := p.runValidators(ctx, pc, e)
	if err != nil {
		return err
	}
	if verdict == Deny {
		return wrapKind(KindValidation, "validate", ErrDenied)
	}
	for _, l := range p.Linters {
		if err := l.Lint(ctx, pc, e); err != nil {
			return wrapKind(KindLint, "lint", err)
		}
	}
	for _, t := range p.Transformers {
		if err := t.TransformWrite(ctx, pc, e); err != nil {
			return wrapKind(KindTransform, "transform write", err)
		}
	}
	return nil
}

// runValidators applies every validator in order, tracking whether any
// signature was expected so AllAbstained can be distinguished from a
// legitimately unauthenticated event (WriteOption Everyone/Nobody resolve
// without ever abstaining).
func (p *Pipeline) runValidators(ctx context.Context, pc *PipelineContext, e *Event) (Verdict, error) {
	if len(p.Validators) == 0 {
		return Allow, nil
	}
	sawAllow := false
	sawDeny := false
	expectedSignature := len(GetSignatures(e.Meta)) > 0
	for _, v := range p.Validators {
		verdict, err := v.Validate(ctx, pc, e)
		if err != nil {
			return Deny, wrapKind(KindValidation, "validate", err)
		}
		switch verdict {
		case Allow:
			sawAllow = true
		case Deny:
			sawDeny = true
		}
	}
	if sawDeny {
		return Deny, nil
	}
	if sawAllow {
		return Allow, nil
	}
	if expectedSignature {
		return Deny, wrapKind(KindValidation, "validate", ErrAllAbstained)
	}
	return Allow, nil
}

// ProcessRead runs the reverse transform path (decrypt) on a loaded event.
func (p *Pipeline) ProcessRead(ctx context.Context, pc *PipelineContext, e *Event) error {
	for i := len(p.Transformers) - 1; i >= 0; i-- {
		if err := p.Transformers[i].TransformRead(ctx, pc, e); err != nil {
			return wrapKind(KindTransform, "transform read", err)
		}
	}
	return nil
}

// RunSinks feeds e to every registered sink, aggregating failures into
// perr rather than stopping at the first one, so a commit can report every
// sink failure at once via ProcessError.
func (p *Pipeline) RunSinks(ctx context.Context, pc *PipelineContext, lookup LogLookup, e *Event, perr *ProcessError) {
	pk, _ := GetDataKey(e.Meta)
	for _, s := range p.Sinks {
		if err := s.Sink(ctx, pc, lookup, e); err != nil {
			perr.AddSink(uint64(pk), err)
		}
	}
}
