// Package core implements the chain-of-trust storage and materialization
// engine: events, the redo log, the plugin pipeline, the trust timeline,
// the DIO transactional layer, sessions, the mesh protocol and services.
package core

import (
	"errors"
	"fmt"
)

// Kind identifies one of the top-level error families a caller can branch
// on with errors.As without needing to know the concrete sub-kind.
type Kind string

const (
	KindSerialization Kind = "serialization"
	KindCrypto        Kind = "crypto"
	KindLint          Kind = "lint"
	KindLock          Kind = "lock"
	KindTransform     Kind = "transform"
	KindValidation    Kind = "validation"
	KindTrust         Kind = "trust"
	KindTime          Kind = "time"
	KindSink          Kind = "sink"
	KindLoad          Kind = "load"
	KindCommit        Kind = "commit"
	KindCompact       Kind = "compact"
	KindComms         Kind = "comms"
	KindChainCreation Kind = "chain_creation"
	KindInvoke        Kind = "invoke"
	KindBus           Kind = "bus"
	KindProcess       Kind = "process"
)

// KindError is a top-level error family tagged with Kind. Every error
// returned from package core that is not a plain wrap of a caller's own
// error satisfies this interface, so callers can do:
//
//	var ke *core.KindError
//	if errors.As(err, &ke) && ke.K == core.KindCommit { ... }
type KindError struct {
	K   Kind
	Op  string
	Err error
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.K, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.K, e.Op, e.Err)
}

func (e *KindError) Unwrap() error { return e.Err }

func wrapKind(k Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{K: k, Op: op, Err: err}
}

// Sentinel leaf errors. These are the concrete "sub-kinds" callers match on
// with errors.Is; KindError.K narrows the family, these narrow the cause.
var (
	ErrMissingReadKey   = errors.New("missing read key")
	ErrDecryptFailed    = errors.New("decrypt failed")
	ErrMissingPublicKey = errors.New("missing public key")
	ErrInvalidSignature = errors.New("invalid signature")

	ErrNotFound    = errors.New("not found")
	ErrTombstoned  = errors.New("tombstoned")
	ErrAllAbstained = errors.New("all validators abstained")
	ErrDenied      = errors.New("denied")
	ErrAborted     = errors.New("aborted")
	ErrTimeout     = errors.New("timeout")
	ErrLagged      = errors.New("subscriber lagged")
	ErrClosed      = errors.New("closed")
)

// ValidationError is raised by a pipeline Validator and aggregated by
// ProcessError. Grounded on original_source/lib/src/error/validation_error.rs.
type ValidationError struct {
	PrimaryKey uint64
	Reason     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation(pk=%d): %v", e.PrimaryKey, e.Reason)
}
func (e *ValidationError) Unwrap() error { return e.Reason }

// SinkError is raised by a pipeline Sink and aggregated by ProcessError.
type SinkError struct {
	PrimaryKey uint64
	Reason     error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink(pk=%d): %v", e.PrimaryKey, e.Reason)
}
func (e *SinkError) Unwrap() error { return e.Reason }

// ProcessError aggregates every validation and sink failure observed while
// processing a batch of events through the pipeline. A commit fails
// atomically if this aggregate is non-empty.
// Grounded on original_source/lib/src/error/process_error.rs.
type ProcessError struct {
	Validation []*ValidationError
	Sink       []*SinkError
}

func (e *ProcessError) Empty() bool {
	return e == nil || (len(e.Validation) == 0 && len(e.Sink) == 0)
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("process: %d validation error(s), %d sink error(s)", len(e.Validation), len(e.Sink))
}

func (e *ProcessError) AddValidation(pk uint64, err error) {
	if err == nil {
		return
	}
	e.Validation = append(e.Validation, &ValidationError{PrimaryKey: pk, Reason: err})
}

func (e *ProcessError) AddSink(pk uint64, err error) {
	if err == nil {
		return
	}
	e.Sink = append(e.Sink, &SinkError{PrimaryKey: pk, Reason: err})
}

// CommitError wraps a failed DIO.Commit. Aborted indicates the commit was
// cancelled or double-submitted rather than rejected by the pipeline.
type CommitError struct {
	Aborted bool
	Process *ProcessError
	Cause   error
}

func (e *CommitError) Error() string {
	if e.Aborted {
		return "commit aborted"
	}
	if e.Process != nil && !e.Process.Empty() {
		return fmt.Sprintf("commit rejected: %v", e.Process)
	}
	return fmt.Sprintf("commit failed: %v", e.Cause)
}

func (e *CommitError) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return e.Process
}

// AteError is a user-visible aggregate pairing a Kind with its cause, built
// by NewAteError. Operations in this package return *KindError values (via
// wrapKind), not AteError. Its Display (Error()) yields a
// one-line human message; the nested Kind and cause remain available via
// errors.As/errors.Unwrap for callers that need to branch.
type AteError struct {
	Kind  Kind
	Cause error
}

func (e *AteError) Error() string {
	if e.Cause == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *AteError) Unwrap() error { return e.Cause }

// NewAteError builds the single aggregate error a public API surfaces.
func NewAteError(k Kind, cause error) error {
	if cause == nil {
		return nil
	}
	return &AteError{Kind: k, Cause: cause}
}
