// Chain binds the redo log, the plugin pipeline and the trust timeline
// behind a single-writer discipline, with a subscriber fan-out for local
// and mesh-wide broadcast.
//
// Grounded on core/ledger.go's mu sync.RWMutex single-writer field (readers
// RLock, the one mutator holds the exclusive lock for its commit) and
// core/network.go's topic/subscription map shape, adapted from pubsub
// topics to in-process channel fan-out.
package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ChainConfig configures a single chain's storage and behavior.
type ChainConfig struct {
	Dir            string
	Key            string // chain key, e.g. "a/b"; routing key and filename stem
	Format         BodyFormat
	Flags          OpenFlags
	CompactPolicy  CompactPolicy
	Logger         *logrus.Logger

	// TimestampTolerance bounds how far a commit's claimed MetaTimestamp may
	// drift from the local clock before TimestampEnforcer denies it; zero
	// defaults to defaultTimestampTolerance, matching config.TimeToleranceMS's
	// "Balanced" preset.
	TimestampTolerance time.Duration
	// ReplayWindow bounds how long AntiReplay remembers a (signer, entropy)
	// pair; zero defaults to defaultReplayWindow.
	ReplayWindow time.Duration
}

// defaultTimestampTolerance and defaultReplayWindow seed OpenChain's
// validators when a caller leaves ChainConfig's tuning fields at zero,
// mirroring pkg/config.defaultsFor's "Balanced" preset (5s tolerance); the
// replay window is widened to twice that, since anything still within
// tolerance is a candidate replay target.
const (
	defaultTimestampTolerance = 5 * time.Second
	defaultReplayWindow       = 2 * defaultTimestampTolerance
)

// Chain is the process-wide handle for one chain key. Open it once per
// process and reuse the handle; it is safe for concurrent use by many
// readers and at most one active writer.
type Chain struct {
	cfg      ChainConfig
	log      *logrus.Logger
	redoLog  *RedoLog
	pipeline *Pipeline
	timeline *Timeline

	writerMu sync.Mutex // enforces "at most one writer at a time per chain"

	subMu       sync.RWMutex
	subscribers map[string][]chan *Event // topic -> subscriber channels

	servicesMu sync.RWMutex
	services   map[string]serviceHandler

	replyMu   sync.Mutex
	replyWait map[AteHash]chan *Event

	meshMu    sync.RWMutex
	mesh      *MeshNode
	meshTopic string

	lastCompact time.Time
	destroyed   bool
}

type serviceHandler struct {
	session *Session
	handle  func(ctx context.Context, req *Event) (*Event, error)
}

// AttachMesh registers node as this chain's mesh peer, serving it under
// topic so writes with CommitScope ScopeReplica have somewhere to replicate
// to. A chain with no attached mesh treats ScopeReplica as ScopeLocal.
func (c *Chain) AttachMesh(node *MeshNode, topic string) error {
	if err := node.Serve(topic, c); err != nil {
		return err
	}
	c.meshMu.Lock()
	c.mesh = node
	c.meshTopic = topic
	c.meshMu.Unlock()
	return nil
}

// mirrorCount reports how many mesh peers a ScopeReplica commit should wait
// on for an ack; zero if no mesh is attached.
func (c *Chain) mirrorCount() int {
	c.meshMu.RLock()
	defer c.meshMu.RUnlock()
	if c.mesh == nil {
		return 0
	}
	return len(c.mesh.Peers())
}

// OpenChain opens (or creates) the chain identified by cfg.Key, replaying
// its redo log through the timeline's sink before returning. Every chain
// opened this way runs the full write pipeline described in spec.md §4.4 and
// §8: write-authority, timestamp-skew and anti-replay validators, plus the
// confidentiality transformer — callers never need to assemble these
// themselves via AddValidator/AddTransformer to get a conforming chain.
func OpenChain(cfg ChainConfig) (*Chain, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.TimestampTolerance <= 0 {
		cfg.TimestampTolerance = defaultTimestampTolerance
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = defaultReplayWindow
	}

	c := &Chain{
		cfg:         cfg,
		log:         cfg.Logger,
		pipeline:    NewPipeline(),
		timeline:    NewTimeline(),
		subscribers: make(map[string][]chan *Event),
		services:    make(map[string]serviceHandler),
		replyWait:   make(map[AteHash]chan *Event),
	}
	c.pipeline.Sinks = append(c.pipeline.Sinks, &timelineSink{t: c.timeline})
	c.AddValidator(&authValidator{chain: c})
	c.AddValidator(NewTimestampEnforcer(cfg.TimestampTolerance))
	c.AddValidator(NewAntiReplay(cfg.ReplayWindow))
	c.AddTransformer(&confidentialityTransformer{chain: c})

	loader := LoaderFunc(func(lookup LogLookup, _ ChainHeader, e *Event) {
		c.timeline.Apply(lookup, e)
	})

	rl, err := OpenRedoLog(cfg.Dir, cfg.Key, cfg.Format, cfg.Flags, loader)
	if err != nil {
		return nil, wrapKind(KindChainCreation, "open chain", err)
	}
	c.redoLog = rl
	c.log.WithField("chain", cfg.Key).Info("chain opened")
	return c, nil
}

// AddValidator registers a Validator, run in registration order.
func (c *Chain) AddValidator(v Validator) { c.pipeline.Validators = append(c.pipeline.Validators, v) }

// AddLinter registers a Linter, run in registration order.
func (c *Chain) AddLinter(l Linter) { c.pipeline.Linters = append(c.pipeline.Linters, l) }

// AddTransformer registers a Transformer, run in registration order on
// write and reverse order on read.
func (c *Chain) AddTransformer(t Transformer) {
	c.pipeline.Transformers = append(c.pipeline.Transformers, t)
}

// AddSink registers an additional Sink beyond the built-in timeline sink.
func (c *Chain) AddSink(s Sink) { c.pipeline.Sinks = append(c.pipeline.Sinks, s) }

// DIO returns a read-only transactional handle bound to session.
func (c *Chain) DIO(session *Session) *DIO {
	return newDIO(c, session, ScopeLocal, false)
}

// DIOMut returns a read-write transactional handle bound to session.
func (c *Chain) DIOMut(session *Session, scope CommitScope) *DIO {
	return newDIO(c, session, scope, true)
}

// DIOFull returns a read-write handle marked privileged: its Commit does not
// sign events with the session's write keys. It runs the same validators as
// a DIOMut handle, so write-authority checks still apply to its events.
func (c *Chain) DIOFull(session *Session, scope CommitScope) *DIO {
	d := newDIO(c, session, scope, true)
	d.privileged = true
	return d
}

// commitLocked appends every dirty event in order under the writer lock,
// running the full write pipeline and the sink stage, then broadcasting to
// subscribers. It is the single choke point every mutation path goes
// through, satisfying "at most one writer at a time per chain."
func (c *Chain) commitLocked(ctx context.Context, pc *PipelineContext, events []*Event) ([]LogLookup, *ProcessError, error) {
	c.writerMu.Lock()
	defer c.writerMu.Unlock()

	perr := &ProcessError{}
	lookups := make([]LogLookup, 0, len(events))

	for _, e := range events {
		if err := c.pipeline.ProcessWrite(ctx, pc, e); err != nil {
			pk, _ := GetDataKey(e.Meta)
			perr.AddValidation(uint64(pk), err)
		}
	}
	if !perr.Empty() {
		return nil, perr, wrapKind(KindCommit, "commit", &CommitError{Process: perr})
	}

	header := ChainHeader{CutOffMillis: pc.Timestamp}
	for _, e := range events {
		lookup, err := c.redoLog.Append(header, e)
		if err != nil {
			return nil, perr, wrapKind(KindCommit, "commit append", err)
		}
		lookups = append(lookups, lookup)
		c.pipeline.RunSinks(ctx, pc, lookup, e, perr)
	}

	if !perr.Empty() {
		return lookups, perr, wrapKind(KindCommit, "commit", &CommitError{Process: perr})
	}

	for _, e := range events {
		c.broadcast(e)
		if reply, ok := GetReply(e.Meta); ok {
			c.deliverReply(reply, e)
		}
	}
	return lookups, perr, nil
}

// Subscribe returns a channel receiving every event committed to this chain
// from this point on. broadcast delivers only to subscribers registered
// under the chain key, so a channel subscribed under any other topic
// receives nothing. The channel buffers 64 events; when it is full,
// broadcast skips that event for this subscriber rather than blocking the
// writer. The subscriber stays registered and gets no lag signal.
func (c *Chain) Subscribe(topic string) (<-chan *Event, func()) {
	ch := make(chan *Event, 64)
	c.subMu.Lock()
	c.subscribers[topic] = append(c.subscribers[topic], ch)
	c.subMu.Unlock()

	cancel := func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		subs := c.subscribers[topic]
		for i, s := range subs {
			if s == ch {
				c.subscribers[topic] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
	return ch, cancel
}

func (c *Chain) broadcast(e *Event) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for _, ch := range c.subscribers[c.cfg.Key] {
		select {
		case ch <- e:
		default:
			// Subscriber lagged; drop rather than block the single writer.
		}
	}
}

func (c *Chain) deliverReply(correlation AteHash, e *Event) {
	c.replyMu.Lock()
	ch, ok := c.replyWait[correlation]
	c.replyMu.Unlock()
	if ok {
		select {
		case ch <- e:
		default:
		}
	}
}

// Flush forces the redo log to its fsync-equivalent durability barrier.
func (c *Chain) Flush() error {
	return wrapKind(KindSink, "flush", c.redoLog.Flush())
}

// Rotate closes the current segment and starts a fresh one.
func (c *Chain) Rotate() error {
	c.writerMu.Lock()
	defer c.writerMu.Unlock()
	return wrapKind(KindCompact, "rotate", c.redoLog.Rotate(ChainHeader{CutOffMillis: nowMillis()}))
}

// Backup streams the chain's sealed segments to w.
func (c *Chain) Backup(w writerAt) error {
	return wrapKind(KindSink, "backup", c.redoLog.Backup(w, false))
}

// writerAt is the minimal io.Writer Backup needs; kept as its own name so
// callers reading this file's signature understand it's the backup sink,
// not an arbitrary writer.
type writerAt = interface{ Write(p []byte) (n int, err error) }

// Destroy deletes every segment backing this chain. The handle must not be
// used afterwards.
func (c *Chain) Destroy() error {
	c.writerMu.Lock()
	defer c.writerMu.Unlock()
	c.destroyed = true
	return wrapKind(KindCompact, "destroy", c.redoLog.Destroy())
}

// Close releases file handles without deleting data.
func (c *Chain) Close() error {
	return wrapKind(KindSink, "close", c.redoLog.Close())
}

// AddService registers a typed invoker under topic. session is stored with
// the handler, but Invoke and ServeInvokeConn call handle with the context
// and request only; session is not passed to the handler or used for it.
func (c *Chain) AddService(topic string, session *Session, handle func(ctx context.Context, req *Event) (*Event, error)) {
	c.servicesMu.Lock()
	defer c.servicesMu.Unlock()
	c.services[topic] = serviceHandler{session: session, handle: handle}
}

func (c *Chain) lookupService(topic string) (serviceHandler, bool) {
	c.servicesMu.RLock()
	defer c.servicesMu.RUnlock()
	h, ok := c.services[topic]
	return h, ok
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func (c *Chain) String() string { return fmt.Sprintf("Chain(%s)", c.cfg.Key) }
