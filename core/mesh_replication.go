// Mesh replication: applying a remote Event frame to a local Chain, and the
// CommitAck round trip a ScopeReplica commit waits on before returning.
//
// Grounded on core/replication.go's msgInv/msgGetData/msgBlock envelope and
// ReplicateBlock/RequestMissing flow, adapted from block inventory gossip to
// per-event replication that appends straight to a Chain's redo log and
// timeline (no DIO is involved), since the spec has no block
// concept — every unit of replication is one Event.
package core

import (
	"context"
	"sync"
	"time"
)

// replicate applies a remote Event to chain as a privileged write, skipping
// the authority pipeline a locally-originated commit would run (the remote
// peer already committed it against its own copy of the rules). It appends
// the event to the redo log, applies it to the timeline directly and
// broadcasts it; registered Sinks are not run. This mirrors handleBlockMsg's
// "decode, then ImportBlock" shape.
func (n *MeshNode) replicate(chain *Chain, e *Event) error {
	pk, ok := GetDataKey(e.Meta)
	if !ok {
		// No Data or Tombstone record: nothing to apply against the local
		// timeline.
		return nil
	}
	if chain.timeline.Exists(pk) {
		return nil // already applied; replication is idempotent
	}

	lookup, err := chain.redoLog.Append(ChainHeader{CutOffMillis: nowMillis()}, e)
	if err != nil {
		return wrapKind(KindComms, "replicate append", err)
	}
	chain.timeline.Apply(lookup, e)
	chain.broadcast(e)
	return nil
}

//---------------------------------------------------------------------
// CommitAck
//---------------------------------------------------------------------

// ackWaiter tracks outstanding CommitAck expectations for ScopeReplica
// commits, keyed by each replicated event's MetaHash.
type ackWaiter struct {
	mu      sync.Mutex
	pending map[AteHash]chan struct{}
}

var replicaAcks = &ackWaiter{pending: make(map[AteHash]chan struct{})}

// awaitCommitAck blocks until mirrorCount acknowledgements of commitHash
// have arrived, the
// deadline in ctx elapses, or no mirrors are known (in which case it
// returns immediately — a ScopeReplica commit with no mirrors degrades to
// ScopeLocal rather than hanging forever).
func awaitCommitAck(ctx context.Context, commitHash AteHash, mirrorCount int) error {
	if mirrorCount == 0 {
		return nil
	}
	replicaAcks.mu.Lock()
	ch, ok := replicaAcks.pending[commitHash]
	if !ok {
		ch = make(chan struct{}, mirrorCount)
		replicaAcks.pending[commitHash] = ch
	}
	replicaAcks.mu.Unlock()

	acked := 0
	for acked < mirrorCount {
		select {
		case <-ch:
			acked++
		case <-ctx.Done():
			replicaAcks.mu.Lock()
			delete(replicaAcks.pending, commitHash)
			replicaAcks.mu.Unlock()
			return wrapKind(KindCommit, "await commit ack", ErrTimeout)
		}
	}
	replicaAcks.mu.Lock()
	delete(replicaAcks.pending, commitHash)
	replicaAcks.mu.Unlock()
	return nil
}

// recordCommitAck is called when a MsgCommitAck frame arrives for
// commitHash; it's a no-op if nothing is currently awaiting that hash.
func recordCommitAck(commitHash AteHash) {
	replicaAcks.mu.Lock()
	ch, ok := replicaAcks.pending[commitHash]
	replicaAcks.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// sendCommitAck is the mirror side: after replicate succeeds it publishes a
// CommitAck frame back on topic so the origin's awaitCommitAck unblocks.
func (n *MeshNode) sendCommitAck(topic string, commitHash AteHash) error {
	n.topicsMu.Lock()
	t, ok := n.topics[topic]
	n.topicsMu.Unlock()
	if !ok {
		return wrapKind(KindComms, "send commit ack", ErrClosed)
	}
	frame := EncodeFrame(Frame{Version: ProtocolV1, Kind: MsgCommitAck, Payload: commitHash[:]})
	ctx, cancel := context.WithTimeout(n.ctx, 5*time.Second)
	defer cancel()
	return wrapKind(KindComms, "send commit ack", t.Publish(ctx, frame))
}
