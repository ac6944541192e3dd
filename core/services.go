// Services: typed request/reply RPC layered on top of a Chain. Invoke calls
// the handler registered for a topic directly, without committing the
// request. InvokeAsync commits a request event and waits for a Reply-tagged
// event carrying its correlation id to commit. Nothing here dispatches a
// handler when a request event commits, and no session is passed to a
// handler; a reply is committed only when some caller calls Reply.
//
// Grounded on core/module_plugin.go's name-keyed handler registry pattern
// (RegisterModule/Dispatch), adapted from a static plugin table to a
// per-chain, per-topic service table.
package core

import (
	"context"
	"time"
)

// Invoke builds a request event tagged MetaType{topic}, passes it
// synchronously to the service registered for topic, and returns the
// handler's result — all without a network round trip when the service
// lives on this same Chain. The request event is not committed to the log,
// and session is not used. Cross-process invocation is the mesh
// layer's job: a remote caller publishes the same Invoke-tagged event over
// MsgInvoke and waits on the matching MsgReply frame instead.
func Invoke(ctx context.Context, chain *Chain, session *Session, topic string, payload []byte) (*Event, error) {
	handler, ok := chain.lookupService(topic)
	if !ok {
		return nil, wrapKind(KindInvoke, "invoke", ErrNotFound)
	}

	pk, err := NewPrimaryKey()
	if err != nil {
		return nil, wrapKind(KindInvoke, "invoke", err)
	}
	req := &Event{
		Meta: []Meta{
			MetaData{Key: pk},
			MetaType{TypeName: topic},
			MetaTimestamp{MillisSinceEpoch: nowMillis()},
		},
		Body: payload,
	}
	if len(payload) > 0 {
		h := Hash(payload)
		req.DataHash = &h
	}

	reply, err := handler.handle(ctx, req)
	if err != nil {
		return nil, wrapKind(KindInvoke, "invoke "+topic, err)
	}
	return reply, nil
}

// InvokeAsync commits the request event through dio, then blocks until the
// Reply-tagged event for it commits and returns that event, or returns
// ErrTimeout once timeout or ctx expires. It serves callers that dispatch
// across the mesh rather than directly against a local handler. The correlation id
// is correlationFor(pk), derivable by a remote handler from the request
// event's own MetaData key (GetDataKey) without needing the request's final
// meta hash, which isn't stable until DIO.Commit appends timestamp/entropy.
func InvokeAsync(ctx context.Context, chain *Chain, dio *DIO, topic string, payload []byte, auth MetaAuthorization, timeout time.Duration) (*Event, error) {
	pk, err := NewPrimaryKey()
	if err != nil {
		return nil, wrapKind(KindInvoke, "invoke async", err)
	}
	dio.Store(pk, topic, payload, auth, nil)

	correlation := correlationFor(pk)
	chain.replyMu.Lock()
	ch := make(chan *Event, 1)
	chain.replyWait[correlation] = ch
	chain.replyMu.Unlock()
	defer func() {
		chain.replyMu.Lock()
		delete(chain.replyWait, correlation)
		chain.replyMu.Unlock()
	}()

	if err := dio.Commit(ctx); err != nil {
		return nil, err
	}

	waitCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-waitCtx.Done():
		return nil, wrapKind(KindInvoke, "invoke async", ErrTimeout)
	}
}

// Reply commits resp tagged with MetaReply{correlation}, waking the
// InvokeAsync caller waiting on that correlation id, if any (Invoke never
// waits on a correlation id). It builds its
// event directly rather than going through DIO.Store, since MetaReply is not
// one of the metadata kinds Store knows how to attach.
func Reply(ctx context.Context, chain *Chain, session *Session, correlation AteHash, payload []byte, auth MetaAuthorization) error {
	pk, err := NewPrimaryKey()
	if err != nil {
		return wrapKind(KindInvoke, "reply", err)
	}
	ev := &Event{
		Meta: []Meta{
			MetaData{Key: pk},
			MetaType{TypeName: "reply"},
			MetaReply{CorrelationID: correlation},
			MetaTimestamp{MillisSinceEpoch: nowMillis()},
			MetaAuthorization{Read: auth.Read, Write: auth.Write},
		},
		Body: payload,
	}
	if len(payload) > 0 {
		h := Hash(payload)
		ev.DataHash = &h
	}

	pc := &PipelineContext{Session: session, Chain: chain, Timestamp: nowMillis()}
	_, perr, err := chain.commitLocked(ctx, pc, []*Event{ev})
	if err != nil {
		return err
	}
	if !perr.Empty() {
		return wrapKind(KindInvoke, "reply", &CommitError{Process: perr})
	}
	return nil
}

// correlationFor derives the correlation id a service handler on either end
// of InvokeAsync/Reply uses to pair a reply to its request: the hash of the
// request's primary key, stable across the handler's own meta additions.
func correlationFor(pk PrimaryKey) AteHash {
	var buf [8]byte
	v := uint64(pk)
	for i := 7; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	return Hash(buf[:])
}
