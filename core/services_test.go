package core

import (
	"context"
	"strings"
	"testing"
	"time"

	"trustmesh/internal/testutil"
)

// TestInvokePingPong is the Ping->Pong service scenario: a registered
// handler answers a request synchronously without the request ever
// committing to the log.
func TestInvokePingPong(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	defer sb.Cleanup()

	session := NewSession(SessionUser)
	c, err := OpenChain(ChainConfig{Dir: sb.Root, Key: "services", Format: FormatMessagePack, Flags: OpenFlagsCreateDistributed()})
	if err != nil {
		t.Fatalf("OpenChain: %v", err)
	}
	defer c.Close()

	c.AddService("ping", session, func(ctx context.Context, req *Event) (*Event, error) {
		if string(req.Body) != "ping" {
			t.Fatalf("handler got unexpected body %q", req.Body)
		}
		return &Event{Body: []byte("pong")}, nil
	})

	reply, err := Invoke(context.Background(), c, session, "ping", []byte("ping"))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(reply.Body) != "pong" {
		t.Fatalf("got %q, want %q", reply.Body, "pong")
	}
}

func TestInvokeUnknownTopicFails(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	defer sb.Cleanup()

	session := NewSession(SessionUser)
	c, err := OpenChain(ChainConfig{Dir: sb.Root, Key: "services-missing", Format: FormatMessagePack, Flags: OpenFlagsCreateDistributed()})
	if err != nil {
		t.Fatalf("OpenChain: %v", err)
	}
	defer c.Close()

	if _, err := Invoke(context.Background(), c, session, "no-such-topic", nil); err == nil {
		t.Fatalf("expected ErrNotFound for an unregistered topic")
	}
}

// TestInvokeAsyncReply exercises the commit-driven request/reply path: a
// background worker subscribes to committed events, finds the request by
// its type tag, and replies by the request's derived correlation id.
func TestInvokeAsyncReply(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	defer sb.Cleanup()

	session := NewSession(SessionUser)
	c, err := OpenChain(ChainConfig{Dir: sb.Root, Key: "services-async", Format: FormatMessagePack, Flags: OpenFlagsCreateDistributed()})
	if err != nil {
		t.Fatalf("OpenChain: %v", err)
	}
	defer c.Close()

	events, cancel := c.Subscribe("services-async")
	defer cancel()
	go func() {
		for e := range events {
			tn, ok := GetType(e.Meta)
			if !ok || tn != "echo" {
				continue
			}
			pk, ok := GetDataKey(e.Meta)
			if !ok {
				continue
			}
			correlation := correlationFor(pk)
			upper := strings.ToUpper(string(e.Body))
			if err := Reply(context.Background(), c, session, correlation, []byte(upper), MetaAuthorization{}); err != nil {
				return
			}
		}
	}()

	dio := c.DIOMut(session, ScopeLocal)
	reply, err := InvokeAsync(context.Background(), c, dio, "echo", []byte("hello"), MetaAuthorization{}, 2*time.Second)
	if err != nil {
		t.Fatalf("InvokeAsync: %v", err)
	}
	if string(reply.Body) != "HELLO" {
		t.Fatalf("got %q, want %q", reply.Body, "HELLO")
	}
}

func TestInvokeAsyncTimesOutWithNoReplier(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	defer sb.Cleanup()

	session := NewSession(SessionUser)
	c, err := OpenChain(ChainConfig{Dir: sb.Root, Key: "services-timeout", Format: FormatMessagePack, Flags: OpenFlagsCreateDistributed()})
	if err != nil {
		t.Fatalf("OpenChain: %v", err)
	}
	defer c.Close()

	dio := c.DIOMut(session, ScopeLocal)
	_, err = InvokeAsync(context.Background(), c, dio, "nobody-home", []byte("hello"), MetaAuthorization{}, 50*time.Millisecond)
	if err == nil {
		t.Fatalf("expected a timeout error with no replier registered")
	}
}
