// Point-to-point mesh transport: a pooled websocket connection used for
// direct service Invoke/Reply and Ping/Pong, as distinct from the gossip
// topics mesh_node.go uses for event replication. Gossip has no reply path
// back to a single sender, so a synchronous RPC needs its own connection.
//
// Grounded on core/connection_pool.go's pooledConn/reaper idle-connection
// pool, adapted from raw net.Conn (dialed via the old core/network.go
// Dialer) to *websocket.Conn, since a websocket message already carries its
// own boundary and this file reuses Frame/EncodeFrame/DecodeFrame for the
// payload inside each message rather than re-deriving a length prefix.
package core

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type pooledWSConn struct {
	*websocket.Conn
	addr     string
	lastUsed time.Time
}

// WSPool manages reusable websocket connections keyed by address, for the
// mesh's point-to-point Invoke/Reply/Ping traffic.
type WSPool struct {
	dialer    *websocket.Dialer
	mu        sync.Mutex
	conns     map[string][]*pooledWSConn
	maxIdle   int
	idleTTL   time.Duration
	closing   chan struct{}
	closeOnce sync.Once
}

// NewWSPool creates a pool dialing with the given handshake timeout. maxIdle
// bounds how many idle connections per address are retained; idleTTL is how
// long an idle connection may sit before the reaper closes it.
func NewWSPool(handshakeTimeout time.Duration, maxIdle int, idleTTL time.Duration) *WSPool {
	p := &WSPool{
		dialer:  &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		conns:   make(map[string][]*pooledWSConn),
		maxIdle: maxIdle,
		idleTTL: idleTTL,
		closing: make(chan struct{}),
	}
	go p.reaper()
	return p
}

// Acquire returns a connection to addr (a ws:// or wss:// URL) from the
// pool, dialing a new one if none is idle.
func (p *WSPool) Acquire(ctx context.Context, addr string) (*pooledWSConn, error) {
	p.mu.Lock()
	list := p.conns[addr]
	n := len(list)
	if n > 0 {
		c := list[n-1]
		p.conns[addr] = list[:n-1]
		p.mu.Unlock()
		c.lastUsed = time.Now()
		return c, nil
	}
	p.mu.Unlock()

	if _, err := url.Parse(addr); err != nil {
		return nil, wrapKind(KindComms, "ws dial", err)
	}
	conn, _, err := p.dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, wrapKind(KindComms, "ws dial", err)
	}
	return &pooledWSConn{Conn: conn, addr: addr, lastUsed: time.Now()}, nil
}

// Release returns conn to the pool, or closes it once maxIdle is exceeded.
func (p *WSPool) Release(conn *pooledWSConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.maxIdle > 0 && len(p.conns[conn.addr]) < p.maxIdle {
		conn.lastUsed = time.Now()
		p.conns[conn.addr] = append(p.conns[conn.addr], conn)
		return
	}
	_ = conn.Close()
}

// Close closes every pooled connection and stops the reaper.
func (p *WSPool) Close() {
	p.closeOnce.Do(func() {
		close(p.closing)
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, list := range p.conns {
			for _, c := range list {
				_ = c.Close()
			}
		}
		p.conns = make(map[string][]*pooledWSConn)
	})
}

func (p *WSPool) reaper() {
	ticker := time.NewTicker(p.idleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-p.idleTTL)
			p.mu.Lock()
			for addr, list := range p.conns {
				i := 0
				for _, c := range list {
					if c.lastUsed.Before(cutoff) {
						_ = c.Close()
						continue
					}
					list[i] = c
					i++
				}
				p.conns[addr] = list[:i]
			}
			p.mu.Unlock()
		case <-p.closing:
			return
		}
	}
}

// writeFrame and readFrame move one Frame over a websocket message.
func writeFrame(conn *websocket.Conn, f Frame) error {
	return conn.WriteMessage(websocket.BinaryMessage, EncodeFrame(f))
}

func readFrame(conn *websocket.Conn) (Frame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return Frame{}, wrapKind(KindComms, "ws read frame", err)
	}
	return DecodeFrame(&byteReader{b: data})
}

// InvokeRemote dials (or reuses) a connection to addr and performs a
// synchronous Invoke/Reply round trip, for a caller invoking a service
// hosted on a different mesh node than its own Chain.
func InvokeRemote(ctx context.Context, pool *WSPool, addr, topic string, payload []byte, timeout time.Duration) (*Event, error) {
	conn, err := pool.Acquire(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer pool.Release(conn)

	pk, err := NewPrimaryKey()
	if err != nil {
		return nil, wrapKind(KindInvoke, "invoke remote", err)
	}
	req := &Event{Meta: []Meta{MetaData{Key: pk}, MetaType{TypeName: topic}, MetaTimestamp{MillisSinceEpoch: nowMillis()}}, Body: payload}
	segment, err := EncodeSegmentEvent(FormatMessagePack, req)
	if err != nil {
		return nil, wrapKind(KindInvoke, "invoke remote encode", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else if timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	if err := writeFrame(conn.Conn, Frame{Version: ProtocolV1, Kind: MsgInvoke, Payload: segment}); err != nil {
		return nil, wrapKind(KindInvoke, "invoke remote write", err)
	}

	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
	}
	reply, err := readFrame(conn.Conn)
	if err != nil {
		return nil, wrapKind(KindInvoke, "invoke remote read", err)
	}
	switch reply.Kind {
	case MsgReply:
		return DecodeSegmentEvent(FormatMessagePack, reply.Payload)
	case MsgFault:
		return nil, wrapKind(KindInvoke, "invoke remote", errors.New(string(reply.Payload)))
	default:
		return nil, wrapKind(KindInvoke, "invoke remote", errors.New("unexpected reply frame kind"))
	}
}

// ServeInvokeConn reads frames from conn until it closes, dispatching each
// MsgInvoke to chain's service table and answering MsgPing with MsgPong —
// the point-to-point half of Ping/Pong mesh_node.go's gossip path abstains
// from, since gossip topics carry no reply address for the sender.
func ServeInvokeConn(ctx context.Context, conn *websocket.Conn, chain *Chain) error {
	for {
		f, err := readFrame(conn)
		if err != nil {
			return nil
		}
		switch f.Kind {
		case MsgInvoke:
			req, err := DecodeSegmentEvent(FormatMessagePack, f.Payload)
			if err != nil {
				_ = writeFrame(conn, Frame{Version: ProtocolV1, Kind: MsgFault, Payload: []byte(err.Error())})
				continue
			}
			topic, _ := GetType(req.Meta)
			handler, ok := chain.lookupService(topic)
			if !ok {
				_ = writeFrame(conn, Frame{Version: ProtocolV1, Kind: MsgFault, Payload: []byte("no such service: " + topic)})
				continue
			}
			reply, err := handler.handle(ctx, req)
			if err != nil {
				_ = writeFrame(conn, Frame{Version: ProtocolV1, Kind: MsgFault, Payload: []byte(err.Error())})
				continue
			}
			segment, err := EncodeSegmentEvent(FormatMessagePack, reply)
			if err != nil {
				_ = writeFrame(conn, Frame{Version: ProtocolV1, Kind: MsgFault, Payload: []byte(err.Error())})
				continue
			}
			if err := writeFrame(conn, Frame{Version: ProtocolV1, Kind: MsgReply, Payload: segment}); err != nil {
				return err
			}
		case MsgPing:
			if err := writeFrame(conn, Frame{Version: ProtocolV1, Kind: MsgPong}); err != nil {
				return err
			}
		case MsgClose:
			return nil
		}
	}
}
