// Mesh node: a libp2p host plus GossipSub pubsub binding one or more local
// Chains to the wire protocol, so remote peers can subscribe to a chain's
// events and push commits for replication.
//
// Grounded on core/network.go's NewNode (libp2p host + GossipSub + NAT
// manager + DialSeed bootstrap + mDNS discovery), adapted from the
// teacher's single global Node broadcasting Blocks to a MeshNode that
// multiplexes many Chains by topic and exchanges framed Events instead of
// raw pubsub bytes.
package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"
)

// MeshConfig configures a mesh node's transport and discovery.
type MeshConfig struct {
	ListenAddr     string
	BootstrapPeers []string
	DiscoveryTag   string
	Role           NodeRole
	Encryption     EncryptionMode
	Certs          *CertValidator
	Logger         *logrus.Logger
}

// MeshNode is one participant in the gossip mesh. It owns a libp2p host and
// a registry of local Chains it serves, and multiplexes incoming streams by
// chain key (StreamRouter), per spec.md §4.9.
type MeshNode struct {
	cfg    MeshConfig
	log    *logrus.Logger
	host   hostLike
	pubsub *pubsub.PubSub
	ctx    context.Context
	cancel context.CancelFunc

	chainsMu sync.RWMutex
	chains   map[string]*Chain // chain key -> local Chain

	topicsMu sync.Mutex
	topics   map[string]*pubsub.Topic

	peersMu sync.RWMutex
	peers   map[string]NodeRole
}

// hostLike is the subset of libp2p's host.Host this file depends on, named
// so OpenMeshNode's construction path and its tests can both satisfy it.
type hostLike = interface {
	ID() peer.ID
	Close() error
}

// OpenMeshNode creates and bootstraps a mesh node listening on cfg.ListenAddr.
func OpenMeshNode(cfg MeshConfig) (*MeshNode, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Certs == nil {
		cfg.Certs = NewCertValidator(CertAllowAll)
	}

	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		cancel()
		return nil, wrapKind(KindComms, "open mesh node", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, wrapKind(KindComms, "open mesh node pubsub", err)
	}

	n := &MeshNode{
		cfg:    cfg,
		log:    cfg.Logger,
		host:   h,
		pubsub: ps,
		ctx:    ctx,
		cancel: cancel,
		chains: make(map[string]*Chain),
		topics: make(map[string]*pubsub.Topic),
		peers:  make(map[string]NodeRole),
	}

	if cfg.DiscoveryTag != "" {
		mdns.NewMdnsService(h, cfg.DiscoveryTag, n)
	}
	for _, addr := range cfg.BootstrapPeers {
		if err := n.dial(addr); err != nil {
			n.log.WithError(err).Warn("mesh bootstrap dial failed")
		}
	}
	return n, nil
}

// HandlePeerFound implements mdns.Notifee.
func (n *MeshNode) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	h, ok := n.host.(interface {
		Connect(context.Context, peer.AddrInfo) error
	})
	if !ok {
		return
	}
	if err := h.Connect(n.ctx, info); err != nil {
		n.log.WithError(err).Warn("mesh mDNS connect failed")
		return
	}
	n.peersMu.Lock()
	n.peers[info.ID.String()] = RoleMirror
	n.peersMu.Unlock()
}

func (n *MeshNode) dial(addr string) error {
	pi, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return wrapKind(KindComms, "dial", err)
	}
	h, ok := n.host.(interface {
		Connect(context.Context, peer.AddrInfo) error
	})
	if !ok {
		return wrapKind(KindComms, "dial", fmt.Errorf("host does not support Connect"))
	}
	if err := h.Connect(n.ctx, *pi); err != nil {
		return wrapKind(KindComms, "dial", err)
	}
	n.peersMu.Lock()
	n.peers[pi.ID.String()] = RoleMirror
	n.peersMu.Unlock()
	return nil
}

// Serve registers chain under topic (usually chain.cfg.Key) so incoming
// Subscribe/Event/Commit frames route to it — the "StreamRouter
// multiplexing by URL path" of spec.md §4.9, here keyed by chain key rather
// than an HTTP path.
func (n *MeshNode) Serve(topic string, chain *Chain) error {
	n.chainsMu.Lock()
	n.chains[topic] = chain
	n.chainsMu.Unlock()

	n.topicsMu.Lock()
	t, ok := n.topics[topic]
	if !ok {
		var err error
		t, err = n.pubsub.Join(topic)
		if err != nil {
			n.topicsMu.Unlock()
			return wrapKind(KindComms, "join topic", err)
		}
		n.topics[topic] = t
	}
	n.topicsMu.Unlock()

	sub, err := t.Subscribe()
	if err != nil {
		return wrapKind(KindComms, "subscribe topic", err)
	}
	go n.pump(topic, chain, sub)

	unsub, cancel := chain.Subscribe(topic)
	go n.forward(topic, t, unsub, cancel)
	return nil
}

func (n *MeshNode) pump(topic string, chain *Chain, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(n.ctx)
		if err != nil {
			return
		}
		frame, err := DecodeFrame(&byteReader{b: msg.Data})
		if err != nil {
			n.log.WithError(err).Warn("mesh: dropping malformed frame")
			continue
		}
		n.handleFrame(topic, chain, frame)
	}
}

func (n *MeshNode) forward(topic string, t *pubsub.Topic, events <-chan *Event, cancel func()) {
	defer cancel()
	for e := range events {
		payload, err := EncodeSegmentEvent(FormatMessagePack, e)
		if err != nil {
			continue
		}
		frame := EncodeFrame(Frame{Version: ProtocolV1, Kind: MsgEvent, Payload: payload})
		if err := t.Publish(n.ctx, frame); err != nil {
			n.log.WithError(err).Warn("mesh: publish failed")
			return
		}
	}
}

// publishCommit sends e as a MsgCommit frame rather than MsgEvent, asking
// the receiving mirror(s) to answer with a CommitAck once replicated — the
// ScopeReplica path dio.go's Commit uses, as opposed to the plain MsgEvent
// broadcast that ordinary ScopeLocal/ScopeFull commits ride on via forward.
func (n *MeshNode) publishCommit(topic string, e *Event) error {
	n.topicsMu.Lock()
	t, ok := n.topics[topic]
	n.topicsMu.Unlock()
	if !ok {
		return wrapKind(KindComms, "publish commit", ErrClosed)
	}
	payload, err := EncodeSegmentEvent(FormatMessagePack, e)
	if err != nil {
		return wrapKind(KindComms, "publish commit encode", err)
	}
	frame := EncodeFrame(Frame{Version: ProtocolV1, Kind: MsgCommit, Payload: payload})
	return wrapKind(KindComms, "publish commit", t.Publish(n.ctx, frame))
}

func (n *MeshNode) handleFrame(topic string, chain *Chain, f Frame) {
	switch f.Kind {
	case MsgEvent, MsgCommit:
		e, err := DecodeSegmentEvent(FormatMessagePack, f.Payload)
		if err != nil {
			n.log.WithError(err).Warn("mesh: bad event frame")
			return
		}
		if err := n.replicate(chain, e); err != nil {
			n.log.WithError(err).Warn("mesh: replicate failed")
			return
		}
		if f.Kind == MsgCommit {
			if h, err := e.MetaHash(FormatMessagePack); err == nil {
				if err := n.sendCommitAck(topic, h); err != nil {
					n.log.WithError(err).Warn("mesh: commit ack failed")
				}
			}
		}
	case MsgCommitAck:
		if len(f.Payload) == 32 {
			var h AteHash
			copy(h[:], f.Payload)
			recordCommitAck(h)
		}
	case MsgPing:
		// Pong is answered by the caller holding the stream; gossip topics
		// have no direct reply path, so Ping/Pong only applies over the
		// point-to-point websocket transport (see mesh_transport.go).
	default:
	}
}

// byteReader adapts a byte slice to the minimal Read interface DecodeFrame
// needs without pulling in bytes.Reader's larger surface at the call site.
// It must be used by pointer: DecodeFrame issues multiple Read calls and
// each one has to continue from where the last left off.
type byteReader struct {
	b   []byte
	pos int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, fmt.Errorf("EOF")
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}

// Peers reports the known peer IDs and their last-observed role.
func (n *MeshNode) Peers() map[string]NodeRole {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()
	out := make(map[string]NodeRole, len(n.peers))
	for k, v := range n.peers {
		out[k] = v
	}
	return out
}

// Close tears down the node's transport.
func (n *MeshNode) Close() error {
	n.cancel()
	return n.host.Close()
}
