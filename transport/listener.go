package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/relaymesh/p2ptransport/conn"
	"github.com/relaymesh/p2ptransport/config"
	"github.com/relaymesh/p2ptransport/identity"
	"github.com/relaymesh/p2ptransport/keys"
	"github.com/relaymesh/p2ptransport/log"
	"github.com/relaymesh/p2ptransport/netio"
	"github.com/relaymesh/p2ptransport/pcrypto"
	"github.com/relaymesh/p2ptransport/wire"
)

// MalformedReplyInterval bounds how often the listener will answer a
// datagram from an address with no matching connection, globally, so it
// cannot be abused as a reflection amplifier.
const MalformedReplyInterval = 2 * time.Second

// AcceptDecision is returned by a Listener's AcceptPolicy to allow or
// reject an inbound connection attempt before Accept is called.
type AcceptDecision struct {
	Allow  bool
	UseICE bool
}

// Listener owns one bound UDP socket and every Connection reachable
// through it. It demultiplexes inbound datagrams by message type and
// connection ID and drives the stateless-challenge server path; callers
// run its Tick/ReadLoop from a single service goroutine, matching the
// single global lock this module otherwise assumes.
type Listener struct {
	log    *log.Logger
	cfg    *config.Store
	socket *netio.BoundSocket

	localIdentity identity.Identity
	identityKey   pcrypto.Ed25519Private
	cert          keys.SignedCert
	authorityKey  pcrypto.Ed25519Public
	policy        keys.AuthPolicy

	challengeSecret conn.ChallengeSecret
	connConfig      Config

	// AcceptPolicy decides whether to accept an inbound ConnectRequest; if
	// nil every request is accepted without ICE.
	AcceptPolicy func(remoteIdentity identity.Identity, remoteAddr identity.Addr) AcceptDecision
	// OnAccepted is invoked once an inbound connection's ConnectOK has
	// been sent and it has reached Connected or FindingRoute.
	OnAccepted func(*Connection)

	mu            sync.Mutex
	byLocalConnID map[uint32]*Connection

	lastMalformedReply time.Time
}

// NewListener binds a UDP socket at laddr and returns a Listener serving
// it. The returned Listener must have its socket driven by ReadLoop from
// a caller-owned goroutine.
func NewListener(laddr string, cfg *config.Store, logger *log.Logger, localIdentity identity.Identity, identityKey pcrypto.Ed25519Private, cert keys.SignedCert, authorityKey pcrypto.Ed25519Public, policy keys.AuthPolicy) (*Listener, error) {
	if logger == nil {
		logger = log.NewDiscard()
	}
	udpAddr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve listen address: %w", err)
	}
	socket, err := netio.Bind(udpAddr, logger)
	if err != nil {
		return nil, fmt.Errorf("transport: bind: %w", err)
	}
	l := &Listener{
		log:             logger,
		cfg:             cfg,
		socket:          socket,
		localIdentity:   localIdentity,
		identityKey:     identityKey,
		cert:            cert,
		authorityKey:    authorityKey,
		policy:          policy,
		challengeSecret: conn.NewChallengeSecret(),
		connConfig:      DefaultConfig(),
		byLocalConnID:   make(map[uint32]*Connection),
	}
	socket.SetHandler(l)
	return l, nil
}

// LocalAddr returns the bound UDP address.
func (l *Listener) LocalAddr() *net.UDPAddr { return l.socket.LocalAddr() }

// Close releases the underlying socket.
func (l *Listener) Close() error { return l.socket.Close() }

// ReadLoop drains up to maxPerWake pending datagrams from the socket,
// dispatching each through OnPacketReceived. It must be called
// periodically by the owning service loop.
func (l *Listener) ReadLoop(maxPerWake int) int { return l.socket.ReadLoop(maxPerWake) }

// Tick advances every live connection's Nagle/retransmit timers. It must
// be called periodically by the owning service loop.
func (l *Listener) Tick(now time.Time) {
	l.mu.Lock()
	conns := make([]*Connection, 0, len(l.byLocalConnID))
	for _, c := range l.byLocalConnID {
		conns = append(conns, c)
	}
	l.mu.Unlock()
	for _, c := range conns {
		if err := c.Tick(now); err != nil {
			l.log.Warn("connection tick failed", "err", err)
		}
	}
}

// Dial begins an outbound connection attempt to remoteIdentity at
// remoteAddr: it registers a new Connection, sends the initial
// ChallengeRequest datagram, and returns the Connection. The handshake
// continues to Connected as ChallengeReply/ConnectOK datagrams arrive
// via OnPacketReceived/ReadLoop; callers poll Inner.State() or wait on
// OnAccepted-style delivery hooks to learn when it completes.
func (l *Listener) Dial(remoteIdentity identity.Identity, remoteAddr identity.Addr) (*Connection, error) {
	inner := conn.NewOutgoing(l.cfg, l.log, l.localIdentity, l.identityKey, l.cert, remoteIdentity, remoteAddr)
	datagram, err := inner.BuildChallengeRequest()
	if err != nil {
		return nil, err
	}
	udpAddr := remoteAddr.UDPAddr()
	sender := udpSender{send: func(data []byte) error { return l.socket.SendTo(udpAddr, data) }}
	tc := newConnection(inner, KindDirect, sender, l.connConfig, l.log)

	l.mu.Lock()
	l.byLocalConnID[inner.LocalConnID()] = tc
	l.mu.Unlock()

	if err := l.socket.SendTo(udpAddr, datagram); err != nil {
		return nil, fmt.Errorf("transport: send challenge request: %w", err)
	}
	return tc, nil
}

// DialICE is Dial, but the resulting Connection negotiates its data path
// over ICE instead of direct UDP once the peer accepts: host candidates
// are gathered immediately (controlling side) and the caller is expected
// to pump Connection.SignalOut/SignalIn over its own signaling channel to
// exchange them with the peer's acceptor-side candidates.
func (l *Listener) DialICE(remoteIdentity identity.Identity, remoteAddr identity.Addr) (*Connection, error) {
	tc, err := l.Dial(remoteIdentity, remoteAddr)
	if err != nil {
		return nil, err
	}
	iceAddr := &net.UDPAddr{IP: l.socket.LocalAddr().IP, Port: 0}
	if err := tc.EnableICE(true, iceAddr); err != nil {
		return nil, fmt.Errorf("transport: enable ice: %w", err)
	}
	return tc, nil
}

// OnPacketReceived implements netio.PacketHandler. It routes data frames
// to the matching Connection by DataHeader.ToConnID, and every other
// datagram by its leading handshake message ID.
func (l *Listener) OnPacketReceived(src identity.Addr, data []byte) {
	if len(data) == 0 {
		return
	}
	now := time.Now()
	if wire.IsData(data[0]) {
		l.handleDataFrame(data, src, now)
		return
	}
	msgID, payload, err := wire.DecodePadded(data)
	if err != nil {
		l.replyMalformed(src)
		return
	}
	switch msgID {
	case wire.MsgChallengeRequest:
		l.handleChallengeRequest(src, payload, now)
	case wire.MsgChallengeReply:
		l.handleChallengeReply(payload)
	case wire.MsgConnectRequest:
		l.handleConnectRequest(src, payload, now)
	case wire.MsgConnectOK:
		l.handleConnectOK(payload)
	case wire.MsgConnectionClosed:
		l.handleConnectionClosed(payload)
	case wire.MsgNoConnection:
		l.handleNoConnection(payload)
	default:
		l.replyMalformed(src)
	}
}

// OnSocketError implements netio.PacketHandler.
func (l *Listener) OnSocketError(err error) {
	l.log.Warn("socket error", "err", err)
}

func (l *Listener) connByID(id uint32) *Connection {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.byLocalConnID[id]
}

func (l *Listener) handleDataFrame(data []byte, src identity.Addr, now time.Time) {
	header, _, err := wire.DecodeDataHeader(data)
	if err != nil {
		return
	}
	tc := l.connByID(header.ToConnID)
	if tc == nil {
		// Either this ID was never ours, or handleConnectionClosed /
		// handleNoConnection already reaped it: either way the sender is
		// still addressing a connection ID we don't recognize, and needs to
		// be told so it can stop retransmitting data into the void.
		l.replyNoConnection(src, header.ToConnID)
		return
	}
	if err := tc.OnDatagram(data, now); err != nil {
		l.log.Warn("data frame rejected", "conn", header.ToConnID, "err", err)
	}
}

// handleChallengeRequest answers a stateless ChallengeRequest. No
// connection state is allocated; the throwaway receiver only carries the
// keys OnChallengeRequest needs to sign nothing (the challenge itself is
// an HMAC over the secret, not a signature).
func (l *Listener) handleChallengeRequest(src identity.Addr, payload []byte, now time.Time) {
	req, err := conn.UnmarshalChallengeRequest(payload)
	if err != nil {
		l.replyMalformed(src)
		return
	}
	throwaway := conn.NewInbound(l.cfg, l.log, l.localIdentity, l.identityKey, l.cert)
	reply := throwaway.OnChallengeRequest(l.challengeSecret, src, req, now)
	if err := l.socket.SendTo(src.UDPAddr(), reply); err != nil {
		l.log.Warn("send challenge reply failed", "err", err)
	}
}

func (l *Listener) handleChallengeReply(payload []byte) {
	reply, err := conn.UnmarshalChallengeReply(payload)
	if err != nil {
		return
	}
	tc := l.connByID(reply.ConnectionID)
	if tc == nil {
		return
	}
	datagram, err := tc.Inner.OnChallengeReply(reply)
	if err != nil {
		l.log.Warn("challenge reply rejected", "conn", reply.ConnectionID, "err", err)
		return
	}
	if err := tc.sender.sendDatagram(datagram); err != nil {
		l.log.Warn("send connect request failed", "err", err)
	}
}

// handleConnectRequest validates an inbound ConnectRequest, allocates a
// fresh server-side Connection, registers it, switches it onto ICE if the
// AcceptPolicy asked for that, and replies with ConnectOK.
func (l *Listener) handleConnectRequest(src identity.Addr, payload []byte, now time.Time) {
	req, err := conn.UnmarshalConnectRequest(payload)
	if err != nil {
		l.replyMalformed(src)
		return
	}
	decision := AcceptDecision{Allow: true}
	if l.AcceptPolicy != nil {
		decision = l.AcceptPolicy(req.Cert.Cert.Subject, src)
	}
	if !decision.Allow {
		return
	}

	inner := conn.NewInbound(l.cfg, l.log, l.localIdentity, l.identityKey, l.cert)
	if err := inner.OnConnectRequest(l.challengeSecret, src, req, now, l.authorityKey, l.policy); err != nil {
		l.log.Warn("connect request rejected", "err", err)
		return
	}

	udpAddr := src.UDPAddr()
	sender := udpSender{send: func(data []byte) error { return l.socket.SendTo(udpAddr, data) }}
	tc := newConnection(inner, KindDirect, sender, l.connConfig, l.log)

	l.mu.Lock()
	l.byLocalConnID[inner.LocalConnID()] = tc
	l.mu.Unlock()

	if decision.UseICE {
		iceAddr := &net.UDPAddr{IP: l.socket.LocalAddr().IP, Port: 0}
		if err := tc.EnableICE(false, iceAddr); err != nil {
			l.log.Warn("enable ice failed", "err", err)
			return
		}
	}

	okDatagram, err := inner.Accept(decision.UseICE)
	if err != nil {
		l.log.Warn("accept failed", "err", err)
		return
	}
	if err := l.socket.SendTo(udpAddr, okDatagram); err != nil {
		l.log.Warn("send connect ok failed", "err", err)
		return
	}
	if l.OnAccepted != nil {
		l.OnAccepted(tc)
	}
}

func (l *Listener) handleConnectOK(payload []byte) {
	ok, err := conn.UnmarshalConnectOK(payload)
	if err != nil {
		return
	}
	tc := l.connByID(ok.ClientConnectionID)
	if tc == nil {
		return
	}
	if err := tc.Inner.OnConnectOK(ok, l.authorityKey, l.policy, tc.Kind == KindICE); err != nil {
		l.log.Warn("connect ok rejected", "conn", ok.ClientConnectionID, "err", err)
	}
}

func (l *Listener) handleConnectionClosed(payload []byte) {
	msg, err := conn.UnmarshalConnectionClosed(payload)
	if err != nil {
		return
	}
	tc := l.connByID(msg.ToConnID)
	if tc == nil {
		return
	}
	tc.Inner.OnConnectionClosedFromPeer(msg)
	l.mu.Lock()
	delete(l.byLocalConnID, msg.ToConnID)
	l.mu.Unlock()
}

func (l *Listener) handleNoConnection(payload []byte) {
	msg, err := conn.UnmarshalNoConnection(payload)
	if err != nil {
		return
	}
	l.mu.Lock()
	delete(l.byLocalConnID, msg.ToConnID)
	l.mu.Unlock()
}

// replyMalformed answers an unparseable or unrecognized handshake
// datagram with a NoConnection, rate-limited globally so the listener
// cannot be abused to reflect traffic at a spoofed source.
func (l *Listener) replyMalformed(src identity.Addr) {
	l.replyNoConnection(src, 0)
}

// replyNoConnection answers a datagram addressed to toConnID (the
// sender's record of our connection ID) with a NoConnection naming that
// same ID, rate-limited globally across every sender so the listener
// cannot be abused as a reflection amplifier.
func (l *Listener) replyNoConnection(src identity.Addr, toConnID uint32) {
	now := time.Now()
	l.mu.Lock()
	if now.Sub(l.lastMalformedReply) < MalformedReplyInterval {
		l.mu.Unlock()
		return
	}
	l.lastMalformedReply = now
	l.mu.Unlock()

	msg := conn.NoConnection{ToConnID: toConnID}
	datagram := wire.EncodePadded(wire.MsgNoConnection, msg.Marshal())
	_ = l.socket.SendTo(src.UDPAddr(), datagram)
}
