// Package conn implements the per-connection state machine: the
// stateless challenge handshake, the authenticated ConnectRequest/
// ConnectOK exchange that derives the AEAD record keys, the
// Connected/Linger/FinWait/Dead lifecycle, and the retry/timeout
// schedule that drives all of it.
package conn

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/relaymesh/p2ptransport/config"
	"github.com/relaymesh/p2ptransport/e2estats"
	"github.com/relaymesh/p2ptransport/errs"
	"github.com/relaymesh/p2ptransport/identity"
	"github.com/relaymesh/p2ptransport/keys"
	"github.com/relaymesh/p2ptransport/log"
	"github.com/relaymesh/p2ptransport/pcrypto"
	"github.com/relaymesh/p2ptransport/wire"
)

// State is a connection's position in its lifecycle.
type State int

const (
	StateNone State = iota
	StateConnecting
	StateFindingRoute
	StateConnected
	StateLinger
	StateClosedByPeer
	StateProblemDetectedLocally
	StateFinWait
	StateDead
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "None"
	case StateConnecting:
		return "Connecting"
	case StateFindingRoute:
		return "FindingRoute"
	case StateConnected:
		return "Connected"
	case StateLinger:
		return "Linger"
	case StateClosedByPeer:
		return "ClosedByPeer"
	case StateProblemDetectedLocally:
		return "ProblemDetectedLocally"
	case StateFinWait:
		return "FinWait"
	case StateDead:
		return "Dead"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ProtocolVersion is the version this build speaks; MinAcceptedProtocolVersion
// is the oldest a peer may present before being rejected outright.
const (
	ProtocolVersion            = 1
	MinAcceptedProtocolVersion = 1
)

const (
	initialRetryDelay   = 250 * time.Millisecond
	maxRetryDelay       = 3 * time.Second
	MaxHandshakeRetries = 8

	DefaultInitialConnectTimeout = 10 * time.Second
	DefaultConnectedIdleTimeout  = 10 * time.Second
	DefaultLingerTimeout         = 10 * time.Second
	DefaultFinWaitTimeout        = 10 * time.Second

	MaxCloseRetries = 8
)

// RetryDelay implements the 250ms*2^retry schedule, capped at 3s.
func RetryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 6 { // 250ms*2^7 already exceeds the 3s cap
		return maxRetryDelay
	}
	d := initialRetryDelay * time.Duration(uint64(1)<<uint(attempt))
	if d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}

// newConnectionID produces a crypto-random non-zero 32-bit connection ID.
func newConnectionID() uint32 {
	for {
		id := binary.LittleEndian.Uint32(pcrypto.RandomBytes(4))
		if id != 0 {
			return id
		}
	}
}

// Connection is one peer-to-peer connection's full state: identity,
// connection IDs, crypto keys, rate/RTT bookkeeping, and lifecycle state.
// All mutation goes through the mutex; callbacks fire with it released.
type Connection struct {
	mu  sync.Mutex
	log *log.Logger
	cfg *config.Store

	controlling bool // true on the side that called Connect()

	state      State
	localConn  uint32
	remoteConn uint32

	localIdentity  identity.Identity
	remoteIdentity identity.Identity
	remoteAddr     identity.Addr

	localVirtualPort  uint16
	remoteVirtualPort uint16

	localIdentityKey pcrypto.Ed25519Private
	localCert        keys.SignedCert

	localEphemeralPriv pcrypto.X25519Private
	localEphemeralPub  pcrypto.X25519Public
	localNonceSeed     [4]byte

	remoteCert keys.Cert

	sendKey        [32]byte
	recvKey        [32]byte
	sendNonceSeed  [4]byte
	recvNonceSeed  [4]byte
	sendSeq        uint64
	recvSeq        uint64
	haveKeys       bool

	pendingChallenge uint64
	handshakeRetries int

	Ping     *e2estats.PingTracker
	Acks     *e2estats.AckQueue
	Lifetime *e2estats.LifetimeStats

	createdAt  time.Time
	lastRecvAt time.Time

	lingerDeadline  time.Time
	finWaitDeadline time.Time
	closeRetries    int
	closeReasonCode uint32
	closeDebug      string

	// PendingSendBytes reports how much reliable data is still queued to
	// send; Close() uses it to decide between Linger and an immediate
	// ProblemDetectedLocally. Defaults to "nothing queued" until the
	// owning transport wires in the real reliable send buffer.
	PendingSendBytes func() int
}

// NewOutgoing creates a connection in state None for the side that
// initiates Connect().
func NewOutgoing(cfg *config.Store, logger *log.Logger, localIdentity identity.Identity, identityKey pcrypto.Ed25519Private, cert keys.SignedCert, remoteIdentity identity.Identity, remoteAddr identity.Addr) *Connection {
	if logger == nil {
		logger = log.NewDiscard()
	}
	return &Connection{
		log:              logger,
		cfg:              cfg,
		controlling:      true,
		state:            StateNone,
		localIdentity:    localIdentity,
		remoteIdentity:   remoteIdentity,
		remoteAddr:       remoteAddr,
		localIdentityKey: identityKey,
		localCert:        cert,
		localVirtualPort: localVirtualPort(cfg),
		createdAt:        time.Now(),
		Ping:             e2estats.NewPingTracker(200 * time.Millisecond),
		Acks:             e2estats.NewAckQueue(64),
		Lifetime:         &e2estats.LifetimeStats{},
		PendingSendBytes: func() int { return 0 },
	}
}

// localVirtualPort reads the configured local virtual port, defaulting to
// 0 when cfg is nil (tests construct connections without a store).
func localVirtualPort(cfg *config.Store) uint16 {
	if cfg == nil {
		return 0
	}
	return uint16(cfg.Int(config.LocalVirtualPort))
}

// NewInbound creates a connection in state None for the accepting side,
// before any ChallengeRequest has arrived.
func NewInbound(cfg *config.Store, logger *log.Logger, localIdentity identity.Identity, identityKey pcrypto.Ed25519Private, cert keys.SignedCert) *Connection {
	if logger == nil {
		logger = log.NewDiscard()
	}
	return &Connection{
		log:              logger,
		cfg:              cfg,
		controlling:      false,
		state:            StateNone,
		localIdentity:    localIdentity,
		localIdentityKey: identityKey,
		localCert:        cert,
		localVirtualPort: localVirtualPort(cfg),
		createdAt:        time.Now(),
		Ping:             e2estats.NewPingTracker(200 * time.Millisecond),
		Acks:             e2estats.NewAckQueue(64),
		Lifetime:         &e2estats.LifetimeStats{},
		PendingSendBytes: func() int { return 0 },
	}
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) LocalConnID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localConn
}

func (c *Connection) RemoteConnID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteConn
}

// LocalVirtualPort returns the application-chosen local virtual port
// (multiple logical connections may share one physical socket).
func (c *Connection) LocalVirtualPort() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localVirtualPort
}

// SetRemoteVirtualPort records the peer's virtual port, learned out of
// band (e.g. from the rendezvous envelope rather than the handshake
// datagrams themselves).
func (c *Connection) SetRemoteVirtualPort(port uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteVirtualPort = port
}

func (c *Connection) RemoteVirtualPort() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteVirtualPort
}

func (c *Connection) setState(s State) {
	old := c.state
	c.state = s
	c.log.Debug("connection state transition", "from", old.String(), "to", s.String())
}

// --- Client path ---

// BuildChallengeRequest transitions None -> Connecting and returns the
// padded ChallengeRequest datagram to send.
func (c *Connection) BuildChallengeRequest() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateNone {
		return nil, fmt.Errorf("conn: BuildChallengeRequest called in state %s", c.state)
	}
	c.localConn = newConnectionID()
	c.setState(StateConnecting)
	msg := ChallengeRequest{
		ConnectionID:    c.localConn,
		MyTimestamp:     uint64(time.Now().UnixMicro()),
		ProtocolVersion: ProtocolVersion,
	}
	return wire.EncodePadded(wire.MsgChallengeRequest, msg.Marshal()), nil
}

// OnChallengeReply consumes the server's ChallengeReply and returns the
// padded ConnectRequest datagram to send next.
func (c *Connection) OnChallengeReply(reply ChallengeReply) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnecting {
		return nil, fmt.Errorf("conn: OnChallengeReply called in state %s", c.state)
	}
	if reply.ProtocolVersion < MinAcceptedProtocolVersion {
		return nil, errs.New(errs.CodeBadPacket, "protocol-version", nil)
	}
	c.pendingChallenge = reply.Challenge

	priv, pub, err := pcrypto.GenerateX25519()
	if err != nil {
		return nil, errs.New(errs.CodeCryptoSelfCheckFailed, "x25519-gen", err)
	}
	c.localEphemeralPriv = priv
	c.localEphemeralPub = pub
	copy(c.localNonceSeed[:], pcrypto.RandomBytes(4))

	crypt := keys.SignCryptInfo(keys.CryptInfo{
		EphemeralPublic: pub,
		NonceSeed:       c.localNonceSeed,
		Cipher:          keys.CipherAES256GCM,
	}, c.localIdentityKey)

	steamID, _ := c.localIdentity.SteamIDValue()
	msg := ConnectRequest{
		ClientConnectionID: c.localConn,
		Challenge:          reply.Challenge,
		ClientSteamID:      steamID,
		MyTimestamp:        uint64(time.Now().UnixMicro()),
		PingEstMs:          uint32(c.Ping.SmoothedRTT() / time.Millisecond),
		Cert:               c.localCert,
		Crypt:              crypt,
		ProtocolVersion:    ProtocolVersion,
	}
	return wire.EncodePadded(wire.MsgConnectRequest, msg.Marshal()), nil
}

// OnConnectOK verifies the server's cert and crypt info, derives the
// AEAD record keys, and transitions Connecting -> FindingRoute (if
// useICE) or Connected.
func (c *Connection) OnConnectOK(ok ConnectOK, authorityKey pcrypto.Ed25519Public, policy keys.AuthPolicy, useICE bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnecting {
		return fmt.Errorf("conn: OnConnectOK called in state %s", c.state)
	}
	peerIdentityKey := ok.Cert.Cert.SubjectKey
	if err := keys.Verify(ok.Cert, authorityKey, policy, peerIdentityKey); err != nil {
		return errs.New(errs.CodeCertInvalid, "", err)
	}
	if err := keys.VerifyCryptInfo(ok.Crypt, peerIdentityKey); err != nil {
		return errs.New(errs.CodeCertInvalid, "crypt-info", err)
	}

	c.remoteConn = ok.ServerConnectionID
	c.remoteCert = ok.Cert.Cert
	if err := c.deriveKeys(ok.Crypt.Info.EphemeralPublic, ok.Crypt.Info.NonceSeed, true); err != nil {
		return err
	}

	c.lastRecvAt = time.Now()
	if useICE {
		c.setState(StateFindingRoute)
	} else {
		c.setState(StateConnected)
	}
	return nil
}

// --- Server path ---

// OnChallengeRequest answers a stateless ChallengeRequest; no connection
// state is allocated yet (state remains whatever it was, normally None).
func (c *Connection) OnChallengeRequest(secret ChallengeSecret, peerAddr identity.Addr, req ChallengeRequest, now time.Time) []byte {
	reply := ChallengeReply{
		ConnectionID:    req.ConnectionID,
		Challenge:       ComputeChallenge(secret, now, peerAddr),
		YourTimestamp:   req.MyTimestamp,
		ProtocolVersion: ProtocolVersion,
	}
	return wire.EncodePadded(wire.MsgChallengeReply, reply.Marshal())
}

// OnConnectRequest validates the echoed challenge and the client's cert,
// allocates the local connection ID, and parks in Connecting awaiting
// Accept(). The connection must have been constructed with NewInbound.
func (c *Connection) OnConnectRequest(secret ChallengeSecret, peerAddr identity.Addr, req ConnectRequest, now time.Time, authorityKey pcrypto.Ed25519Public, policy keys.AuthPolicy) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateNone {
		return fmt.Errorf("conn: OnConnectRequest called in state %s", c.state)
	}
	if req.ProtocolVersion < MinAcceptedProtocolVersion {
		return errs.New(errs.CodeBadPacket, "protocol-version", nil)
	}
	if !ValidateChallenge(secret, req.Challenge, peerAddr, now, ChallengeMaxAge) {
		return errs.New(errs.CodeTimeoutNoConnection, "stale-challenge", nil)
	}
	peerIdentityKey := req.Cert.Cert.SubjectKey
	if err := keys.Verify(req.Cert, authorityKey, policy, peerIdentityKey); err != nil {
		return errs.New(errs.CodeCertInvalid, "", err)
	}
	if err := keys.VerifyCryptInfo(req.Crypt, peerIdentityKey); err != nil {
		return errs.New(errs.CodeCertInvalid, "crypt-info", err)
	}

	c.remoteConn = req.ClientConnectionID
	c.remoteAddr = peerAddr
	c.remoteCert = req.Cert.Cert
	c.remoteIdentity = req.Cert.Cert.Subject
	c.localConn = newConnectionID()

	priv, pub, err := pcrypto.GenerateX25519()
	if err != nil {
		return errs.New(errs.CodeCryptoSelfCheckFailed, "x25519-gen", err)
	}
	c.localEphemeralPriv = priv
	c.localEphemeralPub = pub
	copy(c.localNonceSeed[:], pcrypto.RandomBytes(4))

	if err := c.deriveKeys(req.Crypt.Info.EphemeralPublic, req.Crypt.Info.NonceSeed, false); err != nil {
		return err
	}

	c.lastRecvAt = now
	c.setState(StateConnecting)
	return nil
}

// Accept completes the server side of the handshake: it signs and
// returns the ConnectOK datagram and transitions Connecting ->
// FindingRoute (if useICE) or Connected.
func (c *Connection) Accept(useICE bool) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnecting {
		return nil, fmt.Errorf("conn: Accept called in state %s", c.state)
	}
	if !c.haveKeys {
		return nil, fmt.Errorf("conn: Accept called before key derivation")
	}
	acceptedAt := time.Now()
	crypt := keys.SignCryptInfo(keys.CryptInfo{
		EphemeralPublic: c.localEphemeralPub,
		NonceSeed:       c.localNonceSeed,
		Cipher:          keys.CipherAES256GCM,
	}, c.localIdentityKey)

	steamID, _ := c.localIdentity.SteamIDValue()
	msg := ConnectOK{
		ClientConnectionID: c.remoteConn,
		ServerConnectionID: c.localConn,
		ServerSteamID:      steamID,
		Cert:               c.localCert,
		Crypt:              crypt,
		YourTimestamp:      uint64(time.Now().UnixMicro()),
		DelayTimeUsec:      uint64(time.Since(acceptedAt).Microseconds()),
		ProtocolVersion:    ProtocolVersion,
	}
	datagram := wire.EncodePadded(wire.MsgConnectOK, msg.Marshal())

	if useICE {
		c.setState(StateFindingRoute)
	} else {
		c.setState(StateConnected)
	}
	return datagram, nil
}

// MarkRouteFound transitions FindingRoute -> Connected once ICE has
// selected a candidate pair.
func (c *Connection) MarkRouteFound() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateFindingRoute {
		return fmt.Errorf("conn: MarkRouteFound called in state %s", c.state)
	}
	c.setState(StateConnected)
	return nil
}

// deriveKeys computes the shared secret and assigns directional send/recv
// keys and nonce seeds. isClient controls which of the two keys derived
// from the shared secret plays the "send" role, so the two sides land on
// opposite keys for opposite directions without exchanging anything extra.
func (c *Connection) deriveKeys(remoteEphemeral pcrypto.X25519Public, remoteNonceSeed [4]byte, isClient bool) error {
	shared, err := pcrypto.SharedSecret(c.localEphemeralPriv, remoteEphemeral)
	if err != nil {
		return errs.New(errs.CodeKeyMismatch, "ecdh", err)
	}
	clientSalt := []byte("p2ptransport client")
	serverSalt := []byte("p2ptransport server")
	clientKey := pcrypto.HMACSHA256(shared[:], clientSalt)
	serverKey := pcrypto.HMACSHA256(shared[:], serverSalt)
	if isClient {
		c.sendKey, c.recvKey = clientKey, serverKey
		c.sendNonceSeed, c.recvNonceSeed = c.localNonceSeed, remoteNonceSeed
	} else {
		c.sendKey, c.recvKey = serverKey, clientKey
		c.sendNonceSeed, c.recvNonceSeed = c.localNonceSeed, remoteNonceSeed
	}
	c.haveKeys = true
	return nil
}

// SealOutgoing AEAD-encrypts a data-frame payload using the next send
// sequence number, returning the ciphertext+tag and that sequence number.
func (c *Connection) SealOutgoing(plaintext, aad []byte) ([]byte, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.sendSeq
	c.sendSeq++
	nonce := wire.BuildNonce(c.sendNonceSeed, seq)
	return pcrypto.AEADEncrypt(c.sendKey, nonce, plaintext, aad), seq
}

// OpenIncoming AEAD-decrypts a data-frame payload at the given full
// sequence number.
func (c *Connection) OpenIncoming(fullSeq uint64, ciphertext, aad []byte) ([]byte, error) {
	c.mu.Lock()
	sendKey := c.recvKey
	nonceSeed := c.recvNonceSeed
	c.mu.Unlock()
	nonce := wire.BuildNonce(nonceSeed, fullSeq)
	pt, err := pcrypto.AEADDecrypt(sendKey, nonce, ciphertext, aad)
	if err != nil {
		return nil, errs.New(errs.CodeAEADFailure, "", err)
	}
	return pt, nil
}

// NextRecvSeq reconstructs a full sequence number from a wire-truncated
// one and advances the local expectation if it is newer.
func (c *Connection) NextRecvSeq(wireSeq uint16) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	full := wire.ReconstructFullSeq(c.recvSeq, wireSeq)
	if full >= c.recvSeq {
		c.recvSeq = full + 1
	}
	return full
}

// OnPacketReceived updates the idle-timeout clock.
func (c *Connection) OnPacketReceived(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastRecvAt = now
}

// KeepaliveInterval scales with smoothed RTT (clamped to [1s, 10s]); it
// defaults to 5s before any RTT sample exists.
func (c *Connection) KeepaliveInterval() time.Duration {
	rtt := c.Ping.SmoothedRTT()
	if rtt == 0 {
		return 5 * time.Second
	}
	d := 3 * rtt
	if d < time.Second {
		return time.Second
	}
	if d > 10*time.Second {
		return 10 * time.Second
	}
	return d
}

// CheckTimers inspects the initial-connect and connected-idle timeouts
// and returns a non-nil error (always ProblemDetectedLocally-worthy) if
// one has fired; the caller is responsible for driving the resulting
// state transition.
func (c *Connection) CheckTimers(now time.Time, initialTimeout, idleTimeout time.Duration) error {
	c.mu.Lock()
	state := c.state
	created := c.createdAt
	lastRecv := c.lastRecvAt
	c.mu.Unlock()

	switch state {
	case StateConnecting, StateFindingRoute:
		if now.Sub(created) > initialTimeout {
			return errs.New(errs.CodeTimeoutNoConnection, "initial-connect", nil)
		}
	case StateConnected:
		if !lastRecv.IsZero() && now.Sub(lastRecv) > idleTimeout {
			return errs.New(errs.CodeTimeoutInactive, "connected-idle", nil)
		}
	}
	return nil
}

// ProblemDetectedLocally transitions to the terminal-local-error state
// and records the reason to report on an outgoing ConnectionClosed.
func (c *Connection) ProblemDetectedLocally(reasonCode uint32, debug string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setState(StateProblemDetectedLocally)
	c.closeReasonCode = reasonCode
	c.closeDebug = debug
	return c.buildConnectionClosedLocked()
}

func (c *Connection) buildConnectionClosedLocked() []byte {
	msg := ConnectionClosed{
		ToConnID:   c.remoteConn,
		FromConnID: c.localConn,
		ReasonCode: c.closeReasonCode,
		Debug:      c.closeDebug,
	}
	return wire.EncodePadded(wire.MsgConnectionClosed, msg.Marshal())
}

// ConnectionClosedDatagram re-renders the outgoing ConnectionClosed for
// retransmission while ProblemDetectedLocally is awaiting an ack, up to
// MaxCloseRetries times.
func (c *Connection) ConnectionClosedDatagram() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeRetries >= MaxCloseRetries {
		return nil, false
	}
	c.closeRetries++
	return c.buildConnectionClosedLocked(), true
}

// OnConnectionClosedFromPeer transitions to ClosedByPeer on receipt of
// the peer's ConnectionClosed.
func (c *Connection) OnConnectionClosedFromPeer(msg ConnectionClosed) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeReasonCode = msg.ReasonCode
	c.closeDebug = msg.Debug
	c.setState(StateClosedByPeer)
}

// Close requests a graceful shutdown with the given reason/debug text to
// report to the peer: Linger (drain the reliable send buffer) if
// enableLinger and data is still queued, else an immediate
// ProblemDetectedLocally carrying reasonCode/debug. Idempotent.
func (c *Connection) Close(enableLinger bool, now time.Time, lingerTimeout time.Duration, reasonCode uint32, debug string) []byte {
	c.mu.Lock()
	state := c.state
	pending := 0
	if c.PendingSendBytes != nil {
		pending = c.PendingSendBytes()
	}
	c.mu.Unlock()

	if state == StateLinger || state == StateFinWait || state == StateDead ||
		state == StateClosedByPeer || state == StateProblemDetectedLocally {
		return nil // already shutting down
	}

	if enableLinger && pending > 0 {
		c.mu.Lock()
		c.setState(StateLinger)
		c.lingerDeadline = now.Add(lingerTimeout)
		c.closeReasonCode = reasonCode
		c.closeDebug = debug
		c.mu.Unlock()
		return nil
	}
	return c.ProblemDetectedLocally(reasonCode, debug)
}

// AdvanceLinger transitions Linger -> FinWait once the send buffer has
// drained or the linger deadline has passed.
func (c *Connection) AdvanceLinger(now time.Time, finWaitTimeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateLinger {
		return
	}
	pending := 0
	if c.PendingSendBytes != nil {
		pending = c.PendingSendBytes()
	}
	if pending == 0 || now.After(c.lingerDeadline) {
		c.setState(StateFinWait)
		c.finWaitDeadline = now.Add(finWaitTimeout)
	}
}

// AdvanceFinWait transitions FinWait -> Dead once its deadline passes.
func (c *Connection) AdvanceFinWait(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateFinWait && now.After(c.finWaitDeadline) {
		c.setState(StateDead)
	}
}

// NoConnectionDatagram builds the NoConnection reply sent for any packet
// that arrives once the connection is in FinWait or fully Dead.
func (c *Connection) NoConnectionDatagram() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := NoConnection{ToConnID: c.remoteConn, FromConnID: c.localConn}
	return wire.EncodePadded(wire.MsgNoConnection, msg.Marshal())
}

// IsTerminal reports whether the connection is done (Dead or
// ClosedByPeer) and should be reaped by its owner.
func (c *Connection) IsTerminal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateDead || c.state == StateClosedByPeer
}
