// Package transport is the integration layer: it wires the connection
// state machine (conn), the reliable message transport (reliable), ICE
// NAT traversal (ice), and the rendezvous signaling envelope (rendezvous)
// together behind a single owning Listener, matching the single
// service-thread, global-lock scheduling model described for the rest of
// this module. It has no one teacher file to generalize from — the
// object graph (a Listener owning Connections, each bound to exactly one
// of a direct-UDP, ICE-over-UDP, or in-process loopback transport) is
// assembled directly from the package layout the rest of this module
// implies.
package transport

import (
	"fmt"
	"time"

	"github.com/relaymesh/p2ptransport/conn"
	"github.com/relaymesh/p2ptransport/ice"
	"github.com/relaymesh/p2ptransport/log"
	"github.com/relaymesh/p2ptransport/reliable"
	"github.com/relaymesh/p2ptransport/wire"
)

// Kind tags which underlying path a Connection's data frames ride over.
// A Connection owns exactly one.
type Kind int

const (
	KindDirect Kind = iota
	KindICE
	KindLoopback
)

func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindICE:
		return "ice"
	case KindLoopback:
		return "loopback"
	default:
		return "unknown"
	}
}

// DeliveredMessage is one fully-reassembled inbound message handed to the
// application.
type DeliveredMessage struct {
	Channel uint8
	Payload []byte
}

// rawSender abstracts the one send operation each Kind needs: hand a
// fully-framed datagram to whatever moves bytes to the peer. The
// Listener supplies a udpSender closing over the destination
// *net.UDPAddr and its bound socket; ice.Session.SendData backs
// iceSender; loopbackSender calls straight into the peer Connection's
// OnDatagram, for same-process testing and the loopback transport kind.
type rawSender interface {
	sendDatagram(datagram []byte) error
}

type udpSender struct {
	send func(data []byte) error
}

func (s udpSender) sendDatagram(data []byte) error { return s.send(data) }

type iceSender struct {
	session *ice.Session
}

func (s iceSender) sendDatagram(data []byte) error { return s.session.SendData(data) }

type loopbackSender struct {
	peer *Connection
}

func (s loopbackSender) sendDatagram(data []byte) error {
	return s.peer.OnDatagram(data, time.Now())
}

// Connection pairs the handshake/state-machine object (conn.Connection)
// with the reliable message transport state for one connection: a
// fragment reassembler, a rate-limited pacer, a Nagle coalescing buffer,
// a bounded send buffer, and an outgoing message ID allocator.
type Connection struct {
	Inner *conn.Connection
	Kind  Kind

	log *log.Logger

	sender rawSender

	msgIDs       *reliable.MessageIDAllocator
	reassembler  *reliable.Reassembler
	rate         *reliable.RateController
	sendBuf      *reliable.SendBuffer
	nagle        *reliable.NagleBuffer
	mtu          int

	onDeliver func(DeliveredMessage)
	onAck     func(ackedWireSeqs []uint16)

	closeSentAt      time.Time
	closeRetransmits int

	iceSession *ice.Session
	iceOrch    *iceOrchestrator
}

// Config bundles the tunables a Connection's reliable-transport half
// needs; callers typically derive these from a config.Store.
type Config struct {
	MTU           int
	SendRateMin   int
	SendRateMax   int
	RateIncrease  int
	RateWindow    time.Duration
	SendBufferCap int
	NagleTime     time.Duration
}

// DefaultConfig matches spec-level defaults: 1200-byte MTU, 128kbps/1Mbps
// rate bounds, 512KiB send buffer, 5ms Nagle timer.
func DefaultConfig() Config {
	return Config{
		MTU:           reliable.DefaultMTU,
		SendRateMin:   128 * 1024 / 8,
		SendRateMax:   1_000_000 / 8,
		RateIncrease:  16 * 1024 / 8,
		RateWindow:    time.Second,
		SendBufferCap: 512 * 1024,
		NagleTime:     reliable.DefaultNagleTime,
	}
}

func newConnection(inner *conn.Connection, kind Kind, sender rawSender, cfg Config, logger *log.Logger) *Connection {
	if logger == nil {
		logger = log.NewDiscard()
	}
	c := &Connection{
		Inner:       inner,
		Kind:        kind,
		log:         logger,
		sender:      sender,
		msgIDs:      reliable.NewMessageIDAllocator(),
		reassembler: reliable.NewReassembler(),
		rate:        reliable.NewRateController(cfg.SendRateMin, cfg.SendRateMax, cfg.RateIncrease, cfg.RateWindow),
		sendBuf:     reliable.NewSendBuffer(cfg.SendBufferCap),
		nagle:       reliable.NewNagleBuffer(cfg.MTU, cfg.NagleTime),
		mtu:         cfg.MTU,
	}
	inner.PendingSendBytes = func() int { return c.sendBuf.Used() }
	return c
}

// SetDeliveryHandler registers the callback invoked, on the service
// thread with the global lock conceptually held, for every fully
// reassembled inbound message.
func (c *Connection) SetDeliveryHandler(fn func(DeliveredMessage)) { c.onDeliver = fn }

// SetAckHandler registers the callback invoked with every wire sequence
// number the peer's piggybacked selective-ack bitmap reports as received.
func (c *Connection) SetAckHandler(fn func(ackedWireSeqs []uint16)) { c.onAck = fn }

// SendMessage queues payload for delivery on channel, fragmenting it if
// necessary. Reliable sends that would overflow the send buffer fail
// immediately with reliable.ErrWouldBlock rather than blocking; the
// caller must retry once buffered bytes drain.
func (c *Connection) SendMessage(channel uint8, reliableSend bool, payload []byte, now time.Time) error {
	if reliableSend {
		if err := c.sendBuf.TryReserve(len(payload)); err != nil {
			return err
		}
	}
	id := c.msgIDs.Next()
	frags := reliable.Split(id, channel, reliableSend, payload, c.mtu)
	for _, f := range frags {
		c.rate.RecordSent(len(f))
		blob := wire.PutVarintBlob(nil, f)
		if flushed := c.nagle.Add(blob, now); flushed != nil {
			if c.rate.AllowSend(now, len(flushed)) {
				if err := c.flush(flushed); err != nil {
					return err
				}
			} else {
				// Over the pacing budget for this window: re-buffer rather
				// than drop: Tick's own AllowSend check retries once the
				// window rolls over.
				c.nagle.Add(flushed, now)
			}
		}
	}
	// The reservation bounds how much unsent data the application may have
	// in flight at once; it is released once the fragments are handed to
	// the Nagle pacer (queued for send), not held until the peer's ack —
	// true per-frame ack-driven retention would need a retransmission
	// table this integration pass doesn't build.
	if reliableSend {
		c.sendBuf.Release(len(payload))
	}
	return nil
}

// Close requests a graceful shutdown, carrying reasonCode/debug through to
// the peer as its ClosedByPeer ConnectionClosed: it drives the
// conn.Connection ProblemDetectedLocally transition and, if Linger doesn't
// apply, sends the first ConnectionClosed datagram immediately. Tick
// retransmits it up to conn.MaxCloseRetries times until an ack (the peer's
// own terminal reply) ends the connection.
func (c *Connection) Close(reasonCode uint32, debug string, enableLinger bool, now time.Time, lingerTimeout time.Duration) error {
	datagram := c.Inner.Close(enableLinger, now, lingerTimeout, reasonCode, debug)
	if datagram == nil {
		return nil
	}
	c.closeSentAt = now
	return c.sender.sendDatagram(datagram)
}

// Tick drains the Nagle buffer if its timer has expired, advances the
// Linger/FinWait shutdown timers, drives the ICE connectivity-check
// scheduler (if enabled) through to a nominated pair, and retransmits a
// pending ConnectionClosed on its own backoff schedule; it must be called
// periodically by the owning Listener's service loop.
func (c *Connection) Tick(now time.Time) error {
	if c.iceOrch != nil {
		if c.iceOrch.tick(now) {
			if pair, ok := c.iceSession.Selected(); ok {
				c.sender = iceSender{session: c.iceSession}
				if err := c.Inner.MarkRouteFound(); err != nil {
					c.log.Warn("mark route found failed", "err", err)
				}
				c.log.Info("ice pair selected", "local", pair.Local.Mapped, "remote", pair.Remote.Mapped)
			}
		}
	}
	if c.sender != nil && c.nagle.ShouldFlush(now) && c.rate.AllowSend(now, c.nagle.Len()) {
		if err := c.flush(c.nagle.Flush()); err != nil {
			return err
		}
	}
	c.Inner.AdvanceLinger(now, conn.DefaultFinWaitTimeout)
	c.Inner.AdvanceFinWait(now)
	if c.Inner.State() == conn.StateProblemDetectedLocally {
		if c.closeSentAt.IsZero() || now.Sub(c.closeSentAt) >= conn.RetryDelay(c.closeRetransmits) {
			if datagram, ok := c.Inner.ConnectionClosedDatagram(); ok {
				c.closeRetransmits++
				c.closeSentAt = now
				if err := c.sender.sendDatagram(datagram); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// buildStatsBlob drains the received-but-unacked wire sequence numbers
// and run-length-encodes them into the selective-ack bitmap piggybacked
// on the next outgoing data frame.
func (c *Connection) buildStatsBlob() (blob []byte, present bool) {
	pending := c.Inner.Acks.Drain()
	if len(pending) == 0 {
		return nil, false
	}
	received := make(map[uint16]bool, len(pending))
	base, max := pending[0].WireSeq, pending[0].WireSeq
	for _, p := range pending {
		received[p.WireSeq] = true
		if p.WireSeq < base {
			base = p.WireSeq
		}
		if p.WireSeq > max {
			max = p.WireSeq
		}
	}
	span := int(max-base) + 1
	runs := reliable.BuildSelectiveAck(base, received, span)
	return reliable.EncodeSelectiveAck(runs), true
}

func (c *Connection) flush(plaintext []byte) error {
	if c.sender == nil {
		// No path yet: either the direct socket hasn't been wired (shouldn't
		// happen outside ICE) or an ICE pair hasn't been nominated. Dropping
		// here matches FindingRoute's can't-send-data-yet semantics; nothing
		// retransmits the dropped frame.
		c.log.Warn("dropping coalesced frame: no send path yet", "kind", c.Kind)
		return nil
	}
	var flags byte
	statsBlob, hasStats := c.buildStatsBlob()
	if hasStats {
		flags |= wire.FlagHasStats
	}
	ciphertext, fullSeq := c.Inner.SealOutgoing(plaintext, nil)
	header := wire.EncodeDataHeader(wire.DataHeader{
		Flags:    flags,
		ToConnID: c.Inner.RemoteConnID(),
		WireSeq:  uint16(fullSeq),
	})
	datagram := header
	if hasStats {
		datagram = wire.PutVarintBlob(datagram, statsBlob)
	}
	datagram = append(datagram, ciphertext...)
	c.Inner.Lifetime.RecordSent(len(datagram))
	return c.sender.sendDatagram(datagram)
}

// OnDatagram handles one inbound data-frame datagram: opens the AEAD
// seal, splits the coalesced plaintext back into its varint-length-
// prefixed fragments, and feeds each into the reassembler.
func (c *Connection) OnDatagram(datagram []byte, now time.Time) error {
	header, rest, err := wire.DecodeDataHeader(datagram)
	if err != nil {
		return err
	}
	ciphertext := rest
	if header.Flags&wire.FlagHasStats != 0 {
		statsBlob, remainder, err := wire.ReadVarintBlob(rest)
		if err != nil {
			return fmt.Errorf("transport: stats blob: %w", err)
		}
		if c.onAck != nil {
			c.onAck(reliable.ExpandAcked(reliable.DecodeSelectiveAck(statsBlob)))
		}
		ciphertext = remainder
	}
	fullSeq := c.Inner.NextRecvSeq(header.WireSeq)
	plaintext, err := c.Inner.OpenIncoming(fullSeq, ciphertext, nil)
	if err != nil {
		c.Inner.Lifetime.RecordDropped()
		return fmt.Errorf("transport: open data frame: %w", err)
	}
	c.Inner.Lifetime.RecordRecv(len(datagram))
	c.Inner.OnPacketReceived(now)
	c.Inner.Acks.Add(header.WireSeq, now)

	for len(plaintext) > 0 {
		frag, rest, err := wire.ReadVarintBlob(plaintext)
		if err != nil {
			return fmt.Errorf("transport: malformed coalesced fragment: %w", err)
		}
		plaintext = rest
		h, data, err := reliable.Decode(frag)
		if err != nil {
			return fmt.Errorf("transport: fragment: %w", err)
		}
		payload, delivered, dup, err := c.reassembler.Feed(h, data, now)
		if err != nil {
			return fmt.Errorf("transport: reassembly: %w", err)
		}
		if dup {
			continue
		}
		if delivered && c.onDeliver != nil {
			c.onDeliver(DeliveredMessage{Channel: h.Channel, Payload: payload})
		}
	}
	return nil
}
