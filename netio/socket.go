// Package netio implements the UDP socket service: a BoundSocket owning
// a single OS socket, and a SharedSocket that adds a peer-address
// dispatch table so many logical connections (or ICE candidate pairs)
// can share one local UDP endpoint.
package netio

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/relaymesh/p2ptransport/identity"
	"github.com/relaymesh/p2ptransport/log"
)

// MaxDatagramSize is the largest UDP payload this layer will construct or
// accept.
const MaxDatagramSize = 1280

// PacketHandler receives datagrams read off a socket. src is the sender's
// address; data is only valid for the duration of the call (the caller
// reuses its read buffer).
type PacketHandler interface {
	OnPacketReceived(src identity.Addr, data []byte)
	// OnSocketError is invoked for terminal (non-EAGAIN) socket errors; the
	// owner typically marks the affected connection as ProblemDetectedLocally.
	OnSocketError(err error)
}

// BoundSocket owns one non-blocking OS UDP socket (IPv4 or IPv6).
type BoundSocket struct {
	conn *net.UDPConn
	log  *log.Logger

	mu      sync.Mutex
	handler PacketHandler
	closed  bool

	refs int32
}

// Bind opens (or wraps) a UDP socket at laddr. laddr.Port == 0 lets the OS
// pick an ephemeral port, used during ICE host-candidate gathering.
func Bind(laddr *net.UDPAddr, logger *log.Logger) (*BoundSocket, error) {
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("netio: bind %s: %w", laddr, err)
	}
	if logger == nil {
		logger = log.NewDiscard()
	}
	return &BoundSocket{conn: conn, log: logger.Named("netio")}, nil
}

// LocalAddr returns the bound local address.
func (s *BoundSocket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// SetHandler installs the packet handler invoked from ReadLoop. For a
// BoundSocket there is exactly one owner; SharedSocket layers per-peer
// dispatch on top (see SharedSocket).
func (s *BoundSocket) SetHandler(h PacketHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Ref/Unref implement refcounting of the underlying socket; the last
// Unref closes it.
func (s *BoundSocket) Ref() { s.mu.Lock(); s.refs++; s.mu.Unlock() }

func (s *BoundSocket) Unref() {
	s.mu.Lock()
	s.refs--
	shouldClose := s.refs <= 0 && !s.closed
	if shouldClose {
		s.closed = true
	}
	s.mu.Unlock()
	if shouldClose {
		s.conn.Close()
	}
}

// ReadLoop reads up to maxPerWake datagrams, dispatching each to the
// installed handler, then returns. Callers (the service thread) call
// this repeatedly from their scheduling loop; it is not itself a
// blocking forever-loop, since the socket is non-blocking and reads
// return immediately or with EWOULDBLOCK.
func (s *BoundSocket) ReadLoop(maxPerWake int) (n int) {
	buf := make([]byte, MaxDatagramSize)
	for i := 0; i < maxPerWake; i++ {
		// A deadline just past now turns an empty queue into a timeout,
		// which isEphemeral treats like EWOULDBLOCK.
		s.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
		nread, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if isEphemeral(err) {
				return n
			}
			s.mu.Lock()
			h := s.handler
			s.mu.Unlock()
			if h != nil {
				h.OnSocketError(err)
			}
			return n
		}
		n++
		s.mu.Lock()
		h := s.handler
		s.mu.Unlock()
		if h != nil {
			h.OnPacketReceived(identity.AddrFromUDP(addr), buf[:nread])
		}
	}
	return n
}

// SendTo performs a single non-blocking send. If the socket returns
// EWOULDBLOCK the packet is silently dropped — the sender relies on
// retransmission rather than blocking the service thread.
func (s *BoundSocket) SendTo(dst *net.UDPAddr, data []byte) error {
	_, err := s.conn.WriteToUDP(data, dst)
	if err != nil && isEphemeral(err) {
		return nil
	}
	return err
}

// SendGather performs a gather (scatter/gather) send: chunks are
// concatenated into a single outgoing datagram, letting callers build a
// message from several independently-produced pieces without an
// intermediate per-piece send.
func (s *BoundSocket) SendGather(dst *net.UDPAddr, chunks [][]byte) error {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	buf := make([]byte, 0, total)
	for _, c := range chunks {
		buf = append(buf, c...)
	}
	return s.SendTo(dst, buf)
}

func (s *BoundSocket) Close() error { s.mu.Lock(); s.closed = true; s.mu.Unlock(); return s.conn.Close() }

func isEphemeral(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EAGAIN || errno == syscall.EWOULDBLOCK
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// SharedSocket is a BoundSocket plus a mapping from peer address to
// callback, letting many logical peers (e.g. many ICE candidate pairs
// or direct connections) share one local UDP endpoint.
type SharedSocket struct {
	*BoundSocket

	mu       sync.RWMutex
	byPeer   map[identity.Addr]PacketHandler
	fallback PacketHandler // e.g. ICE's STUN demux, for unregistered senders
}

// NewShared wraps an already-bound socket with per-peer dispatch.
func NewShared(b *BoundSocket) *SharedSocket {
	s := &SharedSocket{BoundSocket: b, byPeer: map[identity.Addr]PacketHandler{}}
	b.SetHandler(s)
	return s
}

// RegisterPeer routes future packets from addr to h instead of the
// fallback handler.
func (s *SharedSocket) RegisterPeer(addr identity.Addr, h PacketHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byPeer[addr] = h
}

func (s *SharedSocket) UnregisterPeer(addr identity.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byPeer, addr)
}

// SetFallback installs the handler used for addresses with no registered
// peer (typically ICE, which demuxes STUN from everything else on a
// shared socket).
func (s *SharedSocket) SetFallback(h PacketHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = h
}

// OnPacketReceived implements PacketHandler, dispatching by source
// address. A single datagram is only ever handed to one consumer.
func (s *SharedSocket) OnPacketReceived(src identity.Addr, data []byte) {
	s.mu.RLock()
	h, ok := s.byPeer[src]
	fb := s.fallback
	s.mu.RUnlock()
	if ok {
		h.OnPacketReceived(src, data)
		return
	}
	if fb != nil {
		fb.OnPacketReceived(src, data)
	}
}

func (s *SharedSocket) OnSocketError(err error) {
	s.mu.RLock()
	fb := s.fallback
	s.mu.RUnlock()
	if fb != nil {
		fb.OnSocketError(err)
	}
}
