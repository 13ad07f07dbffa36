package ice

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/relaymesh/p2ptransport/identity"
	"github.com/relaymesh/p2ptransport/log"
	"github.com/relaymesh/p2ptransport/netio"
	"github.com/relaymesh/p2ptransport/stun"
)

// retryBackoff returns the delay before retry N (0-indexed): 500ms*2^N,
// capped at 60s.
func retryBackoff(n int) time.Duration {
	d := 500 * time.Millisecond << uint(n)
	if d > 60*time.Second || d <= 0 {
		return 60 * time.Second
	}
	return d
}

// MaxCheckAttempts is the maximum number of Binding Request attempts for
// a single connectivity check before the pair is marked Failed.
const MaxCheckAttempts = 7

// Credentials holds the ICE short-term username fragment and password
// used to build and verify MESSAGE-INTEGRITY on both ends.
type Credentials struct {
	LocalUfrag, LocalPassword   string
	RemoteUfrag, RemotePassword string
}

// CandidateObserver is notified as new local candidates are gathered and
// as the selected pair changes.
type CandidateObserver interface {
	OnLocalCandidate(c Candidate)
	OnPairSelected(p Pair, local *netio.BoundSocket)
}

// DataHandler receives non-STUN datagrams arriving on a socket the
// session shares with the connection data path.
type DataHandler interface {
	OnDataPacket(src identity.Addr, data []byte)
}

// Session runs ICE candidate gathering, pairing, connectivity checks, and
// nomination for one connection attempt.
type Session struct {
	log  *log.Logger
	mu   sync.Mutex
	cred Credentials

	controlling bool
	tieBreaker  uint64
	mask        CandidateTypeMask
	stunServers []string

	sockets    map[string]*netio.SharedSocket // keyed by local addr string
	candidates []Candidate
	pairs      []*Pair

	observer CandidateObserver
	data     DataHandler

	selected     *Pair
	selectedSock *netio.SharedSocket
}

// NewSession constructs an ICE session. stunServerList is the comma-
// separated P2P_STUN_ServerList config value.
func NewSession(controlling bool, mask CandidateTypeMask, stunServerList string, cred Credentials, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.NewDiscard()
	}
	var servers []string
	for _, s := range strings.Split(stunServerList, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			servers = append(servers, s)
		}
	}
	return &Session{
		log:         logger.Named("ice"),
		cred:        cred,
		controlling: controlling,
		tieBreaker:  pseudoRandomTieBreaker(),
		mask:        mask,
		stunServers: servers,
		sockets:     map[string]*netio.SharedSocket{},
	}
}

func pseudoRandomTieBreaker() uint64 {
	// Collision only risks a brief controlling/controlled role swap
	// renegotiation; does not need CSPRNG strength.
	return uint64(time.Now().UnixNano())
}

func (s *Session) SetObserver(o CandidateObserver) { s.mu.Lock(); s.observer = o; s.mu.Unlock() }
func (s *Session) SetDataHandler(h DataHandler)     { s.mu.Lock(); s.data = h; s.mu.Unlock() }

// SetRemoteCredentials records the peer's short-term ICE username
// fragment and password. The local side's own credentials are fixed at
// NewSession, but the peer's normally arrives later over whatever
// signaling channel the application uses to carry candidates, so it has
// its own setter rather than being a constructor argument.
func (s *Session) SetRemoteCredentials(ufrag, password string) {
	s.mu.Lock()
	s.cred.RemoteUfrag = ufrag
	s.cred.RemotePassword = password
	s.mu.Unlock()
}

// GatherHostCandidates opens a SharedSocket on each given local address
// and emits a Host candidate for it.
func (s *Session) GatherHostCandidates(localAddrs []*net.UDPAddr) error {
	if !s.mask.Allows(TypeHost) {
		return nil
	}
	for i, laddr := range localAddrs {
		bound, err := netio.Bind(laddr, s.log)
		if err != nil {
			return fmt.Errorf("ice: bind host candidate %s: %w", laddr, err)
		}
		shared := netio.NewShared(bound)
		shared.SetFallback(&demux{session: s, socket: shared})

		s.mu.Lock()
		s.sockets[bound.LocalAddr().String()] = shared
		cand := Candidate{
			Type:      TypeHost,
			Base:      bound.LocalAddr(),
			Mapped:    bound.LocalAddr(),
			Component: 1,
			LocalPref: uint16(65535 - i),
		}
		cand.Foundation = candidateFoundation(cand)
		s.candidates = append(s.candidates, cand)
		obs := s.observer
		s.mu.Unlock()

		if obs != nil {
			obs.OnLocalCandidate(cand)
		}
	}
	return nil
}

func candidateFoundation(c Candidate) string {
	base := "none"
	if c.Base != nil {
		base = c.Base.IP.String()
	}
	return fmt.Sprintf("%s-%s-%s", c.Type, base, c.STUNServer)
}

// GatherServerReflexive sends a STUN Binding Request from each Host
// candidate's socket to each configured STUN server in order, recording
// the first successful mapping as an SRFLX candidate.
func (s *Session) GatherServerReflexive(sendAndWait func(sock *netio.SharedSocket, server *net.UDPAddr, req []byte, timeout time.Duration) ([]byte, error)) {
	if !s.mask.Allows(TypeServerReflexive) {
		return
	}
	s.mu.Lock()
	hosts := append([]Candidate(nil), s.candidates...)
	servers := append([]string(nil), s.stunServers...)
	s.mu.Unlock()

	for _, host := range hosts {
		if host.Type != TypeHost {
			continue
		}
		sock := s.socketFor(host.Base)
		if sock == nil {
			continue
		}
		for _, serverName := range servers {
			serverAddr, err := net.ResolveUDPAddr("udp", serverName)
			if err != nil {
				s.log.Warn("stun server address did not resolve", "server", serverName, "err", err)
				continue
			}
			txID, err := stun.NewTransactionID()
			if err != nil {
				continue
			}
			req := stun.BuildBindingRequest(txID, "", nil, 0, false, s.controlling, s.tieBreaker)
			resp, err := sendAndWait(sock, serverAddr, req, 2*time.Second)
			if err != nil {
				continue
			}
			mapped, _, err := stun.ParseBindingSuccessResponse(resp)
			if err != nil {
				continue
			}
			cand := Candidate{
				Type:       TypeServerReflexive,
				Base:       host.Base,
				Mapped:     mapped,
				STUNServer: serverName,
				Component:  1,
				LocalPref:  host.LocalPref,
			}
			cand.Foundation = candidateFoundation(cand)
			s.mu.Lock()
			s.candidates = append(s.candidates, cand)
			obs := s.observer
			s.mu.Unlock()
			if obs != nil {
				obs.OnLocalCandidate(cand)
			}
			break
		}
	}
}

func (s *Session) socketFor(addr *net.UDPAddr) *netio.SharedSocket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sockets[addr.String()]
}

// AddRemoteCandidate pairs a remote candidate with every matching-family
// local candidate, inserting newly-built pairs in priority order.
func (s *Session) AddRemoteCandidate(remote Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, local := range s.candidates {
		if isIPv4(local.Mapped.IP) != isIPv4(remote.Mapped.IP) {
			continue
		}
		if s.pairExists(local, remote) {
			continue
		}
		p := &Pair{Local: local, Remote: remote, State: PairFrozen}
		s.pairs = append(s.pairs, p)
	}
	sort.Slice(s.pairs, func(i, j int) bool {
		return s.pairs[i].Priority(s.controlling) > s.pairs[j].Priority(s.controlling)
	})
	s.unfreezeOnePerFoundation()
}

func (s *Session) pairExists(local, remote Candidate) bool {
	for _, p := range s.pairs {
		if p.Local.Mapped.String() == local.Mapped.String() && p.Remote.Mapped.String() == remote.Mapped.String() {
			return true
		}
	}
	return false
}

func isIPv4(ip net.IP) bool { return ip.To4() != nil }

// unfreezeOnePerFoundation promotes one Frozen pair per distinct
// foundation to Waiting, provided that foundation has no InProgress
// check outstanding.
func (s *Session) unfreezeOnePerFoundation() {
	inProgress := map[string]bool{}
	for _, p := range s.pairs {
		if p.State == PairInProgress {
			inProgress[p.Local.Foundation] = true
		}
	}
	done := map[string]bool{}
	for _, p := range s.pairs {
		if p.State == PairFrozen && !inProgress[p.Local.Foundation] && !done[p.Local.Foundation] {
			p.State = PairWaiting
			done[p.Local.Foundation] = true
		}
	}
}

// WaitingPairs returns the pairs currently eligible to be checked.
func (s *Session) WaitingPairs() []*Pair {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Pair
	for _, p := range s.pairs {
		if p.State == PairWaiting {
			out = append(out, p)
		}
	}
	return out
}

// SendConnectivityCheck sends (or resends) a Binding Request for pair
// over its local socket to the remote candidate, returning the datagram
// written so the caller's scheduler can retransmit it with
// retryBackoff(pair.Retries) if no response arrives.
func (s *Session) SendConnectivityCheck(p *Pair, nominate bool) ([]byte, error) {
	s.mu.Lock()
	sock := s.sockets[p.Local.Base.String()]
	username := s.cred.RemoteUfrag + ":" + s.cred.LocalUfrag
	pw := []byte(s.cred.RemotePassword)
	s.mu.Unlock()
	if sock == nil {
		return nil, fmt.Errorf("ice: no socket for local candidate base %s", p.Local.Base)
	}
	txID, err := stun.NewTransactionID()
	if err != nil {
		return nil, err
	}
	p.TxID = txID
	p.HasTxID = true
	p.State = PairInProgress
	if nominate && s.controlling {
		p.Nominated = true
	}
	req := stun.BuildBindingRequest(txID, username, pw, p.Local.Priority(), nominate && s.controlling, s.controlling, s.tieBreaker)
	if err := sock.SendTo(p.Remote.Mapped, req); err != nil {
		return nil, err
	}
	return req, nil
}

// OnCheckTimeout advances a pair's retry count after no response, either
// scheduling another attempt (returns true) or marking it Failed (returns
// false, when MaxCheckAttempts is exhausted).
func (s *Session) OnCheckTimeout(p *Pair) bool {
	p.Retries++
	if p.Retries >= MaxCheckAttempts {
		p.State = PairFailed
		return false
	}
	return true
}

// OnCheckSuccess marks a pair Succeeded and, if it is already nominated
// (or we are controlling and choosing to nominate it now), promotes it to
// selected.
func (s *Session) OnCheckSuccess(p *Pair, nominate bool) {
	s.mu.Lock()
	p.State = PairSucceeded
	if nominate {
		p.Nominated = true
	}
	s.maybeSelect(p)
	s.mu.Unlock()
}

// maybeSelect promotes p to the selected pair if it is both Succeeded and
// Nominated and no pair has been selected yet. Must be called with s.mu
// held.
func (s *Session) maybeSelect(p *Pair) {
	if s.selected != nil {
		return
	}
	if p.State != PairSucceeded || !p.Nominated {
		return
	}
	s.selected = p
	s.selectedSock = s.sockets[p.Local.Base.String()]
	obs := s.observer
	sel := *p
	sock := s.selectedSock
	if obs != nil {
		go func() { obs.OnPairSelected(sel, sock.BoundSocket) }()
	}
}

// Selected returns the currently selected pair, if any.
func (s *Session) Selected() (Pair, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected == nil {
		return Pair{}, false
	}
	return *s.selected, true
}

// SendData sends an already-framed datagram on the selected pair's
// socket.
func (s *Session) SendData(data []byte) error {
	s.mu.Lock()
	sel, sock := s.selected, s.selectedSock
	s.mu.Unlock()
	if sel == nil || sock == nil {
		return fmt.Errorf("ice: no selected pair")
	}
	return sock.SendTo(sel.Remote.Mapped, data)
}

// demux implements netio.PacketHandler for a shared ICE socket: datagrams
// whose leading byte has the top bit clear (0x00-0x7F, the range a STUN
// header starts in) are routed to ICE; everything else goes to
// the connection data path, per the single-demultiplexer invariant (a
// datagram is never split between the two consumers).
type demux struct {
	session *Session
	socket  *netio.SharedSocket
}

func (d *demux) OnPacketReceived(src identity.Addr, data []byte) {
	if len(data) > 0 && data[0] <= 0x7F {
		d.session.handleIncomingSTUN(src, data, d.socket)
		return
	}
	d.session.mu.Lock()
	h := d.session.data
	d.session.mu.Unlock()
	if h != nil {
		h.OnDataPacket(src, data)
	}
}

func (d *demux) OnSocketError(err error) {
	d.session.log.Warn("ice socket error", "err", err)
}

// handleIncomingSTUN processes a Binding Request or Response arriving on
// an ICE socket.
func (s *Session) handleIncomingSTUN(src identity.Addr, data []byte, sock *netio.SharedSocket) {
	m, err := stun.Decode(data)
	if err != nil {
		return
	}
	if m.Class == stun.ClassRequest && m.Method == stun.MethodBinding {
		s.handleBindingRequest(src, m, sock)
		return
	}
	if m.Class == stun.ClassSuccess && m.Method == stun.MethodBinding {
		s.handleBindingSuccess(src, m)
	}
}

func (s *Session) handleBindingRequest(src identity.Addr, m *stun.Message, sock *netio.SharedSocket) {
	s.mu.Lock()
	expectedUser := s.cred.LocalUfrag + ":" + s.cred.RemoteUfrag
	localPassword := []byte(s.cred.LocalPassword)
	s.mu.Unlock()

	u, ok := m.Get(stun.AttrUsername)
	if !ok || string(u.Value) != expectedUser {
		return
	}
	if !m.VerifyIntegrity(localPassword) {
		return
	}

	remoteAddr := src.UDPAddr()
	s.mu.Lock()
	pair := s.findPairByRemoteAddr(remoteAddr)
	if pair == nil {
		remote := Candidate{Type: TypePeerReflexive, Mapped: remoteAddr, Component: 1}
		remote.Foundation = candidateFoundation(remote)
		var local Candidate
		for _, c := range s.candidates {
			if s.sockets[c.Base.String()] == sock {
				local = c
				break
			}
		}
		pair = &Pair{Local: local, Remote: remote, State: PairWaiting}
		s.pairs = append(s.pairs, pair)
	}
	_, useCandidate := m.Get(stun.AttrUseCandidate)
	needsTriggeredCheck := false
	if useCandidate && pair.State == PairSucceeded {
		pair.Nominated = true
		s.maybeSelect(pair)
	} else if useCandidate {
		pair.Nominated = true
		needsTriggeredCheck = pair.State != PairInProgress
	}
	s.mu.Unlock()

	resp := stun.BuildBindingSuccessResponse(m.TxID, remoteAddr, localPassword)
	_ = sock.SendTo(remoteAddr, resp)

	// Triggered check: a nominated pair that has not yet succeeded on our
	// side needs its own connectivity check sent, so receiving USE-CANDIDATE
	// still leads to selection here once handleBindingSuccess sees the
	// check's success response.
	if needsTriggeredCheck {
		_, _ = s.SendConnectivityCheck(pair, false)
	}
}

func (s *Session) findPairByRemoteAddr(addr *net.UDPAddr) *Pair {
	for _, p := range s.pairs {
		if p.Remote.Mapped.String() == addr.String() {
			return p
		}
	}
	return nil
}

func (s *Session) handleBindingSuccess(src identity.Addr, m *stun.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pairs {
		if p.HasTxID && p.TxID == m.TxID {
			p.State = PairSucceeded
			s.maybeSelect(p)
			return
		}
	}
}
