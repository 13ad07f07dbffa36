package transport

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/relaymesh/p2ptransport/ice"
	"github.com/relaymesh/p2ptransport/netio"
	"github.com/relaymesh/p2ptransport/rendezvous"
)

// checkRetryInterval is the base delay between connectivity-check
// retransmissions for one pair, doubled per retry and capped at
// maxCheckRetryInterval; ice.Session.OnCheckTimeout bounds how many
// retries a pair gets, not the schedule between them, so the orchestrator
// owns its own timer.
const (
	checkRetryInterval    = 500 * time.Millisecond
	maxCheckRetryInterval = 60 * time.Second
)

// iceOrchestrator drives one ice.Session's candidate pairing and
// connectivity-check schedule from the owning Connection's Tick, and
// carries locally-gathered candidates (plus this side's short-term
// credentials) onto a rendezvous.Channel for the application to ferry to
// the peer over its own signaling path.
type iceOrchestrator struct {
	session     *ice.Session
	controlling bool

	signal               *rendezvous.Channel
	localUfrag, localPwd string

	mu        sync.Mutex
	nextCheck map[*ice.Pair]time.Time
	selected  bool
}

func newICEOrchestrator(session *ice.Session, controlling bool, localUfrag, localPwd string) *iceOrchestrator {
	o := &iceOrchestrator{
		session:     session,
		controlling: controlling,
		signal:      rendezvous.NewChannel(),
		localUfrag:  localUfrag,
		localPwd:    localPwd,
		nextCheck:   map[*ice.Pair]time.Time{},
	}
	session.SetObserver(o)
	return o
}

// OnLocalCandidate implements ice.CandidateObserver: every gathered
// candidate is queued on the signaling channel alongside this side's
// credentials, ready for SignalOut to hand to the application.
func (o *iceOrchestrator) OnLocalCandidate(c ice.Candidate) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.signal.Send(c.String(), o.localUfrag, o.localPwd)
}

// OnPairSelected implements ice.CandidateObserver. It runs on the
// session's own goroutine (ice.Session.maybeSelect spawns it), so it only
// raises a flag; tick picks it up on the single service thread that owns
// the rest of the Connection's state.
func (o *iceOrchestrator) OnPairSelected(ice.Pair, *netio.BoundSocket) {
	o.mu.Lock()
	o.selected = true
	o.mu.Unlock()
}

// tick starts connectivity checks for newly-eligible pairs, retransmits
// timed-out in-progress ones on the backoff set in startCheck, and reports whether a
// pair was nominated since the last call.
func (o *iceOrchestrator) tick(now time.Time) (justSelected bool) {
	o.mu.Lock()
	if o.selected {
		o.selected = false
		o.mu.Unlock()
		return true
	}
	o.mu.Unlock()

	for _, p := range o.session.WaitingPairs() {
		o.startCheck(p, now)
	}
	for p, due := range o.dueSnapshot() {
		if now.Before(due) {
			continue
		}
		if p.State != ice.PairInProgress {
			o.forget(p)
			continue
		}
		if !o.session.OnCheckTimeout(p) {
			o.forget(p)
			continue
		}
		o.startCheck(p, now)
	}
	return false
}

func (o *iceOrchestrator) dueSnapshot() map[*ice.Pair]time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[*ice.Pair]time.Time, len(o.nextCheck))
	for p, t := range o.nextCheck {
		out[p] = t
	}
	return out
}

// startCheck sends (or resends) a Binding Request for p. Nomination is
// aggressive: the controlling side nominates the first pair it attempts,
// since AddRemoteCandidate keeps pairs sorted by descending priority.
func (o *iceOrchestrator) startCheck(p *ice.Pair, now time.Time) {
	if _, err := o.session.SendConnectivityCheck(p, o.controlling); err != nil {
		return
	}
	delay := checkRetryInterval << uint(p.Retries)
	if delay <= 0 || delay > maxCheckRetryInterval {
		delay = maxCheckRetryInterval
	}
	o.mu.Lock()
	o.nextCheck[p] = now.Add(delay)
	o.mu.Unlock()
}

func (o *iceOrchestrator) forget(p *ice.Pair) {
	o.mu.Lock()
	delete(o.nextCheck, p)
	o.mu.Unlock()
}

func randToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// EnableICE switches the connection onto an ICE-negotiated path: it binds
// a host-candidate socket at localAddr, generates this side's short-term
// credentials, and starts the connectivity-check scheduler that Tick
// drives from here on. Once a pair is nominated, Tick itself calls
// Inner.MarkRouteFound and swaps the connection onto an iceSender.
//
// Candidates and credentials still have to reach the peer over the
// application's own signaling path (a matchmaking service, a lobby, the
// rendezvous envelope carried by whatever transport connects the two
// sides before a direct route exists) — carrying them over the very UDP
// socket ICE is trying to route around would defeat the point of ICE, so
// this Listener doesn't do that itself. Use SignalOut/SignalIn to pump
// candidates through whatever channel the application already has.
func (c *Connection) EnableICE(controlling bool, localAddr *net.UDPAddr) error {
	localUfrag, err := randToken(4)
	if err != nil {
		return fmt.Errorf("transport: ice ufrag: %w", err)
	}
	localPwd, err := randToken(16)
	if err != nil {
		return fmt.Errorf("transport: ice password: %w", err)
	}
	session := ice.NewSession(controlling, ice.MaskHost, "", ice.Credentials{
		LocalUfrag:    localUfrag,
		LocalPassword: localPwd,
	}, c.log)

	c.Kind = KindICE
	c.iceSession = session
	c.iceOrch = newICEOrchestrator(session, controlling, localUfrag, localPwd)
	c.sender = nil // no path until a pair is nominated

	if err := session.GatherHostCandidates([]*net.UDPAddr{localAddr}); err != nil {
		return fmt.Errorf("transport: ice gather: %w", err)
	}
	return nil
}

// SignalOut returns every locally-gathered candidate (and this side's
// short-term credentials) still awaiting the peer's ack, including
// previously-sent ones whose retry timer has elapsed. The caller carries
// these to the peer over its own signaling channel.
func (c *Connection) SignalOut(now time.Time) []rendezvous.ReliableMessage {
	if c.iceOrch == nil {
		return nil
	}
	return c.iceOrch.signal.PendingRetransmits(now)
}

// SignalIn feeds signaling messages received from the peer (remote
// candidates and short-term credentials) into the ICE session: each
// newly-delivered message's credentials are applied and its candidate, if
// any, is paired via AddRemoteCandidate.
func (c *Connection) SignalIn(msgs []rendezvous.ReliableMessage) error {
	if c.iceOrch == nil {
		return fmt.Errorf("transport: ice not enabled on this connection")
	}
	for _, msg := range msgs {
		delivered, _ := c.iceOrch.signal.Receive(msg)
		for _, d := range delivered {
			if d.Ufrag != "" || d.Password != "" {
				c.iceSession.SetRemoteCredentials(d.Ufrag, d.Password)
			}
			if d.Candidate != "" {
				cand, err := ice.ParseCandidate(d.Candidate)
				if err != nil {
					return fmt.Errorf("transport: ice candidate: %w", err)
				}
				c.iceSession.AddRemoteCandidate(cand)
			}
		}
	}
	return nil
}
