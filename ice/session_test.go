package ice

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/relaymesh/p2ptransport/netio"
)

type observerSpy struct {
	mu       sync.Mutex
	locals   []Candidate
	selected *Pair
	done     chan struct{}
}

func newObserverSpy() *observerSpy { return &observerSpy{done: make(chan struct{})} }

func (o *observerSpy) OnLocalCandidate(c Candidate) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.locals = append(o.locals, c)
}

func (o *observerSpy) OnPairSelected(p Pair, local *netio.BoundSocket) {
	o.mu.Lock()
	defer o.mu.Unlock()
	pp := p
	o.selected = &pp
	select {
	case <-o.done:
	default:
		close(o.done)
	}
}

func TestGatherHostCandidatesEmitsOne(t *testing.T) {
	s := NewSession(true, MaskHost|MaskServerReflexive|MaskPeerReflexive, "", Credentials{}, nil)
	obs := newObserverSpy()
	s.SetObserver(obs)
	if err := s.GatherHostCandidates([]*net.UDPAddr{{IP: net.IPv4(127, 0, 0, 1)}}); err != nil {
		t.Fatal(err)
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.locals) != 1 || obs.locals[0].Type != TypeHost {
		t.Fatalf("expected one host candidate, got %+v", obs.locals)
	}
}

func TestConnectivityCheckFullHandshake(t *testing.T) {
	credA := Credentials{LocalUfrag: "ufragA", LocalPassword: "pwdA", RemoteUfrag: "ufragB", RemotePassword: "pwdB"}
	credB := Credentials{LocalUfrag: "ufragB", LocalPassword: "pwdB", RemoteUfrag: "ufragA", RemotePassword: "pwdA"}

	a := NewSession(true, MaskHost, "", credA, nil)
	b := NewSession(false, MaskHost, "", credB, nil)

	if err := a.GatherHostCandidates([]*net.UDPAddr{{IP: net.IPv4(127, 0, 0, 1)}}); err != nil {
		t.Fatal(err)
	}
	if err := b.GatherHostCandidates([]*net.UDPAddr{{IP: net.IPv4(127, 0, 0, 1)}}); err != nil {
		t.Fatal(err)
	}

	aSock := a.sockets[a.candidates[0].Base.String()]
	bSock := b.sockets[b.candidates[0].Base.String()]

	go pumpReadLoop(t, aSock.BoundSocket)
	go pumpReadLoop(t, bSock.BoundSocket)

	remoteForA := b.candidates[0]
	remoteForA.Type = TypeHost
	a.AddRemoteCandidate(remoteForA)

	remoteForB := a.candidates[0]
	remoteForB.Type = TypeHost
	b.AddRemoteCandidate(remoteForB)

	waiting := a.WaitingPairs()
	if len(waiting) != 1 {
		t.Fatalf("expected one waiting pair, got %d", len(waiting))
	}
	pair := waiting[0]
	if _, err := a.SendConnectivityCheck(pair, true); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pair.State == PairSucceeded {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if pair.State != PairSucceeded {
		t.Fatalf("expected pair to succeed, got state %v", pair.State)
	}

	if _, ok := b.Selected(); !ok {
		deadline = time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if _, ok := b.Selected(); ok {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	if _, ok := b.Selected(); !ok {
		t.Fatal("expected responder to select the nominated pair")
	}
}

func pumpReadLoop(t *testing.T, sock *netio.BoundSocket) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sock.ReadLoop(8)
		time.Sleep(5 * time.Millisecond)
	}
}
