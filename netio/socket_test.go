package netio

import (
	"net"
	"testing"
	"time"

	"github.com/relaymesh/p2ptransport/identity"
)

type recorder struct {
	pkts []string
	errs []error
}

func (r *recorder) OnPacketReceived(src identity.Addr, data []byte) {
	r.pkts = append(r.pkts, string(data))
}
func (r *recorder) OnSocketError(err error) { r.errs = append(r.errs, err) }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestBoundSocketSendReceive(t *testing.T) {
	a, err := Bind(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := Bind(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	rec := &recorder{}
	b.SetHandler(rec)

	if err := a.SendTo(b.LocalAddr(), []byte("ping")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		b.ReadLoop(8)
		return len(rec.pkts) == 1
	})
	if rec.pkts[0] != "ping" {
		t.Fatalf("got %q", rec.pkts[0])
	}
}

func TestSharedSocketDispatchByPeer(t *testing.T) {
	a, err := Bind(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := Bind(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	shared := NewShared(b)
	peerHandler := &recorder{}
	fallback := &recorder{}
	shared.SetFallback(fallback)
	shared.RegisterPeer(identity.AddrFromUDP(a.LocalAddr()), peerHandler)

	if err := a.SendTo(b.LocalAddr(), []byte("hello")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		b.ReadLoop(8)
		return len(peerHandler.pkts) == 1
	})
	if len(fallback.pkts) != 0 {
		t.Fatalf("expected fallback untouched, got %v", fallback.pkts)
	}

	shared.UnregisterPeer(identity.AddrFromUDP(a.LocalAddr()))
	if err := a.SendTo(b.LocalAddr(), []byte("world")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		b.ReadLoop(8)
		return len(fallback.pkts) == 1
	})
	if fallback.pkts[0] != "world" {
		t.Fatalf("got %q", fallback.pkts[0])
	}
}

func TestSendGatherConcatenates(t *testing.T) {
	a, err := Bind(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := Bind(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	rec := &recorder{}
	b.SetHandler(rec)

	if err := a.SendGather(b.LocalAddr(), [][]byte{[]byte("foo"), []byte("bar")}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		b.ReadLoop(8)
		return len(rec.pkts) == 1
	})
	if rec.pkts[0] != "foobar" {
		t.Fatalf("got %q", rec.pkts[0])
	}
}
