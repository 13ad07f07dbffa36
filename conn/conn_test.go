package conn

import (
	"net"
	"testing"
	"time"

	"github.com/relaymesh/p2ptransport/config"
	"github.com/relaymesh/p2ptransport/identity"
	"github.com/relaymesh/p2ptransport/keys"
	"github.com/relaymesh/p2ptransport/pcrypto"
	"github.com/relaymesh/p2ptransport/wire"
)

func mustUDPAddr(s string) *net.UDPAddr {
	a, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		panic(err)
	}
	return a
}

func selfSignedCert(t *testing.T, who identity.Identity) (keys.SignedCert, pcrypto.Ed25519Private) {
	t.Helper()
	priv, pub, err := pcrypto.GenerateEd25519()
	if err != nil {
		t.Fatal(err)
	}
	cert := keys.Cert{
		Issuer:     who,
		Subject:    who,
		SubjectKey: pub,
		NotBefore:  time.Now().Add(-time.Hour),
		NotAfter:   time.Now().Add(time.Hour),
	}
	return keys.Sign(cert, priv), priv
}

func TestFullHandshakeDirectConnect(t *testing.T) {
	clientID := identity.GenericString("client")
	serverID := identity.GenericString("server")

	clientCert, clientKey := selfSignedCert(t, clientID)
	serverCert, serverKey := selfSignedCert(t, serverID)

	policy := keys.AuthPolicy{PermitUnsigned: true}
	serverAuthority := serverCert.Cert.SubjectKey
	clientAuthority := clientCert.Cert.SubjectKey

	cfg := config.New()
	remoteAddr := identity.AddrFromUDP(mustUDPAddr("198.51.100.5:9000"))

	client := NewOutgoing(cfg, nil, clientID, clientKey, clientCert, serverID, remoteAddr)
	server := NewInbound(cfg, nil, serverID, serverKey, serverCert)
	secret := NewChallengeSecret()

	// 1. client -> server: ChallengeRequest
	reqDatagram, err := client.BuildChallengeRequest()
	if err != nil {
		t.Fatal(err)
	}
	if client.State() != StateConnecting {
		t.Fatalf("expected Connecting after BuildChallengeRequest, got %s", client.State())
	}
	id, payload, err := wire.DecodePadded(reqDatagram)
	if err != nil || id != wire.MsgChallengeRequest {
		t.Fatalf("bad challenge request datagram: id=%v err=%v", id, err)
	}
	req, err := UnmarshalChallengeRequest(payload)
	if err != nil {
		t.Fatal(err)
	}

	// 2. server -> client: ChallengeReply
	replyDatagram := server.OnChallengeRequest(secret, remoteAddr, req, time.Now())
	id, payload, err = wire.DecodePadded(replyDatagram)
	if err != nil || id != wire.MsgChallengeReply {
		t.Fatalf("bad challenge reply datagram: id=%v err=%v", id, err)
	}
	reply, err := UnmarshalChallengeReply(payload)
	if err != nil {
		t.Fatal(err)
	}

	// 3. client -> server: ConnectRequest
	connReqDatagram, err := client.OnChallengeReply(reply)
	if err != nil {
		t.Fatal(err)
	}
	id, payload, err = wire.DecodePadded(connReqDatagram)
	if err != nil || id != wire.MsgConnectRequest {
		t.Fatalf("bad connect request datagram: id=%v err=%v", id, err)
	}
	connReq, err := UnmarshalConnectRequest(payload)
	if err != nil {
		t.Fatal(err)
	}

	// 4. server validates & accepts
	if err := server.OnConnectRequest(secret, remoteAddr, connReq, time.Now(), clientAuthority, policy); err != nil {
		t.Fatal(err)
	}
	if server.State() != StateConnecting {
		t.Fatalf("expected server Connecting, got %s", server.State())
	}
	okDatagram, err := server.Accept(false)
	if err != nil {
		t.Fatal(err)
	}
	if server.State() != StateConnected {
		t.Fatalf("expected server Connected after Accept, got %s", server.State())
	}
	id, payload, err = wire.DecodePadded(okDatagram)
	if err != nil || id != wire.MsgConnectOK {
		t.Fatalf("bad connect ok datagram: id=%v err=%v", id, err)
	}
	connOK, err := UnmarshalConnectOK(payload)
	if err != nil {
		t.Fatal(err)
	}

	// 5. client finishes
	if err := client.OnConnectOK(connOK, serverAuthority, policy, false); err != nil {
		t.Fatal(err)
	}
	if client.State() != StateConnected {
		t.Fatalf("expected client Connected, got %s", client.State())
	}
	if client.RemoteConnID() != server.LocalConnID() {
		t.Fatalf("client's remote conn id %d != server's local conn id %d", client.RemoteConnID(), server.LocalConnID())
	}
	if server.RemoteConnID() != client.LocalConnID() {
		t.Fatalf("server's remote conn id %d != client's local conn id %d", server.RemoteConnID(), client.LocalConnID())
	}

	// 6. data plane: client seals, server opens, and vice versa.
	plaintext := []byte("hello over the wire")
	ciphertext, seq := client.SealOutgoing(plaintext, nil)
	opened, err := server.OpenIncoming(seq, ciphertext, nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(opened) != string(plaintext) {
		t.Fatalf("client->server payload mismatch: got %q", opened)
	}

	reply2 := []byte("hello back")
	ciphertext2, seq2 := server.SealOutgoing(reply2, nil)
	opened2, err := client.OpenIncoming(seq2, ciphertext2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(opened2) != string(reply2) {
		t.Fatalf("server->client payload mismatch: got %q", opened2)
	}
}

func TestRetryDelaySchedule(t *testing.T) {
	if RetryDelay(0) != 250*time.Millisecond {
		t.Fatalf("expected 250ms at attempt 0, got %v", RetryDelay(0))
	}
	if RetryDelay(1) != 500*time.Millisecond {
		t.Fatalf("expected 500ms at attempt 1, got %v", RetryDelay(1))
	}
	if RetryDelay(10) != 3*time.Second {
		t.Fatalf("expected cap of 3s at high attempt counts, got %v", RetryDelay(10))
	}
}

func TestCloseWithoutLingerGoesStraightToProblemDetected(t *testing.T) {
	cfg := config.New()
	id := identity.GenericString("solo")
	cert, key := selfSignedCert(t, id)
	c := NewOutgoing(cfg, nil, id, key, cert, identity.GenericString("peer"), identity.Addr{})
	if _, err := c.BuildChallengeRequest(); err != nil {
		t.Fatal(err)
	}
	datagram := c.Close(true, time.Now(), DefaultLingerTimeout, 42, "bye")
	if datagram == nil {
		t.Fatal("expected a ConnectionClosed datagram with nothing queued")
	}
	if c.State() != StateProblemDetectedLocally {
		t.Fatalf("expected ProblemDetectedLocally, got %s", c.State())
	}
	msgID, payload, err := wire.DecodePadded(datagram)
	if err != nil {
		t.Fatalf("decode padded datagram: %v", err)
	}
	if msgID != wire.MsgConnectionClosed {
		t.Fatalf("expected MsgConnectionClosed, got %v", msgID)
	}
	msg, err := UnmarshalConnectionClosed(payload)
	if err != nil {
		t.Fatalf("decode ConnectionClosed: %v", err)
	}
	if msg.ReasonCode != 42 || msg.Debug != "bye" {
		t.Fatalf("expected reason=42 debug=bye, got reason=%d debug=%q", msg.ReasonCode, msg.Debug)
	}
}

func TestCloseWithPendingDataLingersThenFinWaitThenDead(t *testing.T) {
	cfg := config.New()
	id := identity.GenericString("solo")
	cert, key := selfSignedCert(t, id)
	c := NewOutgoing(cfg, nil, id, key, cert, identity.GenericString("peer"), identity.Addr{})
	if _, err := c.BuildChallengeRequest(); err != nil {
		t.Fatal(err)
	}
	pending := 100
	c.PendingSendBytes = func() int { return pending }

	now := time.Now()
	if d := c.Close(true, now, DefaultLingerTimeout, 0, ""); d != nil {
		t.Fatal("expected no datagram while lingering")
	}
	if c.State() != StateLinger {
		t.Fatalf("expected Linger, got %s", c.State())
	}

	pending = 0
	c.AdvanceLinger(now.Add(time.Second), DefaultFinWaitTimeout)
	if c.State() != StateFinWait {
		t.Fatalf("expected FinWait once drained, got %s", c.State())
	}

	c.AdvanceFinWait(now.Add(time.Second))
	if c.State() != StateFinWait {
		t.Fatal("expected FinWait to persist before its own deadline")
	}
	c.AdvanceFinWait(now.Add(DefaultFinWaitTimeout + 2*time.Second))
	if c.State() != StateDead {
		t.Fatalf("expected Dead after FinWait deadline, got %s", c.State())
	}
}

func TestCheckTimersInitialConnectTimeout(t *testing.T) {
	cfg := config.New()
	id := identity.GenericString("solo")
	cert, key := selfSignedCert(t, id)
	c := NewOutgoing(cfg, nil, id, key, cert, identity.GenericString("peer"), identity.Addr{})
	if _, err := c.BuildChallengeRequest(); err != nil {
		t.Fatal(err)
	}
	if err := c.CheckTimers(time.Now(), DefaultInitialConnectTimeout, DefaultConnectedIdleTimeout); err != nil {
		t.Fatalf("expected no timeout immediately, got %v", err)
	}
	future := time.Now().Add(DefaultInitialConnectTimeout + time.Second)
	if err := c.CheckTimers(future, DefaultInitialConnectTimeout, DefaultConnectedIdleTimeout); err == nil {
		t.Fatal("expected initial-connect timeout to fire")
	}
}
