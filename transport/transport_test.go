package transport

import (
	"net"
	"testing"
	"time"

	"github.com/relaymesh/p2ptransport/conn"
	"github.com/relaymesh/p2ptransport/config"
	"github.com/relaymesh/p2ptransport/identity"
	"github.com/relaymesh/p2ptransport/keys"
	"github.com/relaymesh/p2ptransport/pcrypto"
	"github.com/relaymesh/p2ptransport/wire"
)

func mustUDPAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	a, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		t.Fatal(err)
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

// handshakeLoopbackPair drives a full client/server handshake to
// Connected using in-memory datagrams (no socket), then wraps both sides
// as *Connection with loopbackSender so the reliable-transport half can
// be exercised end to end without a network.
func handshakeLoopbackPair(t *testing.T) (client, server *Connection) {
	t.Helper()
	clientID := identity.GenericString("client")
	serverID := identity.GenericString("server")
	clientCert, clientKey := selfSignedCert(t, clientID)
	serverCert, serverKey := selfSignedCert(t, serverID)
	policy := keys.AuthPolicy{PermitUnsigned: true}
	serverAuthority := serverCert.Cert.SubjectKey
	clientAuthority := clientCert.Cert.SubjectKey

	cfg := config.New()
	remoteAddr := identity.AddrFromUDP(mustUDPAddr(t, "198.51.100.5:9000"))
	secret := conn.NewChallengeSecret()

	clientInner := conn.NewOutgoing(cfg, nil, clientID, clientKey, clientCert, serverID, remoteAddr)
	serverInner := conn.NewInbound(cfg, nil, serverID, serverKey, serverCert)

	reqDatagram, err := clientInner.BuildChallengeRequest()
	if err != nil {
		t.Fatal(err)
	}
	_, payload, _ := wire.DecodePadded(reqDatagram)
	req, err := conn.UnmarshalChallengeRequest(payload)
	if err != nil {
		t.Fatal(err)
	}

	replyDatagram := serverInner.OnChallengeRequest(secret, remoteAddr, req, time.Now())
	_, payload, _ = wire.DecodePadded(replyDatagram)
	reply, err := conn.UnmarshalChallengeReply(payload)
	if err != nil {
		t.Fatal(err)
	}

	connReqDatagram, err := clientInner.OnChallengeReply(reply)
	if err != nil {
		t.Fatal(err)
	}
	_, payload, _ = wire.DecodePadded(connReqDatagram)
	connReq, err := conn.UnmarshalConnectRequest(payload)
	if err != nil {
		t.Fatal(err)
	}

	if err := serverInner.OnConnectRequest(secret, remoteAddr, connReq, time.Now(), clientAuthority, policy); err != nil {
		t.Fatal(err)
	}
	okDatagram, err := serverInner.Accept(false)
	if err != nil {
		t.Fatal(err)
	}
	_, payload, _ = wire.DecodePadded(okDatagram)
	connOK, err := conn.UnmarshalConnectOK(payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := clientInner.OnConnectOK(connOK, serverAuthority, policy, false); err != nil {
		t.Fatal(err)
	}

	client = newConnection(clientInner, KindLoopback, nil, DefaultConfig(), nil)
	server = newConnection(serverInner, KindLoopback, nil, DefaultConfig(), nil)
	client.sender = loopbackSender{peer: server}
	server.sender = loopbackSender{peer: client}
	return client, server
}

func TestConnectionSendMessageSmallRoundTrip(t *testing.T) {
	client, server := handshakeLoopbackPair(t)

	var got []DeliveredMessage
	server.SetDeliveryHandler(func(m DeliveredMessage) { got = append(got, m) })

	now := time.Now()
	if err := client.SendMessage(3, true, []byte("hello there"), now); err != nil {
		t.Fatal(err)
	}
	if err := client.Tick(now.Add(reliableFlushMargin())); err != nil {
		t.Fatal(err)
	}

	if len(got) != 1 {
		t.Fatalf("expected 1 delivered message, got %d", len(got))
	}
	if got[0].Channel != 3 || string(got[0].Payload) != "hello there" {
		t.Fatalf("unexpected delivery: %+v", got[0])
	}
}

func TestConnectionSendMessageFragmentedRoundTrip(t *testing.T) {
	client, server := handshakeLoopbackPair(t)

	var got []DeliveredMessage
	server.SetDeliveryHandler(func(m DeliveredMessage) { got = append(got, m) })

	payload := make([]byte, DefaultConfig().MTU*3)
	for i := range payload {
		payload[i] = byte(i)
	}

	now := time.Now()
	if err := client.SendMessage(1, true, payload, now); err != nil {
		t.Fatal(err)
	}
	if err := client.Tick(now.Add(reliableFlushMargin())); err != nil {
		t.Fatal(err)
	}

	if len(got) != 1 {
		t.Fatalf("expected 1 reassembled message, got %d", len(got))
	}
	if len(got[0].Payload) != len(payload) {
		t.Fatalf("reassembled length mismatch: got %d want %d", len(got[0].Payload), len(payload))
	}
	for i := range payload {
		if got[0].Payload[i] != payload[i] {
			t.Fatalf("reassembled payload mismatch at byte %d", i)
		}
	}
}

func TestConnectionAckPiggybackDrivesOnAckHandler(t *testing.T) {
	client, server := handshakeLoopbackPair(t)
	server.SetDeliveryHandler(func(DeliveredMessage) {})

	var acked []uint16
	client.SetAckHandler(func(wireSeqs []uint16) { acked = append(acked, wireSeqs...) })

	now := time.Now()
	if err := client.SendMessage(0, true, []byte("ping"), now); err != nil {
		t.Fatal(err)
	}
	if err := client.Tick(now.Add(reliableFlushMargin())); err != nil {
		t.Fatal(err)
	}

	// The server's next outgoing data frame piggybacks an ack of the
	// client's send; drive one so the client sees it.
	if err := server.SendMessage(0, false, []byte("pong"), now); err != nil {
		t.Fatal(err)
	}
	if err := server.Tick(now.Add(reliableFlushMargin())); err != nil {
		t.Fatal(err)
	}

	if len(acked) == 0 {
		t.Fatalf("expected client to observe at least one acked wire sequence")
	}
}

func reliableFlushMargin() time.Duration { return 10 * time.Millisecond }
