package rendezvous

import (
	"testing"
	"time"

	"github.com/relaymesh/p2ptransport/conn"
	"github.com/relaymesh/p2ptransport/identity"
	"github.com/relaymesh/p2ptransport/keys"
	"github.com/relaymesh/p2ptransport/pcrypto"
)

func testSignedCert(t *testing.T, who identity.Identity) keys.SignedCert {
	t.Helper()
	priv, pub, err := pcrypto.GenerateEd25519()
	if err != nil {
		t.Fatal(err)
	}
	cert := keys.Cert{
		Issuer:       who,
		Subject:      who,
		SubjectKey:   pub,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		Capabilities: 0,
	}
	return keys.SignedCert{Cert: cert, Signature: priv.Sign(cert.Body())}
}

func testSignedCryptInfo(t *testing.T) keys.SignedCryptInfo {
	t.Helper()
	priv, _, err := pcrypto.GenerateEd25519()
	if err != nil {
		t.Fatal(err)
	}
	_, xpub, err := pcrypto.GenerateX25519()
	if err != nil {
		t.Fatal(err)
	}
	info := keys.CryptInfo{EphemeralPublic: xpub, NonceSeed: [4]byte{1, 2, 3, 4}, Cipher: keys.CipherAES256GCM}
	return keys.SignedCryptInfo{Info: info, Signature: priv.Sign(info.Body())}
}

func TestEnvelopeRoundTripConnectRequest(t *testing.T) {
	client := identity.GenericString("client")
	server := identity.GenericString("server")
	cert := testSignedCert(t, client)
	crypt := testSignedCryptInfo(t)

	e := Envelope{
		ToConnID:     7,
		FromConnID:   3,
		ToIdentity:   server,
		FromIdentity: client,
		Kind:         KindConnectRequest,
		ConnectRequest: conn.ConnectRequest{
			ClientConnectionID: 3,
			Challenge:          0xdeadbeef,
			MyTimestamp:        1234,
			Cert:               cert,
			Crypt:              crypt,
			ProtocolVersion:    1,
		},
		Reliable: []ReliableMessage{
			{MessageID: 1, AckID: 0, Candidate: "host 10.0.0.1:5000", Ufrag: "uf", Password: "pw"},
			{MessageID: 2, AckID: 0, Candidate: "srflx 203.0.113.5:6000"},
		},
	}

	encoded := e.Marshal()
	got, err := Unmarshal(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if got.ToConnID != e.ToConnID || got.FromConnID != e.FromConnID {
		t.Fatalf("conn id mismatch: got %+v", got)
	}
	if !got.ToIdentity.Equal(server) || !got.FromIdentity.Equal(client) {
		t.Fatalf("identity mismatch: got %+v", got)
	}
	if got.Kind != KindConnectRequest {
		t.Fatalf("expected KindConnectRequest, got %v", got.Kind)
	}
	if got.ConnectRequest.ClientConnectionID != 3 || got.ConnectRequest.Challenge != 0xdeadbeef {
		t.Fatalf("connect request mismatch: got %+v", got.ConnectRequest)
	}
	if len(got.Reliable) != 2 {
		t.Fatalf("expected 2 reliable messages, got %d", len(got.Reliable))
	}
	if got.Reliable[0].Candidate != "host 10.0.0.1:5000" || got.Reliable[0].Ufrag != "uf" || got.Reliable[0].Password != "pw" {
		t.Fatalf("reliable message 0 mismatch: %+v", got.Reliable[0])
	}
	if got.Reliable[1].Candidate != "srflx 203.0.113.5:6000" {
		t.Fatalf("reliable message 1 mismatch: %+v", got.Reliable[1])
	}
}

func TestEnvelopeRoundTripConnectionClosed(t *testing.T) {
	e := Envelope{
		ToConnID:     1,
		FromConnID:   2,
		ToIdentity:   identity.AnonymousGameServer(),
		FromIdentity: identity.SteamID(9001),
		Kind:         KindConnectionClosed,
		ConnectionClosed: conn.ConnectionClosed{
			ToConnID:   1,
			FromConnID: 2,
			ReasonCode: 42,
			Debug:      "bye",
		},
	}
	got, err := Unmarshal(e.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != KindConnectionClosed || got.ConnectionClosed.ReasonCode != 42 || got.ConnectionClosed.Debug != "bye" {
		t.Fatalf("unexpected decode: %+v", got)
	}
	if !got.FromIdentity.Equal(identity.SteamID(9001)) {
		t.Fatalf("identity mismatch: %+v", got.FromIdentity)
	}
}

func TestEnvelopeRoundTripKindNone(t *testing.T) {
	e := Envelope{
		ToConnID:   5,
		FromConnID: 6,
		Reliable: []ReliableMessage{
			{MessageID: 1, AckID: 0, Ufrag: "u", Password: "p"},
		},
	}
	got, err := Unmarshal(e.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != KindNone {
		t.Fatalf("expected KindNone, got %v", got.Kind)
	}
	if len(got.Reliable) != 1 || got.Reliable[0].Ufrag != "u" {
		t.Fatalf("unexpected reliable decode: %+v", got.Reliable)
	}
}
