// Package rendezvous implements the opaque P2P signaling envelope ferried
// between peers by the application's own out-of-band channel (a
// matchmaking service, a lobby, anything the application already has):
// handshake messages for connections a direct UDP exchange can't reach,
// plus a small reliably-delivered sub-channel carrying ICE candidates and
// their short-term auth.
package rendezvous

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/relaymesh/p2ptransport/conn"
	"github.com/relaymesh/p2ptransport/identity"
)

// Kind tags which handshake payload, if any, an Envelope carries.
type Kind int

const (
	KindNone Kind = iota
	KindConnectRequest
	KindConnectOK
	KindConnectionClosed
)

func (k Kind) String() string {
	switch k {
	case KindConnectRequest:
		return "connect_request"
	case KindConnectOK:
		return "connect_ok"
	case KindConnectionClosed:
		return "connection_closed"
	default:
		return "none"
	}
}

// Envelope is the opaque P2P rendezvous message. ToConnID/FromConnID and
// ToIdentity/FromIdentity route it to the right connection object at
// each end; at most one handshake payload (selected by Kind) and any
// number of ReliableMessages ride inside.
type Envelope struct {
	ToConnID, FromConnID     uint32
	ToIdentity, FromIdentity identity.Identity

	Kind             Kind
	ConnectRequest   conn.ConnectRequest
	ConnectOK        conn.ConnectOK
	ConnectionClosed conn.ConnectionClosed

	Reliable []ReliableMessage
}

// ReliableMessage is one application-level sub-message riding inside an
// Envelope: an ICE candidate string and/or short-term auth, tagged with a
// monotonically increasing 32-bit ID and an ack of the highest contiguous
// ID the sender has received from its peer.
type ReliableMessage struct {
	MessageID uint32
	AckID     uint32
	Candidate string
	Ufrag     string
	Password  string
}

func (m ReliableMessage) marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.MessageID))
	b = appendVarintField(b, 2, uint64(m.AckID))
	if m.Candidate != "" {
		b = appendStringField(b, 3, m.Candidate)
	}
	if m.Ufrag != "" {
		b = appendStringField(b, 4, m.Ufrag)
	}
	if m.Password != "" {
		b = appendStringField(b, 5, m.Password)
	}
	return b
}

func unmarshalReliableMessage(b []byte) (ReliableMessage, error) {
	var m ReliableMessage
	err := walkFields(b, func(num protowire.Number, v uint64, bs []byte) error {
		switch num {
		case 1:
			m.MessageID = uint32(v)
		case 2:
			m.AckID = uint32(v)
		case 3:
			m.Candidate = string(bs)
		case 4:
			m.Ufrag = string(bs)
		case 5:
			m.Password = string(bs)
		}
		return nil
	})
	return m, err
}

// Marshal encodes the envelope to its wire form.
func (e Envelope) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(e.ToConnID))
	b = appendVarintField(b, 2, uint64(e.FromConnID))
	b = appendStringField(b, 3, e.ToIdentity.String())
	b = appendStringField(b, 4, e.FromIdentity.String())
	b = appendVarintField(b, 5, uint64(e.Kind))
	switch e.Kind {
	case KindConnectRequest:
		b = appendBytesField(b, 6, e.ConnectRequest.Marshal())
	case KindConnectOK:
		b = appendBytesField(b, 7, e.ConnectOK.Marshal())
	case KindConnectionClosed:
		b = appendBytesField(b, 8, e.ConnectionClosed.Marshal())
	}
	for _, m := range e.Reliable {
		b = appendBytesField(b, 9, m.marshal())
	}
	return b
}

// Unmarshal decodes the wire form produced by Marshal.
func Unmarshal(b []byte) (Envelope, error) {
	var e Envelope
	var toIdentity, fromIdentity string
	var connectRequestBlob, connectOKBlob, connectionClosedBlob []byte
	err := walkFields(b, func(num protowire.Number, v uint64, bs []byte) error {
		switch num {
		case 1:
			e.ToConnID = uint32(v)
		case 2:
			e.FromConnID = uint32(v)
		case 3:
			toIdentity = string(bs)
		case 4:
			fromIdentity = string(bs)
		case 5:
			e.Kind = Kind(v)
		case 6:
			connectRequestBlob = bs
		case 7:
			connectOKBlob = bs
		case 8:
			connectionClosedBlob = bs
		case 9:
			m, err := unmarshalReliableMessage(bs)
			if err != nil {
				return fmt.Errorf("rendezvous: reliable message: %w", err)
			}
			e.Reliable = append(e.Reliable, m)
		}
		return nil
	})
	if err != nil {
		return Envelope{}, err
	}

	if toIdentity != "" {
		id, err := identity.Parse(toIdentity)
		if err != nil {
			return Envelope{}, fmt.Errorf("rendezvous: to_identity: %w", err)
		}
		e.ToIdentity = id
	}
	if fromIdentity != "" {
		id, err := identity.Parse(fromIdentity)
		if err != nil {
			return Envelope{}, fmt.Errorf("rendezvous: from_identity: %w", err)
		}
		e.FromIdentity = id
	}

	switch e.Kind {
	case KindConnectRequest:
		m, err := conn.UnmarshalConnectRequest(connectRequestBlob)
		if err != nil {
			return Envelope{}, fmt.Errorf("rendezvous: connect_request: %w", err)
		}
		e.ConnectRequest = m
	case KindConnectOK:
		m, err := conn.UnmarshalConnectOK(connectOKBlob)
		if err != nil {
			return Envelope{}, fmt.Errorf("rendezvous: connect_ok: %w", err)
		}
		e.ConnectOK = m
	case KindConnectionClosed:
		m, err := conn.UnmarshalConnectionClosed(connectionClosedBlob)
		if err != nil {
			return Envelope{}, fmt.Errorf("rendezvous: connection_closed: %w", err)
		}
		e.ConnectionClosed = m
	}
	return e, nil
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	return appendBytesField(b, num, []byte(v))
}

// walkFields consumes every top-level field in b, invoking fn with the
// field number and either its varint value or its raw bytes. Unknown
// field numbers are skipped, matching the usual forward-compatible
// protobuf decode rule. A repeated field simply invokes fn once per
// occurrence, in wire order.
func walkFields(b []byte, fn func(num protowire.Number, v uint64, bs []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("rendezvous: malformed field tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("rendezvous: malformed varint field %d: %w", num, protowire.ParseError(n))
			}
			if err := fn(num, v, nil); err != nil {
				return err
			}
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("rendezvous: malformed bytes field %d: %w", num, protowire.ParseError(n))
			}
			if err := fn(num, 0, v); err != nil {
				return err
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("rendezvous: malformed field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}
