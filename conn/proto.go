// Handshake message wire encoding: each message is a flat set of
// protobuf-wire-format fields (field numbers are part of the wire
// contract), built directly with protowire rather than generated
// bindings since every field here is a scalar or an opaque signed blob.
package conn

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/relaymesh/p2ptransport/keys"
)

// ChallengeRequest{u32 connection_id, u64 my_timestamp, u32 protocol_version}
type ChallengeRequest struct {
	ConnectionID    uint32
	MyTimestamp     uint64
	ProtocolVersion uint32
}

func (m ChallengeRequest) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.ConnectionID))
	b = appendVarintField(b, 2, m.MyTimestamp)
	b = appendVarintField(b, 3, uint64(m.ProtocolVersion))
	return b
}

func UnmarshalChallengeRequest(b []byte) (ChallengeRequest, error) {
	var m ChallengeRequest
	err := walkFields(b, func(num protowire.Number, v uint64, bs []byte) error {
		switch num {
		case 1:
			m.ConnectionID = uint32(v)
		case 2:
			m.MyTimestamp = v
		case 3:
			m.ProtocolVersion = uint32(v)
		}
		return nil
	})
	return m, err
}

// ChallengeReply{u32 connection_id, u64 challenge, u64 your_timestamp, u32 protocol_version}
type ChallengeReply struct {
	ConnectionID    uint32
	Challenge       uint64
	YourTimestamp   uint64
	ProtocolVersion uint32
}

func (m ChallengeReply) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.ConnectionID))
	b = appendVarintField(b, 2, m.Challenge)
	b = appendVarintField(b, 3, m.YourTimestamp)
	b = appendVarintField(b, 4, uint64(m.ProtocolVersion))
	return b
}

func UnmarshalChallengeReply(b []byte) (ChallengeReply, error) {
	var m ChallengeReply
	err := walkFields(b, func(num protowire.Number, v uint64, bs []byte) error {
		switch num {
		case 1:
			m.ConnectionID = uint32(v)
		case 2:
			m.Challenge = v
		case 3:
			m.YourTimestamp = v
		case 4:
			m.ProtocolVersion = uint32(v)
		}
		return nil
	})
	return m, err
}

// ConnectRequest carries the client's connection ID, echoed challenge,
// identity, and signed cert + crypt info.
type ConnectRequest struct {
	ClientConnectionID uint32
	Challenge           uint64
	ClientSteamID       uint64
	MyTimestamp         uint64
	PingEstMs           uint32
	Cert                keys.SignedCert
	Crypt               keys.SignedCryptInfo
	ProtocolVersion     uint32
}

func (m ConnectRequest) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.ClientConnectionID))
	b = appendVarintField(b, 2, m.Challenge)
	b = appendVarintField(b, 3, m.ClientSteamID)
	b = appendVarintField(b, 4, m.MyTimestamp)
	b = appendVarintField(b, 5, uint64(m.PingEstMs))
	b = appendBytesField(b, 6, m.Cert.MarshalBinary())
	b = appendBytesField(b, 7, m.Crypt.MarshalBinary())
	b = appendVarintField(b, 8, uint64(m.ProtocolVersion))
	return b
}

func UnmarshalConnectRequest(b []byte) (ConnectRequest, error) {
	var m ConnectRequest
	var certBlob, cryptBlob []byte
	err := walkFields(b, func(num protowire.Number, v uint64, bs []byte) error {
		switch num {
		case 1:
			m.ClientConnectionID = uint32(v)
		case 2:
			m.Challenge = v
		case 3:
			m.ClientSteamID = v
		case 4:
			m.MyTimestamp = v
		case 5:
			m.PingEstMs = uint32(v)
		case 6:
			certBlob = bs
		case 7:
			cryptBlob = bs
		case 8:
			m.ProtocolVersion = uint32(v)
		}
		return nil
	})
	if err != nil {
		return ConnectRequest{}, err
	}
	cert, err := keys.UnmarshalSignedCert(certBlob)
	if err != nil {
		return ConnectRequest{}, fmt.Errorf("conn: ConnectRequest cert: %w", err)
	}
	crypt, err := keys.UnmarshalSignedCryptInfo(cryptBlob)
	if err != nil {
		return ConnectRequest{}, fmt.Errorf("conn: ConnectRequest crypt: %w", err)
	}
	m.Cert = cert
	m.Crypt = crypt
	return m, nil
}

// ConnectOK carries the server's assigned connection ID and its own
// signed cert + crypt info.
type ConnectOK struct {
	ClientConnectionID uint32
	ServerConnectionID uint32
	ServerSteamID       uint64
	Cert                keys.SignedCert
	Crypt               keys.SignedCryptInfo
	YourTimestamp       uint64
	DelayTimeUsec       uint64
	ProtocolVersion     uint32
}

func (m ConnectOK) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.ClientConnectionID))
	b = appendVarintField(b, 2, uint64(m.ServerConnectionID))
	b = appendVarintField(b, 3, m.ServerSteamID)
	b = appendBytesField(b, 4, m.Cert.MarshalBinary())
	b = appendBytesField(b, 5, m.Crypt.MarshalBinary())
	b = appendVarintField(b, 6, m.YourTimestamp)
	b = appendVarintField(b, 7, m.DelayTimeUsec)
	b = appendVarintField(b, 8, uint64(m.ProtocolVersion))
	return b
}

func UnmarshalConnectOK(b []byte) (ConnectOK, error) {
	var m ConnectOK
	var certBlob, cryptBlob []byte
	err := walkFields(b, func(num protowire.Number, v uint64, bs []byte) error {
		switch num {
		case 1:
			m.ClientConnectionID = uint32(v)
		case 2:
			m.ServerConnectionID = uint32(v)
		case 3:
			m.ServerSteamID = v
		case 4:
			certBlob = bs
		case 5:
			cryptBlob = bs
		case 6:
			m.YourTimestamp = v
		case 7:
			m.DelayTimeUsec = v
		case 8:
			m.ProtocolVersion = uint32(v)
		}
		return nil
	})
	if err != nil {
		return ConnectOK{}, err
	}
	cert, err := keys.UnmarshalSignedCert(certBlob)
	if err != nil {
		return ConnectOK{}, fmt.Errorf("conn: ConnectOK cert: %w", err)
	}
	crypt, err := keys.UnmarshalSignedCryptInfo(cryptBlob)
	if err != nil {
		return ConnectOK{}, fmt.Errorf("conn: ConnectOK crypt: %w", err)
	}
	m.Cert = cert
	m.Crypt = crypt
	return m, nil
}

// ConnectionClosed{u32 to_connection_id, u32 from_connection_id, u32 reason_code, string debug}
type ConnectionClosed struct {
	ToConnID   uint32
	FromConnID uint32
	ReasonCode uint32
	Debug      string
}

func (m ConnectionClosed) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.ToConnID))
	b = appendVarintField(b, 2, uint64(m.FromConnID))
	b = appendVarintField(b, 3, uint64(m.ReasonCode))
	b = appendStringField(b, 4, m.Debug)
	return b
}

func UnmarshalConnectionClosed(b []byte) (ConnectionClosed, error) {
	var m ConnectionClosed
	err := walkFields(b, func(num protowire.Number, v uint64, bs []byte) error {
		switch num {
		case 1:
			m.ToConnID = uint32(v)
		case 2:
			m.FromConnID = uint32(v)
		case 3:
			m.ReasonCode = uint32(v)
		case 4:
			m.Debug = string(bs)
		}
		return nil
	})
	return m, err
}

// NoConnection{u32 to_connection_id, u32 from_connection_id}
type NoConnection struct {
	ToConnID   uint32
	FromConnID uint32
}

func (m NoConnection) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.ToConnID))
	b = appendVarintField(b, 2, uint64(m.FromConnID))
	return b
}

func UnmarshalNoConnection(b []byte) (NoConnection, error) {
	var m NoConnection
	err := walkFields(b, func(num protowire.Number, v uint64, bs []byte) error {
		switch num {
		case 1:
			m.ToConnID = uint32(v)
		case 2:
			m.FromConnID = uint32(v)
		}
		return nil
	})
	return m, err
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
// field number and either its varint value or its raw bytes (for
// bytes/string-typed fields); the other argument is zero for the type
// not present. Unknown field numbers are skipped, matching the usual
// forward-compatible protobuf decode rule.
func walkFields(b []byte, fn func(num protowire.Number, v uint64, bs []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("conn: malformed field tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("conn: malformed varint field %d: %w", num, protowire.ParseError(n))
			}
			if err := fn(num, v, nil); err != nil {
				return err
			}
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("conn: malformed bytes field %d: %w", num, protowire.ParseError(n))
			}
			if err := fn(num, 0, v); err != nil {
				return err
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("conn: malformed field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}
