package stun

import (
	"fmt"
	"net"
)

// BuildBindingRequest constructs a Binding request with an optional
// short-term credential (USERNAME + MESSAGE-INTEGRITY) and a trailing
// FINGERPRINT, as sent during server-reflexive candidate gathering and
// ICE connectivity checks.
func BuildBindingRequest(txID TransactionID, username string, integrityKey []byte, priority uint32, useCandidate, controlling bool, tieBreaker uint64) []byte {
	m := &Message{Class: ClassRequest, Method: MethodBinding, TxID: txID}
	if username != "" {
		m.Attrs = append(m.Attrs, Attribute{Type: AttrUsername, Value: []byte(username)})
	}
	if priority != 0 {
		var pb [4]byte
		putU32(pb[:], priority)
		m.Attrs = append(m.Attrs, Attribute{Type: AttrPriority, Value: pb[:]})
	}
	if useCandidate {
		m.Attrs = append(m.Attrs, Attribute{Type: AttrUseCandidate, Value: nil})
	}
	var tb [8]byte
	putU64(tb[:], tieBreaker)
	if controlling {
		m.Attrs = append(m.Attrs, Attribute{Type: AttrIceControlling, Value: tb[:]})
	} else {
		m.Attrs = append(m.Attrs, Attribute{Type: AttrIceControlled, Value: tb[:]})
	}
	return Encode(m, integrityKey, true)
}

// BuildBindingSuccessResponse constructs a Binding success response
// carrying the XOR-MAPPED-ADDRESS of the requester, as sent by the
// remote peer in reply to a connectivity check.
func BuildBindingSuccessResponse(txID TransactionID, mappedAddr *net.UDPAddr, integrityKey []byte) []byte {
	m := &Message{Class: ClassSuccess, Method: MethodBinding, TxID: txID}
	m.Attrs = append(m.Attrs, Attribute{Type: AttrXorMappedAddress, Value: EncodeXorMappedAddress(mappedAddr, txID)})
	return Encode(m, integrityKey, true)
}

// ParseBindingSuccessResponse decodes a Binding success response and
// extracts the XOR-MAPPED-ADDRESS, the reflexive address a STUN server
// (or ICE peer) observed the request arriving from.
func ParseBindingSuccessResponse(data []byte) (*net.UDPAddr, *Message, error) {
	m, err := Decode(data)
	if err != nil {
		return nil, nil, err
	}
	if m.Method != MethodBinding || m.Class != ClassSuccess {
		return nil, m, fmt.Errorf("stun: not a Binding success response")
	}
	xm, ok := m.Get(AttrXorMappedAddress)
	if !ok {
		return nil, m, fmt.Errorf("stun: success response missing XOR-MAPPED-ADDRESS")
	}
	addr, err := DecodeXorMappedAddress(xm.Value, m.TxID)
	if err != nil {
		return nil, m, err
	}
	return addr, m, nil
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
}
