package stun

import (
	"encoding/binary"
	"fmt"
	"net"
)

const (
	familyIPv4 = 0x01
	familyIPv6 = 0x02
)

// EncodeXorMappedAddress builds the XOR-MAPPED-ADDRESS attribute value
// for addr, XORing the port against the top 16 bits of the magic cookie
// and the address against the cookie (plus the transaction ID, for
// IPv6), per RFC 8489 §14.2.
func EncodeXorMappedAddress(addr *net.UDPAddr, txID TransactionID) []byte {
	ip4 := addr.IP.To4()
	if ip4 != nil {
		buf := make([]byte, 8)
		buf[1] = familyIPv4
		binary.BigEndian.PutUint16(buf[2:4], uint16(addr.Port)^uint16(magicCookie>>16))
		var cookie [4]byte
		binary.BigEndian.PutUint32(cookie[:], magicCookie)
		for i := 0; i < 4; i++ {
			buf[4+i] = ip4[i] ^ cookie[i]
		}
		return buf
	}
	ip6 := addr.IP.To16()
	buf := make([]byte, 20)
	buf[1] = familyIPv6
	binary.BigEndian.PutUint16(buf[2:4], uint16(addr.Port)^uint16(magicCookie>>16))
	var xorKey [16]byte
	binary.BigEndian.PutUint32(xorKey[0:4], magicCookie)
	copy(xorKey[4:16], txID[:])
	for i := 0; i < 16; i++ {
		buf[4+i] = ip6[i] ^ xorKey[i]
	}
	return buf
}

// DecodeXorMappedAddress reverses EncodeXorMappedAddress.
func DecodeXorMappedAddress(value []byte, txID TransactionID) (*net.UDPAddr, error) {
	if len(value) < 8 {
		return nil, fmt.Errorf("stun: XOR-MAPPED-ADDRESS too short (%d bytes)", len(value))
	}
	family := value[1]
	port := binary.BigEndian.Uint16(value[2:4]) ^ uint16(magicCookie>>16)
	switch family {
	case familyIPv4:
		var cookie [4]byte
		binary.BigEndian.PutUint32(cookie[:], magicCookie)
		ip := make(net.IP, 4)
		for i := 0; i < 4; i++ {
			ip[i] = value[4+i] ^ cookie[i]
		}
		return &net.UDPAddr{IP: ip, Port: int(port)}, nil
	case familyIPv6:
		if len(value) < 20 {
			return nil, fmt.Errorf("stun: IPv6 XOR-MAPPED-ADDRESS too short (%d bytes)", len(value))
		}
		var xorKey [16]byte
		binary.BigEndian.PutUint32(xorKey[0:4], magicCookie)
		copy(xorKey[4:16], txID[:])
		ip := make(net.IP, 16)
		for i := 0; i < 16; i++ {
			ip[i] = value[4+i] ^ xorKey[i]
		}
		return &net.UDPAddr{IP: ip, Port: int(port)}, nil
	default:
		return nil, fmt.Errorf("stun: unknown address family %#x", family)
	}
}
