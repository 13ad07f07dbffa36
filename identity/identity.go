// Package identity implements a stable peer identity and endpoint
// address type: a tagged-sum Identity that is independent of IP address,
// and a 16-byte (IPv6-mapped) endpoint address.
package identity

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Kind tags the variant held by an Identity.
type Kind int

const (
	KindAnonymousGameServer Kind = iota
	KindSteamID
	KindGenericString
	KindGenericBytes
	KindIPAddress
)

func (k Kind) String() string {
	switch k {
	case KindAnonymousGameServer:
		return "anon"
	case KindSteamID:
		return "steam"
	case KindGenericString:
		return "str"
	case KindGenericBytes:
		return "bytes"
	case KindIPAddress:
		return "ip"
	default:
		return "unknown"
	}
}

// Identity is a tagged sum identifying a peer independent of its current
// network address. Two identities compare equal by tag and value (see
// Equal).
type Identity struct {
	kind    Kind
	steamID uint64
	str     string
	bytes   []byte
	ip      net.IP
}

func AnonymousGameServer() Identity { return Identity{kind: KindAnonymousGameServer} }

func SteamID(id uint64) Identity { return Identity{kind: KindSteamID, steamID: id} }

func GenericString(s string) Identity { return Identity{kind: KindGenericString, str: s} }

func GenericBytes(b []byte) Identity {
	cp := make([]byte, len(b))
	copy(cp, b)
	return Identity{kind: KindGenericBytes, bytes: cp}
}

func IPAddress(ip net.IP) Identity { return Identity{kind: KindIPAddress, ip: ip} }

func (id Identity) Kind() Kind { return id.kind }

func (id Identity) SteamIDValue() (uint64, bool) {
	return id.steamID, id.kind == KindSteamID
}

// Equal reports whether two identities compare equal by tag and value.
func (id Identity) Equal(other Identity) bool {
	if id.kind != other.kind {
		return false
	}
	switch id.kind {
	case KindAnonymousGameServer:
		return true
	case KindSteamID:
		return id.steamID == other.steamID
	case KindGenericString:
		return id.str == other.str
	case KindGenericBytes:
		return string(id.bytes) == string(other.bytes)
	case KindIPAddress:
		return id.ip.Equal(other.ip)
	default:
		return false
	}
}

// String renders the identity to a printable UTF-8 form, parseable by
// Parse.
func (id Identity) String() string {
	switch id.kind {
	case KindAnonymousGameServer:
		return "anon"
	case KindSteamID:
		return fmt.Sprintf("steam:%d", id.steamID)
	case KindGenericString:
		return "str:" + id.str
	case KindGenericBytes:
		return "bytes:" + base64.RawURLEncoding.EncodeToString(id.bytes)
	case KindIPAddress:
		return "ip:" + id.ip.String()
	default:
		return "invalid"
	}
}

// Parse parses the printable form produced by String.
func Parse(s string) (Identity, error) {
	if s == "anon" {
		return AnonymousGameServer(), nil
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return Identity{}, fmt.Errorf("identity: malformed %q", s)
	}
	tag, val := parts[0], parts[1]
	switch tag {
	case "steam":
		n, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return Identity{}, fmt.Errorf("identity: bad steam id: %w", err)
		}
		return SteamID(n), nil
	case "str":
		return GenericString(val), nil
	case "bytes":
		b, err := base64.RawURLEncoding.DecodeString(val)
		if err != nil {
			return Identity{}, fmt.Errorf("identity: bad bytes encoding: %w", err)
		}
		return GenericBytes(b), nil
	case "ip":
		ip := net.ParseIP(val)
		if ip == nil {
			return Identity{}, fmt.Errorf("identity: bad ip %q", val)
		}
		return IPAddress(ip), nil
	default:
		return Identity{}, fmt.Errorf("identity: unknown tag %q", tag)
	}
}

// Addr is a 16-byte IPv6 address (IPv4 held as IPv4-mapped) plus a
// 16-bit port.
type Addr struct {
	IP   [16]byte
	Port uint16
}

// AddrFromUDP converts a *net.UDPAddr to the wire Addr form.
func AddrFromUDP(u *net.UDPAddr) Addr {
	var a Addr
	ip := u.IP.To16()
	if ip == nil {
		ip = net.IPv4(0, 0, 0, 0).To16()
	}
	copy(a.IP[:], ip)
	a.Port = uint16(u.Port)
	return a
}

// UDPAddr converts back to a *net.UDPAddr.
func (a Addr) UDPAddr() *net.UDPAddr {
	ip := make(net.IP, 16)
	copy(ip, a.IP[:])
	return &net.UDPAddr{IP: ip, Port: int(a.Port)}
}

// IsIPv4Mapped reports whether the held address is an IPv4-mapped IPv6
// address.
func (a Addr) IsIPv4Mapped() bool {
	return net.IP(a.IP[:]).To4() != nil
}

func (a Addr) String() string {
	return net.JoinHostPort(net.IP(a.IP[:]).String(), strconv.Itoa(int(a.Port)))
}

// Equal compares two endpoint addresses for byte/port equality.
func (a Addr) Equal(b Addr) bool {
	return a.IP == b.IP && a.Port == b.Port
}

// MarshalBinary encodes the address as the 18-byte wire form (16 bytes IP
// + 2 bytes big-endian port) used when an Addr is embedded in a framed
// message.
func (a Addr) MarshalBinary() []byte {
	buf := make([]byte, 18)
	copy(buf, a.IP[:])
	binary.BigEndian.PutUint16(buf[16:], a.Port)
	return buf
}

// UnmarshalAddr decodes the 18-byte wire form produced by MarshalBinary.
func UnmarshalAddr(b []byte) (Addr, error) {
	if len(b) < 18 {
		return Addr{}, fmt.Errorf("identity: short address (%d bytes)", len(b))
	}
	var a Addr
	copy(a.IP[:], b[:16])
	a.Port = binary.BigEndian.Uint16(b[16:18])
	return a, nil
}
