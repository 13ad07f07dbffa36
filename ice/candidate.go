// Package ice implements candidate gathering, pairing, connectivity
// checks, and nomination for NAT traversal, plus the data-injection demux
// that routes inbound datagrams on a selected socket between STUN and the
// connection data path.
package ice

import (
	"fmt"
	"net"
)

// CandidateType identifies how a candidate address was discovered.
type CandidateType int

const (
	TypeHost CandidateType = iota
	TypeServerReflexive
	TypePeerReflexive
)

func (t CandidateType) String() string {
	switch t {
	case TypeHost:
		return "host"
	case TypeServerReflexive:
		return "srflx"
	case TypePeerReflexive:
		return "prflx"
	default:
		return "unknown"
	}
}

// typePreference implements the type-preference term of the priority
// formula: Host=126, PRFLX=110, SRFLX=100.
func (t CandidateType) typePreference() uint32 {
	switch t {
	case TypeHost:
		return 126
	case TypePeerReflexive:
		return 110
	case TypeServerReflexive:
		return 100
	default:
		return 0
	}
}

// CandidateTypeMask filters which candidate types a gatherer is
// permitted to produce.
type CandidateTypeMask uint8

const (
	MaskHost CandidateTypeMask = 1 << iota
	MaskServerReflexive
	MaskPeerReflexive
)

func (m CandidateTypeMask) Allows(t CandidateType) bool {
	switch t {
	case TypeHost:
		return m&MaskHost != 0
	case TypeServerReflexive:
		return m&MaskServerReflexive != 0
	case TypePeerReflexive:
		return m&MaskPeerReflexive != 0
	default:
		return false
	}
}

// Candidate is one ICE candidate: its type, base (local socket) address,
// externally-reachable mapped address, originating STUN server (if any),
// component ID, and the resulting priority.
type Candidate struct {
	Type       CandidateType
	Base       *net.UDPAddr
	Mapped     *net.UDPAddr
	STUNServer string
	Component  uint8
	LocalPref  uint16
	Foundation string
}

// Priority computes the 32-bit candidate priority: (typePref<<24) |
// (localPref<<8) | (256 - componentID).
func (c Candidate) Priority() uint32 {
	return (c.Type.typePreference() << 24) | (uint32(c.LocalPref) << 8) | (256 - uint32(c.Component))
}

// String renders the candidate in a signaling-transport-friendly form:
// "<type> <ip> <port> <foundation>".
func (c Candidate) String() string {
	return fmt.Sprintf("%s %s %d %s", c.Type, c.Mapped.IP, c.Mapped.Port, c.Foundation)
}

// ParseCandidate parses the String() form back into a Candidate. Base is
// left nil; callers resolve it from their own local socket table.
func ParseCandidate(s string) (Candidate, error) {
	var typ, ip, foundation string
	var port int
	n, err := fmt.Sscanf(s, "%s %s %d %s", &typ, &ip, &port, &foundation)
	if err != nil || n != 4 {
		return Candidate{}, fmt.Errorf("ice: malformed candidate string %q", s)
	}
	var ct CandidateType
	switch typ {
	case "host":
		ct = TypeHost
	case "srflx":
		ct = TypeServerReflexive
	case "prflx":
		ct = TypePeerReflexive
	default:
		return Candidate{}, fmt.Errorf("ice: unknown candidate type %q", typ)
	}
	parsedIP := net.ParseIP(ip)
	if parsedIP == nil {
		return Candidate{}, fmt.Errorf("ice: invalid candidate IP %q", ip)
	}
	return Candidate{
		Type:       ct,
		Mapped:     &net.UDPAddr{IP: parsedIP, Port: port},
		Foundation: foundation,
		Component:  1,
	}, nil
}

// PairState is the lifecycle of a candidate pair, per the ICE state
// diagram: Frozen waits for its foundation to be unfrozen, Waiting is
// eligible to be checked, InProgress has an outstanding STUN transaction,
// and the pair terminates at Succeeded or Failed.
type PairState int

const (
	PairFrozen PairState = iota
	PairWaiting
	PairInProgress
	PairSucceeded
	PairFailed
)

func (s PairState) String() string {
	switch s {
	case PairFrozen:
		return "frozen"
	case PairWaiting:
		return "waiting"
	case PairInProgress:
		return "in-progress"
	case PairSucceeded:
		return "succeeded"
	case PairFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Pair is a (local, remote) candidate pairing under consideration.
type Pair struct {
	Local, Remote Candidate
	State         PairState
	Nominated     bool
	Retries       int
	TxID          [12]byte
	HasTxID       bool
}

// PairPriority computes the ICE pair priority: 2^32*min(G,D) + 2*max(G,D) +
// (G>D?1:0), where G is the controlling side's candidate priority and D
// is the controlled side's.
func PairPriority(controllingPriority, controlledPriority uint32) uint64 {
	g, d := uint64(controllingPriority), uint64(controlledPriority)
	minGD, maxGD := g, d
	if d < g {
		minGD, maxGD = d, g
	}
	extra := uint64(0)
	if g > d {
		extra = 1
	}
	return (uint64(1)<<32)*minGD + 2*maxGD + extra
}

// Priority returns the pair's priority given which side is controlling.
func (p Pair) Priority(localIsControlling bool) uint64 {
	if localIsControlling {
		return PairPriority(p.Local.Priority(), p.Remote.Priority())
	}
	return PairPriority(p.Remote.Priority(), p.Local.Priority())
}
