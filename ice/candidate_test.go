package ice

import (
	"net"
	"testing"
)

func TestCandidatePriorityOrdering(t *testing.T) {
	host := Candidate{Type: TypeHost, Mapped: &net.UDPAddr{}, Component: 1, LocalPref: 65535}
	srflx := Candidate{Type: TypeServerReflexive, Mapped: &net.UDPAddr{}, Component: 1, LocalPref: 65535}
	prflx := Candidate{Type: TypePeerReflexive, Mapped: &net.UDPAddr{}, Component: 1, LocalPref: 65535}

	if !(host.Priority() > prflx.Priority() && prflx.Priority() > srflx.Priority()) {
		t.Fatalf("expected host > prflx > srflx, got %d %d %d", host.Priority(), prflx.Priority(), srflx.Priority())
	}
}

func TestCandidateStringRoundTrip(t *testing.T) {
	c := Candidate{
		Type:       TypeServerReflexive,
		Mapped:     &net.UDPAddr{IP: net.IPv4(203, 0, 113, 9), Port: 4000},
		Foundation: "srflx-base-server",
	}
	s := c.String()
	got, err := ParseCandidate(s)
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != c.Type || !got.Mapped.IP.Equal(c.Mapped.IP) || got.Mapped.Port != c.Mapped.Port {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, c)
	}
}

func TestPairPriorityControllingVsControlled(t *testing.T) {
	g := uint32(1000)
	d := uint32(2000)
	p1 := PairPriority(g, d) // g controlling
	p2 := PairPriority(d, g) // d controlling, same magnitudes swapped
	if p1 == p2 {
		t.Fatal("expected asymmetric tie-break term to differentiate priorities")
	}
}

func TestPairStateString(t *testing.T) {
	states := []PairState{PairFrozen, PairWaiting, PairInProgress, PairSucceeded, PairFailed}
	seen := map[string]bool{}
	for _, s := range states {
		seen[s.String()] = true
	}
	if len(seen) != len(states) {
		t.Fatal("expected distinct string for every pair state")
	}
}

func TestCandidateTypeMaskAllows(t *testing.T) {
	m := MaskHost | MaskServerReflexive
	if !m.Allows(TypeHost) || !m.Allows(TypeServerReflexive) {
		t.Fatal("expected host and srflx allowed")
	}
	if m.Allows(TypePeerReflexive) {
		t.Fatal("expected prflx disallowed")
	}
}
