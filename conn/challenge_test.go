package conn

import (
	"testing"
	"time"

	"github.com/relaymesh/p2ptransport/identity"
)

func TestChallengeRoundTrip(t *testing.T) {
	secret := NewChallengeSecret()
	addr := identity.AddrFromUDP(mustUDPAddr("203.0.113.9:4000"))
	now := time.Unix(1_700_000_000, 0)

	challenge := ComputeChallenge(secret, now, addr)
	if !ValidateChallenge(secret, challenge, addr, now, ChallengeMaxAge) {
		t.Fatal("expected challenge to validate immediately")
	}
	if !ValidateChallenge(secret, challenge, addr, now.Add(3*time.Second), ChallengeMaxAge) {
		t.Fatal("expected challenge to validate within max age")
	}
	if ValidateChallenge(secret, challenge, addr, now.Add(10*time.Second), ChallengeMaxAge) {
		t.Fatal("expected stale challenge to be rejected")
	}
}

func TestChallengeRejectsWrongAddr(t *testing.T) {
	secret := NewChallengeSecret()
	addr := identity.AddrFromUDP(mustUDPAddr("203.0.113.9:4000"))
	other := identity.AddrFromUDP(mustUDPAddr("203.0.113.10:4000"))
	now := time.Unix(1_700_000_000, 0)

	challenge := ComputeChallenge(secret, now, addr)
	if ValidateChallenge(secret, challenge, other, now, ChallengeMaxAge) {
		t.Fatal("expected challenge bound to a different address to be rejected")
	}
}

func TestChallengeRejectsWrongSecret(t *testing.T) {
	addr := identity.AddrFromUDP(mustUDPAddr("203.0.113.9:4000"))
	now := time.Unix(1_700_000_000, 0)
	challenge := ComputeChallenge(NewChallengeSecret(), now, addr)
	if ValidateChallenge(NewChallengeSecret(), challenge, addr, now, ChallengeMaxAge) {
		t.Fatal("expected challenge from a different secret to be rejected")
	}
}
