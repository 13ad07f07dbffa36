package conn

import (
	"encoding/binary"
	"time"

	"github.com/relaymesh/p2ptransport/identity"
	"github.com/relaymesh/p2ptransport/pcrypto"
)

// ChallengeMaxAge is how old an echoed challenge may be before a
// ConnectRequest is rejected as stale.
const ChallengeMaxAge = 4 * time.Second

// ChallengeSecret is the server-side key used to compute stateless
// connect challenges: the server need not remember which challenges it
// issued, only this one secret.
type ChallengeSecret [32]byte

// NewChallengeSecret generates a fresh random secret.
func NewChallengeSecret() ChallengeSecret {
	var s ChallengeSecret
	copy(s[:], pcrypto.RandomBytes(32))
	return s
}

func time16(t time.Time) uint16 { return uint16(t.Unix() & 0xFFFF) }

// hashChallenge keys a digest over a 16-bit compressed timestamp and the
// peer's endpoint address. HMAC-SHA-256 (truncated to 64 bits) stands in
// for a dedicated short-input keyed hash, since pcrypto already provides
// it and nothing else in the stack reaches for one.
func hashChallenge(secret ChallengeSecret, t16 uint16, peerAddr identity.Addr) uint64 {
	var buf [2 + 18]byte
	binary.BigEndian.PutUint16(buf[:2], t16)
	copy(buf[2:], peerAddr.MarshalBinary())
	sum := pcrypto.HMACSHA256(secret[:], buf[:])
	return binary.BigEndian.Uint64(sum[:8])
}

// ComputeChallenge derives the 64-bit challenge value for a fresh
// ChallengeRequest from peerAddr: challenge = hash(time16||peerAddr) xor
// time16. The server carries no per-client state; freshness is later
// re-derived in ValidateChallenge by searching nearby time16 values.
func ComputeChallenge(secret ChallengeSecret, now time.Time, peerAddr identity.Addr) uint64 {
	t16 := time16(now)
	return hashChallenge(secret, t16, peerAddr) ^ uint64(t16)
}

// ValidateChallenge reports whether challenge was produced by
// ComputeChallenge for peerAddr at some time16 value within maxAge of
// now, searching backward one compressed-time tick at a time.
func ValidateChallenge(secret ChallengeSecret, challenge uint64, peerAddr identity.Addr, now time.Time, maxAge time.Duration) bool {
	nowT16 := time16(now)
	steps := int(maxAge / time.Second)
	for i := 0; i <= steps; i++ {
		t16 := nowT16 - uint16(i)
		if hashChallenge(secret, t16, peerAddr)^uint64(t16) == challenge {
			return true
		}
	}
	return false
}
