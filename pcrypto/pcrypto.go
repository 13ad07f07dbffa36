// Package pcrypto implements the symmetric and asymmetric primitives used
// to secure a connection: SHA-256, HMAC-SHA-256, AES-256-GCM, X25519 key
// agreement, Ed25519 sign/verify, a CSPRNG, and base64/hex/PEM encoding
// helpers. Every symmetric operation runs through a single internal entry
// point (sealAESGCM/openAESGCM) so a second cipher backend could be added
// without touching callers.
package pcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/curve25519"
)

// ErrAuthenticationFailed is returned when the AEAD tag does not verify.
// A packet failing this check must never be surfaced as data.
var ErrAuthenticationFailed = errors.New("pcrypto: authentication failed")

const (
	KeySize   = 32 // symmetric key size
	NonceSize = 12 // AEAD nonce size
	TagSize   = 16 // AEAD tag size
)

// SHA256 computes the 32-byte SHA-256 digest of data.
func SHA256(data ...[]byte) [32]byte {
	h := sha256.New()
	for _, d := range data {
		h.Write(d)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// HMACSHA256 computes an HMAC-SHA-256 over data using key.
func HMACSHA256(key, data []byte) [32]byte {
	m := hmac.New(sha256.New, key)
	m.Write(data)
	var out [32]byte
	copy(out[:], m.Sum(nil))
	return out
}

// RandomBytes fills and returns n cryptographically-secure random bytes.
// A failure to read from the OS CSPRNG is treated as fatal: the process
// cannot make any security claims without entropy, so we panic rather
// than return a zeroed buffer.
func RandomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic(fmt.Sprintf("pcrypto: OS entropy source failed: %v", err))
	}
	return b
}

// sealAESGCM implements aes_gcm_encrypt: key||iv12||plaintext||aad ->
// ciphertext||tag16.
func sealAESGCM(key []byte, nonce []byte, plaintext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("pcrypto: nonce must be %d bytes", NonceSize)
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// openAESGCM implements aes_gcm_decrypt. It returns ErrAuthenticationFailed
// (never the underlying cipher error text) on tag mismatch so callers
// cannot distinguish "bad tag" from "bad length" via error message.
func openAESGCM(key []byte, nonce, ciphertext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, ErrAuthenticationFailed
	}
	pt, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return pt, nil
}

// AEADEncrypt runs aes_gcm_encrypt with a 32-byte key.
func AEADEncrypt(key [KeySize]byte, nonce [NonceSize]byte, plaintext, aad []byte) []byte {
	out, err := sealAESGCM(key[:], nonce[:], plaintext, aad)
	if err != nil {
		// Only possible failure is a malformed key/nonce size, which callers
		// guarantee by construction (both are fixed-size arrays here).
		panic(err)
	}
	return out
}

// AEADDecrypt runs aes_gcm_decrypt with a 32-byte key.
func AEADDecrypt(key [KeySize]byte, nonce [NonceSize]byte, ciphertextAndTag, aad []byte) ([]byte, error) {
	return openAESGCM(key[:], nonce[:], ciphertextAndTag, aad)
}

// X25519Private is a 32-byte Curve25519 private scalar.
type X25519Private [32]byte

// X25519Public is a 32-byte Curve25519 public point.
type X25519Public [32]byte

// GenerateX25519 produces a fresh ephemeral X25519 key pair.
func GenerateX25519() (X25519Private, X25519Public, error) {
	var priv X25519Private
	copy(priv[:], RandomBytes(32))
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return X25519Private{}, X25519Public{}, err
	}
	var pb X25519Public
	copy(pb[:], pub)
	return priv, pb, nil
}

// PublicFromPrivate regenerates the public half of an X25519 private key;
// used by keys.Key's validity invariant.
func PublicFromPrivate(priv X25519Private) (X25519Public, error) {
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return X25519Public{}, err
	}
	var pb X25519Public
	copy(pb[:], pub)
	return pb, nil
}

// SharedSecret computes x25519(secret, public) and feeds the raw DH output
// through SHA-256 to derive the 32-byte shared secret; the raw X25519
// output is never used directly as key material.
func SharedSecret(priv X25519Private, pub X25519Public) ([32]byte, error) {
	raw, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return [32]byte{}, err
	}
	return SHA256(raw), nil
}

// Ed25519Private and Ed25519Public are raw 25519 key containers; a valid
// key is exactly 32 raw bytes for the public half.
// The private key is stored as the standard library's expanded 64-byte
// seed||pubkey representation but Seed() recovers the 32 canonical bytes.
type Ed25519Private struct{ key ed25519.PrivateKey }
type Ed25519Public struct{ key ed25519.PublicKey }

// GenerateEd25519 produces a fresh Ed25519 signing key pair.
func GenerateEd25519() (Ed25519Private, Ed25519Public, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Ed25519Private{}, Ed25519Public{}, err
	}
	return Ed25519Private{key: priv}, Ed25519Public{key: pub}, nil
}

// Ed25519FromSeed constructs a private key from its canonical 32-byte
// seed, and regenerates the cached public half.
func Ed25519FromSeed(seed [32]byte) (Ed25519Private, Ed25519Public) {
	priv := ed25519.NewKeyFromSeed(seed[:])
	pub := priv.Public().(ed25519.PublicKey)
	return Ed25519Private{key: priv}, Ed25519Public{key: pub}
}

// Seed returns the canonical 32-byte seed for this private key.
func (p Ed25519Private) Seed() [32]byte {
	var out [32]byte
	copy(out[:], p.key.Seed())
	return out
}

// Public regenerates the public half from the private key; used to check
// the "private key valid iff regenerated public matches cached public"
// invariant in package keys.
func (p Ed25519Private) Public() Ed25519Public {
	return Ed25519Public{key: p.key.Public().(ed25519.PublicKey)}
}

// Bytes returns the raw 32-byte public key.
func (p Ed25519Public) Bytes() [32]byte {
	var out [32]byte
	copy(out[:], p.key)
	return out
}

// Ed25519PublicFromBytes parses a raw 32-byte public key; an error is
// returned if the input is not exactly 32 bytes.
func Ed25519PublicFromBytes(b []byte) (Ed25519Public, error) {
	if len(b) != ed25519.PublicKeySize {
		return Ed25519Public{}, fmt.Errorf("pcrypto: invalid ed25519 public key length %d", len(b))
	}
	return Ed25519Public{key: append(ed25519.PublicKey(nil), b...)}, nil
}

func (p Ed25519Public) Equal(other Ed25519Public) bool {
	return subtle.ConstantTimeCompare(p.key, other.key) == 1
}

// Sign produces a detached Ed25519 signature over message.
func (p Ed25519Private) Sign(message []byte) []byte {
	return ed25519.Sign(p.key, message)
}

// Verify checks a detached Ed25519 signature.
func (p Ed25519Public) Verify(message, sig []byte) bool {
	return ed25519.Verify(p.key, message, sig)
}

// --- encoding helpers (base64 / hex / PEM) ---

// B64Encode / B64Decode use standard (non-URL) base64, matching
// authorized_keys / CERT blob conventions.
func B64Encode(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func B64Decode(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }

func HexEncode(b []byte) string { return hex.EncodeToString(b) }

func HexDecode(s string) ([]byte, error) { return hex.DecodeString(s) }

// PEMBody locates the base64 body between "-----BEGIN <TYPE>-----" and
// "-----END <TYPE>-----" markers, tolerating the leading/trailing dashes
// being part of a larger file (e.g. an OpenSSH key file with comments).
// It does not itself base64-decode the body.
func PEMBody(data []byte, pemType string) (string, error) {
	begin := fmt.Sprintf("-----BEGIN %s-----", pemType)
	end := fmt.Sprintf("-----END %s-----", pemType)
	s := string(data)
	bi := strings.Index(s, begin)
	if bi < 0 {
		return "", fmt.Errorf("pcrypto: PEM marker %q not found", begin)
	}
	bodyStart := bi + len(begin)
	ei := strings.Index(s[bodyStart:], end)
	if ei < 0 {
		return "", fmt.Errorf("pcrypto: PEM marker %q not found", end)
	}
	body := s[bodyStart : bodyStart+ei]
	return strings.TrimSpace(body), nil
}

// PEMEncode frames a body as a PEM block of the given type, 64-column
// wrapped, matching the conventional format produced by openssl/ssh-keygen.
func PEMEncode(pemType string, body []byte) string {
	enc := base64.StdEncoding.EncodeToString(body)
	var b strings.Builder
	fmt.Fprintf(&b, "-----BEGIN %s-----\n", pemType)
	for i := 0; i < len(enc); i += 64 {
		end := i + 64
		if end > len(enc) {
			end = len(enc)
		}
		b.WriteString(enc[i:end])
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "-----END %s-----\n", pemType)
	return b.String()
}
