package pcrypto

import (
	"bytes"
	"testing"
)

func TestAEADRoundTrip(t *testing.T) {
	var key [KeySize]byte
	copy(key[:], RandomBytes(KeySize))
	var nonce [NonceSize]byte
	copy(nonce[:], RandomBytes(NonceSize))
	aad := []byte("frame-header")
	pt := []byte("hello reliable world")

	ct := AEADEncrypt(key, nonce, pt, aad)
	if len(ct) != len(pt)+TagSize {
		t.Fatalf("ciphertext length = %d, want %d", len(ct), len(pt)+TagSize)
	}
	got, err := AEADDecrypt(key, nonce, ct, aad)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, pt) {
		t.Fatalf("roundtrip mismatch: got %q want %q", got, pt)
	}
}

func TestAEADTamperFails(t *testing.T) {
	var key [KeySize]byte
	copy(key[:], RandomBytes(KeySize))
	var nonce [NonceSize]byte
	copy(nonce[:], RandomBytes(NonceSize))
	ct := AEADEncrypt(key, nonce, []byte("payload"), nil)
	ct[0] ^= 0xFF
	if _, err := AEADDecrypt(key, nonce, ct, nil); err != ErrAuthenticationFailed {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestX25519SharedSecretAgrees(t *testing.T) {
	aPriv, aPub, err := GenerateX25519()
	if err != nil {
		t.Fatal(err)
	}
	bPriv, bPub, err := GenerateX25519()
	if err != nil {
		t.Fatal(err)
	}
	s1, err := SharedSecret(aPriv, bPub)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := SharedSecret(bPriv, aPub)
	if err != nil {
		t.Fatal(err)
	}
	if s1 != s2 {
		t.Fatalf("shared secrets disagree: %x != %x", s1, s2)
	}
}

func TestEd25519SignVerify(t *testing.T) {
	priv, pub, err := GenerateEd25519()
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("cert body bytes")
	sig := priv.Sign(msg)
	if !pub.Verify(msg, sig) {
		t.Fatal("valid signature failed to verify")
	}
	sig[0] ^= 0xFF
	if pub.Verify(msg, sig) {
		t.Fatal("corrupted signature verified")
	}
}

func TestEd25519PublicRegeneration(t *testing.T) {
	priv, pub, err := GenerateEd25519()
	if err != nil {
		t.Fatal(err)
	}
	if !priv.Public().Equal(pub) {
		t.Fatal("regenerated public key does not match cached public key")
	}
}

func TestBase64HexPEMRoundTrip(t *testing.T) {
	data := RandomBytes(97)

	if got, err := B64Decode(B64Encode(data)); err != nil || !bytes.Equal(got, data) {
		t.Fatalf("base64 roundtrip failed: got=%x err=%v", got, err)
	}
	if got, err := HexDecode(HexEncode(data)); err != nil || !bytes.Equal(got, data) {
		t.Fatalf("hex roundtrip failed: got=%x err=%v", got, err)
	}

	pem := PEMEncode("TEST BLOB", data)
	body, err := PEMBody([]byte(pem), "TEST BLOB")
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := B64Decode(body)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decoded, data) {
		t.Fatalf("PEM roundtrip mismatch")
	}
}

func TestSHA256Deterministic(t *testing.T) {
	a := SHA256([]byte("abc"))
	b := SHA256([]byte("abc"))
	if a != b {
		t.Fatal("sha256 not deterministic")
	}
	c := SHA256([]byte("abd"))
	if a == c {
		t.Fatal("sha256 collided trivially")
	}
}

func TestHMACSHA256(t *testing.T) {
	key := RandomBytes(32)
	mac1 := HMACSHA256(key, []byte("data"))
	mac2 := HMACSHA256(key, []byte("data"))
	if mac1 != mac2 {
		t.Fatal("hmac not deterministic for fixed key/data")
	}
}
