package main

import (
	"time"

	"github.com/relaymesh/p2ptransport/identity"
	"github.com/relaymesh/p2ptransport/keys"
	"github.com/relaymesh/p2ptransport/pcrypto"
)

// ephemeralCert generates a throwaway self-signed identity key and
// certificate for diagnostic runs, which have no persistent keystore.
func ephemeralCert(who identity.Identity) (keys.SignedCert, pcrypto.Ed25519Private) {
	priv, pub, err := pcrypto.GenerateEd25519()
	if err != nil {
		panic(err)
	}
	cert := keys.Cert{
		Issuer:     who,
		Subject:    who,
		SubjectKey: pub,
		NotBefore:  time.Now().Add(-time.Minute),
		NotAfter:   time.Now().Add(24 * time.Hour),
	}
	return keys.Sign(cert, priv), priv
}
