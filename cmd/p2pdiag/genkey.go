package main

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/relaymesh/p2ptransport/identity"
	"github.com/relaymesh/p2ptransport/keys"
	"github.com/relaymesh/p2ptransport/pcrypto"
)

var genkeyCommand = &cli.Command{
	Name:      "genkey",
	Usage:     "generate an Ed25519 identity key and a self-signed certificate",
	ArgsUsage: "<identity>",
	Flags: []cli.Flag{
		&cli.DurationFlag{Name: "validity", Usage: "certificate lifetime", Value: 24 * time.Hour},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return fmt.Errorf("genkey: expected exactly one <identity> argument (e.g. str:alice)")
		}
		who, err := identity.Parse(c.Args().Get(0))
		if err != nil {
			return err
		}
		priv, pub, err := pcrypto.GenerateEd25519()
		if err != nil {
			return fmt.Errorf("genkey: %w", err)
		}
		cert := keys.Cert{
			Issuer:     who,
			Subject:    who,
			SubjectKey: pub,
			NotBefore:  time.Now(),
			NotAfter:   time.Now().Add(c.Duration("validity")),
		}
		signed := keys.Sign(cert, priv)

		seed := priv.Seed()
		fmt.Fprintln(os.Stdout, "identity:   "+who.String())
		fmt.Fprintln(os.Stdout, "private:    "+pcrypto.B64Encode(seed[:]))
		pubBytes := pub.Bytes()
		fmt.Fprintln(os.Stdout, "public:     "+pcrypto.B64Encode(pubBytes[:]))
		fmt.Fprintln(os.Stdout, "cert:       "+pcrypto.B64Encode(signed.MarshalBinary()))
		return nil
	},
}
