package main

import (
	"fmt"
	"net"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/relaymesh/p2ptransport/config"
	"github.com/relaymesh/p2ptransport/conn"
	"github.com/relaymesh/p2ptransport/identity"
	"github.com/relaymesh/p2ptransport/keys"
	"github.com/relaymesh/p2ptransport/transport"
)

var dialCommand = &cli.Command{
	Name:      "dial",
	Usage:     "dial a remote listener, complete the handshake, and send one test message",
	ArgsUsage: "<identity> <remote-identity> <raddr>",
	Flags: []cli.Flag{
		&cli.DurationFlag{Name: "timeout", Value: 5 * time.Second},
		&cli.StringFlag{Name: "message", Value: "hello"},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 3 {
			return fmt.Errorf("dial: expected <identity> <remote-identity> <raddr>")
		}
		who, err := identity.Parse(c.Args().Get(0))
		if err != nil {
			return err
		}
		remoteWho, err := identity.Parse(c.Args().Get(1))
		if err != nil {
			return err
		}
		udpAddr, err := net.ResolveUDPAddr("udp", c.Args().Get(2))
		if err != nil {
			return fmt.Errorf("dial: %w", err)
		}
		remoteAddr := identity.AddrFromUDP(udpAddr)

		logger := newLogger(c)
		cert, priv := ephemeralCert(who)
		policy := keys.AuthPolicy{PermitUnsigned: true}

		l, err := transport.NewListener("0.0.0.0:0", config.New(), logger, who, priv, cert, cert.Cert.SubjectKey, policy)
		if err != nil {
			return fmt.Errorf("dial: %w", err)
		}
		defer l.Close()

		tc, err := l.Dial(remoteWho, remoteAddr)
		if err != nil {
			return fmt.Errorf("dial: %w", err)
		}
		tc.SetDeliveryHandler(func(m transport.DeliveredMessage) {
			logger.Info("delivered reply", "channel", m.Channel, "bytes", len(m.Payload))
		})

		deadline := time.Now().Add(c.Duration("timeout"))
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for time.Now().Before(deadline) && tc.Inner.State() != conn.StateConnected {
			<-ticker.C
			l.ReadLoop(64)
			l.Tick(time.Now())
		}
		if tc.Inner.State() != conn.StateConnected {
			return fmt.Errorf("dial: handshake did not complete within %s (state=%s)", c.Duration("timeout"), tc.Inner.State())
		}
		logger.Info("handshake complete", "local_conn_id", tc.Inner.LocalConnID(), "remote_conn_id", tc.Inner.RemoteConnID())

		if err := tc.SendMessage(0, true, []byte(c.String("message")), time.Now()); err != nil {
			return fmt.Errorf("dial: send message: %w", err)
		}
		for i := 0; i < 50; i++ {
			<-ticker.C
			l.ReadLoop(64)
			l.Tick(time.Now())
		}
		return nil
	},
}
