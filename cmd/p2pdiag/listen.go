package main

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/relaymesh/p2ptransport/config"
	"github.com/relaymesh/p2ptransport/identity"
	"github.com/relaymesh/p2ptransport/keys"
	"github.com/relaymesh/p2ptransport/transport"
)

var listenCommand = &cli.Command{
	Name:      "listen",
	Usage:     "bind a listener, accept inbound handshakes, and report delivered messages",
	ArgsUsage: "<identity> <laddr>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return fmt.Errorf("listen: expected <identity> <laddr>")
		}
		who, err := identity.Parse(c.Args().Get(0))
		if err != nil {
			return err
		}
		logger := newLogger(c)
		cert, priv := ephemeralCert(who)

		l, err := transport.NewListener(c.Args().Get(1), config.New(), logger, who, priv, cert, cert.Cert.SubjectKey, keys.AuthPolicy{PermitUnsigned: true})
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		defer l.Close()

		l.OnAccepted = func(tc *transport.Connection) {
			logger.Info("accepted inbound connection", "remote_conn_id", tc.Inner.RemoteConnID())
			tc.SetDeliveryHandler(func(m transport.DeliveredMessage) {
				logger.Info("delivered message", "channel", m.Channel, "bytes", len(m.Payload))
			})
		}

		logger.Info("listening", "addr", l.LocalAddr().String(), "identity", who.String())

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt)
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return nil
			case now := <-ticker.C:
				l.ReadLoop(64)
				l.Tick(now)
			}
		}
	},
}
