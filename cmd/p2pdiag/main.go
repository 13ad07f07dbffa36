// Command p2pdiag is a standalone diagnostic tool for exercising a
// listener/connection pair outside of any game process: generate an
// identity, bind a listener, and drive a handshake against a peer.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/relaymesh/p2ptransport/log"
)

var logFlag = &cli.StringFlag{
	Name:  "loglevel",
	Usage: "trace|debug|info|warn|error|crit",
	Value: "info",
}

func newLogger(c *cli.Context) *log.Logger {
	return log.New(os.Stderr, parseLevel(c.String("loglevel")))
}

func parseLevel(s string) log.Level {
	switch s {
	case "trace":
		return log.LevelTrace
	case "debug":
		return log.LevelDebug
	case "warn":
		return log.LevelWarn
	case "error":
		return log.LevelError
	case "crit":
		return log.LevelCrit
	default:
		return log.LevelInfo
	}
}

func main() {
	app := &cli.App{
		Name:  "p2pdiag",
		Usage: "generate identities and exercise the P2P transport handshake",
		Flags: []cli.Flag{logFlag},
		Commands: []*cli.Command{
			genkeyCommand,
			listenCommand,
			dialCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "p2pdiag:", err)
		os.Exit(1)
	}
}
