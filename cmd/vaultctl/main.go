// vaultctl is an operator's command-line client for the signature-exchange
// server, grounded on cmd/lncli's urfave/cli.App shape (global connection
// flags, one subcommand per operation, a fatal() helper that prints to
// stderr and exits 1) minus the grpc/macaroon transport -- this protocol's
// control surface is a plain REST server, not lnd's.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli"

	vchaincfg "github.com/re-vault/revault-demo/chaincfg"
	"github.com/re-vault/revault-demo/sigexchange"
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[vaultctl] %v\n", err)
	os.Exit(1)
}

func sigExchangeClient(ctx *cli.Context) *sigexchange.Client {
	url := ctx.GlobalString("sigexchangeurl")
	if url == "" {
		fatal(fmt.Errorf("--sigexchangeurl is required"))
	}
	return sigexchange.New(url)
}

func main() {
	app := cli.NewApp()
	app.Name = "vaultctl"
	app.Usage = "inspect and vote on vault spend requests"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "sigexchangeurl",
			Usage: "base URL of the signature-exchange server",
		},
	}
	app.Commands = []cli.Command{
		pendingCommand,
		acceptCommand,
		refuseCommand,
		statusCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}

var pendingCommand = cli.Command{
	Name:  "pending",
	Usage: "list every pending spend request",
	Action: func(ctx *cli.Context) error {
		client := sigExchangeClient(ctx)
		requests, err := client.SpendRequests(context.Background())
		if err != nil {
			return err
		}
		if len(requests) == 0 {
			fmt.Println("no pending spend requests")
			return nil
		}
		for _, req := range requests {
			fmt.Printf("vault %s:\n", req.VaultTxid)
			for addr, amount := range req.Destinations {
				fmt.Printf("  %s  %d sat\n", addr, amount)
			}
		}
		return nil
	},
}

var acceptCommand = cli.Command{
	Name:      "accept",
	Usage:     "vote to accept a pending spend request",
	ArgsUsage: "<vault-txid> <position>",
	Action: func(ctx *cli.Context) error {
		return vote(ctx, (*sigexchange.Client).AcceptSpend)
	},
}

var refuseCommand = cli.Command{
	Name:      "refuse",
	Usage:     "vote to refuse a pending spend request",
	ArgsUsage: "<vault-txid> <position>",
	Action: func(ctx *cli.Context) error {
		return vote(ctx, (*sigexchange.Client).RefuseSpend)
	},
}

func vote(ctx *cli.Context, cast func(*sigexchange.Client, context.Context, string, vchaincfg.Position) error) error {
	if ctx.NArg() != 2 {
		return fmt.Errorf("usage: vaultctl %s <vault-txid> <position>", ctx.Command.Name)
	}
	txid := ctx.Args().Get(0)
	position, err := parsePosition(ctx.Args().Get(1))
	if err != nil {
		return err
	}
	client := sigExchangeClient(ctx)
	if err := cast(client, context.Background(), txid, position); err != nil {
		return err
	}
	fmt.Printf("recorded %s for %s at position %d\n", ctx.Command.Name, txid, position)
	return nil
}

var statusCommand = cli.Command{
	Name:      "status",
	Usage:     "show the accepted/rejected state of a spend request",
	ArgsUsage: "<vault-txid>",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return fmt.Errorf("usage: vaultctl status <vault-txid>")
		}
		client := sigExchangeClient(ctx)
		accepted, err := client.SpendAccepted(context.Background(), ctx.Args().Get(0))
		if err != nil {
			return err
		}
		fmt.Println(describeAccepted(accepted))
		return nil
	},
}

func describeAccepted(a sigexchange.Accepted) string {
	switch a {
	case sigexchange.AcceptedTrue:
		return "accepted"
	case sigexchange.AcceptedFalse:
		return "rejected"
	default:
		return "pending"
	}
}

func parsePosition(s string) (vchaincfg.Position, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid position %q: %w", s, err)
	}
	position := vchaincfg.Position(n)
	if !position.Valid() {
		return 0, fmt.Errorf("position must be 1-4, got %d", n)
	}
	return position, nil
}
