package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/psyduk/client"
	"github.com/urfave/cli/v2"
)

func clientCommands() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "HTTP client commands for interacting with the raffle service",
		Subcommands: []*cli.Command{
			eligibilityCommand(),
			buyCommand(),
			watchPaymentCommand(),
			currentRoundCommand(),
			openRoundCommand(),
			resolveRoundCommand(),
			participantsCommand(),
			recentWinnersCommand(),
		},
	}
}

func newAPIClient(c *cli.Context, timeout time.Duration) *client.Client {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only errors to stderr
	}))
	return client.NewClient(c.String("server-url"), &http.Client{Timeout: timeout}, logger)
}

func eligibilityCommand() *cli.Command {
	return &cli.Command{
		Name:      "eligibility",
		Usage:     "Check whether an address holds the eligibility token",
		ArgsUsage: "<address>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: address")
			}
			res, err := newAPIClient(c, 30*time.Second).CheckEligibility(context.Background(), c.Args().First())
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(res)
			}
			fmt.Printf("Address:  %s\n", res.Address)
			fmt.Printf("Mint:     %s\n", res.Mint)
			fmt.Printf("Status:   %s\n", res.Status)
			if res.Balance != nil {
				fmt.Printf("Balance:  %d\n", *res.Balance)
			}
			return nil
		},
	}
}

func buyCommand() *cli.Command {
	return &cli.Command{
		Name:  "buy",
		Usage: "Record tickets for a payment made to the vault",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "buyer", Usage: "Buyer address", Required: true},
			&cli.Uint64Flag{Name: "amount", Usage: "Amount paid in lamports", Required: true},
		},
		Action: func(c *cli.Context) error {
			p, err := newAPIClient(c, 30*time.Second).Purchase(context.Background(), c.String("buyer"), c.Uint64("amount"))
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(p)
			}
			fmt.Printf("✓ %d ticket(s) for %s\n", p.Tickets, p.Buyer)
			fmt.Printf("  Refund:   %d lamports\n", p.Leftover)
			fmt.Printf("  Pool:     %d lamports\n", p.PoolShare)
			fmt.Printf("  Fee:      %d lamports\n", p.FeeShare)
			fmt.Printf("  Jackpot:  %s\n", formatSOL(p.Round.Jackpot))
			return nil
		},
	}
}

func watchPaymentCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Watch for a payment to the vault and optionally wait for the outcome",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "sender", Usage: "Address the payment is expected from", Required: true},
			&cli.Uint64Flag{Name: "amount", Usage: "Expected amount in lamports", Required: true},
			&cli.BoolFlag{Name: "wait", Aliases: []string{"w"}, Usage: "Block until the watch finishes"},
			&cli.DurationFlag{Name: "poll", Usage: "Status poll interval when waiting", Value: 5 * time.Second},
			&cli.DurationFlag{Name: "timeout", Aliases: []string{"t"}, Usage: "How long to wait", Value: 30 * time.Minute},
		},
		Action: func(c *cli.Context) error {
			cl := newAPIClient(c, 30*time.Second)
			watch, err := cl.StartWatch(context.Background(), c.String("sender"), c.Uint64("amount"))
			if err != nil {
				return err
			}

			if !c.Bool("wait") {
				if c.Bool("json") {
					return outputJSON(watch)
				}
				fmt.Printf("Watch ID:   %s\n", watch.WatchID)
				fmt.Printf("Pay %s to %s\n", formatSOL(watch.Amount), watch.Recipient)
				if watch.PaymentURL != "" {
					fmt.Printf("Payment URL: %s\n", watch.PaymentURL)
				}
				if !watch.ExpiresAt.IsZero() {
					fmt.Printf("Expires:    %s\n", watch.ExpiresAt.Format(time.RFC3339))
				}
				return nil
			}

			if !c.Bool("json") {
				fmt.Fprintf(os.Stderr, "Waiting for %s to %s (watch %s)...\n", formatSOL(watch.Amount), watch.Recipient, watch.WatchID)
			}

			ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
			defer cancel()

			status, err := cl.AwaitWatch(ctx, watch.WatchID, c.Duration("poll"))
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(status)
			}
			if status.Result != nil && status.Result.Confirmed {
				fmt.Printf("✓ Payment confirmed: %s\n", status.Result.Outcome.Signature)
				return nil
			}
			if status.Error != "" {
				return fmt.Errorf("watch %s: %s", status.Status, status.Error)
			}
			return fmt.Errorf("payment was not seen")
		},
	}
}

func currentRoundCommand() *cli.Command {
	return &cli.Command{
		Name:  "round",
		Usage: "Show the current round",
		Action: func(c *cli.Context) error {
			round, err := newAPIClient(c, 30*time.Second).Round(context.Background())
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return outputJSON(round)
			}
			printRound(round)
			return nil
		},
	}
}

func openRoundCommand() *cli.Command {
	return &cli.Command{
		Name:  "open",
		Usage: "Open a fresh round",
		Action: func(c *cli.Context) error {
			round, err := newAPIClient(c, 30*time.Second).OpenRound(context.Background())
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return outputJSON(round)
			}
			printRound(round)
			return nil
		},
	}
}

func resolveRoundCommand() *cli.Command {
	return &cli.Command{
		Name:  "resolve",
		Usage: "Draw a winner for a due round",
		Action: func(c *cli.Context) error {
			res, err := newAPIClient(c, 30*time.Second).ResolveRound(context.Background())
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return outputJSON(res)
			}
			fmt.Printf("🏆 Winner:  %s\n", res.Winner)
			fmt.Printf("   Payout:  %s\n", formatSOL(res.Payout))
			fmt.Printf("   Ticket:  %d of %d\n", res.TicketIndex, res.Tickets)
			fmt.Printf("   Next:    %s → %s\n", formatUnix(res.NextStartTime), formatUnix(res.NextEndTime))
			return nil
		},
	}
}

func participantsCommand() *cli.Command {
	return &cli.Command{
		Name:  "participants",
		Usage: "List ticket holders in the current round",
		Action: func(c *cli.Context) error {
			ps, err := newAPIClient(c, 30*time.Second).Participants(context.Background())
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return outputJSON(ps)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PARTICIPANT\tTICKETS")
			for _, p := range ps {
				fmt.Fprintf(w, "%s\t%d\n", p.Participant, p.Tickets)
			}
			return w.Flush()
		},
	}
}

func recentWinnersCommand() *cli.Command {
	return &cli.Command{
		Name:  "winners",
		Usage: "List recent winners",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "Maximum winners to list (1-100)", Value: 10},
		},
		Action: func(c *cli.Context) error {
			winners, err := newAPIClient(c, 30*time.Second).Winners(context.Background(), c.Int("limit"))
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return outputJSON(winners)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "WINNER\tPAYOUT\tTICKETS\tRESOLVED")
			for _, win := range winners {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", win.Winner, formatSOL(win.Payout), win.Tickets, formatUnix(win.ResolvedAt))
			}
			return w.Flush()
		},
	}
}

func printRound(r *client.Round) {
	fmt.Printf("Address:      %s\n", r.Address)
	fmt.Printf("Jackpot:      %s\n", formatSOL(r.Jackpot))
	fmt.Printf("Tickets:      %d (%d participants)\n", r.Tickets, r.Participants)
	fmt.Printf("Ticket Price: %s\n", formatSOL(r.TicketPrice))
	fmt.Printf("Ends:         %s\n", formatUnix(r.EndTime))
	if r.Due {
		fmt.Printf("Status:       due for resolution\n")
	} else {
		fmt.Printf("Time Left:    %s\n", r.TimeLeft())
	}
}
