package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/psyduk/service/db"
	"github.com/brojonat/psyduk/service/raffle"
	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
)

func roundCommand() *cli.Command {
	return &cli.Command{
		Name:  "round",
		Usage: "Show the stored round",
		Action: func(c *cli.Context) error {
			address, err := roundAddress(c)
			if err != nil {
				return err
			}
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			ctx := context.Background()
			round, err := store.GetRound(ctx, address)
			if err != nil {
				return fmt.Errorf("failed to get round: %w", err)
			}
			counts, err := store.ParticipantTickets(ctx, address)
			if err != nil {
				return fmt.Errorf("failed to count tickets: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(map[string]interface{}{
					"address":      address.String(),
					"round":        round,
					"participants": counts,
				})
			}

			fmt.Printf("Address:      %s\n", address)
			fmt.Printf("Jackpot:      %s\n", formatSOL(round.Jackpot))
			fmt.Printf("Start:        %s\n", formatUnix(round.StartTime))
			fmt.Printf("End:          %s\n", formatUnix(round.EndTime))
			fmt.Printf("Tickets:      %d\n", len(round.Tickets))
			fmt.Printf("Participants: %d\n", len(counts))

			if len(counts) > 0 {
				fmt.Println()
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "PARTICIPANT\tTICKETS")
				for _, pt := range counts {
					fmt.Fprintf(w, "%s\t%d\n", pt.Participant, pt.Tickets)
				}
				w.Flush()
			}
			return nil
		},
	}
}

func purchasesCommand() *cli.Command {
	return &cli.Command{
		Name:    "purchases",
		Usage:   "List recorded purchases for the round",
		Aliases: []string{"buys"},
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of purchases",
				Value:   50,
			},
		},
		Action: func(c *cli.Context) error {
			address, err := roundAddress(c)
			if err != nil {
				return err
			}
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			purchases, err := store.ListPurchases(context.Background(), address, int32(c.Int("limit")))
			if err != nil {
				return fmt.Errorf("failed to list purchases: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(purchases)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "BUYER\tAMOUNT\tTICKETS\tREFUND\tPOOL\tFEE\tCREATED")
			for _, p := range purchases {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
					p.Buyer,
					formatSOL(p.Amount),
					p.Tickets,
					p.Leftover,
					p.PoolShare,
					p.FeeShare,
					p.CreatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d purchases\n", len(purchases))
			return nil
		},
	}
}

func winnersCommand() *cli.Command {
	return &cli.Command{
		Name:  "winners",
		Usage: "List past round winners",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of winners",
				Value:   20,
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			winners, err := store.ListWinners(context.Background(), int32(c.Int("limit")))
			if err != nil {
				return fmt.Errorf("failed to list winners: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(winners)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "WINNER\tPAYOUT\tTICKETS\tINDEX\tRESOLVED")
			for _, win := range winners {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
					win.Winner,
					formatSOL(win.Payout),
					win.Tickets,
					win.TicketIndex,
					formatUnix(win.ResolvedAt),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d winners\n", len(winners))
			return nil
		},
	}
}

func balanceCommand() *cli.Command {
	return &cli.Command{
		Name:      "balance",
		Usage:     "Show an address's balance in the emulated ledger",
		ArgsUsage: "<address>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: address")
			}
			address, err := solana.PublicKeyFromBase58(c.Args().First())
			if err != nil {
				return fmt.Errorf("invalid address: %w", err)
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			balance, err := store.Balance(context.Background(), address)
			if err != nil {
				return fmt.Errorf("failed to get balance: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(map[string]interface{}{
					"address": address.String(),
					"balance": balance,
				})
			}
			fmt.Printf("%s: %s\n", address, formatSOL(balance))
			return nil
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply the database schema",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			if err := store.Migrate(context.Background()); err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "✓ Schema applied")
			return nil
		},
	}
}

// roundAddress derives the canonical round address from --program-id.
func roundAddress(c *cli.Context) (solana.PublicKey, error) {
	programID := c.String("program-id")
	if programID == "" {
		return solana.PublicKey{}, fmt.Errorf("program-id is required (set RAFFLE_PROGRAM_ID env var or use --program-id)")
	}
	pk, err := solana.PublicKeyFromBase58(programID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid program-id: %w", err)
	}
	return raffle.CanonicalAddress(pk)
}

// Helper function to connect to database
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db.NewStore(pool, nil, nil), pool.Close, nil
}

// Helper function to output JSON
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatSOL renders lamports as SOL with the raw value alongside.
func formatSOL(lamports uint64) string {
	return fmt.Sprintf("%.9f SOL (%d lamports)", float64(lamports)/1e9, lamports)
}

func formatUnix(sec int64) string {
	if sec == 0 {
		return "-"
	}
	return time.Unix(sec, 0).UTC().Format(time.RFC3339)
}
