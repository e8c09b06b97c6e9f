package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/brojonat/psyduk/service/temporal"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
)

func scheduleCommands() *cli.Command {
	return &cli.Command{
		Name:  "schedule",
		Usage: "Manage the round resolve schedule",
		Subcommands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Create or update the resolve schedule",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:    "interval",
						Aliases: []string{"i"},
						Usage:   "How often to try resolving the round",
						EnvVars: []string{"RESOLVE_INTERVAL"},
						Value:   time.Minute,
					},
				},
				Action: func(c *cli.Context) error {
					round, err := roundAddress(c)
					if err != nil {
						return err
					}
					tc, err := getTemporalClient(c)
					if err != nil {
						return err
					}
					defer tc.Close()

					interval := c.Duration("interval")
					if err := ensureSchedule(context.Background(), tc, round, interval); err != nil {
						return err
					}
					fmt.Fprintf(os.Stderr, "✓ Resolve schedule for %s runs every %s\n", round, interval)
					return nil
				},
			},
			{
				Name:    "describe",
				Usage:   "Describe the resolve schedule",
				Aliases: []string{"desc"},
				Action: func(c *cli.Context) error {
					round, err := roundAddress(c)
					if err != nil {
						return err
					}
					tc, err := getTemporalClient(c)
					if err != nil {
						return err
					}
					defer tc.Close()

					info, err := tc.DescribeResolveSchedule(context.Background(), round.String())
					if err != nil {
						return err
					}

					if c.Bool("json") {
						return outputJSON(info)
					}

					fmt.Printf("Schedule ID:    %s\n", info.ID)
					fmt.Printf("Round:          %s\n", round)
					fmt.Printf("Interval:       %s\n", info.Interval)
					fmt.Printf("Paused:         %v\n", info.Paused)
					fmt.Printf("Actions:        %d\n", info.Actions)
					for i, next := range info.NextActionTimes {
						fmt.Printf("Next Action %d:  %s\n", i+1, next.Format(time.RFC3339))
					}
					return nil
				},
			},
			{
				Name:  "delete",
				Usage: "Delete the resolve schedule",
				Action: func(c *cli.Context) error {
					round, err := roundAddress(c)
					if err != nil {
						return err
					}
					tc, err := getTemporalClient(c)
					if err != nil {
						return err
					}
					defer tc.Close()

					if err := tc.DeleteResolveSchedule(context.Background(), round.String()); err != nil {
						return fmt.Errorf("failed to delete schedule: %w", err)
					}
					fmt.Fprintf(os.Stderr, "✓ Resolve schedule for %s deleted\n", round)
					return nil
				},
			},
		},
	}
}

// ensureSchedule creates or updates the resolve schedule for round.
func ensureSchedule(ctx context.Context, s temporal.Scheduler, round solana.PublicKey, interval time.Duration) error {
	if interval < time.Second {
		return fmt.Errorf("interval must be at least 1s")
	}
	if err := s.UpsertResolveSchedule(ctx, round.String(), interval); err != nil {
		return fmt.Errorf("failed to upsert schedule: %w", err)
	}
	return nil
}

func watchCommands() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Start and inspect payment watch workflows directly",
		Subcommands: []*cli.Command{
			{
				Name:  "start",
				Usage: "Start a payment watch workflow",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "sender",
						Usage:    "Address the payment is expected from",
						Required: true,
					},
					&cli.Uint64Flag{
						Name:     "amount",
						Usage:    "Expected amount in lamports",
						Required: true,
					},
					&cli.StringFlag{
						Name:    "vault",
						Usage:   "Pool vault address the payment goes to",
						EnvVars: []string{"POOL_VAULT_ADDRESS"},
					},
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "Upper bound on the watch",
						Value: temporal.DefaultWatchTimeout,
					},
				},
				Action: func(c *cli.Context) error {
					input, err := watchInput(c.String("sender"), c.String("vault"), c.Uint64("amount"), c.Duration("timeout"))
					if err != nil {
						return err
					}

					tc, err := getTemporalClient(c)
					if err != nil {
						return err
					}
					defer tc.Close()

					if err := tc.StartWatch(context.Background(), input); err != nil {
						return err
					}

					if c.Bool("json") {
						return outputJSON(input)
					}
					fmt.Printf("Watch ID:   %s\n", input.WatchID)
					fmt.Printf("Sender:     %s\n", input.Sender)
					fmt.Printf("Recipient:  %s\n", input.Recipient)
					fmt.Printf("Amount:     %s\n", formatSOL(input.Amount))
					return nil
				},
			},
			{
				Name:      "status",
				Usage:     "Show a payment watch's status",
				ArgsUsage: "<watch-id>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("requires exactly one argument: watch ID")
					}
					tc, err := getTemporalClient(c)
					if err != nil {
						return err
					}
					defer tc.Close()

					status, err := tc.GetWatch(context.Background(), c.Args().First())
					if err != nil {
						return err
					}

					if c.Bool("json") {
						return outputJSON(status)
					}
					fmt.Printf("Watch ID:   %s\n", status.WatchID)
					fmt.Printf("Workflow:   %s\n", status.WorkflowID)
					fmt.Printf("Status:     %s\n", status.Status)
					if status.Result != nil {
						fmt.Printf("Outcome:    %s\n", status.Result.Outcome.State)
						fmt.Printf("Confirmed:  %v\n", status.Result.Confirmed)
						if status.Result.Outcome.Signature != "" {
							fmt.Printf("Signature:  %s\n", status.Result.Outcome.Signature)
						}
					}
					if status.Error != "" {
						fmt.Printf("Error:      %s\n", status.Error)
					}
					return nil
				},
			},
		},
	}
}

// watchInput validates the watch parameters and assigns a fresh watch ID.
func watchInput(sender, vault string, amount uint64, timeout time.Duration) (temporal.WatchPaymentInput, error) {
	from, err := solana.PublicKeyFromBase58(sender)
	if err != nil {
		return temporal.WatchPaymentInput{}, fmt.Errorf("invalid sender: %w", err)
	}
	if vault == "" {
		return temporal.WatchPaymentInput{}, fmt.Errorf("vault is required (set POOL_VAULT_ADDRESS env var or use --vault)")
	}
	to, err := solana.PublicKeyFromBase58(vault)
	if err != nil {
		return temporal.WatchPaymentInput{}, fmt.Errorf("invalid vault: %w", err)
	}
	if from.Equals(to) {
		return temporal.WatchPaymentInput{}, fmt.Errorf("sender must differ from the vault")
	}
	if amount == 0 {
		return temporal.WatchPaymentInput{}, fmt.Errorf("amount must be positive")
	}
	return temporal.WatchPaymentInput{
		WatchID:   uuid.NewString(),
		Sender:    from.String(),
		Recipient: to.String(),
		Amount:    amount,
		Timeout:   timeout,
	}, nil
}

func getTemporalClient(c *cli.Context) (*temporal.Client, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only errors to stderr
	}))
	return temporal.NewClient(
		c.String("temporal-host"),
		c.String("temporal-namespace"),
		c.String("temporal-task-queue"),
		logger,
	)
}
