package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	natspkg "github.com/brojonat/psyduk/service/nats"
	"github.com/itchyny/gojq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

// subscribeCommand follows raffle events on NATS.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Follow a participant's notifications or round results",
		ArgsUsage: "[participant]",
		Description: `Stream raffle events published to NATS JetStream.

With a participant address, follows raffle.notify.{participant}. Without one,
follows round results on raffle.rounds.resolved. Every --jq filter must
evaluate truthy against an event for it to be printed.

Example:
  raffle nats subscribe DYw8jCTfwHNRJhhmFcbXvVDTqWMEVFBX6ZKUmG5CNSKK --jq '.kind == "payment_confirmed"'
  raffle nats subscribe --jq '.payout > 100000000' --json`,
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: "jq expression an event must satisfy (repeatable)",
			},
			&cli.BoolFlag{
				Name:  "all",
				Usage: "Replay retained events instead of only new ones",
			},
		},
		Action: func(c *cli.Context) error {
			subject := natspkg.SubjectRoundResolved
			if c.NArg() > 0 {
				subject = natspkg.NotifySubject(c.Args().First())
			}

			filters, err := compileFilters(c.StringSlice("jq"))
			if err != nil {
				return err
			}

			return streamEvents(c.String("nats-url"), subject, c.Bool("all"), filters, c.Bool("json"))
		},
	}
}

// compileFilters parses and compiles jq expressions.
func compileFilters(exprs []string) ([]*gojq.Code, error) {
	codes := make([]*gojq.Code, len(exprs))
	for i, expr := range exprs {
		query, err := gojq.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", expr, err)
		}
		codes[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", expr, err)
		}
	}
	return codes, nil
}

// matchesAll reports whether every filter's first result for data is truthy.
func matchesAll(filters []*gojq.Code, data []byte) bool {
	if len(filters) == 0 {
		return true
	}

	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return false
	}

	for _, code := range filters {
		iter := code.Run(v)
		result, ok := iter.Next()
		if !ok {
			return false
		}
		if _, isErr := result.(error); isErr {
			return false
		}
		if !isTruthy(result) {
			return false
		}
	}
	return true
}

// isTruthy checks if a jq result value is truthy.
// In jq, false and null are falsy, everything else is truthy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

// streamEvents consumes subject until interrupted, printing matching events.
func streamEvents(natsURL, subject string, replay bool, filters []*gojq.Code, jsonOutput bool) error {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	deliver := jetstream.DeliverNewPolicy
	if replay {
		deliver = jetstream.DeliverAllPolicy
	}

	cons, err := js.CreateOrUpdateConsumer(context.Background(), natspkg.StreamName, jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: deliver,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	if !jsonOutput {
		fmt.Fprintf(os.Stderr, "📡 Subscribing to: %s\n", subject)
		fmt.Fprintf(os.Stderr, "   NATS: %s\n", natsURL)
		fmt.Fprintf(os.Stderr, "\nWaiting for events... (Ctrl-C to exit)\n\n")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	msgChan := make(chan jetstream.Msg, 10)
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		msgChan <- msg
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	defer cc.Stop()

	count := 0
	for {
		select {
		case msg := <-msgChan:
			msg.Ack()
			if !matchesAll(filters, msg.Data()) {
				continue
			}
			count++

			if jsonOutput {
				fmt.Println(string(msg.Data()))
				continue
			}
			printEvent(msg.Subject(), msg.Data())

		case <-sigChan:
			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "\n✅ Received %d events\n", count)
			}
			return nil
		}
	}
}

func printEvent(subject string, data []byte) {
	if subject == natspkg.SubjectRoundResolved {
		var e natspkg.RoundResolvedEvent
		if err := json.Unmarshal(data, &e); err != nil {
			fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
			return
		}
		fmt.Printf("🏆 %s won %s with %d tickets in play (%s)\n",
			e.Winner, formatSOL(e.Payout), e.Tickets, e.ResolvedAt.Format(time.RFC3339))
		fmt.Printf("   Next round: %s → %s\n\n", formatUnix(e.NextStartTime), formatUnix(e.NextEndTime))
		return
	}

	var n natspkg.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
		return
	}
	fmt.Printf("[%s] %s: %s\n", n.PublishedAt.Format(time.RFC3339), n.Kind, n.Text())
}

// inspectStreamCommand shows information about the raffle JetStream stream.
func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect-stream",
		Usage: "Inspect the RAFFLE JetStream stream",
		Action: func(c *cli.Context) error {
			nc, err := nats.Connect(c.String("nats-url"))
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			ctx := context.Background()
			stream, err := js.Stream(ctx, natspkg.StreamName)
			if err != nil {
				return fmt.Errorf("failed to get stream: %w", err)
			}
			info, err := stream.Info(ctx)
			if err != nil {
				return fmt.Errorf("failed to get stream info: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(info)
			}

			fmt.Printf("Stream:       %s\n", info.Config.Name)
			fmt.Printf("Subjects:     %v\n", info.Config.Subjects)
			fmt.Printf("Messages:     %d\n", info.State.Msgs)
			fmt.Printf("Bytes:        %d\n", info.State.Bytes)
			fmt.Printf("First Seq:    %d\n", info.State.FirstSeq)
			fmt.Printf("Last Seq:     %d\n", info.State.LastSeq)
			fmt.Printf("Consumers:    %d\n", info.State.Consumers)
			fmt.Printf("Max Age:      %s\n", info.Config.MaxAge)
			return nil
		},
	}
}
