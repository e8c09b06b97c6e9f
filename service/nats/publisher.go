package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/psyduk/service/metrics"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher defines the interface for publishing raffle events to NATS.
type Publisher interface {
	// PublishNotification publishes to "raffle.notify.{participant}".
	PublishNotification(ctx context.Context, n *Notification) error

	// PublishRoundResolved publishes to "raffle.rounds.resolved".
	PublishRoundResolved(ctx context.Context, event *RoundResolvedEvent) error

	// Close closes the connection to NATS.
	Close() error
}

// JetStreamPublisher publishes raffle events to NATS JetStream.
type JetStreamPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	metrics *metrics.Metrics
	logger  *slog.Logger
}

const (
	// StreamName is the name of the JetStream stream for raffle events.
	StreamName = "RAFFLE"

	// StreamSubjects is the subject pattern for the stream.
	StreamSubjects = "raffle.>"

	// StreamRetention is how long messages are retained (7 days by default).
	StreamRetention = 7 * 24 * time.Hour
)

// NewPublisher creates a new JetStream publisher.
// It connects to NATS and ensures the stream exists.
// If metrics is nil, no metrics will be recorded.
func NewPublisher(natsURL string, m *metrics.Metrics, logger *slog.Logger) (*JetStreamPublisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("psyduk-publisher"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1), // Unlimited reconnects
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	publisher := &JetStreamPublisher{
		nc:      nc,
		js:      js,
		metrics: m,
		logger:  logger,
	}

	if err := publisher.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}

	logger.Info("NATS publisher initialized",
		"url", natsURL,
		"stream", StreamName,
	)

	return publisher, nil
}

// ensureStream creates the JetStream stream if it doesn't exist.
func (p *JetStreamPublisher) ensureStream() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := p.js.Stream(ctx, StreamName)
	if err == nil {
		info, err := stream.Info(ctx)
		if err == nil {
			p.logger.Debug("JetStream stream already exists",
				"stream", StreamName,
				"messages", info.State.Msgs,
			)
		}
		return nil
	}

	p.logger.Info("creating JetStream stream", "stream", StreamName)

	streamConfig := jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Raffle notifications and round results",
		Subjects:    []string{StreamSubjects},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	}

	if _, err := p.js.CreateStream(ctx, streamConfig); err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	p.logger.Info("JetStream stream created successfully", "stream", StreamName)
	return nil
}

// PublishNotification publishes a participant notification.
func (p *JetStreamPublisher) PublishNotification(ctx context.Context, n *Notification) error {
	if n.PublishedAt.IsZero() {
		n.PublishedAt = time.Now().UTC()
	}
	if err := p.publish(ctx, NotifySubject(n.Participant), n); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	p.logger.DebugContext(ctx, "published notification",
		"participant", n.Participant,
		"kind", n.Kind,
	)
	return nil
}

// PublishRoundResolved publishes a round result.
func (p *JetStreamPublisher) PublishRoundResolved(ctx context.Context, event *RoundResolvedEvent) error {
	if event.PublishedAt.IsZero() {
		event.PublishedAt = time.Now().UTC()
	}
	if err := p.publish(ctx, SubjectRoundResolved, event); err != nil {
		return fmt.Errorf("failed to publish round result: %w", err)
	}

	p.logger.DebugContext(ctx, "published round result",
		"round", event.Round,
		"winner", event.Winner,
		"payout", event.Payout,
	)
	return nil
}

func (p *JetStreamPublisher) publish(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	start := time.Now()
	_, err = p.js.Publish(ctx, subject, data)
	if p.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		p.metrics.RecordNATSPublish(subject, status, time.Since(start).Seconds())
	}
	return err
}

// Close closes the connection to NATS.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}
