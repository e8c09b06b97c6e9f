package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	natspkg "github.com/brojonat/psyduk/service/nats"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// EventStream relays raffle events from NATS JetStream to Server-Sent Events clients.
type EventStream struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewEventStream connects to NATS for SSE relaying.
func NewEventStream(natsURL string, logger *slog.Logger) (*EventStream, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("psyduk-sse"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	logger.Info("event stream initialized", "nats_url", natsURL)

	return &EventStream{
		nc:     nc,
		js:     js,
		logger: logger,
	}, nil
}

// Close closes the NATS connection.
func (s *EventStream) Close() error {
	if s.nc != nil {
		s.nc.Close()
		s.logger.Info("event stream closed")
	}
	return nil
}

// handleStreamNotifications streams one participant's notifications.
// GET /api/v1/stream/notifications/{participant}
func handleStreamNotifications(stream *EventStream, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		participant := r.PathValue("participant")
		if err := validateAddress(participant); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		relay(w, r, stream, natspkg.NotifySubject(participant), "notification", func(data []byte) error {
			var n natspkg.Notification
			return json.Unmarshal(data, &n)
		}, logger)
	})
}

// handleStreamRounds streams round results.
// GET /api/v1/stream/rounds
func handleStreamRounds(stream *EventStream, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		relay(w, r, stream, natspkg.SubjectRoundResolved, "round_resolved", func(data []byte) error {
			var e natspkg.RoundResolvedEvent
			return json.Unmarshal(data, &e)
		}, logger)
	})
}

// relay forwards new messages on subject as SSE events named event until the
// client disconnects. Messages that fail check are acked and dropped.
func relay(w http.ResponseWriter, r *http.Request, stream *EventStream, subject, event string, check func([]byte) error, logger *slog.Logger) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flush := func() {
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
	}
	flush()

	logger.DebugContext(r.Context(), "SSE client connected",
		"subject", subject,
		"remote_addr", r.RemoteAddr,
	)

	// Ephemeral consumer, deleted when the connection closes.
	cons, err := stream.js.CreateOrUpdateConsumer(r.Context(), natspkg.StreamName, jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		logger.ErrorContext(r.Context(), "failed to create consumer", "subject", subject, "error", err)
		fmt.Fprintf(w, "event: error\ndata: {\"error\": \"failed to subscribe\"}\n\n")
		return
	}

	msgChan := make(chan jetstream.Msg, 10)
	doneChan := make(chan struct{})

	go func() {
		defer close(doneChan)
		cc, err := cons.Consume(func(msg jetstream.Msg) {
			select {
			case msgChan <- msg:
			case <-r.Context().Done():
			}
		})
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to start consuming messages", "error", err)
			return
		}
		<-r.Context().Done()
		cc.Stop()
	}()

	fmt.Fprintf(w, "event: connected\ndata: {\"subject\":%q}\n\n", subject)
	flush()

	keepalive := time.NewTicker(10 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flush()

		case msg := <-msgChan:
			if err := check(msg.Data()); err != nil {
				logger.WarnContext(r.Context(), "dropping malformed event", "subject", msg.Subject(), "error", err)
				msg.Ack()
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, msg.Data())
			flush()
			msg.Ack()

		case <-r.Context().Done():
			logger.DebugContext(r.Context(), "SSE client disconnected",
				"subject", subject,
				"remote_addr", r.RemoteAddr,
			)
			return

		case <-doneChan:
			return
		}
	}
}
