package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"EnergyLedger/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	StreamName    = "ENERGY_OFFER_EVENTS"
	subjectPrefix = "energy.offers"
)

// ErrBufferFull is returned when the outbound buffer cannot take an event.
var ErrBufferFull = errors.New("publish buffer full")

// StreamPublisher is the part of jetstream.JetStream the publisher needs.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSPublisher publishes lifecycle events to JetStream. Publish only
// enqueues; Run drains the buffer so callers never block on the broker.
// Subjects follow energy.offers.{event}.{segment}.
type NATSPublisher struct {
	js      StreamPublisher
	queue   chan Event
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewNATSPublisher(js StreamPublisher, buffer int, metrics *observability.Metrics, logger zerolog.Logger) *NATSPublisher {
	if buffer <= 0 {
		buffer = 1024
	}
	return &NATSPublisher{
		js:      js,
		queue:   make(chan Event, buffer),
		metrics: metrics,
		logger:  logger,
	}
}

func (p *NATSPublisher) Publish(_ context.Context, evt Event) error {
	select {
	case p.queue <- evt:
		return nil
	default:
		p.metrics.PublishDrops.Inc()
		return fmt.Errorf("%w: %s %s", ErrBufferFull, evt.Name, evt.OfferID)
	}
}

// Run starts the outbound publisher loop.
func (p *NATSPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt := <-p.queue:
			if err := p.publish(ctx, evt); err != nil {
				p.metrics.PublishErrors.Inc()
				p.logger.Warn().Err(err).
					Str("event", evt.Name).
					Str("offer_id", evt.OfferID).
					Msg("outbound publish failed")
			}
		}
	}
}

func (p *NATSPublisher) publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = p.js.Publish(ctx, Subject(evt), data)
	return err
}

// Subject builds energy.offers.{event}.{segment}; events without a segment
// go to the "all" token.
func Subject(evt Event) string {
	segment := subjectToken(evt.Audience.Segment)
	if segment == "" {
		segment = "all"
	}
	return fmt.Sprintf("%s.%s.%s", subjectPrefix, evt.Name, segment)
}

// subjectToken strips characters NATS reserves for subject structure.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, strings.TrimSpace(s))
}

// EnsureStream creates or updates the outbound events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{subjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", StreamName).Msg("ensured outbound stream")
	return nil
}

// ConnectNATS dials NATS with unlimited reconnects and returns a JetStream
// context on the connection.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("energyledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
