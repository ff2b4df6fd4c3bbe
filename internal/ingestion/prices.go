package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"synthledger/internal/observability"
	"synthledger/internal/oracle"
)

const (
	PriceStreamName   = "SYNTH_PRICES"
	PriceSubjects     = "synth.prices.>"
	priceConsumerName = "synthledger-prices"
)

// PriceUpdate is the wire form of one oracle round. Answer is a decimal
// string in the feed's native 8-decimal scale.
type PriceUpdate struct {
	FeedID          string `json:"feed_id"`
	RoundID         int64  `json:"round_id"`
	Answer          string `json:"answer"`
	StartedAt       int64  `json:"started_at"`
	UpdatedAt       int64  `json:"updated_at"`
	AnsweredInRound int64  `json:"answered_in_round"`
}

// ParsePriceUpdate decodes and validates a price message.
func ParsePriceUpdate(data []byte) (*PriceUpdate, error) {
	var upd PriceUpdate
	if err := json.Unmarshal(data, &upd); err != nil {
		return nil, fmt.Errorf("decode price update: %w", err)
	}
	if upd.FeedID == "" {
		return nil, fmt.Errorf("price update missing feed_id")
	}
	if upd.RoundID <= 0 {
		return nil, fmt.Errorf("price update round_id %d", upd.RoundID)
	}
	if _, ok := new(big.Int).SetString(upd.Answer, 10); !ok {
		return nil, fmt.Errorf("price update answer %q is not an integer", upd.Answer)
	}
	return &upd, nil
}

// Round converts the update to the oracle's round form.
func (u *PriceUpdate) Round() oracle.RoundData {
	answer, _ := new(big.Int).SetString(u.Answer, 10)
	answered := u.AnsweredInRound
	if answered == 0 {
		answered = u.RoundID
	}
	return oracle.RoundData{
		RoundID:         u.RoundID,
		Answer:          answer,
		StartedAt:       u.StartedAt,
		UpdatedAt:       u.UpdatedAt,
		AnsweredInRound: answered,
	}
}

// PriceSubscriber consumes oracle rounds from JetStream and applies them to
// the feed store. Messages are acked once the round is stored; malformed
// messages are acked and dropped so they cannot wedge the consumer.
type PriceSubscriber struct {
	js       jetstream.JetStream
	feeds    *oracle.FeedStore
	log      zerolog.Logger
	metrics  *observability.Metrics
	consumer jetstream.ConsumeContext
}

func NewPriceSubscriber(js jetstream.JetStream, feeds *oracle.FeedStore, log zerolog.Logger, metrics *observability.Metrics) *PriceSubscriber {
	return &PriceSubscriber{
		js:      js,
		feeds:   feeds,
		log:     log,
		metrics: metrics,
	}
}

// Subscribe creates the durable consumer and starts delivering rounds.
func (ps *PriceSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ps.js.CreateOrUpdateConsumer(ctx, PriceStreamName, jetstream.ConsumerConfig{
		Durable:       priceConsumerName,
		FilterSubject: PriceSubjects,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create price consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		upd, err := ParsePriceUpdate(msg.Data())
		if err != nil {
			ps.log.Warn().Err(err).Str("subject", msg.Subject()).Msg("dropping bad price message")
			if ps.metrics != nil {
				ps.metrics.PriceRoundsInvalid.WithLabelValues("parse").Inc()
			}
			msg.Ack()
			return
		}

		ps.feeds.SetRound(upd.FeedID, upd.Round())
		if ps.metrics != nil {
			ps.metrics.PriceRoundsReceived.WithLabelValues(upd.FeedID).Inc()
		}
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume prices: %w", err)
	}

	ps.consumer = cc
	ps.log.Info().Str("subject", PriceSubjects).Msg("price subscriber started")
	return nil
}

// Stop gracefully stops the consumer.
func (ps *PriceSubscriber) Stop() {
	if ps.consumer != nil {
		ps.consumer.Stop()
	}
}

// EnsureStreams creates the required JetStream streams if they don't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      PriceStreamName,
			Subjects:  []string{PriceSubjects},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      OutboundStreamName,
			Subjects:  []string{OutboundSubjects},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Info().Str("stream", cfg.Name).Msg("stream ensured")
	}

	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
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
