package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"synthledger/internal/engine"
	"synthledger/internal/event"
)

const (
	OutboundStreamName = "SYNTH_LEDGER_EVENTS"
	OutboundSubjects   = "synth.ledger.events.>"
)

// PublishedOp is the wire form of an applied operation on the outbound
// stream. Numeric amounts are decimal strings.
type PublishedOp struct {
	Sequence          int64     `json:"sequence"`
	OpID              string    `json:"op_id"`
	OpType            string    `json:"op_type"`
	Account           string    `json:"account"`
	Counterparty      *string   `json:"counterparty,omitempty"`
	Asset             string    `json:"asset,omitempty"`
	Quantity          *string   `json:"quantity,omitempty"`
	DebtDelta         string    `json:"debt_delta"`
	HealthFactorAfter *string   `json:"health_factor_after,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// OutboundPublisher drains the publish channel and pushes applied operations
// to JetStream for downstream consumers. Delivery is best effort: the engine
// drops sends when this side falls behind, and consumers can reconcile from
// the operation log.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan engine.Output
	log       zerolog.Logger
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan engine.Output, log zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		log:       log,
	}
}

// Run starts the publisher loop. Blocks until ctx is cancelled or the
// channel is closed.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, out.Envelope); err != nil {
				op.log.Warn().
					Err(err).
					Int64("sequence", out.Envelope.Sequence).
					Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, env *event.Envelope) error {
	data, err := json.Marshal(publishedFromEnvelope(env))
	if err != nil {
		return fmt.Errorf("marshal operation: %w", err)
	}

	subject := fmt.Sprintf("synth.ledger.events.%s", env.Op.Type)
	_, err = op.js.Publish(ctx, subject, data)
	return err
}

func publishedFromEnvelope(env *event.Envelope) PublishedOp {
	o := env.Op
	pub := PublishedOp{
		Sequence:  env.Sequence,
		OpID:      o.OpID.String(),
		OpType:    o.Type.String(),
		Account:   o.Account.String(),
		Asset:     o.Asset,
		DebtDelta: "0",
		Timestamp: o.Timestamp,
	}
	if o.Counterparty != nil {
		s := o.Counterparty.String()
		pub.Counterparty = &s
	}
	if o.Quantity != nil {
		q := o.Quantity.String()
		pub.Quantity = &q
	}
	if o.DebtDelta != nil {
		pub.DebtDelta = o.DebtDelta.String()
	}
	if o.HealthFactorAfter != nil {
		h := o.HealthFactorAfter.String()
		pub.HealthFactorAfter = &h
	}
	return pub
}
