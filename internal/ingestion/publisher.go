package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"PDALedger/internal/core"
	"PDALedger/internal/event"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundStream holds applied and rejected operation results.
const OutboundStream = "PDA_LEDGER_EVENTS"

const (
	StatusApplied  = "applied"
	StatusRejected = "rejected"
)

// StreamPublisher is the part of jetstream.JetStream the publisher needs.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes operation results to NATS for downstream
// consumers. Subjects are pda.ledger.events.{type} for applied operations
// and pda.ledger.rejected.{type} for rejections.
type OutboundPublisher struct {
	js        StreamPublisher
	inputChan <-chan PublishableEvent
	logger    zerolog.Logger
}

// PublishableEvent is an operation result ready for outbound publishing.
type PublishableEvent struct {
	Status         string        `json:"status"`
	Sequence       int64         `json:"sequence,omitempty"`
	EventType      string        `json:"event_type"`
	IdempotencyKey string        `json:"idempotency_key"`
	Address        string        `json:"address,omitempty"`
	Reason         string        `json:"reason,omitempty"`
	Payload        event.Event   `json:"payload"`
	Account        *core.Account `json:"account,omitempty"`
	Fee            uint64        `json:"fee,omitempty"`
	StateHash      string        `json:"state_hash,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
}

// Subject is the outbound subject for the result.
func (pe PublishableEvent) Subject() string {
	if pe.Status == StatusRejected {
		return fmt.Sprintf("pda.ledger.rejected.%s", pe.EventType)
	}
	return fmt.Sprintf("pda.ledger.events.%s", pe.EventType)
}

func appliedEvent(evt event.Event, r *core.Receipt) PublishableEvent {
	pe := PublishableEvent{
		Status:         StatusApplied,
		Sequence:       r.Sequence,
		EventType:      evt.EventType().String(),
		IdempotencyKey: evt.IdempotencyKey(),
		Payload:        evt,
		Account:        r.Account,
		Fee:            r.Fee,
		StateHash:      hex.EncodeToString(r.StateHash[:]),
		Timestamp:      evt.OccurredAt(),
	}
	if !r.Address.IsZero() {
		pe.Address = r.Address.String()
	}
	return pe
}

func rejectedEvent(evt event.Event, reason string) PublishableEvent {
	return PublishableEvent{
		Status:         StatusRejected,
		EventType:      evt.EventType().String(),
		IdempotencyKey: evt.IdempotencyKey(),
		Reason:         reason,
		Payload:        evt,
		Timestamp:      evt.OccurredAt(),
	}
}

func NewOutboundPublisher(js StreamPublisher, inputChan <-chan PublishableEvent, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
	}
}

// Run publishes until ctx is cancelled or inputChan is closed. Publish
// failures are logged and skipped; consumers can read the event log instead.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				op.logger.Warn().Err(err).
					Str("op_id", evt.IdempotencyKey).
					Int64("sequence", evt.Sequence).
					Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = op.js.Publish(ctx, evt.Subject(), data)
	return err
}

// EnsureOutboundStream creates the outbound results stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      OutboundStream,
		Subjects:  []string{"pda.ledger.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", OutboundStream).Msg("ensured outbound stream")
	return nil
}
