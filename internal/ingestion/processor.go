package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"PDALedger/internal/auth"
	"PDALedger/internal/core"
	"PDALedger/internal/event"
	"PDALedger/internal/observability"

	"github.com/rs/zerolog"
)

// ErrDuplicate is returned for an operation id that was already applied.
var ErrDuplicate = errors.New("duplicate operation")

// Applier is the engine surface the processor drives.
type Applier interface {
	ProcessEvent(evt event.Event) (*core.Receipt, error)
}

// Processor is the shell between transports and the engine: it verifies
// signatures, drops retried operation ids, applies, and reports the result
// on the outbound channel. Every transport submits through it.
type Processor struct {
	// mu covers check, apply and mark so a retry racing the original cannot
	// apply twice.
	mu sync.Mutex

	core     Applier
	verifier *auth.Verifier
	dedup    *IdempotencyChecker
	router   *SubjectRouter
	outbound chan<- PublishableEvent

	logger  zerolog.Logger
	metrics *observability.Metrics
}

type ProcessorConfig struct {
	Verifier *auth.Verifier
	Dedup    *IdempotencyChecker
	Subjects []SubjectConfig
	// Outbound receives results; nil disables publishing. Sends never block.
	Outbound chan<- PublishableEvent
}

func NewProcessor(applier Applier, cfg ProcessorConfig, logger zerolog.Logger, metrics *observability.Metrics) *Processor {
	subjects := cfg.Subjects
	if subjects == nil {
		subjects = DefaultSubjects()
	}
	return &Processor{
		core:     applier,
		verifier: cfg.Verifier,
		dedup:    cfg.Dedup,
		router:   NewSubjectRouter(subjects),
		outbound: cfg.Outbound,
		logger:   logger,
		metrics:  metrics,
	}
}

// Submit verifies and applies one signed operation.
func (p *Processor) Submit(ctx context.Context, cmd Command) (*core.Receipt, error) {
	evt := cmd.Event
	if evt == nil {
		return nil, fmt.Errorf("submit: nil operation")
	}

	if p.verifier != nil {
		if _, err := p.verifier.VerifyString(evt, cmd.Signature); err != nil {
			p.reject(evt, err)
			return nil, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	op := evt.EventType().String()
	if p.dedup != nil {
		dup, err := p.dedup.IsDuplicate(ctx, op, evt.IdempotencyKey())
		if err != nil {
			p.logger.Warn().Err(err).
				Str("op", op).
				Str("op_id", evt.IdempotencyKey()).
				Msg("dedup check failed, operation refused")
			return nil, err
		}
		if dup {
			p.logger.Debug().
				Str("op", op).
				Str("op_id", evt.IdempotencyKey()).
				Msg("duplicate operation dropped")
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, evt.IdempotencyKey())
		}
	}

	receipt, err := p.core.ProcessEvent(evt)
	if err != nil {
		p.reject(evt, err)
		return nil, err
	}

	if p.dedup != nil {
		p.dedup.MarkProcessed(evt.IdempotencyKey())
	}
	p.send(appliedEvent(evt, receipt))
	return receipt, nil
}

// Handle resolves, decodes and submits one NATS message, then acks it.
// Malformed and rejected commands are acked too: redelivering them cannot
// change the outcome. A cancelled context or an unreachable dedup store naks.
func (p *Processor) Handle(ctx context.Context, raw RawEvent) {
	eventType := p.router.Resolve(raw.Subject)
	if eventType == "" {
		p.logger.Warn().Str("subject", raw.Subject).Msg("unknown NATS subject")
		raw.AckFunc()
		return
	}

	cmd, err := ParseRawEvent(raw, eventType)
	if err != nil {
		p.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse command failed")
		raw.AckFunc()
		return
	}

	if ctx.Err() != nil {
		raw.NakFunc()
		return
	}

	_, err = p.Submit(ctx, cmd)
	switch {
	case errors.Is(err, ErrDedupUnavailable):
		// Nothing was applied; redeliver once Postgres answers again.
		raw.NakFunc()
		return
	case err != nil && !errors.Is(err, ErrDuplicate):
		p.logger.Debug().Err(err).
			Str("op", eventType).
			Str("op_id", cmd.Event.IdempotencyKey()).
			Msg("command rejected")
	}
	raw.AckFunc()
}

// Run drains rawChan until ctx is cancelled or the channel is closed.
func (p *Processor) Run(ctx context.Context, rawChan <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-rawChan:
			if !ok {
				return nil
			}
			p.Handle(ctx, raw)
		}
	}
}

func (p *Processor) reject(evt event.Event, err error) {
	p.send(rejectedEvent(evt, RejectReason(err)))
}

func (p *Processor) send(pe PublishableEvent) {
	if p.outbound == nil {
		return
	}
	select {
	case p.outbound <- pe:
	default:
		if p.metrics != nil {
			p.metrics.PublishDrops.Inc()
		}
		p.logger.Warn().Str("op_id", pe.IdempotencyKey).Msg("outbound channel full, result dropped")
	}
}

// RejectReason extends core.Reason with the signature failures the engine
// never sees.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingSignature), errors.Is(err, auth.ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, auth.ErrAdminRequired):
		return "unauthorized"
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	case errors.Is(err, ErrDedupUnavailable):
		return "unavailable"
	}
	return core.Reason(err)
}
