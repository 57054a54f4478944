package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"PDALedger/internal/auth"
	"PDALedger/internal/core"
	"PDALedger/internal/event"
	"PDALedger/internal/ingestion"
	"PDALedger/internal/pda"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	core     *core.DeterministicCore
	proc     *ingestion.Processor
	admin    *auth.Keypair
	outbound chan ingestion.PublishableEvent
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	admin, err := auth.GenerateKeypair()
	require.NoError(t, err)

	c, err := core.NewDeterministicCore(core.Config{FaucetEnabled: true}, nil, nil, zerolog.Nop(), nil)
	require.NoError(t, err)

	outbound := make(chan ingestion.PublishableEvent, 64)
	proc := ingestion.NewProcessor(c, ingestion.ProcessorConfig{
		Verifier: auth.NewVerifier(admin.Public),
		Dedup:    ingestion.NewIdempotencyChecker(128, nil, nil),
		Outbound: outbound,
	}, zerolog.Nop(), nil)

	return &harness{core: c, proc: proc, admin: admin, outbound: outbound}
}

func (h *harness) airdrop(t *testing.T, to pda.Pubkey, amount uint64) {
	t.Helper()
	evt := &event.Airdrop{OperationID: uuid.New(), To: to, Amount: amount, Timestamp: time.Now()}
	_, err := h.proc.Submit(context.Background(), ingestion.Command{Event: evt, Signature: h.admin.SignatureString(evt)})
	require.NoError(t, err)
}

func signed(kp *auth.Keypair, evt event.Event) ingestion.Command {
	return ingestion.Command{Event: evt, Signature: kp.SignatureString(evt)}
}

func drain(ch chan ingestion.PublishableEvent) []ingestion.PublishableEvent {
	var out []ingestion.PublishableEvent
	for {
		select {
		case pe := <-ch:
			out = append(out, pe)
		default:
			return out
		}
	}
}

func TestProcessor_SubmitAppliesSignedOperations(t *testing.T) {
	h := newHarness(t)
	owner, err := auth.GenerateKeypair()
	require.NoError(t, err)
	h.airdrop(t, owner.Public, 10_000_000)

	create := &event.CreateAccount{OperationID: uuid.New(), Label: "MyBank", Owner: owner.Public, Caller: owner.Public}
	r, err := h.proc.Submit(context.Background(), signed(owner, create))
	require.NoError(t, err)
	require.NotNil(t, r.Account)

	dep := &event.Deposit{OperationID: uuid.New(), Address: r.Address, Amount: 1_000_000, Caller: owner.Public}
	_, err = h.proc.Submit(context.Background(), signed(owner, dep))
	require.NoError(t, err)

	acct, err := h.core.Fetch(r.Address)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), acct.Balance)

	results := drain(h.outbound)
	require.Len(t, results, 3)
	for _, pe := range results {
		assert.Equal(t, ingestion.StatusApplied, pe.Status)
	}
	assert.Equal(t, "pda.ledger.events.Deposit", results[2].Subject())
	assert.Equal(t, r.Address.String(), results[2].Address)
}

func TestProcessor_RejectsForgedSignature(t *testing.T) {
	h := newHarness(t)
	owner, _ := auth.GenerateKeypair()
	mallory, _ := auth.GenerateKeypair()

	create := &event.CreateAccount{OperationID: uuid.New(), Label: "MyBank", Owner: owner.Public, Caller: owner.Public}
	_, err := h.proc.Submit(context.Background(), signed(mallory, create))
	require.ErrorIs(t, err, auth.ErrBadSignature)
	assert.Equal(t, int64(0), h.core.GetSequence())

	results := drain(h.outbound)
	require.Len(t, results, 1)
	assert.Equal(t, ingestion.StatusRejected, results[0].Status)
	assert.Equal(t, "bad_signature", results[0].Reason)
	assert.Equal(t, "pda.ledger.rejected.CreateAccount", results[0].Subject())
}

func TestProcessor_AirdropNeedsAdmin(t *testing.T) {
	h := newHarness(t)
	user, _ := auth.GenerateKeypair()

	evt := &event.Airdrop{OperationID: uuid.New(), To: user.Public, Amount: 5}
	_, err := h.proc.Submit(context.Background(), signed(user, evt))
	assert.ErrorIs(t, err, auth.ErrBadSignature)
	assert.Zero(t, h.core.WalletBalance(user.Public))
}

func TestProcessor_DropsRetriedOperation(t *testing.T) {
	h := newHarness(t)
	owner, _ := auth.GenerateKeypair()
	h.airdrop(t, owner.Public, 10_000_000)

	create := &event.CreateAccount{OperationID: uuid.New(), Label: "MyBank", Owner: owner.Public, Caller: owner.Public}
	r, err := h.proc.Submit(context.Background(), signed(owner, create))
	require.NoError(t, err)

	dep := &event.Deposit{OperationID: uuid.New(), Address: r.Address, Amount: 700, Caller: owner.Public}
	_, err = h.proc.Submit(context.Background(), signed(owner, dep))
	require.NoError(t, err)
	_, err = h.proc.Submit(context.Background(), signed(owner, dep))
	require.ErrorIs(t, err, ingestion.ErrDuplicate)

	acct, _ := h.core.Fetch(r.Address)
	assert.Equal(t, uint64(700), acct.Balance)
}

func TestProcessor_RejectedOperationCanBeRetried(t *testing.T) {
	h := newHarness(t)
	owner, _ := auth.GenerateKeypair()
	h.airdrop(t, owner.Public, 10_000_000)
	r, err := h.proc.Submit(context.Background(), signed(owner,
		&event.CreateAccount{OperationID: uuid.New(), Label: "MyBank", Owner: owner.Public, Caller: owner.Public}))
	require.NoError(t, err)

	wd := &event.Withdraw{OperationID: uuid.New(), Address: r.Address, Amount: 100, Caller: owner.Public}
	_, err = h.proc.Submit(context.Background(), signed(owner, wd))
	require.ErrorIs(t, err, core.ErrInsufficientBalance)

	_, err = h.proc.Submit(context.Background(), signed(owner,
		&event.Deposit{OperationID: uuid.New(), Address: r.Address, Amount: 100, Caller: owner.Public}))
	require.NoError(t, err)

	_, err = h.proc.Submit(context.Background(), signed(owner, wd))
	require.NoError(t, err, "a rejected operation id is not marked as processed")
}

func TestProcessor_HandleAcksEveryOutcome(t *testing.T) {
	h := newHarness(t)
	owner, _ := auth.GenerateKeypair()
	h.airdrop(t, owner.Public, 10_000_000)

	create := &event.CreateAccount{OperationID: uuid.New(), Label: "MyBank", Owner: owner.Public, Caller: owner.Public}
	payload, err := json.Marshal(map[string]interface{}{
		"operation_id": create.OperationID.String(),
		"label":        create.Label,
		"owner":        owner.Public.String(),
		"caller":       owner.Public.String(),
		"signature":    owner.SignatureString(create),
	})
	require.NoError(t, err)

	cases := []struct {
		name    string
		subject string
		data    []byte
	}{
		{"applied", "pda.bank.create.x", payload},
		{"rejected as duplicate", "pda.bank.create.x", payload},
		{"unknown subject", "pda.bank.unknown", payload},
		{"malformed", "pda.bank.deposit.x", []byte("{")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var acked, naked bool
			h.proc.Handle(context.Background(), ingestion.RawEvent{
				Subject: tc.subject,
				Data:    tc.data,
				AckFunc: func() { acked = true },
				NakFunc: func() { naked = true },
			})
			assert.True(t, acked)
			assert.False(t, naked)
		})
	}

	d, err := h.core.Derive("MyBank", owner.Public)
	require.NoError(t, err)
	_, err = h.core.Fetch(d.Address)
	assert.NoError(t, err)
}

func TestProcessor_HandleNaksOnShutdown(t *testing.T) {
	h := newHarness(t)
	owner, _ := auth.GenerateKeypair()
	evt := &event.Deposit{OperationID: uuid.New(), Address: pda.Pubkey{1}, Amount: 1, Caller: owner.Public}
	payload, _ := json.Marshal(map[string]interface{}{
		"operation_id": evt.OperationID.String(),
		"address":      evt.Address.String(),
		"amount":       1,
		"caller":       owner.Public.String(),
		"signature":    owner.SignatureString(evt),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var naked bool
	h.proc.Handle(ctx, ingestion.RawEvent{
		Subject: "pda.bank.deposit.x",
		Data:    payload,
		AckFunc: func() {},
		NakFunc: func() { naked = true },
	})
	assert.True(t, naked)
}

func TestProcessor_DedupOutageRefusesAndNaks(t *testing.T) {
	admin, err := auth.GenerateKeypair()
	require.NoError(t, err)
	c, err := core.NewDeterministicCore(core.Config{FaucetEnabled: true}, nil, nil, zerolog.Nop(), nil)
	require.NoError(t, err)
	proc := ingestion.NewProcessor(c, ingestion.ProcessorConfig{
		Verifier: auth.NewVerifier(admin.Public),
		Dedup:    ingestion.NewIdempotencyChecker(16, &fakeDB{err: errors.New("statement timeout")}, nil),
	}, zerolog.Nop(), nil)

	to := pda.Pubkey{9}
	evt := &event.Airdrop{OperationID: uuid.New(), To: to, Amount: 500, Timestamp: time.Now()}
	_, err = proc.Submit(context.Background(), ingestion.Command{Event: evt, Signature: admin.SignatureString(evt)})
	require.ErrorIs(t, err, ingestion.ErrDedupUnavailable)
	assert.Zero(t, c.WalletBalance(to))
	assert.Equal(t, int64(0), c.GetSequence())

	payload, _ := json.Marshal(ingestion.AirdropRequest{
		OperationID: evt.OperationID.String(),
		To:          to.String(),
		Amount:      evt.Amount,
		Signature:   admin.SignatureString(evt),
	})
	var acked, naked bool
	proc.Handle(context.Background(), ingestion.RawEvent{
		Subject: "pda.bank.airdrop.x",
		Data:    payload,
		AckFunc: func() { acked = true },
		NakFunc: func() { naked = true },
	})
	assert.True(t, naked)
	assert.False(t, acked)
	assert.Zero(t, c.WalletBalance(to))
}

func TestRejectReason(t *testing.T) {
	assert.Equal(t, "bad_signature", ingestion.RejectReason(auth.ErrMissingSignature))
	assert.Equal(t, "unauthorized", ingestion.RejectReason(auth.ErrAdminRequired))
	assert.Equal(t, "duplicate", ingestion.RejectReason(ingestion.ErrDuplicate))
	assert.Equal(t, "unavailable", ingestion.RejectReason(ingestion.ErrDedupUnavailable))
	assert.Equal(t, "not_found", ingestion.RejectReason(&core.OpError{Op: "deposit", Err: core.ErrNotFound}))
	assert.Equal(t, "internal", ingestion.RejectReason(errors.New("boom")))
}

// --- publisher ---

type recordingPublisher struct {
	subjects []string
	payloads [][]byte
}

func (r *recordingPublisher) Publish(_ context.Context, subject string, payload []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	r.subjects = append(r.subjects, subject)
	r.payloads = append(r.payloads, payload)
	return &jetstream.PubAck{Stream: ingestion.OutboundStream}, nil
}

func TestOutboundPublisher_PublishesUntilClosed(t *testing.T) {
	h := newHarness(t)
	user, _ := auth.GenerateKeypair()
	h.airdrop(t, user.Public, 42)
	results := drain(h.outbound)
	require.Len(t, results, 1)

	in := make(chan ingestion.PublishableEvent, 1)
	in <- results[0]
	close(in)

	rec := &recordingPublisher{}
	err := ingestion.NewOutboundPublisher(rec, in, zerolog.Nop()).Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, []string{"pda.ledger.events.Airdrop"}, rec.subjects)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.payloads[0], &decoded))
	assert.Equal(t, "applied", decoded["status"])
	assert.Equal(t, results[0].IdempotencyKey, decoded["idempotency_key"])
}
