package projection

import (
	"context"
	"database/sql"
	"fmt"

	"PDALedger/internal/core"
	"PDALedger/internal/ledger"
	"PDALedger/internal/observability"

	"github.com/rs/zerolog"
)

const workerID = "main"

// ProjectionWorker updates projection tables from applied operations.
// The projection channel is non-blocking with drop; if projections fall
// behind they are rebuilt with Rebuild.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	lastSeq   int64
	log       zerolog.Logger
	metrics   *observability.Metrics
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, logger zerolog.Logger, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		lastSeq:   -1,
		log:       logger,
		metrics:   metrics,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			seq := output.Envelope.Sequence
			if pw.lastSeq >= 0 && seq != pw.lastSeq+1 {
				pw.log.Warn().Int64("expected", pw.lastSeq+1).Int64("got", seq).
					Msg("projection gap, rebuild required")
			}

			if err := pw.Apply(ctx, output); err != nil {
				// Projections are eventually consistent and can be rebuilt.
				pw.log.Warn().Err(err).Int64("seq", seq).Msg("projection update failed")
			}

			pw.lastSeq = seq
			if pw.metrics != nil {
				pw.metrics.SetChannelMetrics("projection", len(pw.inputChan), cap(pw.inputChan))
			}
		}
	}
}

// Apply writes one output's projection rows in a single transaction.
func (pw *ProjectionWorker) Apply(ctx context.Context, output core.CoreOutput) error {
	seq := output.Envelope.Sequence

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, j := range output.Batch.Journals {
		if err := updateBalance(ctx, tx, j, seq); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	if output.Account != nil {
		if err := upsertAccount(ctx, tx, output.Account, seq); err != nil {
			return fmt.Errorf("account projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, workerID, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// updateBalance applies one journal: the debit side increases, the credit
// side decreases.
func updateBalance(ctx context.Context, tx *sql.Tx, j ledger.Journal, seq int64) error {
	const upsert = `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance + $2, last_sequence = $3
	`
	if _, err := tx.ExecContext(ctx, upsert, j.DebitAccount.AccountPath(), j.Amount, seq); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, upsert, j.CreditAccount.AccountPath(), -j.Amount, seq); err != nil {
		return err
	}
	return nil
}

func upsertAccount(ctx context.Context, tx *sql.Tx, acct *core.Account, seq int64) error {
	record, err := acct.Record.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.bank_accounts
			(address, name, owner, balance, bump, record, created_seq, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (address)
		DO UPDATE SET balance = $4, record = $6, last_sequence = $7
	`, acct.Address.String(), acct.Record.Name, acct.Record.Owner.String(),
		int64(acct.Record.Balance), int16(acct.Bump), record, seq)
	return err
}

// Rebuild replaces all projections. Balances are recomputed from the journal;
// account rows come from state, the core's current snapshot.
func Rebuild(ctx context.Context, db *sql.DB, state *core.SnapshotState) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.bank_accounts`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		SELECT account_path, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account AS account_path, -amount AS delta, sequence FROM event_log.journal
		) entries
		GROUP BY account_path
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	for i := range state.Accounts {
		if err := upsertAccount(ctx, tx, &state.Accounts[i], state.Sequence); err != nil {
			return fmt.Errorf("rebuild account %s: %w", state.Accounts[i].Address, err)
		}
	}

	if state.Sequence >= 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
			VALUES ($1, $2, NOW())
		`, workerID, state.Sequence); err != nil {
			return fmt.Errorf("watermark: %w", err)
		}
	}

	return tx.Commit()
}
