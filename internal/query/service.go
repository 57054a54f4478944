package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"PDALedger/internal/ledger"
	"PDALedger/internal/pda"
)

// ErrNotFound is returned when a projection row does not exist.
var ErrNotFound = errors.New("not found")

// QueryService provides read-only access to projection tables. Every response
// carries as_of_sequence, the projection watermark it was read at.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetAccount returns the projected account at addr.
func (qs *QueryService) GetAccount(ctx context.Context, addr pda.Pubkey) (*AccountResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var (
		resp   AccountResponse
		bump   int16
		record []byte
	)
	err = qs.db.QueryRowContext(ctx, `
		SELECT address, owner, bump, record, created_seq
		FROM projections.bank_accounts
		WHERE address = $1
	`, addr.String()).Scan(&resp.Address, &resp.Owner, &bump, &record, &resp.CreatedSequence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", addr, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	// The record bytes are the source of truth for name and balance.
	var acct ledger.BankAccount
	if err := acct.UnmarshalBinary(record); err != nil {
		return nil, fmt.Errorf("account %s: %w", addr, err)
	}
	resp.Name = acct.Name
	resp.Balance = acct.Balance
	resp.Bump = uint8(bump)
	resp.AsOfSequence = asOfSeq

	if resp.Held, err = qs.getProjectedBalance(ctx, ledger.CustodyKey(addr).AccountPath()); err != nil {
		return nil, err
	}
	if resp.Reserved, err = qs.getProjectedBalance(ctx, ledger.ReserveKey(addr).AccountPath()); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListAccountsByOwner returns the addresses of every account owned by owner.
func (qs *QueryService) ListAccountsByOwner(ctx context.Context, owner pda.Pubkey) ([]string, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT address FROM projections.bank_accounts
		WHERE owner = $1
		ORDER BY created_seq
	`, owner.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var addrs []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		addrs = append(addrs, a)
	}
	return addrs, rows.Err()
}

// GetWallet returns an identity's projected wallet balance.
func (qs *QueryService) GetWallet(ctx context.Context, id pda.Pubkey) (*WalletResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	balance, err := qs.getProjectedBalance(ctx, ledger.WalletKey(id).AccountPath())
	if err != nil {
		return nil, err
	}
	return &WalletResponse{Identity: id.String(), Balance: balance, AsOfSequence: asOfSeq}, nil
}

// GetJournalHistory returns journal entries touching an account's custody or
// reserve, newest first, paginated by sequence.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	addr pda.Pubkey,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	custodyPath := ledger.CustodyKey(addr).AccountPath()
	reservePath := ledger.ReserveKey(addr).AccountPath()

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account IN ($1, $2) OR credit_account IN ($1, $2))
	`
	args := []interface{}{custodyPath, reservePath}
	argIdx := 3

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// GetOperationHistory returns the operations applied to addr, newest first.
func (qs *QueryService) GetOperationHistory(ctx context.Context, addr pda.Pubkey, limit int) ([]OperationEntry, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, timestamp, state_hash
		FROM event_log.events
		WHERE address = $1
		ORDER BY sequence DESC
		LIMIT $2
	`, addr.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []OperationEntry
	for rows.Next() {
		var (
			op   OperationEntry
			hash []byte
		)
		if err := rows.Scan(&op.Sequence, &op.EventType, &op.IdempotencyKey, &op.Timestamp, &hash); err != nil {
			return nil, err
		}
		op.StateHash = hex.EncodeToString(hash)
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity, that journal balances sum to
// zero and that each account's custody equals its balance. Everything is
// computed from the event log.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Both checks read the event log, not the projections, so a projection
	// that skipped an output cannot show up as a violation.
	if err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(delta), 0)::BIGINT
		FROM (
			SELECT amount AS delta FROM event_log.journal
			UNION ALL
			SELECT -amount AS delta FROM event_log.journal
		) entries
	`).Scan(&report.GlobalImbalance); err != nil {
		return nil, err
	}

	// The account balance is replayed from the logged operations; custody is
	// summed from the journal independently.
	mismatchRows, err := qs.db.QueryContext(ctx, `
		WITH ledger AS (
			SELECT address,
				SUM(CASE event_type
					WHEN 'Deposit' THEN (payload->>'amount')::NUMERIC
					WHEN 'Withdraw' THEN -(payload->>'amount')::NUMERIC
					ELSE 0 END) AS balance
			FROM event_log.events
			WHERE address IS NOT NULL
			GROUP BY address
		), custody AS (
			SELECT substring(account_path FROM 9) AS address, SUM(delta) AS held
			FROM (
				SELECT debit_account AS account_path, amount AS delta
				FROM event_log.journal WHERE debit_account LIKE 'custody:%'
				UNION ALL
				SELECT credit_account AS account_path, -amount AS delta
				FROM event_log.journal WHERE credit_account LIKE 'custody:%'
			) entries
			GROUP BY account_path
		)
		SELECT COALESCE(l.address, c.address),
			COALESCE(l.balance, 0)::BIGINT,
			COALESCE(c.held, 0)::BIGINT
		FROM ledger l
		FULL OUTER JOIN custody c ON c.address = l.address
		WHERE COALESCE(l.balance, 0) != COALESCE(c.held, 0)
		ORDER BY 1
	`)
	if err != nil {
		return nil, err
	}
	defer mismatchRows.Close()

	for mismatchRows.Next() {
		var m CustodyMismatch
		if err := mismatchRows.Scan(&m.Address, &m.Balance, &m.Held); err != nil {
			return nil, err
		}
		report.CustodyMismatches = append(report.CustodyMismatches, m)
	}
	if err := mismatchRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		report.GlobalImbalance == 0 &&
		len(report.CustodyMismatches) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

func (qs *QueryService) getProjectedBalance(ctx context.Context, accountPath string) (int64, error) {
	var balance int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT balance FROM projections.balances
		WHERE account_path = $1
	`, accountPath).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}
