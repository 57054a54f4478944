package persistence_test

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"testing"

	"PDALedger/internal/core"
	"PDALedger/internal/event"
	"PDALedger/internal/ledger"
	"PDALedger/internal/observability"
	"PDALedger/internal/pda"
	"PDALedger/internal/persistence"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var eventColumns = []string{"sequence", "event_type", "idempotency_key", "address", "payload", "state_hash", "prev_hash", "timestamp"}

func loggedRows(t *testing.T, outs []core.CoreOutput) []persistence.EventRow {
	t.Helper()
	rows := make([]persistence.EventRow, 0, len(outs))
	for _, o := range outs {
		row, _, err := persistence.RowsFromOutput(o)
		require.NoError(t, err)
		rows = append(rows, row)
	}
	return rows
}

func asSQLRows(rows []persistence.EventRow) *sqlmock.Rows {
	out := sqlmock.NewRows(eventColumns)
	for _, r := range rows {
		var addr driver.Value
		if r.Address != nil {
			addr = *r.Address
		}
		out.AddRow(r.Sequence, r.EventType, r.IdempotencyKey, addr, r.Payload, r.StateHash, r.PrevHash, r.Timestamp)
	}
	return out
}

func freshCore(t *testing.T) *core.DeterministicCore {
	t.Helper()
	c, err := core.NewDeterministicCore(core.Config{FaucetEnabled: true}, nil, nil, zerolog.Nop(), nil)
	require.NoError(t, err)
	return c
}

func TestRecover_ColdStartReplaysWholeLog(t *testing.T) {
	original, outs := coreOutputs(t)
	rows := loggedRows(t, outs)

	db, mock := newMock(t)
	sm := persistence.NewSnapshotManager(db)
	mock.ExpectQuery("SELECT data FROM event_log.snapshots").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("FROM event_log.events").WithArgs(int64(0), 1000).WillReturnRows(asSQLRows(rows))
	mock.ExpectQuery("FROM event_log.events").WithArgs(int64(3), 1000).WillReturnRows(sqlmock.NewRows(eventColumns))

	c := freshCore(t)
	res, err := persistence.Recover(context.Background(), sm, c, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, int64(-1), res.SnapshotSequence)
	assert.Equal(t, int64(3), res.Replayed)
	assert.Equal(t, int64(3), res.NextSequence)
	assert.Equal(t, original.GetStateHash(), c.GetStateHash())
	assert.NoError(t, c.CheckIntegrity())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecover_FromSnapshotReplaysTail(t *testing.T) {
	original, outs := coreOutputs(t)
	rows := loggedRows(t, outs)

	// State after the first two operations.
	partial := freshCore(t)
	for _, r := range rows[:2] {
		evt, err := event.Decode(r.EventType, r.Payload)
		require.NoError(t, err)
		require.NoError(t, partial.Replay(r.Sequence, evt))
	}
	snap := partial.CreateSnapshotState()
	require.Equal(t, int64(1), snap.Sequence)
	data, err := json.Marshal(snap)
	require.NoError(t, err)

	db, mock := newMock(t)
	sm := persistence.NewSnapshotManager(db)
	mock.ExpectQuery("SELECT data FROM event_log.snapshots").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(data))
	mock.ExpectQuery("SELECT state_hash FROM event_log.events").WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"state_hash"}).AddRow(rows[1].StateHash))
	mock.ExpectExec("UPDATE event_log.snapshots SET verified = TRUE").WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM event_log.events").WithArgs(int64(2), 1000).WillReturnRows(asSQLRows(rows[2:]))
	mock.ExpectQuery("FROM event_log.events").WithArgs(int64(3), 1000).WillReturnRows(sqlmock.NewRows(eventColumns))

	c := freshCore(t)
	res, err := persistence.Recover(context.Background(), sm, c, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.SnapshotSequence)
	assert.Equal(t, int64(1), res.Replayed)
	assert.Equal(t, original.GetStateHash(), c.GetStateHash())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecover_CorruptSnapshotFallsBackToFullReplay(t *testing.T) {
	original, outs := coreOutputs(t)
	rows := loggedRows(t, outs)

	partial := freshCore(t)
	for _, r := range rows[:2] {
		evt, err := event.Decode(r.EventType, r.Payload)
		require.NoError(t, err)
		require.NoError(t, partial.Replay(r.Sequence, evt))
	}
	snap := partial.CreateSnapshotState()
	// Still zero-sum, but custody for an address with no account.
	faucet := ledger.FaucetKey().AccountPath()
	for i := range snap.Balances {
		if snap.Balances[i].Account == faucet {
			snap.Balances[i].Amount -= 10
		}
	}
	snap.Balances = append(snap.Balances, core.Balance{Account: ledger.CustodyKey(pda.Pubkey{7}).AccountPath(), Amount: 10})
	data, err := json.Marshal(snap)
	require.NoError(t, err)

	db, mock := newMock(t)
	sm := persistence.NewSnapshotManager(db)
	mock.ExpectQuery("SELECT data FROM event_log.snapshots").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(data))
	mock.ExpectQuery("SELECT state_hash FROM event_log.events").WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"state_hash"}).AddRow(rows[1].StateHash))
	mock.ExpectExec("UPDATE event_log.snapshots SET verified = TRUE").WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM event_log.events").WithArgs(int64(0), 1000).WillReturnRows(asSQLRows(rows))
	mock.ExpectQuery("FROM event_log.events").WithArgs(int64(3), 1000).WillReturnRows(sqlmock.NewRows(eventColumns))

	c := freshCore(t)
	res, err := persistence.Recover(context.Background(), sm, c, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, int64(-1), res.SnapshotSequence)
	assert.Equal(t, int64(3), res.Replayed)
	assert.Equal(t, original.GetStateHash(), c.GetStateHash())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecover_DetectsDivergence(t *testing.T) {
	_, outs := coreOutputs(t)
	rows := loggedRows(t, outs)
	rows[1].StateHash = make([]byte, 32)

	db, mock := newMock(t)
	sm := persistence.NewSnapshotManager(db)
	mock.ExpectQuery("SELECT data FROM event_log.snapshots").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("FROM event_log.events").WithArgs(int64(0), 1000).WillReturnRows(asSQLRows(rows))

	_, err := persistence.Recover(context.Background(), sm, freshCore(t), zerolog.Nop())
	assert.ErrorIs(t, err, persistence.ErrReplayDivergence)
}

func TestRecover_DetectsBrokenChain(t *testing.T) {
	_, outs := coreOutputs(t)
	rows := loggedRows(t, outs)
	rows[2].PrevHash = make([]byte, 32)

	db, mock := newMock(t)
	sm := persistence.NewSnapshotManager(db)
	mock.ExpectQuery("SELECT data FROM event_log.snapshots").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("FROM event_log.events").WithArgs(int64(0), 1000).WillReturnRows(asSQLRows(rows))

	c := freshCore(t)
	_, err := persistence.Recover(context.Background(), sm, c, zerolog.Nop())
	require.ErrorIs(t, err, persistence.ErrReplayDivergence)
	assert.Contains(t, err.Error(), "broken chain at seq 2")
	assert.Equal(t, int64(2), c.GetSequence())
}

func TestTakeSnapshot(t *testing.T) {
	c, _ := coreOutputs(t)
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	db, mock := newMock(t)
	sm := persistence.NewSnapshotManager(db)

	mock.ExpectQuery("SELECT MAX\\(sequence\\)").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(1)))
	_, err := persistence.TakeSnapshot(context.Background(), sm, c, metrics)
	require.ErrorIs(t, err, persistence.ErrSnapshotAhead)

	mock.ExpectQuery("SELECT MAX\\(sequence\\)").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(2)))
	mock.ExpectExec("INSERT INTO event_log.snapshots").WillReturnResult(sqlmock.NewResult(0, 1))
	snap, err := persistence.TakeSnapshot(context.Background(), sm, c, metrics)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Sequence)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SnapshotTaken))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.SnapshotLastSeq))

	assert.NoError(t, mock.ExpectationsWereMet())
}
