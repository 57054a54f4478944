package persistence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"PDALedger/internal/core"
	"PDALedger/internal/event"
	"PDALedger/internal/observability"

	"github.com/rs/zerolog"
)

var (
	// ErrReplayDivergence means replaying the log produced a different state
	// hash than the one logged. Recovery stops; the log or the code is wrong.
	ErrReplayDivergence = errors.New("replay diverged from event log")
	// ErrSnapshotAhead means the engine has applied operations the event log
	// has not persisted yet, so a snapshot now could not be verified later.
	ErrSnapshotAhead = errors.New("snapshot ahead of event log")
)

const replayBatchSize = 1000

// Engine is the part of the core that recovery and snapshotting drive.
type Engine interface {
	CreateSnapshotState() *core.SnapshotState
	RestoreFromSnapshot(snap *core.SnapshotState) error
	Replay(sequence int64, evt event.Event) error
	GetSequence() int64
	GetStateHash() [32]byte
}

// RecoveryResult summarizes a startup recovery.
type RecoveryResult struct {
	// SnapshotSequence is -1 when no usable snapshot was found.
	SnapshotSequence int64
	Replayed         int64
	// NextSequence is the sequence the engine will assign next.
	NextSequence int64
}

// Recover restores the engine from the latest verified snapshot and replays
// the event log after it. A snapshot that fails verification is ignored and
// the whole log is replayed instead. Each logged row must link to the current
// chain tip, and replaying it must reproduce its logged hash.
func Recover(ctx context.Context, sm *SnapshotManager, engine Engine, logger zerolog.Logger) (RecoveryResult, error) {
	res := RecoveryResult{SnapshotSequence: -1}

	snap, err := sm.LoadLatestSnapshot(ctx)
	if err != nil {
		return res, err
	}
	if snap != nil && snap.Sequence >= 0 {
		if err := sm.VerifySnapshot(ctx, snap); err != nil {
			logger.Warn().Err(err).Int64("sequence", snap.Sequence).
				Msg("snapshot failed verification, replaying full log")
		} else if err := engine.RestoreFromSnapshot(snap); err != nil {
			// Restore validates before replacing anything, so the engine is
			// still empty here.
			logger.Warn().Err(err).Int64("sequence", snap.Sequence).
				Msg("snapshot rejected on restore, replaying full log")
		} else {
			res.SnapshotSequence = snap.Sequence
			logger.Info().Int64("sequence", snap.Sequence).Msg("restored from snapshot")
		}
	}

	from := engine.GetSequence()
	tip := engine.GetStateHash()
	for {
		rows, err := sm.LoadEventsFrom(ctx, from, replayBatchSize)
		if err != nil {
			return res, fmt.Errorf("load events from seq %d: %w", from, err)
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			if !bytes.Equal(row.PrevHash, tip[:]) {
				return res, fmt.Errorf("%w: broken chain at seq %d", ErrReplayDivergence, row.Sequence)
			}
			evt, err := event.Decode(row.EventType, row.Payload)
			if err != nil {
				return res, fmt.Errorf("decode seq %d: %w", row.Sequence, err)
			}
			if err := engine.Replay(row.Sequence, evt); err != nil {
				return res, err
			}
			tip = engine.GetStateHash()
			if !bytes.Equal(tip[:], row.StateHash) {
				return res, fmt.Errorf("%w at seq %d", ErrReplayDivergence, row.Sequence)
			}
			res.Replayed++
		}
		from = rows[len(rows)-1].Sequence + 1
	}

	res.NextSequence = engine.GetSequence()
	logger.Info().
		Int64("snapshot_seq", res.SnapshotSequence).
		Int64("replayed", res.Replayed).
		Int64("next_seq", res.NextSequence).
		Msg("recovery complete")
	return res, nil
}

// TakeSnapshot captures and stores the engine state. It refuses with
// ErrSnapshotAhead while the event log lags the engine.
func TakeSnapshot(ctx context.Context, sm *SnapshotManager, engine Engine, metrics *observability.Metrics) (*core.SnapshotState, error) {
	start := time.Now()
	snap := engine.CreateSnapshotState()
	if snap.Sequence < 0 {
		return nil, nil
	}

	logged, err := sm.GetLatestSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest sequence: %w", err)
	}
	if logged < snap.Sequence {
		return nil, fmt.Errorf("%w: engine at %d, log at %d", ErrSnapshotAhead, snap.Sequence, logged)
	}

	size, err := sm.SaveSnapshot(ctx, snap, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotSizeBytes.Set(float64(size))
		metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	return snap, nil
}
