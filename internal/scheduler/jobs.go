package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tradewire/internal/aggregation"
	"github.com/aristath/tradewire/internal/archive"
	"github.com/aristath/tradewire/internal/database"
	"github.com/aristath/tradewire/internal/idempotency"
	"github.com/aristath/tradewire/internal/lifecycle"
	"github.com/aristath/tradewire/internal/webhooks"
)

// IdempotencySweepJob evicts expired idempotency records.
type IdempotencySweepJob struct {
	Store *idempotency.Store
	Log   zerolog.Logger
}

func (j *IdempotencySweepJob) Name() string { return "idempotency_sweep" }

func (j *IdempotencySweepJob) Run() error {
	n, err := j.Store.Sweep()
	if err != nil {
		return err
	}
	if n > 0 {
		j.Log.Debug().Int64("evicted", n).Msg("Idempotency records swept")
	}
	return nil
}

// WebhookDedupSweepJob evicts expired webhook dedup ids.
type WebhookDedupSweepJob struct {
	Intake *webhooks.Intake
}

func (j *WebhookDedupSweepJob) Name() string { return "webhook_dedup_sweep" }

func (j *WebhookDedupSweepJob) Run() error {
	j.Intake.Sweep()
	return nil
}

// OrderPruneJob evicts terminal orders past the retention window.
type OrderPruneJob struct {
	Engine    *lifecycle.Engine
	Retention time.Duration
	Log       zerolog.Logger
}

func (j *OrderPruneJob) Name() string { return "order_prune" }

func (j *OrderPruneJob) Run() error {
	if n := j.Engine.PruneTerminal(j.Retention); n > 0 {
		j.Log.Info().Int("pruned", n).Msg("Terminal orders pruned")
	}
	return nil
}

// ReliabilityPersistJob snapshots scanner reliability through the entity
// store.
type ReliabilityPersistJob struct {
	Tracker *aggregation.ReliabilityTracker
}

func (j *ReliabilityPersistJob) Name() string { return "reliability_persist" }

func (j *ReliabilityPersistJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return j.Tracker.Persist(ctx)
}

// WALCheckpointJob truncates WAL files so long-running databases stay
// compact.
type WALCheckpointJob struct {
	Databases []*database.DB
}

func (j *WALCheckpointJob) Name() string { return "wal_checkpoint" }

func (j *WALCheckpointJob) Run() error {
	for _, db := range j.Databases {
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			return err
		}
	}
	return nil
}

// ArchiveJob uploads a data-directory snapshot.
type ArchiveJob struct {
	Archiver *archive.Archiver
}

func (j *ArchiveJob) Name() string { return "archive" }

func (j *ArchiveJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	return j.Archiver.Run(ctx)
}
