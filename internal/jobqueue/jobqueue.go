/*
Package jobqueue provides a River-based job queue for background
maintenance work. Currently it runs the periodic cleanup of expired
resumable stream ids, which are only useful while a response can still be
re-attached.
*/
package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/zerolog/log"
)

const (
	// streamRetention matches the lifetime of attachable streams: entries
	// older than this can no longer be re-attached to.
	streamRetention = 24 * time.Hour

	cleanupInterval = time.Hour
	maxWorkers      = 4
)

// StreamCleanupJobArgs represents the arguments for a stream cleanup job
type StreamCleanupJobArgs struct {
	OlderThanHours int `json:"older_than_hours"`
}

// Kind returns the job kind for River
func (StreamCleanupJobArgs) Kind() string {
	return "stream_cleanup"
}

// StreamCleanupWorker deletes expired resumable stream ids
type StreamCleanupWorker struct {
	river.WorkerDefaults[StreamCleanupJobArgs]
	pool *pgxpool.Pool
}

// Work deletes stream rows older than the configured retention.
func (w *StreamCleanupWorker) Work(ctx context.Context, job *river.Job[StreamCleanupJobArgs]) error {
	hours := job.Args.OlderThanHours
	if hours <= 0 {
		hours = int(streamRetention.Hours())
	}
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)

	tag, err := w.pool.Exec(ctx, `DELETE FROM streams WHERE created_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to delete expired streams: %w", err)
	}

	if tag.RowsAffected() > 0 {
		log.Info().Int64("deleted", tag.RowsAffected()).Msg("cleaned up expired resumable streams")
	}

	return nil
}

// JobQueue manages the River job queue
type JobQueue struct {
	client *river.Client[pgx.Tx]
	pool   *pgxpool.Pool
}

// NewJobQueue creates a new job queue instance
func NewJobQueue(databaseURL string) (*JobQueue, error) {
	// Create a pgx connection pool
	pool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Create River client
	workers := river.NewWorkers()
	river.AddWorker(workers, &StreamCleanupWorker{pool: pool})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: maxWorkers},
		},
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(cleanupInterval),
				func() (river.JobArgs, *river.InsertOpts) {
					return StreamCleanupJobArgs{}, nil
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &JobQueue{
		client: client,
		pool:   pool,
	}, nil
}

// Start starts the job queue workers
func (jq *JobQueue) Start(ctx context.Context) error {
	return jq.client.Start(ctx)
}

// Stop stops the job queue workers
func (jq *JobQueue) Stop(ctx context.Context) error {
	err := jq.client.Stop(ctx)
	jq.pool.Close()
	return err
}
