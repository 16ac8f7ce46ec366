// Package jobs owns the job lifecycle: creation, dispatch, leasing,
// liveness and reconciliation between the authoritative rows and the
// advisory dispatch queue.
package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	dbpkg "quantumhive/internal/db"
	"quantumhive/internal/redisx"
	"quantumhive/internal/telemetry"
)

var (
	// ErrNoWork means the dispatch queue is drained.
	ErrNoWork = errors.New("jobs: no work available")
	// ErrNotFound means the job does not exist.
	ErrNotFound = errors.New("jobs: not found")
	// ErrBadState means the operation does not apply to the job's current status.
	ErrBadState = errors.New("jobs: wrong status for operation")
	// ErrNotOwner means the caller does not hold the job's lease.
	ErrNotOwner = errors.New("jobs: worker does not own job")
	// ErrMissingInputs means a minimize job was created without both blobs.
	ErrMissingInputs = errors.New("jobs: minimize requires kraus and vector")
)

// Config carries the sweeper TTLs.
type Config struct {
	PingTTL    time.Duration
	PausedTTL  time.Duration
	RunningTTL time.Duration
}

// Manager coordinates job rows in the store with the dispatch queue and
// completion inbox in the ephemeral store.
type Manager struct {
	db  *sql.DB
	rdb *redisx.Client
	cfg Config
}

// NewManager returns a Manager over the given stores.
func NewManager(db *sql.DB, rdb *redisx.Client, cfg Config) *Manager {
	return &Manager{db: db, rdb: rdb, cfg: cfg}
}

// Create validates and inserts a new pending job and enqueues it for
// dispatch. A minimize job must carry both blob IDs at creation.
func (m *Manager) Create(ctx context.Context, jobType string, input map[string]any, kraus, vector string, channelID int64) (*dbpkg.Job, error) {
	switch jobType {
	case dbpkg.TypeMinimize:
		if kraus == "" || vector == "" {
			return nil, ErrMissingInputs
		}
	case dbpkg.TypeGenerateKraus, dbpkg.TypeGenerateVector:
	default:
		return nil, fmt.Errorf("jobs: invalid job type %q", jobType)
	}
	j := &dbpkg.Job{
		JobType:       jobType,
		InputData:     input,
		KrausOperator: kraus,
		Vector:        vector,
		ChannelID:     channelID,
	}
	if err := dbpkg.InsertJob(m.db, j); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	if err := m.rdb.PushJob(ctx, j.ID); err != nil {
		return nil, fmt.Errorf("enqueue job %d: %w", j.ID, err)
	}
	m.recordQueueDepth(ctx)
	return j, nil
}

const maxAssignRetries = 50

// Assign pops job IDs off the dispatch queue until one can be leased to
// the worker. The queue is only a hint: the row is re-read and the lease
// is taken via a conditional update, so at most one concurrent caller
// wins a given job. Stale queue entries trigger a reconcile and a retry.
func (m *Manager) Assign(ctx context.Context, workerID string) (*dbpkg.Job, error) {
	for attempt := 0; attempt < maxAssignRetries; attempt++ {
		id, err := m.rdb.PopJob(ctx)
		if errors.Is(err, redisx.ErrEmpty) {
			return nil, ErrNoWork
		}
		if err != nil {
			return nil, fmt.Errorf("pop queue: %w", err)
		}
		job, err := dbpkg.GetJob(m.db, id)
		if errors.Is(err, sql.ErrNoRows) {
			log.Warn().Int64("job_id", id).Msg("queued job missing from store")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read job %d: %w", id, err)
		}
		if job.Status != dbpkg.JobPending {
			log.Warn().Int64("job_id", id).Str("status", job.Status).Msg("stale queue entry")
			if err := m.Sync(ctx); err != nil {
				log.Error().Err(err).Msg("sync after stale entry")
			}
			continue
		}
		now := time.Now().UTC()
		leased, err := dbpkg.LeaseJob(m.db, id, workerID, now)
		if err != nil {
			return nil, fmt.Errorf("lease job %d: %w", id, err)
		}
		if !leased {
			continue
		}
		m.recordQueueDepth(ctx)
		return dbpkg.GetJob(m.db, id)
	}
	return nil, ErrNoWork
}

// Ping advances a running job's last_update iff the worker still owns
// its lease.
func (m *Manager) Ping(ctx context.Context, workerID string, jobID int64) error {
	ok, err := dbpkg.TouchJob(m.db, jobID, workerID, time.Now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotOwner
	}
	return nil
}

// Get returns a job by ID.
func (m *Manager) Get(ctx context.Context, id int64) (*dbpkg.Job, error) {
	j, err := dbpkg.GetJob(m.db, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

// UpdateIterations records worker progress.
func (m *Manager) UpdateIterations(ctx context.Context, id int64, n int) error {
	return mapNoRows(dbpkg.SetJobIterations(m.db, id, n, time.Now().UTC()))
}

// UpdateEntropy records the worker's current entropy sample.
func (m *Manager) UpdateEntropy(ctx context.Context, id int64, entropy float64) error {
	return mapNoRows(dbpkg.SetJobEntropy(m.db, id, entropy, time.Now().UTC()))
}

// UpdateVector records the vector blob ID produced by a job.
func (m *Manager) UpdateVector(ctx context.Context, id int64, vectorID string) error {
	return mapNoRows(dbpkg.SetJobVector(m.db, id, vectorID, time.Now().UTC()))
}

// UpdateKraus records the Kraus blob ID produced by a job.
func (m *Manager) UpdateKraus(ctx context.Context, id int64, krausID string) error {
	return mapNoRows(dbpkg.SetJobKraus(m.db, id, krausID, time.Now().UTC()))
}

// Pause suspends a running job.
func (m *Manager) Pause(ctx context.Context, id int64) error {
	return m.transition(id, dbpkg.JobRunning, dbpkg.JobPaused)
}

// Resume returns a paused job to running.
func (m *Manager) Resume(ctx context.Context, id int64) error {
	return m.transition(id, dbpkg.JobPaused, dbpkg.JobRunning)
}

// Cancel terminates a running or paused job. The sweeper later
// synthesizes a replacement with the same inputs.
func (m *Manager) Cancel(ctx context.Context, id int64) error {
	if err := m.transition(id, dbpkg.JobRunning, dbpkg.JobCanceled); err == nil {
		return nil
	} else if !errors.Is(err, ErrBadState) {
		return err
	}
	return m.transition(id, dbpkg.JobPaused, dbpkg.JobCanceled)
}

func (m *Manager) transition(id int64, from, to string) error {
	ok, err := dbpkg.SetJobStatusIf(m.db, id, from, to, time.Now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		if _, err := dbpkg.GetJob(m.db, id); errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return ErrBadState
	}
	return nil
}

// Complete marks a running job completed and appends it to the
// completion inbox for the channel manager.
func (m *Manager) Complete(ctx context.Context, id int64) error {
	ok, err := dbpkg.FinishJob(m.db, id, time.Now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		if _, err := dbpkg.GetJob(m.db, id); errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return ErrBadState
	}
	if err := m.rdb.PushCompleted(ctx, id); err != nil {
		return fmt.Errorf("push completion %d: %w", id, err)
	}
	return nil
}

// Restart forces a job back to pending and re-enqueues it.
func (m *Manager) Restart(ctx context.Context, id int64) error {
	if err := mapNoRows(dbpkg.ReleaseJob(m.db, id, time.Now().UTC())); err != nil {
		return err
	}
	return m.rdb.PushJob(ctx, id)
}

// Sync reconciles the dispatch queue against the store: every pending
// row must be queued exactly once, and nothing else may be queued. Safe
// to run concurrently with Assign, which defends itself by re-reading
// the row before leasing.
func (m *Manager) Sync(ctx context.Context) error {
	pending, err := dbpkg.PendingJobIDs(m.db)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	pendingSet := make(map[int64]struct{}, len(pending))
	for _, id := range pending {
		pendingSet[id] = struct{}{}
	}
	queued, err := m.rdb.QueueSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot queue: %w", err)
	}
	seen := make(map[int64]struct{}, len(queued))
	for _, id := range queued {
		if _, dup := seen[id]; dup {
			// Duplicate entry: collapse to a single occurrence.
			if err := m.rdb.RemoveJob(ctx, id); err != nil {
				return err
			}
			if _, ok := pendingSet[id]; ok {
				if err := m.rdb.PushJob(ctx, id); err != nil {
					return err
				}
			}
			continue
		}
		seen[id] = struct{}{}
		if _, ok := pendingSet[id]; !ok {
			if err := m.rdb.RemoveJob(ctx, id); err != nil {
				return err
			}
		}
	}
	for _, id := range pending {
		if _, ok := seen[id]; !ok {
			if err := m.rdb.PushJob(ctx, id); err != nil {
				return err
			}
		}
	}
	m.recordQueueDepth(ctx)
	return nil
}

// Manage is the periodic sweeper: it reclaims leases whose worker went
// silent, restarts jobs that outlived their status TTL, and synthesizes
// replacements for canceled jobs.
func (m *Manager) Manage(ctx context.Context) error {
	now := time.Now().UTC()

	running, err := dbpkg.ListJobsByStatus(m.db, dbpkg.JobRunning)
	if err != nil {
		return fmt.Errorf("list running: %w", err)
	}
	for _, j := range running {
		stale := j.LastUpdate.Add(m.cfg.PingTTL).Before(now)
		expired := !j.TimeStarted.IsZero() && j.TimeStarted.Add(m.cfg.RunningTTL).Before(now)
		var ok bool
		switch {
		case expired:
			// Upper bound against stuck work; pings do not save it.
			ok, err = dbpkg.ReleaseExpiredJob(m.db, j.ID, j.TimeStarted, now)
		case stale:
			ok, err = dbpkg.ReleaseStaleJob(m.db, j.ID, j.LastUpdate, now)
		default:
			continue
		}
		if err != nil {
			log.Error().Err(err).Int64("job_id", j.ID).Msg("release stale job")
			continue
		}
		if ok {
			log.Info().Int64("job_id", j.ID).Str("worker_id", j.WorkerID).Msg("reclaimed lease")
			if err := m.rdb.PushJob(ctx, j.ID); err != nil {
				log.Error().Err(err).Int64("job_id", j.ID).Msg("requeue reclaimed job")
			}
		}
	}

	paused, err := dbpkg.ListJobsByStatus(m.db, dbpkg.JobPaused)
	if err != nil {
		return fmt.Errorf("list paused: %w", err)
	}
	for _, j := range paused {
		if j.TimeStarted.IsZero() || !j.TimeStarted.Add(m.cfg.PausedTTL).Before(now) {
			continue
		}
		ok, err := dbpkg.ReleaseJobIf(m.db, j.ID, dbpkg.JobPaused, now)
		if err != nil {
			log.Error().Err(err).Int64("job_id", j.ID).Msg("release paused job")
			continue
		}
		if ok {
			if err := m.rdb.PushJob(ctx, j.ID); err != nil {
				log.Error().Err(err).Int64("job_id", j.ID).Msg("requeue paused job")
			}
		}
	}

	canceled, err := dbpkg.CanceledUnreplaced(m.db)
	if err != nil {
		return fmt.Errorf("list canceled: %w", err)
	}
	for _, j := range canceled {
		fresh, err := m.Create(ctx, j.JobType, j.InputData, j.KrausOperator, j.Vector, j.ChannelID)
		if err != nil {
			log.Error().Err(err).Int64("job_id", j.ID).Msg("replace canceled job")
			continue
		}
		if err := dbpkg.MarkJobReplaced(m.db, j.ID, fresh.ID); err != nil {
			log.Error().Err(err).Int64("job_id", j.ID).Int64("replacement", fresh.ID).Msg("mark job replaced")
		}
	}
	return nil
}

func (m *Manager) recordQueueDepth(ctx context.Context) {
	depth, err := m.rdb.QueueLen(ctx)
	if err != nil {
		return
	}
	telemetry.Event("queue_depth", map[string]any{"depth": depth})
}

func mapNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
