// Package channels runs the control loop that expands channel
// objectives into job graphs and folds completed jobs back into channel
// state. One tick performs three phases in order: schedule, drain the
// completion inbox, recompute best samples.
package channels

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	dbpkg "quantumhive/internal/db"
	"quantumhive/internal/jobs"
	"quantumhive/internal/redisx"
)

// Manager drives channel state. It owns no goroutine itself; the
// scheduler calls Tick periodically.
type Manager struct {
	db      *sql.DB
	rdb     *redisx.Client
	jobs    *jobs.Manager
	maxJobs int
}

// NewManager returns a Manager. maxJobs bounds in-flight minimization
// runs per channel.
func NewManager(db *sql.DB, rdb *redisx.Client, jm *jobs.Manager, maxJobs int) *Manager {
	return &Manager{db: db, rdb: rdb, jobs: jm, maxJobs: maxJobs}
}

// Create inserts a new channel in the created state.
func (m *Manager) Create(ctx context.Context, inputDim, outputDim, numKraus int) (*dbpkg.Channel, error) {
	c := &dbpkg.Channel{InputDim: inputDim, OutputDim: outputDim, NumKraus: numKraus}
	if err := dbpkg.InsertChannel(m.db, c); err != nil {
		return nil, fmt.Errorf("insert channel: %w", err)
	}
	return c, nil
}

// CreateFromKraus inserts a channel whose Kraus blob already exists,
// skipping the generating phase.
func (m *Manager) CreateFromKraus(ctx context.Context, krausID string, inputDim, outputDim, numKraus int) (*dbpkg.Channel, error) {
	c := &dbpkg.Channel{
		KrausID:  krausID,
		InputDim: inputDim,
		OutputDim: outputDim,
		NumKraus: numKraus,
		Status:   dbpkg.ChannelMinimizing,
	}
	if err := dbpkg.InsertChannel(m.db, c); err != nil {
		return nil, fmt.Errorf("insert channel: %w", err)
	}
	return c, nil
}

// List returns all channels.
func (m *Manager) List(ctx context.Context) ([]dbpkg.Channel, error) {
	return dbpkg.ListChannels(m.db)
}

// SetAttempts updates a channel's minimization attempt cap.
func (m *Manager) SetAttempts(ctx context.Context, id int64, attempts int) error {
	err := dbpkg.SetChannelAttempts(m.db, id, attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.ErrNotFound
	}
	return err
}

// Tick runs one control-loop iteration. Phase failures are logged and
// never abort the tick; a panic is contained so the next tick still runs.
func (m *Manager) Tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("channel tick panicked")
		}
	}()
	if err := m.schedule(ctx); err != nil {
		log.Error().Err(err).Msg("schedule phase")
	}
	m.drainInbox(ctx)
	if err := m.recomputeBest(ctx); err != nil {
		log.Error().Err(err).Msg("recompute best phase")
	}
}

// schedule is Phase A: expand channel objectives into jobs.
func (m *Manager) schedule(ctx context.Context) error {
	channels, err := dbpkg.ListChannels(m.db)
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}
	for i := range channels {
		c := &channels[i]
		switch c.Status {
		case dbpkg.ChannelCreated:
			m.scheduleKraus(ctx, c)
		case dbpkg.ChannelMinimizing:
			m.scheduleVectors(ctx, c)
		}
	}
	return nil
}

func (m *Manager) scheduleKraus(ctx context.Context, c *dbpkg.Channel) {
	data := map[string]any{
		"input_dimension":  c.InputDim,
		"output_dimension": c.OutputDim,
		"number_kraus":     c.NumKraus,
		"channel_id":       c.ID,
	}
	j, err := m.jobs.Create(ctx, dbpkg.TypeGenerateKraus, data, "", "", c.ID)
	if err != nil {
		// Channel stays created; retried next tick.
		log.Error().Err(err).Int64("channel_id", c.ID).Msg("create generate_kraus job")
		return
	}
	if err := dbpkg.SetChannelStatus(m.db, c.ID, dbpkg.ChannelGenerating); err != nil {
		log.Error().Err(err).Int64("channel_id", c.ID).Msg("set channel generating; canceling job")
		if err := dbpkg.SetJobStatus(m.db, j.ID, dbpkg.JobCanceled, time.Now().UTC()); err != nil {
			log.Error().Err(err).Int64("job_id", j.ID).Msg("cancel orphaned job")
		}
	}
}

func (m *Manager) scheduleVectors(ctx context.Context, c *dbpkg.Channel) {
	if c.RunsSpawned >= c.MinimizationAttempts {
		return
	}
	inFlight := c.RunsSpawned - c.RunsCompleted
	if inFlight >= m.maxJobs {
		return
	}
	toSpawn := c.MinimizationAttempts - c.RunsSpawned
	if headroom := m.maxJobs - inFlight; toSpawn > headroom {
		toSpawn = headroom
	}
	for i := 0; i < toSpawn; i++ {
		data := map[string]any{
			"input_dimension": c.InputDim,
			"channel_id":      c.ID,
		}
		if _, err := m.jobs.Create(ctx, dbpkg.TypeGenerateVector, data, "", "", c.ID); err != nil {
			log.Error().Err(err).Int64("channel_id", c.ID).Msg("create generate_vector job")
			continue
		}
		if err := dbpkg.IncRunsSpawned(m.db, c.ID, 1); err != nil {
			log.Error().Err(err).Int64("channel_id", c.ID).Msg("increment runs_spawned")
		}
	}
}

// drainInbox is Phase B: consume completed jobs in append order. Items
// are at-most-once: a failure is logged and the item stays consumed.
func (m *Manager) drainInbox(ctx context.Context) {
	for {
		id, err := m.rdb.PopCompleted(ctx)
		if errors.Is(err, redisx.ErrEmpty) {
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("pop completion inbox")
			return
		}
		if err := m.processCompleted(ctx, id); err != nil {
			log.Error().Err(err).Int64("job_id", id).Msg("process completed job")
		}
	}
}

func (m *Manager) processCompleted(ctx context.Context, id int64) error {
	job, err := dbpkg.GetJob(m.db, id)
	if err != nil {
		return fmt.Errorf("read completed job: %w", err)
	}
	if job.ChannelID == 0 {
		// Standalone job; nothing to fold back.
		return nil
	}
	switch job.JobType {
	case dbpkg.TypeGenerateKraus:
		return m.finishKraus(job)
	case dbpkg.TypeGenerateVector:
		return m.finishVector(ctx, job)
	case dbpkg.TypeMinimize:
		return m.finishMinimize(job)
	}
	return fmt.Errorf("unknown job type %q", job.JobType)
}

func (m *Manager) finishKraus(job *dbpkg.Job) error {
	if job.KrausOperator == "" {
		return fmt.Errorf("generate_kraus job %d completed without a kraus blob", job.ID)
	}
	if err := dbpkg.SetChannelKraus(m.db, job.ChannelID, job.KrausOperator); err != nil {
		// Roll back so the scheduler retries kraus generation.
		if rbErr := dbpkg.SetChannelStatus(m.db, job.ChannelID, dbpkg.ChannelCreated); rbErr != nil {
			log.Error().Err(rbErr).Int64("channel_id", job.ChannelID).Msg("roll channel back to created")
		}
		return fmt.Errorf("set channel kraus: %w", err)
	}
	return dbpkg.SetChannelStatus(m.db, job.ChannelID, dbpkg.ChannelMinimizing)
}

func (m *Manager) finishVector(ctx context.Context, job *dbpkg.Job) error {
	if job.Vector == "" {
		return fmt.Errorf("generate_vector job %d completed without a vector blob", job.ID)
	}
	c, err := dbpkg.GetChannel(m.db, job.ChannelID)
	if err != nil {
		return fmt.Errorf("read channel: %w", err)
	}
	if c.KrausID == "" {
		return fmt.Errorf("channel %d has no kraus blob for minimize pairing", c.ID)
	}
	data := map[string]any{
		"input_dimension":  c.InputDim,
		"output_dimension": c.OutputDim,
		"number_kraus":     c.NumKraus,
		"channel_id":       c.ID,
	}
	// runs_spawned was counted when the vector job was created; the
	// paired minimize does not count again.
	_, err = m.jobs.Create(ctx, dbpkg.TypeMinimize, data, c.KrausID, job.Vector, c.ID)
	return err
}

func (m *Manager) finishMinimize(job *dbpkg.Job) error {
	if err := dbpkg.IncRunsCompleted(m.db, job.ChannelID, 1); err != nil {
		return fmt.Errorf("increment runs_completed: %w", err)
	}
	c, err := dbpkg.GetChannel(m.db, job.ChannelID)
	if err != nil {
		return fmt.Errorf("read channel: %w", err)
	}
	if c.RunsCompleted >= c.MinimizationAttempts {
		return dbpkg.SetChannelStatus(m.db, c.ID, dbpkg.ChannelCompleted)
	}
	return nil
}

// recomputeBest is Phase C: fold valid entropy samples from completed
// minimize jobs into each channel's best-so-far.
func (m *Manager) recomputeBest(ctx context.Context) error {
	channels, err := dbpkg.ListChannels(m.db)
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}
	for i := range channels {
		c := &channels[i]
		if c.Status != dbpkg.ChannelMinimizing && c.Status != dbpkg.ChannelCompleted {
			continue
		}
		done, err := dbpkg.CompletedMinimizeJobs(m.db, c.ID)
		if err != nil {
			log.Error().Err(err).Int64("channel_id", c.ID).Msg("list minimize jobs")
			continue
		}
		for _, j := range done {
			if j.Entropy < 0 || j.Vector == "" {
				continue
			}
			improved, err := dbpkg.UpdateChannelBest(m.db, c.ID, j.Entropy, j.Vector)
			if err != nil {
				log.Error().Err(err).Int64("channel_id", c.ID).Int64("job_id", j.ID).Msg("update best moe")
				continue
			}
			if improved {
				log.Info().Int64("channel_id", c.ID).Float64("best_moe", j.Entropy).Str("vector_id", j.Vector).Msg("new best sample")
			}
		}
	}
	return nil
}
