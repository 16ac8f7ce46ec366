package jobs

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	_ "modernc.org/sqlite"

	dbpkg "quantumhive/internal/db"
	"quantumhive/internal/redisx"
)

func newManager(t *testing.T) (*Manager, *sql.DB, *redisx.Client) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", "file:"+path+"?_busy_timeout=5000")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := dbpkg.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	mr := miniredis.RunT(t)
	rdb := redisx.New(mr.Addr(), "", 0)
	t.Cleanup(func() { rdb.Close() })
	m := NewManager(db, rdb, Config{
		PingTTL:    5 * time.Minute,
		PausedTTL:  24 * time.Hour,
		RunningTTL: 30 * 24 * time.Hour,
	})
	return m, db, rdb
}

func TestCreateEnqueues(t *testing.T) {
	m, _, rdb := newManager(t)
	ctx := context.Background()
	j, err := m.Create(ctx, dbpkg.TypeGenerateKraus, map[string]any{"input_dimension": 4}, "", "", 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if j.Status != dbpkg.JobPending {
		t.Fatalf("status %q", j.Status)
	}
	ids, err := rdb.QueueSnapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(ids) != 1 || ids[0] != j.ID {
		t.Fatalf("queue %v, want [%d]", ids, j.ID)
	}
}

func TestCreateMinimizeRequiresBlobs(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()
	if _, err := m.Create(ctx, dbpkg.TypeMinimize, nil, "k1", "", 0); !errors.Is(err, ErrMissingInputs) {
		t.Fatalf("want ErrMissingInputs, got %v", err)
	}
	if _, err := m.Create(ctx, dbpkg.TypeMinimize, nil, "", "v1", 0); !errors.Is(err, ErrMissingInputs) {
		t.Fatalf("want ErrMissingInputs, got %v", err)
	}
	if _, err := m.Create(ctx, dbpkg.TypeMinimize, nil, "k1", "v1", 0); err != nil {
		t.Fatalf("valid minimize rejected: %v", err)
	}
}

func TestAssignLeasesFIFO(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()
	j1, err := m.Create(ctx, dbpkg.TypeGenerateKraus, nil, "", "", 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	j2, err := m.Create(ctx, dbpkg.TypeGenerateVector, nil, "", "", 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := m.Assign(ctx, "w1")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got.ID != j1.ID || got.Status != dbpkg.JobRunning || got.WorkerID != "w1" {
		t.Fatalf("got %+v want lease of %d", got, j1.ID)
	}
	got, err = m.Assign(ctx, "w2")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got.ID != j2.ID {
		t.Fatalf("got %d want %d", got.ID, j2.ID)
	}
	if _, err := m.Assign(ctx, "w3"); !errors.Is(err, ErrNoWork) {
		t.Fatalf("want ErrNoWork, got %v", err)
	}
}

func TestAssignSkipsStaleQueueEntry(t *testing.T) {
	m, db, rdb := newManager(t)
	ctx := context.Background()
	j1, err := m.Create(ctx, dbpkg.TypeGenerateKraus, nil, "", "", 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	j2, err := m.Create(ctx, dbpkg.TypeGenerateVector, nil, "", "", 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// j1 completes behind the queue's back; its entry is now stale.
	if _, err := dbpkg.LeaseJob(db, j1.ID, "elsewhere", time.Now().UTC()); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if _, err := dbpkg.FinishJob(db, j1.ID, time.Now().UTC()); err != nil {
		t.Fatalf("finish: %v", err)
	}
	got, err := m.Assign(ctx, "w1")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got.ID != j2.ID {
		t.Fatalf("got %d want %d", got.ID, j2.ID)
	}
	// The sync triggered by the stale entry must not have left j1 queued.
	ids, _ := rdb.QueueSnapshot(ctx)
	for _, id := range ids {
		if id == j1.ID {
			t.Fatalf("stale job still queued: %v", ids)
		}
	}
}

func TestAssignMissingRowLogsAndContinues(t *testing.T) {
	m, _, rdb := newManager(t)
	ctx := context.Background()
	if err := rdb.PushJob(ctx, 9999); err != nil {
		t.Fatalf("push: %v", err)
	}
	j, err := m.Create(ctx, dbpkg.TypeGenerateKraus, nil, "", "", 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := m.Assign(ctx, "w1")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got.ID != j.ID {
		t.Fatalf("got %d want %d", got.ID, j.ID)
	}
}

func TestPingOwnership(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()
	j, err := m.Create(ctx, dbpkg.TypeGenerateKraus, nil, "", "", 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Ping(ctx, "w1", j.ID); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("ping of pending job, got %v", err)
	}
	if _, err := m.Assign(ctx, "w1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := m.Ping(ctx, "w1", j.ID); err != nil {
		t.Fatalf("owner ping: %v", err)
	}
	if err := m.Ping(ctx, "w2", j.ID); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("stranger ping, got %v", err)
	}
}

func TestCompletePushesInbox(t *testing.T) {
	m, _, rdb := newManager(t)
	ctx := context.Background()
	j, err := m.Create(ctx, dbpkg.TypeGenerateKraus, nil, "", "", 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Complete(ctx, j.ID); !errors.Is(err, ErrBadState) {
		t.Fatalf("completed a pending job, got %v", err)
	}
	if _, err := m.Assign(ctx, "w1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := m.Complete(ctx, j.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	id, err := rdb.PopCompleted(ctx)
	if err != nil {
		t.Fatalf("pop inbox: %v", err)
	}
	if id != j.ID {
		t.Fatalf("inbox %d want %d", id, j.ID)
	}
}

func TestRestartRequeues(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()
	j, err := m.Create(ctx, dbpkg.TypeGenerateKraus, nil, "", "", 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Assign(ctx, "w1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := m.Restart(ctx, j.ID); err != nil {
		t.Fatalf("restart: %v", err)
	}
	got, err := m.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != dbpkg.JobPending || got.WorkerID != "" || !got.TimeStarted.IsZero() {
		t.Fatalf("restart state wrong: %+v", got)
	}
	leased, err := m.Assign(ctx, "w2")
	if err != nil {
		t.Fatalf("assign after restart: %v", err)
	}
	if leased.ID != j.ID {
		t.Fatalf("got %d want %d", leased.ID, j.ID)
	}
}

func TestPauseResumeCancel(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()
	j, err := m.Create(ctx, dbpkg.TypeGenerateKraus, nil, "", "", 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Pause(ctx, j.ID); !errors.Is(err, ErrBadState) {
		t.Fatalf("paused a pending job, got %v", err)
	}
	if _, err := m.Assign(ctx, "w1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := m.Pause(ctx, j.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := m.Resume(ctx, j.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := m.Cancel(ctx, j.ID); err != nil {
		t.Fatalf("cancel running: %v", err)
	}
	got, _ := m.Get(ctx, j.ID)
	if got.Status != dbpkg.JobCanceled {
		t.Fatalf("status %q", got.Status)
	}
	if err := m.Cancel(ctx, j.ID); !errors.Is(err, ErrBadState) {
		t.Fatalf("canceled twice, got %v", err)
	}
	if err := m.Cancel(ctx, 404404); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancel missing job, got %v", err)
	}
}

func TestSyncReconciles(t *testing.T) {
	m, db, rdb := newManager(t)
	ctx := context.Background()
	j1, err := m.Create(ctx, dbpkg.TypeGenerateKraus, nil, "", "", 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	j2, err := m.Create(ctx, dbpkg.TypeGenerateVector, nil, "", "", 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// j1 left the queue without being leased; j2 completed but is still
	// queued; j2 is also queued twice.
	if _, err := rdb.PopJob(ctx); err != nil {
		t.Fatalf("pop: %v", err)
	}
	if err := rdb.PushJob(ctx, j2.ID); err != nil {
		t.Fatalf("push dup: %v", err)
	}
	if _, err := dbpkg.LeaseJob(db, j2.ID, "w", time.Now().UTC()); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if _, err := dbpkg.FinishJob(db, j2.ID, time.Now().UTC()); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := m.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	ids, err := rdb.QueueSnapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(ids) != 1 || ids[0] != j1.ID {
		t.Fatalf("queue %v, want exactly [%d]", ids, j1.ID)
	}
}

func TestSyncCollapsesDuplicates(t *testing.T) {
	m, _, rdb := newManager(t)
	ctx := context.Background()
	j, err := m.Create(ctx, dbpkg.TypeGenerateKraus, nil, "", "", 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := rdb.PushJob(ctx, j.ID); err != nil {
		t.Fatalf("push dup: %v", err)
	}
	if err := m.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	ids, _ := rdb.QueueSnapshot(ctx)
	if len(ids) != 1 || ids[0] != j.ID {
		t.Fatalf("queue %v, want exactly one entry", ids)
	}
}

func TestManageReclaimsSilentLease(t *testing.T) {
	m, db, _ := newManager(t)
	ctx := context.Background()
	j, err := m.Create(ctx, dbpkg.TypeGenerateKraus, nil, "", "", 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Assign(ctx, "w1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	stale := time.Now().UTC().Add(-10 * time.Minute).Unix()
	if _, err := db.Exec(`UPDATE jobs SET last_update=?, time_started=? WHERE id=?`, stale, stale, j.ID); err != nil {
		t.Fatalf("age job: %v", err)
	}
	if err := m.Manage(ctx); err != nil {
		t.Fatalf("manage: %v", err)
	}
	got, _ := m.Get(ctx, j.ID)
	if got.Status != dbpkg.JobPending {
		t.Fatalf("status %q, want pending", got.Status)
	}
	leased, err := m.Assign(ctx, "w2")
	if err != nil {
		t.Fatalf("assign after reclaim: %v", err)
	}
	if leased.ID != j.ID || leased.WorkerID != "w2" {
		t.Fatalf("got %+v", leased)
	}
}

func TestManageLeavesFreshLeases(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()
	j, err := m.Create(ctx, dbpkg.TypeGenerateKraus, nil, "", "", 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Assign(ctx, "w1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := m.Manage(ctx); err != nil {
		t.Fatalf("manage: %v", err)
	}
	got, _ := m.Get(ctx, j.ID)
	if got.Status != dbpkg.JobRunning || got.WorkerID != "w1" {
		t.Fatalf("fresh lease disturbed: %+v", got)
	}
}

func TestManageRestartsExpiredPaused(t *testing.T) {
	m, db, _ := newManager(t)
	ctx := context.Background()
	j, err := m.Create(ctx, dbpkg.TypeGenerateKraus, nil, "", "", 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Assign(ctx, "w1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := m.Pause(ctx, j.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	old := time.Now().UTC().Add(-48 * time.Hour).Unix()
	if _, err := db.Exec(`UPDATE jobs SET time_started=? WHERE id=?`, old, j.ID); err != nil {
		t.Fatalf("age job: %v", err)
	}
	if err := m.Manage(ctx); err != nil {
		t.Fatalf("manage: %v", err)
	}
	got, _ := m.Get(ctx, j.ID)
	if got.Status != dbpkg.JobPending {
		t.Fatalf("status %q, want pending", got.Status)
	}
}

func TestManageReplacesCanceledOnce(t *testing.T) {
	m, db, _ := newManager(t)
	ctx := context.Background()
	j, err := m.Create(ctx, dbpkg.TypeMinimize, map[string]any{"channel_id": float64(3)}, "k1", "v1", 3)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Assign(ctx, "w1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := m.Cancel(ctx, j.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := m.Manage(ctx); err != nil {
		t.Fatalf("manage: %v", err)
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM jobs`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("got %d jobs, want canceled + replacement", count)
	}
	old, _ := m.Get(ctx, j.ID)
	if old.ReplacedBy == 0 {
		t.Fatalf("replacement not recorded")
	}
	fresh, err := m.Get(ctx, old.ReplacedBy)
	if err != nil {
		t.Fatalf("get replacement: %v", err)
	}
	if fresh.JobType != dbpkg.TypeMinimize || fresh.KrausOperator != "k1" || fresh.Vector != "v1" || fresh.ChannelID != 3 {
		t.Fatalf("replacement lost inputs: %+v", fresh)
	}
	// A second sweep must not synthesize another replacement.
	if err := m.Manage(ctx); err != nil {
		t.Fatalf("manage again: %v", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM jobs`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("second sweep duplicated replacement: %d jobs", count)
	}
}
