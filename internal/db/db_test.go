package db

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", "file:"+path+"?_busy_timeout=5000")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := openTestDB(t)
	if err := Migrate(db); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestUserRoundtrip(t *testing.T) {
	db := openTestDB(t)
	u := &User{Username: "alice", Email: "alice@example.com", PasswordHash: "x"}
	if err := InsertUser(db, u); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if u.ID == 0 {
		t.Fatalf("no id assigned")
	}
	got, err := GetUserByUsername(db, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Email != "alice@example.com" || got.Role != "user" {
		t.Fatalf("got %+v", got)
	}
	if _, err := GetUserByUsername(db, "nobody"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("want ErrNoRows, got %v", err)
	}
}

func TestUserUniqueness(t *testing.T) {
	db := openTestDB(t)
	if err := InsertUser(db, &User{Username: "bob", Email: "bob@example.com", PasswordHash: "x"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := InsertUser(db, &User{Username: "bob", Email: "other@example.com", PasswordHash: "x"}); err == nil {
		t.Fatalf("duplicate username accepted")
	}
}

func TestChannelDefaults(t *testing.T) {
	db := openTestDB(t)
	c := &Channel{InputDim: 4, OutputDim: 4, NumKraus: 3}
	if err := InsertChannel(db, c); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := GetChannel(db, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != ChannelCreated || got.MinimizationAttempts != 100 || got.BestMOE != -1 {
		t.Fatalf("got %+v", got)
	}
}

func TestUpdateChannelBestMonotone(t *testing.T) {
	db := openTestDB(t)
	c := &Channel{InputDim: 2, OutputDim: 2, NumKraus: 1}
	if err := InsertChannel(db, c); err != nil {
		t.Fatalf("insert: %v", err)
	}
	steps := []struct {
		entropy float64
		vector  string
		want    bool
	}{
		{0.7, "v1", true},
		{0.9, "v2", false},
		{0.2, "v3", true},
		{0.2, "v4", false},
	}
	for _, s := range steps {
		got, err := UpdateChannelBest(db, c.ID, s.entropy, s.vector)
		if err != nil {
			t.Fatalf("update best: %v", err)
		}
		if got != s.want {
			t.Fatalf("entropy %v: improved=%v want %v", s.entropy, got, s.want)
		}
	}
	final, err := GetChannel(db, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.BestMOE != 0.2 || final.BestVectorID != "v3" {
		t.Fatalf("got best %v/%s", final.BestMOE, final.BestVectorID)
	}
}

func TestJobRoundtrip(t *testing.T) {
	db := openTestDB(t)
	j := &Job{
		JobType:   TypeMinimize,
		InputData: map[string]any{"input_dimension": float64(4)},
		KrausOperator: "k1",
		Vector:        "v1",
		ChannelID:     7,
	}
	if err := InsertJob(db, j); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := GetJob(db, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != JobPending || got.Entropy != -1 || got.Priority != 1 {
		t.Fatalf("defaults wrong: %+v", got)
	}
	if got.InputData["input_dimension"] != float64(4) {
		t.Fatalf("input data lost: %+v", got.InputData)
	}
	if got.ChannelID != 7 || got.KrausOperator != "k1" || got.Vector != "v1" {
		t.Fatalf("fields lost: %+v", got)
	}
	if !got.TimeStarted.IsZero() || !got.TimeFinished.IsZero() {
		t.Fatalf("unexpected times: %+v", got)
	}
}

func TestLeaseJobSingleWinner(t *testing.T) {
	db := openTestDB(t)
	j := &Job{JobType: TypeGenerateKraus}
	if err := InsertJob(db, j); err != nil {
		t.Fatalf("insert: %v", err)
	}
	now := time.Now().UTC()
	ok, err := LeaseJob(db, j.ID, "w1", now)
	if err != nil || !ok {
		t.Fatalf("first lease: ok=%v err=%v", ok, err)
	}
	ok, err = LeaseJob(db, j.ID, "w2", now)
	if err != nil {
		t.Fatalf("second lease: %v", err)
	}
	if ok {
		t.Fatalf("two workers leased the same job")
	}
	got, _ := GetJob(db, j.ID)
	if got.WorkerID != "w1" || got.Status != JobRunning || got.TimeStarted.IsZero() {
		t.Fatalf("lease state wrong: %+v", got)
	}
}

func TestTouchJobRequiresOwnership(t *testing.T) {
	db := openTestDB(t)
	j := &Job{JobType: TypeGenerateVector}
	if err := InsertJob(db, j); err != nil {
		t.Fatalf("insert: %v", err)
	}
	now := time.Now().UTC()
	if _, err := LeaseJob(db, j.ID, "w1", now); err != nil {
		t.Fatalf("lease: %v", err)
	}
	ok, err := TouchJob(db, j.ID, "w2", now.Add(time.Second))
	if err != nil {
		t.Fatalf("touch: %v", err)
	}
	if ok {
		t.Fatalf("stranger extended the lease")
	}
	ok, err = TouchJob(db, j.ID, "w1", now.Add(time.Second))
	if err != nil || !ok {
		t.Fatalf("owner touch: ok=%v err=%v", ok, err)
	}
}

func TestReleaseStaleJobGuardsRecentPing(t *testing.T) {
	db := openTestDB(t)
	j := &Job{JobType: TypeMinimize, KrausOperator: "k", Vector: "v"}
	if err := InsertJob(db, j); err != nil {
		t.Fatalf("insert: %v", err)
	}
	start := time.Now().UTC().Add(-time.Hour)
	if _, err := LeaseJob(db, j.ID, "w1", start); err != nil {
		t.Fatalf("lease: %v", err)
	}
	// Worker pinged after the sweeper read the row.
	if _, err := TouchJob(db, j.ID, "w1", start.Add(30*time.Minute)); err != nil {
		t.Fatalf("touch: %v", err)
	}
	ok, err := ReleaseStaleJob(db, j.ID, start, time.Now().UTC())
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok {
		t.Fatalf("released a lease that was freshly pinged")
	}
}

func TestFinishJobRequiresRunning(t *testing.T) {
	db := openTestDB(t)
	j := &Job{JobType: TypeGenerateKraus}
	if err := InsertJob(db, j); err != nil {
		t.Fatalf("insert: %v", err)
	}
	now := time.Now().UTC()
	ok, err := FinishJob(db, j.ID, now)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if ok {
		t.Fatalf("finished a pending job")
	}
	if _, err := LeaseJob(db, j.ID, "w1", now); err != nil {
		t.Fatalf("lease: %v", err)
	}
	ok, err = FinishJob(db, j.ID, now)
	if err != nil || !ok {
		t.Fatalf("finish running: ok=%v err=%v", ok, err)
	}
	got, _ := GetJob(db, j.ID)
	if got.Status != JobCompleted || got.TimeFinished.IsZero() {
		t.Fatalf("completion state wrong: %+v", got)
	}
}

func TestFileRoundtrip(t *testing.T) {
	db := openTestDB(t)
	f := &File{ID: "abcd1234", Type: FileKraus, FullPath: "/data/abcd.dat"}
	if err := InsertFile(db, f); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := GetFile(db, "abcd1234")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Type != FileKraus || got.FullPath != "/data/abcd.dat" {
		t.Fatalf("got %+v", got)
	}
	if err := InsertFile(db, &File{ID: "other111", Type: FileKraus, FullPath: "/data/abcd.dat"}); err == nil {
		t.Fatalf("duplicate full_path accepted")
	}
}
