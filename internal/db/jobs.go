package db

import (
	"database/sql"
	"encoding/json"
	"time"
)

const jobCols = `id, job_type, status, IFNULL(input_data, ''), IFNULL(kraus_operator, ''), IFNULL(vector, ''), entropy, num_iterations, time_created, time_started, time_finished, last_update, IFNULL(worker_id, ''), IFNULL(channel_id, 0), priority, IFNULL(replaced_by, 0)`

// InsertJob inserts a new job row and fills in the generated ID.
func InsertJob(db *sql.DB, j *Job) error {
	if j.Status == "" {
		j.Status = JobPending
	}
	if j.Entropy == 0 {
		j.Entropy = -1
	}
	if j.Priority == 0 {
		j.Priority = 1
	}
	now := time.Now().UTC()
	if j.TimeCreated.IsZero() {
		j.TimeCreated = now
	}
	j.LastUpdate = now
	data, err := marshalInput(j.InputData)
	if err != nil {
		return err
	}
	res, err := db.Exec(`INSERT INTO jobs(job_type, status, input_data, kraus_operator, vector, entropy, num_iterations, time_created, time_started, time_finished, last_update, worker_id, channel_id, priority)
VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.JobType, j.Status, data, nullStr(j.KrausOperator), nullStr(j.Vector), j.Entropy, j.NumIterations,
		j.TimeCreated.Unix(), nullTime(j.TimeStarted), nullTime(j.TimeFinished), j.LastUpdate.Unix(),
		nullStr(j.WorkerID), nullID(j.ChannelID), j.Priority)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err == nil {
		j.ID = id
	}
	return nil
}

// GetJob returns the job with the given ID.
func GetJob(db *sql.DB, id int64) (*Job, error) {
	row := db.QueryRow(`SELECT `+jobCols+` FROM jobs WHERE id=?`, id)
	return scanJob(row.Scan)
}

// ListJobsByStatus returns all jobs in the given status, oldest first.
func ListJobsByStatus(db *sql.DB, status string) ([]Job, error) {
	return queryJobs(db, `SELECT `+jobCols+` FROM jobs WHERE status=? ORDER BY id`, status)
}

// PendingJobIDs returns the IDs of all pending jobs, oldest first.
func PendingJobIDs(db *sql.DB) ([]int64, error) {
	rows, err := db.Query(`SELECT id FROM jobs WHERE status=? ORDER BY id`, JobPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CompletedMinimizeJobs returns completed minimize jobs bound to a channel.
func CompletedMinimizeJobs(db *sql.DB, channelID int64) ([]Job, error) {
	return queryJobs(db, `SELECT `+jobCols+` FROM jobs WHERE channel_id=? AND job_type=? AND status=? ORDER BY id`,
		channelID, TypeMinimize, JobCompleted)
}

// CanceledUnreplaced returns canceled jobs that have not yet been
// replaced by a synthesized successor.
func CanceledUnreplaced(db *sql.DB) ([]Job, error) {
	return queryJobs(db, `SELECT `+jobCols+` FROM jobs WHERE status=? AND replaced_by IS NULL ORDER BY id`, JobCanceled)
}

// LeaseJob is the single lease point: it transitions a pending job to
// running and binds it to a worker in one conditional update. Returns
// false when the job was not pending, so at most one caller wins.
func LeaseJob(db *sql.DB, id int64, workerID string, now time.Time) (bool, error) {
	res, err := db.Exec(`UPDATE jobs SET status=?, worker_id=?, time_started=?, last_update=? WHERE id=? AND status=?`,
		JobRunning, workerID, now.Unix(), now.Unix(), id, JobPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// TouchJob advances last_update iff the (worker, job) pair matches a
// currently running row. A stale worker cannot extend a lease it lost.
func TouchJob(db *sql.DB, id int64, workerID string, now time.Time) (bool, error) {
	res, err := db.Exec(`UPDATE jobs SET last_update=? WHERE id=? AND worker_id=? AND status=?`,
		now.Unix(), id, workerID, JobRunning)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReleaseJob forces a job back to pending, clearing its start/finish
// times. Used by restart and the sweeper.
func ReleaseJob(db *sql.DB, id int64, now time.Time) error {
	return execOne(db, `UPDATE jobs SET status=?, worker_id=NULL, time_started=NULL, time_finished=NULL, last_update=? WHERE id=?`,
		JobPending, now.Unix(), id)
}

// ReleaseStaleJob returns a running job to pending iff its last_update is
// at or before the cutoff. The conditional guards the race against a
// concurrent ping or lease.
func ReleaseStaleJob(db *sql.DB, id int64, cutoff, now time.Time) (bool, error) {
	res, err := db.Exec(`UPDATE jobs SET status=?, worker_id=NULL, time_started=NULL, time_finished=NULL, last_update=? WHERE id=? AND status=? AND last_update<=?`,
		JobPending, now.Unix(), id, JobRunning, cutoff.Unix())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReleaseExpiredJob returns a running job to pending iff it started at
// or before the cutoff, regardless of how recently its worker pinged.
func ReleaseExpiredJob(db *sql.DB, id int64, startedCutoff, now time.Time) (bool, error) {
	res, err := db.Exec(`UPDATE jobs SET status=?, worker_id=NULL, time_started=NULL, time_finished=NULL, last_update=? WHERE id=? AND status=? AND time_started<=?`,
		JobPending, now.Unix(), id, JobRunning, startedCutoff.Unix())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReleaseJobIf returns a job in the given status to pending, clearing
// its times. Returns false when the job had already left that status.
func ReleaseJobIf(db *sql.DB, id int64, from string, now time.Time) (bool, error) {
	res, err := db.Exec(`UPDATE jobs SET status=?, worker_id=NULL, time_started=NULL, time_finished=NULL, last_update=? WHERE id=? AND status=?`,
		JobPending, now.Unix(), id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetJobStatusIf transitions a job from one status to another. Returns
// false when the job was not in the expected status.
func SetJobStatusIf(db *sql.DB, id int64, from, to string, now time.Time) (bool, error) {
	res, err := db.Exec(`UPDATE jobs SET status=?, last_update=? WHERE id=? AND status=?`,
		to, now.Unix(), id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetJobStatus unconditionally updates a job's status.
func SetJobStatus(db *sql.DB, id int64, status string, now time.Time) error {
	return execOne(db, `UPDATE jobs SET status=?, last_update=? WHERE id=?`, status, now.Unix(), id)
}

// FinishJob marks a running job completed, stamping time_finished.
// Returns false when the job was not running.
func FinishJob(db *sql.DB, id int64, now time.Time) (bool, error) {
	res, err := db.Exec(`UPDATE jobs SET status=?, time_finished=?, last_update=? WHERE id=? AND status=?`,
		JobCompleted, now.Unix(), now.Unix(), id, JobRunning)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetJobIterations updates the iteration counter.
func SetJobIterations(db *sql.DB, id int64, n int, now time.Time) error {
	return execOne(db, `UPDATE jobs SET num_iterations=?, last_update=? WHERE id=?`, n, now.Unix(), id)
}

// SetJobEntropy updates the reported entropy.
func SetJobEntropy(db *sql.DB, id int64, entropy float64, now time.Time) error {
	return execOne(db, `UPDATE jobs SET entropy=?, last_update=? WHERE id=?`, entropy, now.Unix(), id)
}

// SetJobVector records the vector blob ID on a job.
func SetJobVector(db *sql.DB, id int64, vectorID string, now time.Time) error {
	return execOne(db, `UPDATE jobs SET vector=?, last_update=? WHERE id=?`, vectorID, now.Unix(), id)
}

// SetJobKraus records the Kraus blob ID on a job.
func SetJobKraus(db *sql.DB, id int64, krausID string, now time.Time) error {
	return execOne(db, `UPDATE jobs SET kraus_operator=?, last_update=? WHERE id=?`, krausID, now.Unix(), id)
}

// MarkJobReplaced records the ID of the job synthesized to replace a
// canceled one, making the replacement idempotent.
func MarkJobReplaced(db *sql.DB, id, newID int64) error {
	return execOne(db, `UPDATE jobs SET replaced_by=? WHERE id=? AND replaced_by IS NULL`, newID, id)
}

func queryJobs(db *sql.DB, query string, args ...any) ([]Job, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	jobs := []Job{}
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func scanJob(scan func(...any) error) (*Job, error) {
	var j Job
	var data string
	var created, lastUpdate int64
	var started, finished sql.NullInt64
	if err := scan(&j.ID, &j.JobType, &j.Status, &data, &j.KrausOperator, &j.Vector, &j.Entropy,
		&j.NumIterations, &created, &started, &finished, &lastUpdate, &j.WorkerID, &j.ChannelID,
		&j.Priority, &j.ReplacedBy); err != nil {
		return nil, err
	}
	j.TimeCreated = time.Unix(created, 0).UTC()
	j.LastUpdate = time.Unix(lastUpdate, 0).UTC()
	if started.Valid {
		j.TimeStarted = time.Unix(started.Int64, 0).UTC()
	}
	if finished.Valid {
		j.TimeFinished = time.Unix(finished.Int64, 0).UTC()
	}
	if data != "" {
		if err := json.Unmarshal([]byte(data), &j.InputData); err != nil {
			return nil, err
		}
	}
	return &j, nil
}

func marshalInput(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}

func nullID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
