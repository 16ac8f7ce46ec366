package db

import (
	"database/sql"
)

// InsertChannel inserts a new channel row and fills in the generated ID.
func InsertChannel(db *sql.DB, c *Channel) error {
	if c.Status == "" {
		c.Status = ChannelCreated
	}
	if c.MinimizationAttempts == 0 {
		c.MinimizationAttempts = 100
	}
	if c.BestMOE == 0 {
		c.BestMOE = -1
	}
	res, err := db.Exec(`INSERT INTO channels(kraus_id, best_moe, best_vector_id, minimization_attempts, runs_spawned, runs_completed, input_dim, output_dim, num_kraus, status)
VALUES(?,?,?,?,?,?,?,?,?,?)`,
		nullStr(c.KrausID), c.BestMOE, nullStr(c.BestVectorID), c.MinimizationAttempts,
		c.RunsSpawned, c.RunsCompleted, c.InputDim, c.OutputDim, c.NumKraus, c.Status)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err == nil {
		c.ID = id
	}
	return nil
}

const channelCols = `id, IFNULL(kraus_id, ''), best_moe, IFNULL(best_vector_id, ''), minimization_attempts, runs_spawned, runs_completed, input_dim, output_dim, num_kraus, status`

// GetChannel returns the channel with the given ID.
func GetChannel(db *sql.DB, id int64) (*Channel, error) {
	return scanChannel(db.QueryRow(`SELECT `+channelCols+` FROM channels WHERE id=?`, id))
}

// ListChannels returns all channels ordered by ID.
func ListChannels(db *sql.DB) ([]Channel, error) {
	rows, err := db.Query(`SELECT ` + channelCols + ` FROM channels ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	channels := []Channel{}
	for rows.Next() {
		c, err := scanChannelRows(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, *c)
	}
	return channels, rows.Err()
}

// SetChannelStatus updates the status of a channel.
func SetChannelStatus(db *sql.DB, id int64, status string) error {
	return execOne(db, `UPDATE channels SET status=? WHERE id=?`, status, id)
}

// SetChannelKraus records the Kraus blob ID on a channel.
func SetChannelKraus(db *sql.DB, id int64, krausID string) error {
	return execOne(db, `UPDATE channels SET kraus_id=? WHERE id=?`, krausID, id)
}

// SetChannelAttempts updates the minimization attempt cap.
func SetChannelAttempts(db *sql.DB, id int64, attempts int) error {
	return execOne(db, `UPDATE channels SET minimization_attempts=? WHERE id=?`, attempts, id)
}

// UpdateChannelBest installs a new best sample iff it improves on the
// current one. The sentinel -1 means no valid sample has been seen yet,
// so any non-negative entropy wins. Returns whether the row changed.
func UpdateChannelBest(db *sql.DB, id int64, entropy float64, vectorID string) (bool, error) {
	res, err := db.Exec(`UPDATE channels SET best_moe=?, best_vector_id=? WHERE id=? AND (best_moe < 0 OR ? < best_moe)`,
		entropy, vectorID, id, entropy)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// IncRunsSpawned advances the spawned-run counter by n.
func IncRunsSpawned(db *sql.DB, id int64, n int) error {
	return execOne(db, `UPDATE channels SET runs_spawned=runs_spawned+? WHERE id=?`, n, id)
}

// IncRunsCompleted advances the completed-run counter by n.
func IncRunsCompleted(db *sql.DB, id int64, n int) error {
	return execOne(db, `UPDATE channels SET runs_completed=runs_completed+? WHERE id=?`, n, id)
}

func scanChannel(row *sql.Row) (*Channel, error) {
	var c Channel
	if err := row.Scan(&c.ID, &c.KrausID, &c.BestMOE, &c.BestVectorID, &c.MinimizationAttempts,
		&c.RunsSpawned, &c.RunsCompleted, &c.InputDim, &c.OutputDim, &c.NumKraus, &c.Status); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanChannelRows(rows *sql.Rows) (*Channel, error) {
	var c Channel
	if err := rows.Scan(&c.ID, &c.KrausID, &c.BestMOE, &c.BestVectorID, &c.MinimizationAttempts,
		&c.RunsSpawned, &c.RunsCompleted, &c.InputDim, &c.OutputDim, &c.NumKraus, &c.Status); err != nil {
		return nil, err
	}
	return &c, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func execOne(db *sql.DB, query string, args ...any) error {
	res, err := db.Exec(query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
