// Package summary computes the aggregate counts behind the admin
// summary endpoint.
package summary

import (
	"database/sql"
)

// Summary represents aggregated job and channel counts.
type Summary struct {
	JobsByStatus     map[string]int `json:"jobs_by_status"`
	ChannelsByStatus map[string]int `json:"channels_by_status"`
	QueueDepth       int64          `json:"queue_depth"`
}

// Collect reads the current counts from the store. QueueDepth is filled
// in by the caller, which owns the ephemeral store.
func Collect(db *sql.DB) (*Summary, error) {
	s := &Summary{
		JobsByStatus:     map[string]int{},
		ChannelsByStatus: map[string]int{},
	}
	rows, err := db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		s.JobsByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	crows, err := db.Query(`SELECT status, COUNT(*) FROM channels GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer crows.Close()
	for crows.Next() {
		var status string
		var n int
		if err := crows.Scan(&status, &n); err != nil {
			return nil, err
		}
		s.ChannelsByStatus[status] = n
	}
	return s, crows.Err()
}
