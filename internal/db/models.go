package db

import "time"

// Channel statuses. Transitions handled by the channel manager are
// monotone: created -> generating -> minimizing -> completed.
const (
	ChannelCreated    = "created"
	ChannelGenerating = "generating"
	ChannelMinimizing = "minimizing"
	ChannelPaused     = "paused"
	ChannelCompleted  = "completed"
)

// Job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCanceled  = "canceled"
	JobPaused    = "paused"
)

// Job types.
const (
	TypeGenerateKraus  = "generate_kraus"
	TypeGenerateVector = "generate_vector"
	TypeMinimize       = "minimize"
)

// File types.
const (
	FileKraus  = "kraus"
	FileVector = "vector"
)

// User is a registered account. Only the role is read by the core.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// Channel is a compute objective: minimize the output entropy of the
// quantum channel defined by its Kraus operators. best_moe uses -1 as
// the "no sample yet" sentinel.
type Channel struct {
	ID                   int64   `json:"id"`
	KrausID              string  `json:"kraus_id,omitempty"`
	BestMOE              float64 `json:"best_moe"`
	BestVectorID         string  `json:"best_vector_id,omitempty"`
	MinimizationAttempts int     `json:"minimization_attempts"`
	RunsSpawned          int     `json:"runs_spawned"`
	RunsCompleted        int     `json:"runs_completed"`
	InputDim             int     `json:"input_dim"`
	OutputDim            int     `json:"output_dim"`
	NumKraus             int     `json:"num_kraus"`
	Status               string  `json:"status"`
}

// Job is one unit of work leased to an external worker. Zero time values
// stand for NULL columns; entropy uses -1 as the "not reported" sentinel.
type Job struct {
	ID            int64          `json:"id"`
	JobType       string         `json:"job_type"`
	Status        string         `json:"status"`
	InputData     map[string]any `json:"input_data,omitempty"`
	KrausOperator string         `json:"kraus_operator,omitempty"`
	Vector        string         `json:"vector,omitempty"`
	Entropy       float64        `json:"entropy"`
	NumIterations int            `json:"num_iterations"`
	TimeCreated   time.Time      `json:"time_created"`
	TimeStarted   time.Time      `json:"time_started,omitempty"`
	TimeFinished  time.Time      `json:"time_finished,omitempty"`
	LastUpdate    time.Time      `json:"last_update"`
	WorkerID      string         `json:"worker_id,omitempty"`
	ChannelID     int64          `json:"channel_id,omitempty"`
	Priority      int            `json:"priority"`
	ReplacedBy    int64          `json:"-"`
}

// File points at a byte-stable artifact on local storage. IDs are 8-char
// opaque strings.
type File struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	FullPath string `json:"full_path"`
}
