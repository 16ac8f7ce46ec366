package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"quantumhive/internal/auth"
	dbpkg "quantumhive/internal/db"
	"quantumhive/internal/httpx"
	"quantumhive/internal/jobs"
)

type createJobRequest struct {
	JobType       string         `json:"job_type" validate:"required,oneof=generate_kraus generate_vector minimize"`
	InputData     map[string]any `json:"input_data"`
	KrausOperator string         `json:"kraus_operator"`
	Vector        string         `json:"vector"`
	ChannelID     int64          `json:"channel_id"`
}

func createJobHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createJobRequest
		if herr := decodeJSON(r, &req); herr != nil {
			httpx.Write(w, r, herr)
			return
		}
		j, err := d.Jobs.Create(r.Context(), req.JobType, req.InputData, req.KrausOperator, req.Vector, req.ChannelID)
		if errors.Is(err, jobs.ErrMissingInputs) {
			httpx.Write(w, r, httpx.BadRequest("minimize requires kraus_operator and vector"))
			return
		}
		if err != nil {
			log.Error().Err(err).Str("job_type", req.JobType).Msg("create job")
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		writeJSON(w, map[string]int64{"job_id": j.ID})
	}
}

func requestJobHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := auth.FromContext(r.Context())
		j, err := d.Jobs.Assign(r.Context(), claims.Subject)
		if errors.Is(err, jobs.ErrNoWork) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if err != nil {
			log.Error().Err(err).Str("worker_id", claims.Subject).Msg("assign job")
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		writeJSON(w, map[string]any{
			"job_id":     j.ID,
			"job_type":   j.JobType,
			"job_data":   j.InputData,
			"job_status": j.Status,
			"kraus_id":   j.KrausOperator,
			"vector_id":  j.Vector,
			"channel_id": j.ChannelID,
		})
	}
}

type jobIDRequest struct {
	JobID int64 `json:"job_id" validate:"required"`
}

func pingHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req jobIDRequest
		if herr := decodeJSON(r, &req); herr != nil {
			httpx.Write(w, r, herr)
			return
		}
		claims := auth.FromContext(r.Context())
		err := d.Jobs.Ping(r.Context(), claims.Subject, req.JobID)
		if errors.Is(err, jobs.ErrNotOwner) {
			httpx.Write(w, r, httpx.Forbidden("worker does not own this job"))
			return
		}
		if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		writeJSON(w, map[string]string{"message": "pong"})
	}
}

func jobStatusHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.URL.Query().Get("job_id"), 10, 64)
		if err != nil {
			httpx.Write(w, r, httpx.BadRequest("invalid job_id"))
			return
		}
		j, herr := ownedJob(d, r, id)
		if herr != nil {
			httpx.Write(w, r, herr)
			return
		}
		writeJSON(w, map[string]any{"job_id": j.ID, "job_status": j.Status})
	}
}

// lifecycleHandler serves pause, resume, cancel and complete, all of
// which take a job ID and require ownership.
func lifecycleHandler(d Deps, op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req jobIDRequest
		if herr := decodeJSON(r, &req); herr != nil {
			httpx.Write(w, r, herr)
			return
		}
		if _, herr := ownedJob(d, r, req.JobID); herr != nil {
			httpx.Write(w, r, herr)
			return
		}
		var err error
		switch op {
		case "pause":
			err = d.Jobs.Pause(r.Context(), req.JobID)
		case "resume":
			err = d.Jobs.Resume(r.Context(), req.JobID)
		case "cancel":
			err = d.Jobs.Cancel(r.Context(), req.JobID)
		case "complete":
			err = d.Jobs.Complete(r.Context(), req.JobID)
		}
		switch {
		case errors.Is(err, jobs.ErrBadState):
			httpx.Write(w, r, httpx.BadState("job is not in a state that allows "+op))
			return
		case errors.Is(err, jobs.ErrNotFound):
			httpx.Write(w, r, httpx.NotFound("job not found"))
			return
		case err != nil:
			log.Error().Err(err).Int64("job_id", req.JobID).Str("op", op).Msg("job lifecycle")
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		writeJSON(w, map[string]string{"result": "success"})
	}
}

type iterationsRequest struct {
	JobID         int64 `json:"job_id" validate:"required"`
	NumIterations int   `json:"num_iterations" validate:"min=0"`
}

func updateIterationsHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req iterationsRequest
		if herr := decodeJSON(r, &req); herr != nil {
			httpx.Write(w, r, herr)
			return
		}
		if _, herr := ownedJob(d, r, req.JobID); herr != nil {
			httpx.Write(w, r, herr)
			return
		}
		if err := d.Jobs.UpdateIterations(r.Context(), req.JobID, req.NumIterations); err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		writeJSON(w, map[string]string{"result": "success"})
	}
}

type entropyRequest struct {
	JobID   int64   `json:"job_id" validate:"required"`
	Entropy float64 `json:"entropy"`
}

func updateEntropyHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req entropyRequest
		if herr := decodeJSON(r, &req); herr != nil {
			httpx.Write(w, r, herr)
			return
		}
		if _, herr := ownedJob(d, r, req.JobID); herr != nil {
			httpx.Write(w, r, herr)
			return
		}
		if err := d.Jobs.UpdateEntropy(r.Context(), req.JobID, req.Entropy); err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		writeJSON(w, map[string]string{"result": "success"})
	}
}

// ownedJob loads a job and verifies the caller leases it (admins may
// touch any job).
func ownedJob(d Deps, r *http.Request, id int64) (*dbpkg.Job, *httpx.HTTPError) {
	j, err := d.Jobs.Get(r.Context(), id)
	if errors.Is(err, jobs.ErrNotFound) {
		return nil, httpx.NotFound("job not found")
	}
	if err != nil {
		return nil, httpx.Internal(err)
	}
	claims := auth.FromContext(r.Context())
	if claims.Role != "admin" && j.WorkerID != claims.Subject {
		return nil, httpx.Forbidden("not your job")
	}
	return j, nil
}
