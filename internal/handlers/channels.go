package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"quantumhive/internal/httpx"
	"quantumhive/internal/jobs"
)

func createChannelHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			httpx.Write(w, r, httpx.BadRequest("invalid form"))
			return
		}
		inputDim, err1 := strconv.Atoi(r.PostFormValue("input_dim"))
		outputDim, err2 := strconv.Atoi(r.PostFormValue("output_dim"))
		numKraus, err3 := strconv.Atoi(r.PostFormValue("num_kraus"))
		if err1 != nil || err2 != nil || err3 != nil || inputDim < 1 || outputDim < 1 || numKraus < 1 {
			httpx.Write(w, r, httpx.BadRequest("input_dim, output_dim and num_kraus must be positive integers"))
			return
		}
		// method selects the sampling scheme; only haar ensembles exist today.
		if m := r.PostFormValue("method"); m != "" && m != "haar" {
			httpx.Write(w, r, httpx.BadRequest("unknown method"))
			return
		}
		if krausID := r.PostFormValue("kraus_id"); krausID != "" {
			if _, err := d.Channels.CreateFromKraus(r.Context(), krausID, inputDim, outputDim, numKraus); err != nil {
				log.Error().Err(err).Msg("create channel from kraus")
				httpx.Write(w, r, httpx.Internal(err))
				return
			}
			writeJSON(w, map[string]string{"result": "success"})
			return
		}
		if _, err := d.Channels.Create(r.Context(), inputDim, outputDim, numKraus); err != nil {
			log.Error().Err(err).Msg("create channel")
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		writeJSON(w, map[string]string{"result": "success"})
	}
}

func listChannelsHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := d.Channels.List(r.Context())
		if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		writeJSON(w, list)
	}
}

type attemptsRequest struct {
	ChannelID int64 `json:"channel_id" validate:"required"`
	Attempts  int   `json:"attempts" validate:"required,min=1"`
}

func updateAttemptsHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req attemptsRequest
		if herr := decodeJSON(r, &req); herr != nil {
			httpx.Write(w, r, herr)
			return
		}
		err := d.Channels.SetAttempts(r.Context(), req.ChannelID, req.Attempts)
		if errors.Is(err, jobs.ErrNotFound) {
			httpx.Write(w, r, httpx.NotFound("channel not found"))
			return
		}
		if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		writeJSON(w, map[string]string{"result": "success"})
	}
}
