package handlers

import (
	"database/sql"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"quantumhive/internal/auth"
	dbpkg "quantumhive/internal/db"
	"quantumhive/internal/httpx"
	"quantumhive/internal/jobs"
	tokenpkg "quantumhive/internal/token"
	"quantumhive/internal/upload"
)

// maxChunkBytes bounds one multipart chunk held in flight.
const maxChunkBytes = 64 << 20

func requestUploadHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := auth.FromContext(r.Context())
		tok, err := d.Gate.Mint(r.Context(), tokenpkg.KindUpload, claims.Subject, tokenpkg.Payload{}, d.Cfg.UploadTokenTTL)
		if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		writeJSON(w, map[string]string{"upload_url": "/files/upload/" + tok})
	}
}

func uploadHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := auth.FromContext(r.Context())
		if err := r.ParseMultipartForm(maxChunkBytes); err != nil {
			httpx.Write(w, r, httpx.BadRequest("invalid multipart form"))
			return
		}
		defer r.MultipartForm.RemoveAll()

		jobID, err := strconv.ParseInt(r.FormValue("job_id"), 10, 64)
		if err != nil {
			httpx.Write(w, r, httpx.BadRequest("invalid job_id"))
			return
		}
		index, err := strconv.Atoi(r.FormValue("chunk_index"))
		if err != nil {
			httpx.Write(w, r, httpx.BadRequest("invalid chunk_index"))
			return
		}
		total, err := strconv.Atoi(r.FormValue("total_chunks"))
		if err != nil {
			httpx.Write(w, r, httpx.BadRequest("invalid total_chunks"))
			return
		}
		if _, err := d.Jobs.Get(r.Context(), jobID); errors.Is(err, jobs.ErrNotFound) {
			httpx.Write(w, r, httpx.NotFound("job not found"))
			return
		} else if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			httpx.Write(w, r, httpx.BadRequest("missing file part"))
			return
		}
		defer file.Close()

		res, err := d.Assembler.Process(r.Context(), upload.Chunk{
			Token:     chi.URLParam(r, "token"),
			UserID:    claims.Subject,
			JobID:     jobID,
			FileType:  r.FormValue("file_type"),
			SessionID: r.FormValue("session_id"),
			Index:     index,
			Total:     total,
			Checksum:  r.FormValue("checksum"),
			Data:      file,
		})
		switch {
		case errors.Is(err, tokenpkg.ErrInvalid):
			httpx.Write(w, r, httpx.UploadConflict("invalid or expired upload token"))
			return
		case errors.Is(err, tokenpkg.ErrUserMismatch):
			httpx.Write(w, r, httpx.UploadConflict("token belongs to a different user"))
			return
		case errors.Is(err, upload.ErrSessionMismatch):
			httpx.Write(w, r, httpx.UploadConflict("session does not match upload token"))
			return
		case errors.Is(err, upload.ErrChunkConflict):
			httpx.Write(w, r, httpx.UploadConflict(err.Error()))
			return
		case errors.Is(err, upload.ErrChecksumMismatch):
			httpx.Write(w, r, httpx.BadState("assembled file failed checksum; re-send all chunks"))
			return
		case errors.Is(err, upload.ErrBadChunk):
			httpx.Write(w, r, httpx.BadRequest(err.Error()))
			return
		case err != nil:
			log.Error().Err(err).Int64("job_id", jobID).Msg("process chunk")
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		if res.Assembled {
			writeJSON(w, map[string]string{"message": "Upload successful", "file_id": res.FileID})
			return
		}
		writeJSON(w, map[string]string{"message": "chunk accepted, waiting"})
	}
}

type downloadRequest struct {
	FileID string `json:"file_id" validate:"required"`
}

func requestDownloadHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req downloadRequest
		if herr := decodeJSON(r, &req); herr != nil {
			httpx.Write(w, r, herr)
			return
		}
		if _, err := dbpkg.GetFile(d.DB, req.FileID); errors.Is(err, sql.ErrNoRows) {
			httpx.Write(w, r, httpx.NotFound("file not found"))
			return
		} else if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		claims := auth.FromContext(r.Context())
		tok, err := d.Gate.Mint(r.Context(), tokenpkg.KindDownload, claims.Subject,
			tokenpkg.Payload{FileID: req.FileID}, d.Cfg.DownloadTokenTTL)
		if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		writeJSON(w, map[string]string{"download_url": "/files/download/" + tok})
	}
}

func downloadHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := auth.FromContext(r.Context())
		tok := chi.URLParam(r, "token")
		p, err := d.Gate.Consume(r.Context(), tokenpkg.KindDownload, tok, claims.Subject)
		switch {
		case errors.Is(err, tokenpkg.ErrInvalid):
			httpx.Write(w, r, httpx.Forbidden("invalid or expired token"))
			return
		case errors.Is(err, tokenpkg.ErrUserMismatch):
			httpx.Write(w, r, httpx.Forbidden("unauthorized access"))
			return
		case err != nil:
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		f, err := dbpkg.GetFile(d.DB, p.FileID)
		if errors.Is(err, sql.ErrNoRows) {
			httpx.Write(w, r, httpx.NotFound("file not found"))
			return
		}
		if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		src, err := os.Open(f.FullPath)
		if err != nil {
			httpx.Write(w, r, httpx.NotFound("the file does not exist"))
			return
		}
		defer src.Close()
		// The token is single-use: burn it as soon as the bytes are
		// known to be servable.
		if err := d.Gate.Burn(r.Context(), tok); err != nil {
			log.Warn().Err(err).Msg("burn download token")
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", "attachment; filename=\""+filepath.Base(f.FullPath)+"\"")
		if _, err := io.Copy(w, src); err != nil {
			log.Warn().Err(err).Str("file_id", f.ID).Msg("stream file")
		}
	}
}
