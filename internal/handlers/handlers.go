// Package handlers wires the HTTP surface. Handlers authenticate,
// authorize and translate; every mutation goes through the owning
// component's public contract, never straight at the store.
package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	rate "golang.org/x/time/rate"

	"quantumhive/internal/auth"
	"quantumhive/internal/channels"
	"quantumhive/internal/config"
	"quantumhive/internal/httpx"
	"quantumhive/internal/jobs"
	"quantumhive/internal/redisx"
	"quantumhive/internal/summary"
	tokenpkg "quantumhive/internal/token"
	"quantumhive/internal/upload"
)

var validate = validator.New()

// Deps carries everything the router needs.
type Deps struct {
	DB        *sql.DB
	RDB       *redisx.Client
	Auth      *auth.Service
	Gate      *tokenpkg.Gate
	Jobs      *jobs.Manager
	Channels  *channels.Manager
	Assembler *upload.Assembler
	Cfg       config.Config

	// LoginLimiter throttles credential endpoints; a sane default is
	// installed when nil.
	LoginLimiter *rate.Limiter
}

// New builds a router with all HTTP handlers.
func New(d Deps) http.Handler {
	if d.LoginLimiter == nil {
		d.LoginLimiter = rate.NewLimiter(rate.Every(time.Second), 5)
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"message": "QuantumHive API is running"})
	})

	r.Post("/users/signup", signupHandler(d))
	r.Post("/auth/login", loginHandler(d))
	r.Post("/auth/refresh", refreshHandler(d))

	r.Group(func(g chi.Router) {
		g.Use(d.Auth.RequireAuth)

		g.Get("/auth/status", statusHandler())
		g.Get("/channels/list", listChannelsHandler(d))

		g.Get("/jobs/request", requestJobHandler(d))
		g.Post("/jobs/ping", pingHandler(d))
		g.Get("/jobs/status", jobStatusHandler(d))
		g.Post("/jobs/pause", lifecycleHandler(d, "pause"))
		g.Post("/jobs/resume", lifecycleHandler(d, "resume"))
		g.Post("/jobs/cancel", lifecycleHandler(d, "cancel"))
		g.Post("/jobs/complete", lifecycleHandler(d, "complete"))
		g.Post("/jobs/update-iterations", updateIterationsHandler(d))
		g.Post("/jobs/update-entropy", updateEntropyHandler(d))

		g.Post("/files/request-upload", requestUploadHandler(d))
		g.Post("/files/upload/{token}", uploadHandler(d))
		g.Post("/files/request-download", requestDownloadHandler(d))
		g.Get("/files/download/{token}", downloadHandler(d))

		g.Group(func(a chi.Router) {
			a.Use(auth.RequireAdmin)
			a.Post("/channels/create", createChannelHandler(d))
			a.Post("/channels/update-minimization-attempts", updateAttemptsHandler(d))
			a.Post("/jobs/create", createJobHandler(d))
			a.Get("/users/user/{id}", getUserHandler(d))
			a.Get("/admin/summary", summaryHandler(d))
		})
	})

	return r
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-ID") == "" {
			r.Header.Set("X-Request-ID", uuid.NewString())
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) *httpx.HTTPError {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return httpx.BadRequest("invalid request body")
	}
	return validatePayload(v)
}

func validatePayload(v any) *httpx.HTTPError {
	if err := validate.Struct(v); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			fields := make(map[string]string, len(ve))
			for _, fe := range ve {
				fields[strings.ToLower(fe.Field())] = fe.Tag()
			}
			return httpx.BadRequest("validation failed").WithDetails(fields)
		}
		return httpx.Internal(err)
	}
	return nil
}

func summaryHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := summary.Collect(d.DB)
		if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		if depth, err := d.RDB.QueueLen(r.Context()); err == nil {
			s.QueueDepth = depth
		}
		writeJSON(w, s)
	}
}
