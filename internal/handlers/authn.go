package handlers

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"quantumhive/internal/auth"
	dbpkg "quantumhive/internal/db"
	"quantumhive/internal/httpx"
)

func loginHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !d.LoginLimiter.Allow() {
			httpx.Write(w, r, httpx.TooManyRequests("slow down"))
			return
		}
		if err := r.ParseForm(); err != nil {
			httpx.Write(w, r, httpx.BadRequest("invalid form"))
			return
		}
		username := r.PostFormValue("username")
		password := r.PostFormValue("password")
		if username == "" || password == "" {
			httpx.Write(w, r, httpx.BadRequest("username and password required"))
			return
		}
		u, err := dbpkg.GetUserByUsername(d.DB, username)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && !auth.VerifyPassword(password, u.PasswordHash)) {
			log.Info().Str("username", username).Str("remote", r.RemoteAddr).Msg("failed login")
			httpx.Write(w, r, httpx.Unauthorized("invalid credentials"))
			return
		}
		if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		pair, err := d.Auth.IssuePair(u.Username, u.Role)
		if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		writeJSON(w, pair)
	}
}

func refreshHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		refresh := r.Header.Get("Refresh")
		if refresh == "" {
			httpx.Write(w, r, httpx.BadRequest("missing refresh header"))
			return
		}
		pair, err := d.Auth.Rotate(r.Context(), refresh)
		switch {
		case errors.Is(err, auth.ErrRevoked):
			httpx.Write(w, r, httpx.Unauthorized("token has been revoked"))
			return
		case errors.Is(err, auth.ErrExpired):
			httpx.Write(w, r, httpx.Unauthorized("token has expired"))
			return
		case errors.Is(err, auth.ErrInvalid):
			httpx.Write(w, r, httpx.BadRequest("invalid token type"))
			return
		case err != nil:
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		writeJSON(w, pair)
	}
}

func statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := auth.FromContext(r.Context())
		writeJSON(w, map[string]string{
			"status": "Server is running",
			"user":   claims.Subject,
		})
	}
}
