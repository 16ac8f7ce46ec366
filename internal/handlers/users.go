package handlers

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"quantumhive/internal/auth"
	dbpkg "quantumhive/internal/db"
	"quantumhive/internal/httpx"
)

type signupRequest struct {
	Username string `json:"username" validate:"required,min=3,max=50"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

func signupHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !d.LoginLimiter.Allow() {
			httpx.Write(w, r, httpx.TooManyRequests("slow down"))
			return
		}
		var req signupRequest
		if herr := decodeJSON(r, &req); herr != nil {
			httpx.Write(w, r, herr)
			return
		}
		if _, err := dbpkg.GetUserByUsername(d.DB, req.Username); !errors.Is(err, sql.ErrNoRows) {
			httpx.Write(w, r, httpx.BadRequest("username or mail already exists"))
			return
		}
		if _, err := dbpkg.GetUserByEmail(d.DB, req.Email); !errors.Is(err, sql.ErrNoRows) {
			httpx.Write(w, r, httpx.BadRequest("username or mail already exists"))
			return
		}
		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		u := &dbpkg.User{Username: req.Username, Email: req.Email, PasswordHash: hash}
		if err := dbpkg.InsertUser(d.DB, u); err != nil {
			log.Error().Err(err).Str("username", req.Username).Msg("insert user")
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		writeJSON(w, u)
	}
}

func getUserHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpx.Write(w, r, httpx.BadRequest("invalid user id"))
			return
		}
		u, err := dbpkg.GetUser(d.DB, id)
		if errors.Is(err, sql.ErrNoRows) {
			httpx.Write(w, r, httpx.NotFound("user not found"))
			return
		}
		if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		writeJSON(w, u)
	}
}
