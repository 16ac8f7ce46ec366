package db

import (
	"database/sql"
	"time"
)

// InsertUser inserts a new user row and fills in the generated ID.
func InsertUser(db *sql.DB, u *User) error {
	if u.Role == "" {
		u.Role = "user"
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	res, err := db.Exec(`INSERT INTO users(username, email, password_hash, role, created_at) VALUES(?,?,?,?,?)`,
		u.Username, u.Email, u.PasswordHash, u.Role, u.CreatedAt.Unix())
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err == nil {
		u.ID = id
	}
	return nil
}

// GetUserByUsername returns the user with the given username, or
// sql.ErrNoRows if none exists.
func GetUserByUsername(db *sql.DB, username string) (*User, error) {
	return scanUser(db.QueryRow(`SELECT id, username, email, password_hash, role, created_at FROM users WHERE username=?`, username))
}

// GetUserByEmail returns the user with the given email.
func GetUserByEmail(db *sql.DB, email string) (*User, error) {
	return scanUser(db.QueryRow(`SELECT id, username, email, password_hash, role, created_at FROM users WHERE email=?`, email))
}

// GetUser returns the user with the given ID.
func GetUser(db *sql.DB, id int64) (*User, error) {
	return scanUser(db.QueryRow(`SELECT id, username, email, password_hash, role, created_at FROM users WHERE id=?`, id))
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var created int64
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Role, &created); err != nil {
		return nil, err
	}
	u.CreatedAt = time.Unix(created, 0).UTC()
	return &u, nil
}
