// Package token implements the short-lived single-use tokens that gate
// file transfer. A download token is burned on first successful fetch;
// an upload token survives across chunks and is mutated as the session
// progresses.
package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"quantumhive/internal/redisx"
)

// Token kinds.
const (
	KindUpload   = "upload"
	KindDownload = "download"
)

var (
	// ErrInvalid means the token does not exist, has expired, was
	// already burned, or is of the wrong kind.
	ErrInvalid = errors.New("token: invalid or expired")
	// ErrUserMismatch means the token was minted for a different user.
	ErrUserMismatch = errors.New("token: user mismatch")
)

// Payload is the mutable record behind a token. Download tokens carry
// FileID; upload tokens accumulate session state chunk by chunk.
type Payload struct {
	Kind   string `json:"kind"`
	UserID string `json:"user_id"`

	FileID string `json:"file_id,omitempty"`

	JobID       int64  `json:"job_id,omitempty"`
	FileType    string `json:"file_type,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	FilePath    string `json:"file_path,omitempty"`
	TotalChunks int    `json:"total_chunks,omitempty"`
	Checksum    string `json:"checksum,omitempty"`
}

// Gate mints and validates transfer tokens backed by the ephemeral store.
type Gate struct {
	rdb *redisx.Client
}

// NewGate returns a Gate using the given ephemeral store.
func NewGate(rdb *redisx.Client) *Gate {
	return &Gate{rdb: rdb}
}

// Mint creates a token of the given kind for userID and stores the
// payload under it for ttl. The token string carries 128 bits from a
// cryptographically secure source.
func (g *Gate) Mint(ctx context.Context, kind, userID string, p Payload, ttl time.Duration) (string, error) {
	p.Kind = kind
	p.UserID = userID
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}
	tok := base64.RawURLEncoding.EncodeToString(b)
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	if err := g.rdb.SetToken(ctx, tok, data, ttl); err != nil {
		return "", fmt.Errorf("store token: %w", err)
	}
	return tok, nil
}

// Consume validates a token against the expected kind and user and
// returns its payload. The token is not deleted; callers decide whether
// to Burn or Save it.
func (g *Gate) Consume(ctx context.Context, kind, tok, userID string) (*Payload, error) {
	data, err := g.rdb.GetToken(ctx, tok)
	if errors.Is(err, redisx.ErrEmpty) {
		return nil, ErrInvalid
	}
	if err != nil {
		return nil, err
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, ErrInvalid
	}
	if p.Kind != kind {
		return nil, ErrInvalid
	}
	if p.UserID != userID {
		return nil, ErrUserMismatch
	}
	return &p, nil
}

// Save rewrites a token's payload and refreshes its TTL. Upload tokens
// expire relative to their last mutation.
func (g *Gate) Save(ctx context.Context, tok string, p *Payload, ttl time.Duration) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return g.rdb.SetToken(ctx, tok, data, ttl)
}

// Burn deletes a token, ending its single use.
func (g *Gate) Burn(ctx context.Context, tok string) error {
	return g.rdb.DelToken(ctx, tok)
}
