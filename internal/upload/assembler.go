// Package upload reassembles chunked file uploads. One upload token
// authorizes one logical file delivered as total_chunks parts; the token
// binds to the first session ID it sees and is burned when the file row
// is published or the session is found inconsistent.
package upload

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	dbpkg "quantumhive/internal/db"
	tokenpkg "quantumhive/internal/token"
)

var (
	// ErrSessionMismatch means a chunk arrived for a session other than
	// the one the token is bound to.
	ErrSessionMismatch = errors.New("upload: session mismatch")
	// ErrChunkConflict means a chunk disagreed with recorded session
	// metadata (total count, job, file type) or was delivered twice.
	ErrChunkConflict = errors.New("upload: chunk conflict")
	// ErrChecksumMismatch means the assembled bytes did not match the
	// declared checksum. Parts are discarded; the token survives.
	ErrChecksumMismatch = errors.New("upload: checksum mismatch")
	// ErrBadChunk means the chunk metadata is out of range.
	ErrBadChunk = errors.New("upload: invalid chunk metadata")
)

// Chunk is one part of an upload as received by the HTTP layer.
type Chunk struct {
	Token     string
	UserID    string
	JobID     int64
	FileType  string
	SessionID string
	Index     int
	Total     int
	Checksum  string // optional sha256 hex of the final file
	Data      io.Reader
}

// Result reports whether the chunk completed the session.
type Result struct {
	Assembled bool
	FileID    string
}

// Assembler accepts chunks, reassembles sessions and publishes file rows.
type Assembler struct {
	db       *sql.DB
	gate     *tokenpkg.Gate
	savePath string
	tmpPath  string
	tokenTTL time.Duration

	mu       sync.Mutex
	sessions map[string]*sync.Mutex
}

// NewAssembler returns an Assembler writing parts under tmpPath and
// final artifacts under savePath.
func NewAssembler(db *sql.DB, gate *tokenpkg.Gate, savePath, tmpPath string, tokenTTL time.Duration) *Assembler {
	return &Assembler{
		db:       db,
		gate:     gate,
		savePath: savePath,
		tmpPath:  tmpPath,
		tokenTTL: tokenTTL,
		sessions: make(map[string]*sync.Mutex),
	}
}

// Process handles one chunk. The token is consumed (validated) on every
// chunk but only burned on publication or on a conflict that poisons
// the session; transient I/O and store errors leave it intact so the
// client can retry.
func (a *Assembler) Process(ctx context.Context, ch Chunk) (*Result, error) {
	if ch.SessionID == "" || ch.Index < 1 || ch.Total < 1 || ch.Index > ch.Total {
		return nil, ErrBadChunk
	}
	if ch.FileType != dbpkg.FileKraus && ch.FileType != dbpkg.FileVector {
		return nil, ErrBadChunk
	}
	p, err := a.gate.Consume(ctx, tokenpkg.KindUpload, ch.Token, ch.UserID)
	if err != nil {
		return nil, err
	}

	unlock := a.lockSession(ch.SessionID)
	defer unlock()

	if p.SessionID == "" {
		p.SessionID = ch.SessionID
	} else if p.SessionID != ch.SessionID {
		a.burn(ctx, ch.Token)
		return nil, ErrSessionMismatch
	}
	if p.TotalChunks == 0 {
		p.TotalChunks = ch.Total
	} else if p.TotalChunks != ch.Total {
		a.burn(ctx, ch.Token)
		return nil, fmt.Errorf("%w: total_chunks changed from %d to %d", ErrChunkConflict, p.TotalChunks, ch.Total)
	}
	if p.JobID == 0 {
		p.JobID = ch.JobID
		p.FileType = ch.FileType
	} else if p.JobID != ch.JobID || p.FileType != ch.FileType {
		a.burn(ctx, ch.Token)
		return nil, fmt.Errorf("%w: job binding changed", ErrChunkConflict)
	}
	if p.Checksum == "" {
		p.Checksum = ch.Checksum
	}
	if p.FilePath == "" {
		p.FilePath = filepath.Join(a.savePath, uuid.NewString()+".dat")
	}

	partPath := a.partPath(ch.SessionID, ch.Index)
	f, err := os.OpenFile(partPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		// Duplicate delivery of this part.
		a.burn(ctx, ch.Token)
		return nil, fmt.Errorf("%w: chunk %d already delivered", ErrChunkConflict, ch.Index)
	}
	if err != nil {
		return nil, fmt.Errorf("create part: %w", err)
	}
	if _, err := io.Copy(f, ch.Data); err != nil {
		f.Close()
		os.Remove(partPath)
		return nil, fmt.Errorf("write part: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(partPath)
		return nil, fmt.Errorf("close part: %w", err)
	}

	// Record the session state and refresh the TTL before deciding on
	// assembly, so a failed assembly can be retried under the same token.
	if err := a.gate.Save(ctx, ch.Token, p, a.tokenTTL); err != nil {
		return nil, fmt.Errorf("save token: %w", err)
	}

	complete, err := a.haveAllParts(ch.SessionID, p.TotalChunks)
	if err != nil {
		return nil, err
	}
	if !complete {
		return &Result{Assembled: false}, nil
	}

	fileID, err := a.assemble(ctx, p)
	if err != nil {
		return nil, err
	}
	a.burn(ctx, ch.Token)
	return &Result{Assembled: true, FileID: fileID}, nil
}

func (a *Assembler) lockSession(sessionID string) func() {
	a.mu.Lock()
	l, ok := a.sessions[sessionID]
	if !ok {
		l = &sync.Mutex{}
		a.sessions[sessionID] = l
	}
	a.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (a *Assembler) partPath(sessionID string, index int) string {
	return filepath.Join(a.tmpPath, fmt.Sprintf("%s_%d.tmp", sessionID, index))
}

func (a *Assembler) haveAllParts(sessionID string, total int) (bool, error) {
	for i := 1; i <= total; i++ {
		if _, err := os.Stat(a.partPath(sessionID, i)); errors.Is(err, os.ErrNotExist) {
			return false, nil
		} else if err != nil {
			return false, fmt.Errorf("stat part %d: %w", i, err)
		}
	}
	return true, nil
}

// assemble concatenates the parts in index order into the final path,
// verifies the declared checksum, publishes the file row and stamps the
// job, then removes the parts.
func (a *Assembler) assemble(ctx context.Context, p *tokenpkg.Payload) (string, error) {
	out, err := os.Create(p.FilePath)
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}
	hash := sha256.New()
	w := io.MultiWriter(out, hash)
	for i := 1; i <= p.TotalChunks; i++ {
		part, err := os.Open(a.partPath(p.SessionID, i))
		if err != nil {
			out.Close()
			os.Remove(p.FilePath)
			return "", fmt.Errorf("open part %d: %w", i, err)
		}
		_, err = io.Copy(w, part)
		part.Close()
		if err != nil {
			out.Close()
			os.Remove(p.FilePath)
			return "", fmt.Errorf("copy part %d: %w", i, err)
		}
	}
	if err := out.Close(); err != nil {
		os.Remove(p.FilePath)
		return "", fmt.Errorf("close artifact: %w", err)
	}
	if p.Checksum != "" && hex.EncodeToString(hash.Sum(nil)) != p.Checksum {
		os.Remove(p.FilePath)
		a.removeParts(p.SessionID, p.TotalChunks)
		return "", ErrChecksumMismatch
	}

	fileID := uuid.NewString()[:8]
	if err := a.publish(fileID, p); err != nil {
		os.Remove(p.FilePath)
		return "", err
	}
	a.removeParts(p.SessionID, p.TotalChunks)
	return fileID, nil
}

// publish commits the file row and the job blob reference in one
// transaction; assembly is the only step that creates durable state.
func (a *Assembler) publish(fileID string, p *tokenpkg.Payload) error {
	tx, err := a.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`INSERT INTO files(id, type, full_path) VALUES(?,?,?)`, fileID, p.FileType, p.FilePath); err != nil {
		return fmt.Errorf("insert file row: %w", err)
	}
	col := "vector"
	if p.FileType == dbpkg.FileKraus {
		col = "kraus_operator"
	}
	if p.JobID != 0 {
		if _, err := tx.Exec(`UPDATE jobs SET `+col+`=?, last_update=? WHERE id=?`, fileID, time.Now().UTC().Unix(), p.JobID); err != nil {
			return fmt.Errorf("stamp job %d: %w", p.JobID, err)
		}
	}
	return tx.Commit()
}

func (a *Assembler) removeParts(sessionID string, total int) {
	for i := 1; i <= total; i++ {
		if err := os.Remove(a.partPath(sessionID, i)); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("session_id", sessionID).Int("index", i).Msg("remove part file")
		}
	}
	a.mu.Lock()
	delete(a.sessions, sessionID)
	a.mu.Unlock()
}

func (a *Assembler) burn(ctx context.Context, tok string) {
	if err := a.gate.Burn(ctx, tok); err != nil {
		log.Warn().Err(err).Msg("burn upload token")
	}
}
