package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/meetkit/live-transcription/internal/types"
)

// Store persists session transcript state in SQLite. Segments and marks are
// stored as JSON columns: they are always read and written as a whole
// projection, never queried individually.
type Store struct {
	db *sql.DB
}

// NewStore opens (and if needed creates) the session database.
func NewStore(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %v", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	createTableSQL := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		language TEXT,
		segments TEXT NOT NULL,
		marks TEXT NOT NULL,
		archive_ref TEXT,
		summary TEXT,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at);
	`

	if _, err := db.Exec(createTableSQL); err != nil {
		return nil, fmt.Errorf("failed to create sessions table: %v", err)
	}

	return &Store{db: db}, nil
}

// SaveState upserts the full projection for a session.
func (s *Store) SaveState(state *types.PersistedTranscriptState) error {
	segments, err := json.Marshal(state.Segments)
	if err != nil {
		return fmt.Errorf("failed to encode segments: %v", err)
	}
	marks, err := json.Marshal(state.Marks)
	if err != nil {
		return fmt.Errorf("failed to encode marks: %v", err)
	}

	// summary is deliberately not in the update set: a late session flush
	// must not clobber a summary the worker already wrote.
	query := `
	INSERT INTO sessions (session_id, state, started_at, language, segments, marks, archive_ref, summary, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		state = excluded.state,
		language = excluded.language,
		segments = excluded.segments,
		marks = excluded.marks,
		archive_ref = excluded.archive_ref,
		updated_at = excluded.updated_at
	`

	_, err = s.db.Exec(query, state.SessionID, state.State, state.StartedAt, state.Language,
		string(segments), string(marks), state.AudioArchiveRef, state.Summary, state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save session state: %v", err)
	}
	return nil
}

// GetState loads the projection for one session.
func (s *Store) GetState(sessionID string) (*types.PersistedTranscriptState, error) {
	query := `
	SELECT session_id, state, started_at, language, segments, marks, archive_ref, summary, updated_at
	FROM sessions WHERE session_id = ?
	`

	row := s.db.QueryRow(query, sessionID)

	var (
		state           types.PersistedTranscriptState
		segments, marks string
		language, ref   sql.NullString
		summary         sql.NullString
	)

	err := row.Scan(&state.SessionID, &state.State, &state.StartedAt, &language,
		&segments, &marks, &ref, &summary, &state.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %v", err)
	}

	state.Language = language.String
	state.AudioArchiveRef = ref.String
	state.Summary = summary.String
	if err := json.Unmarshal([]byte(segments), &state.Segments); err != nil {
		return nil, fmt.Errorf("failed to decode segments: %v", err)
	}
	if err := json.Unmarshal([]byte(marks), &state.Marks); err != nil {
		return nil, fmt.Errorf("failed to decode marks: %v", err)
	}
	return &state, nil
}

// SessionInfo is one row of the session listing.
type SessionInfo struct {
	SessionID  string    `json:"sessionId"`
	State      string    `json:"state"`
	StartedAt  time.Time `json:"startedAt"`
	HasSummary bool      `json:"hasSummary"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// ListSessions returns recent sessions, newest first.
func (s *Store) ListSessions(limit int) ([]SessionInfo, error) {
	query := `
	SELECT session_id, state, started_at, summary IS NOT NULL AND summary != '', updated_at
	FROM sessions ORDER BY started_at DESC LIMIT ?
	`

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %v", err)
	}
	defer rows.Close()

	var sessions []SessionInfo
	for rows.Next() {
		var info SessionInfo
		if err := rows.Scan(&info.SessionID, &info.State, &info.StartedAt, &info.HasSummary, &info.UpdatedAt); err != nil {
			continue
		}
		sessions = append(sessions, info)
	}
	return sessions, rows.Err()
}

// SetSummary attaches the generated summary to a completed session.
func (s *Store) SetSummary(sessionID, summary string) error {
	_, err := s.db.Exec(`UPDATE sessions SET summary = ?, updated_at = ? WHERE session_id = ?`,
		summary, time.Now(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to save summary: %v", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
