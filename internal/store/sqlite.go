package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/alia-gateway/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_key TEXT PRIMARY KEY,
		stage TEXT NOT NULL,
		exit_reason TEXT NOT NULL DEFAULT '',
		session_complete INTEGER NOT NULL DEFAULT 0,
		interaction_count INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		audio_response INTEGER NOT NULL DEFAULT 0,
		video_enabled INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

	CREATE TABLE IF NOT EXISTS transcripts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_key TEXT NOT NULL,
		direction TEXT NOT NULL,
		kind TEXT NOT NULL,
		content TEXT NOT NULL,
		stage TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transcripts_session ON transcripts(session_key, id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return err
	}
	return nil
}

// UpsertSession creates or updates a session record.
func (s *SQLiteStore) UpsertSession(ctx context.Context, record *domain.SessionRecord) error {
	var endedAt *int64
	if record.EndedAt != nil {
		v := record.EndedAt.Unix()
		endedAt = &v
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			session_key, stage, exit_reason, session_complete,
			interaction_count, error_count, audio_response, video_enabled,
			started_at, ended_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			stage = excluded.stage,
			exit_reason = excluded.exit_reason,
			session_complete = excluded.session_complete,
			interaction_count = excluded.interaction_count,
			error_count = excluded.error_count,
			ended_at = excluded.ended_at,
			updated_at = excluded.updated_at`,
		record.SessionKey, record.Stage, record.ExitReason, boolToInt(record.SessionComplete),
		record.InteractionCount, record.ErrorCount, boolToInt(record.AudioResponse), boolToInt(record.VideoEnabled),
		record.StartedAt.Unix(), endedAt, record.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session record by its key.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionKey string) (*domain.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_key, stage, exit_reason, session_complete,
			interaction_count, error_count, audio_response, video_enabled,
			started_at, ended_at, updated_at
		FROM sessions WHERE session_key = ?`, sessionKey)

	var record domain.SessionRecord
	var complete, audio, video int
	var startedAt, updatedAt int64
	var endedAt sql.NullInt64
	err := row.Scan(&record.SessionKey, &record.Stage, &record.ExitReason, &complete,
		&record.InteractionCount, &record.ErrorCount, &audio, &video,
		&startedAt, &endedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	record.SessionComplete = complete != 0
	record.AudioResponse = audio != 0
	record.VideoEnabled = video != 0
	record.StartedAt = time.Unix(startedAt, 0).UTC()
	record.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if endedAt.Valid {
		t := time.Unix(endedAt.Int64, 0).UTC()
		record.EndedAt = &t
	}
	return &record, nil
}

// AppendTranscript stores one conversation message.
func (s *SQLiteStore) AppendTranscript(ctx context.Context, entry *domain.TranscriptEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transcripts (session_key, direction, kind, content, stage, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.SessionKey, entry.Direction, entry.Kind, entry.Content, entry.Stage, entry.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

// GetTranscript retrieves the transcript for a session in arrival order.
func (s *SQLiteStore) GetTranscript(ctx context.Context, sessionKey string) ([]*domain.TranscriptEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_key, direction, kind, content, stage, created_at
		FROM transcripts WHERE session_key = ? ORDER BY id`, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("get transcript: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*domain.TranscriptEntry
	for rows.Next() {
		var entry domain.TranscriptEntry
		var createdAt int64
		if err := rows.Scan(&entry.ID, &entry.SessionKey, &entry.Direction, &entry.Kind,
			&entry.Content, &entry.Stage, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		entry.CreatedAt = time.Unix(createdAt, 0).UTC()
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript rows: %w", err)
	}
	return entries, nil
}

// CleanupSessions removes stale session rows and their transcripts.
func (s *SQLiteStore) CleanupSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().Add(-ttl).Unix()
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM transcripts WHERE session_key IN (
			SELECT session_key FROM sessions WHERE updated_at < ?
		)`, cutoff); err != nil {
		return 0, fmt.Errorf("cleanup transcripts: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup sessions: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup sessions rows affected: %w", err)
	}
	return deleted, nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
