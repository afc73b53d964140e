package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/fashion-studio/internal/domain"
	"github.com/ashureev/fashion-studio/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeRetries   = 3
	writeBaseDelay = 50 * time.Millisecond
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

	// WAL lets the TTL worker read while request handlers write.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
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
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS view_sessions (
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		show_inputs INTEGER NOT NULL DEFAULT 1,
		processing INTEGER NOT NULL DEFAULT 0,
		image_id TEXT,
		image_path TEXT,
		image_mime TEXT,
		image_size INTEGER,
		image_created_at INTEGER,
		last_error_kind TEXT,
		last_error_message TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, session_id)
	);
	CREATE INDEX IF NOT EXISTS idx_view_sessions_updated ON view_sessions(updated_at);

	CREATE TABLE IF NOT EXISTS chat_turns (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_turns_session ON chat_turns(user_id, session_id, seq);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	var user domain.User
	var lastSeen, createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	err := shared.RetryOnConflict(ctx, "upsert_user", writeRetries, writeBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, query,
			user.UserID, user.Username, user.LastSeenAt.Unix(),
			user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}
	return nil
}

const sessionColumns = `
	user_id, session_id, show_inputs, processing,
	image_id, image_path, image_mime, image_size, image_created_at,
	last_error_kind, last_error_message, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.SessionState, error) {
	var state domain.SessionState
	var imageID, imagePath, imageMIME sql.NullString
	var imageSize, imageCreatedAt sql.NullInt64
	var errKind, errMessage sql.NullString
	var createdAt, updatedAt int64

	if err := row.Scan(
		&state.UserID, &state.SessionID, &state.ShowInputs, &state.Processing,
		&imageID, &imagePath, &imageMIME, &imageSize, &imageCreatedAt,
		&errKind, &errMessage, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	if imageID.Valid {
		state.GeneratedImage = &domain.ImageRef{
			ID:        imageID.String,
			Path:      imagePath.String,
			MIMEType:  imageMIME.String,
			Size:      imageSize.Int64,
			CreatedAt: time.UnixMilli(imageCreatedAt.Int64),
		}
	}
	if errKind.Valid {
		state.LastError = &domain.LastError{
			Kind:    domain.ErrorKind(errKind.String),
			Message: errMessage.String,
		}
	}
	state.CreatedAt = time.UnixMilli(createdAt)
	state.UpdatedAt = time.UnixMilli(updatedAt)
	state.ChatHistory = []domain.ChatTurn{}
	return &state, nil
}

// GetSessionState loads the view flags and full transcript of a session.
func (s *SQLiteStore) GetSessionState(ctx context.Context, key domain.SessionKey) (*domain.SessionState, error) {
	query := `SELECT ` + sessionColumns + ` FROM view_sessions WHERE user_id = ? AND session_id = ?`

	state, err := scanSession(s.db.QueryRowContext(ctx, query, key.UserID, key.SessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session state: %w", err)
	}

	turns, err := s.listChatTurns(ctx, key)
	if err != nil {
		return nil, err
	}
	state.ChatHistory = turns
	return state, nil
}

func (s *SQLiteStore) listChatTurns(ctx context.Context, key domain.SessionKey) ([]domain.ChatTurn, error) {
	query := `
		SELECT seq, role, content, created_at FROM chat_turns
		WHERE user_id = ? AND session_id = ? ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, key.UserID, key.SessionID)
	if err != nil {
		return nil, fmt.Errorf("query chat turns: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close chat turn rows", "error", closeErr)
		}
	}()

	turns := []domain.ChatTurn{}
	for rows.Next() {
		var turn domain.ChatTurn
		var role string
		var createdAt int64
		if err := rows.Scan(&turn.Seq, &role, &turn.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan chat turn: %w", err)
		}
		turn.Role = domain.Role(role)
		turn.CreatedAt = time.UnixMilli(createdAt)
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat turns: %w", err)
	}
	return turns, nil
}

// SaveSessionState creates or updates the view flags of a session.
func (s *SQLiteStore) SaveSessionState(ctx context.Context, state *domain.SessionState) error {
	query := `
	INSERT INTO view_sessions (` + sessionColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id, session_id) DO UPDATE SET
		show_inputs = excluded.show_inputs,
		processing = excluded.processing,
		image_id = excluded.image_id,
		image_path = excluded.image_path,
		image_mime = excluded.image_mime,
		image_size = excluded.image_size,
		image_created_at = excluded.image_created_at,
		last_error_kind = excluded.last_error_kind,
		last_error_message = excluded.last_error_message,
		updated_at = excluded.updated_at`

	var imageID, imagePath, imageMIME, imageSize, imageCreatedAt any
	if img := state.GeneratedImage; img != nil {
		imageID = img.ID
		imagePath = img.Path
		imageMIME = img.MIMEType
		imageSize = img.Size
		imageCreatedAt = img.CreatedAt.UnixMilli()
	}
	var errKind, errMessage any
	if le := state.LastError; le != nil {
		errKind = string(le.Kind)
		errMessage = le.Message
	}

	err := shared.RetryOnConflict(ctx, "save_session", writeRetries, writeBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, query,
			state.UserID, state.SessionID, state.ShowInputs, state.Processing,
			imageID, imagePath, imageMIME, imageSize, imageCreatedAt,
			errKind, errMessage, state.CreatedAt.UnixMilli(), state.UpdatedAt.UnixMilli(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("save session state: %w", err)
	}
	return nil
}

// AppendChatTurn appends one turn to a session transcript.
func (s *SQLiteStore) AppendChatTurn(ctx context.Context, key domain.SessionKey, role domain.Role, content string, at time.Time) (domain.ChatTurn, error) {
	if !role.Valid() {
		return domain.ChatTurn{}, fmt.Errorf("append chat turn: unknown role %q", role)
	}

	query := `
	INSERT INTO chat_turns (user_id, session_id, role, content, created_at)
	VALUES (?, ?, ?, ?, ?)`

	var seq int64
	err := shared.RetryOnConflict(ctx, "append_chat_turn", writeRetries, writeBaseDelay, func() error {
		result, err := s.db.ExecContext(ctx, query, key.UserID, key.SessionID, string(role), content, at.UnixMilli())
		if err != nil {
			return err
		}
		seq, err = result.LastInsertId()
		return err
	})
	if err != nil {
		return domain.ChatTurn{}, fmt.Errorf("append chat turn: %w", err)
	}

	return domain.ChatTurn{
		Seq:       seq,
		Role:      role,
		Content:   content,
		CreatedAt: time.UnixMilli(at.UnixMilli()),
	}, nil
}

// DeleteSession removes the view flags and transcript of a session.
func (s *SQLiteStore) DeleteSession(ctx context.Context, key domain.SessionKey) error {
	err := shared.RetryOnConflict(ctx, "delete_session", writeRetries, 100*time.Millisecond, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chat_turns WHERE user_id = ? AND session_id = ?`, key.UserID, key.SessionID); err != nil {
			_ = tx.Rollback()
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM view_sessions WHERE user_id = ? AND session_id = ?`, key.UserID, key.SessionID); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("delete session %s: %w", key, err)
	}
	return nil
}

// GetExpiredSessions returns sessions not updated within ttl.
// Transcripts are not loaded.
func (s *SQLiteStore) GetExpiredSessions(ctx context.Context, ttl time.Duration) ([]*domain.SessionState, error) {
	threshold := time.Now().Add(-ttl).UnixMilli()
	query := `SELECT ` + sessionColumns + ` FROM view_sessions WHERE updated_at < ? AND processing = 0`

	rows, err := s.db.QueryContext(ctx, query, threshold)
	if err != nil {
		return nil, fmt.Errorf("query expired sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close expired sessions rows", "error", closeErr)
		}
	}()

	var sessions []*domain.SessionState
	for rows.Next() {
		state, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired session row: %w", err)
		}
		sessions = append(sessions, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired sessions: %w", err)
	}
	return sessions, nil
}

// ClearStaleProcessing resets processing flags left behind by a crash.
func (s *SQLiteStore) ClearStaleProcessing(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE view_sessions SET processing = 0, updated_at = ? WHERE processing = 1`,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("clear stale processing: %w", err)
	}
	return result.RowsAffected()
}
