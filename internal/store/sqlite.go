// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides gateway/session/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// MaxMessageLimit caps a single ListMessages page.
const MaxMessageLimit = 500

// busyRetries bounds retries of write statements that hit SQLITE_BUSY.
const busyRetries = 5

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS gateways (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			url TEXT NOT NULL,
			token TEXT,
			password TEXT,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			gateway_id TEXT NOT NULL REFERENCES gateways(id),
			session_key TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			last_activity DATETIME NOT NULL,
			UNIQUE(gateway_id, session_key)
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_gateway_key
			ON sessions(gateway_id, session_key);

		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id INTEGER NOT NULL REFERENCES sessions(id),
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp INTEGER,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session
			ON messages(session_id, created_at);

		CREATE TABLE IF NOT EXISTS federated_sessions (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			last_activity DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS federated_session_gateways (
			federated_session_id TEXT NOT NULL REFERENCES federated_sessions(id),
			gateway_id TEXT NOT NULL,
			session_key TEXT NOT NULL,
			position INTEGER NOT NULL,
			PRIMARY KEY (federated_session_id, gateway_id)
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isBusy reports whether err is SQLite's transient write-contention error.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// withRetry runs fn, retrying transient-busy failures with short randomized
// backoff up to busyRetries attempts.
func (s *SQLiteStore) withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt <= busyRetries; attempt++ {
		if err = fn(); err == nil || !isBusy(err) {
			return err
		}
		delay := time.Duration(10+rand.Intn(40)) * time.Millisecond
		s.logger.Debug("store busy, retrying", "attempt", attempt+1, "delay", delay)
		time.Sleep(delay)
	}
	return err
}

// ListGateways returns all stored gateways ordered by creation time.
// Token and Password are never populated on listing paths.
func (s *SQLiteStore) ListGateways(ctx context.Context) ([]*Gateway, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, url, created_at FROM gateways ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing gateways: %w", err)
	}
	defer rows.Close()

	var gateways []*Gateway
	for rows.Next() {
		gw := &Gateway{}
		if err := rows.Scan(&gw.ID, &gw.Name, &gw.URL, &gw.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning gateway: %w", err)
		}
		gateways = append(gateways, gw)
	}
	return gateways, rows.Err()
}

// AddGateway inserts a new gateway. Returns ErrDuplicateGateway if the id is
// already taken.
func (s *SQLiteStore) AddGateway(ctx context.Context, gw *Gateway) (*Gateway, error) {
	created := gw.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	err := s.withRetry(func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO gateways (id, name, url, token, password, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			gw.ID, gw.Name, gw.URL, gw.Token, gw.Password, created)
		return err
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "constraint failed") {
			return nil, ErrDuplicateGateway
		}
		return nil, fmt.Errorf("inserting gateway: %w", err)
	}

	out := *gw
	out.CreatedAt = created
	return &out, nil
}

// GetGateway returns the full gateway record, secrets included. Callers must
// never serialize Token or Password outward.
func (s *SQLiteStore) GetGateway(ctx context.Context, id string) (*Gateway, error) {
	gw := &Gateway{}
	var token, password sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, url, token, password, created_at FROM gateways WHERE id = ?`, id).
		Scan(&gw.ID, &gw.Name, &gw.URL, &token, &password, &gw.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting gateway: %w", err)
	}
	gw.Token = token.String
	gw.Password = password.String
	return gw, nil
}

// DeleteGateway removes a gateway and cascades to its sessions and messages.
func (s *SQLiteStore) DeleteGateway(ctx context.Context, id string) error {
	return s.withRetry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		defer tx.Rollback()

		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM gateways WHERE id = ?`, id).Scan(&exists)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("finding gateway: %w", err)
		}

		// Children first so the cascade holds under enforced foreign keys.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM messages WHERE session_id IN (SELECT id FROM sessions WHERE gateway_id = ?)`, id); err != nil {
			return fmt.Errorf("deleting gateway messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE gateway_id = ?`, id); err != nil {
			return fmt.Errorf("deleting gateway sessions: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM gateways WHERE id = ?`, id); err != nil {
			return fmt.Errorf("deleting gateway: %w", err)
		}
		return tx.Commit()
	})
}

// ListSessions returns a gateway's sessions ordered by last activity,
// most recent first.
func (s *SQLiteStore) ListSessions(ctx context.Context, gatewayID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, gateway_id, session_key, title, agent_id, model, created_at, last_activity
		 FROM sessions WHERE gateway_id = ? ORDER BY last_activity DESC, id DESC`, gatewayID)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess := &Session{}
		if err := rows.Scan(&sess.ID, &sess.GatewayID, &sess.SessionKey, &sess.Title,
			&sess.AgentID, &sess.Model, &sess.CreatedAt, &sess.LastActivity); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// GetSession looks up a session by its (gateway_id, session_key) identity.
func (s *SQLiteStore) GetSession(ctx context.Context, gatewayID, sessionKey string) (*Session, error) {
	sess := &Session{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, gateway_id, session_key, title, agent_id, model, created_at, last_activity
		 FROM sessions WHERE gateway_id = ? AND session_key = ?`, gatewayID, sessionKey).
		Scan(&sess.ID, &sess.GatewayID, &sess.SessionKey, &sess.Title,
			&sess.AgentID, &sess.Model, &sess.CreatedAt, &sess.LastActivity)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}
	return sess, nil
}

// UpsertSession inserts the session row if new, otherwise bumps last_activity
// and applies any non-empty fields.
func (s *SQLiteStore) UpsertSession(ctx context.Context, gatewayID, sessionKey string, fields SessionFields) (*Session, error) {
	now := time.Now().UTC()
	err := s.withRetry(func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO sessions (gateway_id, session_key, title, agent_id, model, created_at, last_activity)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(gateway_id, session_key) DO UPDATE SET
				last_activity = excluded.last_activity,
				title = CASE WHEN excluded.title != '' THEN excluded.title ELSE title END,
				agent_id = CASE WHEN excluded.agent_id != '' THEN excluded.agent_id ELSE agent_id END,
				model = CASE WHEN excluded.model != '' THEN excluded.model ELSE model END`,
			gatewayID, sessionKey, fields.Title, fields.AgentID, fields.Model, now, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("upserting session: %w", err)
	}
	return s.GetSession(ctx, gatewayID, sessionKey)
}

// DeleteSession removes a session and its messages.
func (s *SQLiteStore) DeleteSession(ctx context.Context, gatewayID, sessionKey string) error {
	return s.withRetry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		defer tx.Rollback()

		var sessionID int64
		err = tx.QueryRowContext(ctx,
			`SELECT id FROM sessions WHERE gateway_id = ? AND session_key = ?`,
			gatewayID, sessionKey).Scan(&sessionID)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("finding session: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("deleting session messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
			return fmt.Errorf("deleting session: %w", err)
		}
		return tx.Commit()
	})
}

// AppendMessage records one transcript entry, auto-creating the session row
// when absent and bumping its last_activity.
func (s *SQLiteStore) AppendMessage(ctx context.Context, gatewayID, sessionKey, role string, content []ContentBlock, upstreamTS *int64) (*Message, error) {
	encoded, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("encoding content blocks: %w", err)
	}

	now := time.Now().UTC()
	msg := &Message{Role: role, Content: content, Timestamp: upstreamTS, CreatedAt: now}

	err = s.withRetry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (gateway_id, session_key, created_at, last_activity)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(gateway_id, session_key) DO UPDATE SET last_activity = excluded.last_activity`,
			gatewayID, sessionKey, now, now); err != nil {
			return fmt.Errorf("ensuring session: %w", err)
		}

		var sessionID int64
		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM sessions WHERE gateway_id = ? AND session_key = ?`,
			gatewayID, sessionKey).Scan(&sessionID); err != nil {
			return fmt.Errorf("finding session: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, role, content, timestamp, created_at) VALUES (?, ?, ?, ?, ?)`,
			sessionID, role, string(encoded), upstreamTS, now)
		if err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading message id: %w", err)
		}

		msg.ID = id
		msg.SessionID = sessionID
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ListMessages returns up to limit messages in chronological ascending order.
// beforeID is an exclusive cursor (0 means no cursor). limit <= 0 yields an
// empty list; limits above MaxMessageLimit are clamped.
func (s *SQLiteStore) ListMessages(ctx context.Context, gatewayID, sessionKey string, limit int, beforeID int64) ([]*Message, error) {
	if limit <= 0 {
		return []*Message{}, nil
	}
	if limit > MaxMessageLimit {
		limit = MaxMessageLimit
	}

	var sessionID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM sessions WHERE gateway_id = ? AND session_key = ?`,
		gatewayID, sessionKey).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return []*Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding session: %w", err)
	}

	query := `SELECT id, session_id, role, content, timestamp, created_at
		 FROM messages WHERE session_id = ? ORDER BY id DESC LIMIT ?`
	args := []any{sessionID, limit}
	if beforeID > 0 {
		query = `SELECT id, session_id, role, content, timestamp, created_at
			 FROM messages WHERE session_id = ? AND id < ? ORDER BY id DESC LIMIT ?`
		args = []any{sessionID, beforeID, limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg := &Message{}
		var encoded string
		var ts sql.NullInt64
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &encoded, &ts, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if ts.Valid {
			v := ts.Int64
			msg.Timestamp = &v
		}
		if err := json.Unmarshal([]byte(encoded), &msg.Content); err != nil {
			return nil, fmt.Errorf("decoding content blocks: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest page selected descending; flip to chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// CreateFederatedSession inserts a federated session and its target list.
func (s *SQLiteStore) CreateFederatedSession(ctx context.Context, fs *FederatedSession) (*FederatedSession, error) {
	now := time.Now().UTC()
	out := *fs
	out.CreatedAt = now
	out.LastActivity = now

	err := s.withRetry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO federated_sessions (id, title, created_at, last_activity) VALUES (?, ?, ?, ?)`,
			fs.ID, fs.Title, now, now); err != nil {
			return fmt.Errorf("inserting federated session: %w", err)
		}
		for i, target := range fs.Targets {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO federated_session_gateways (federated_session_id, gateway_id, session_key, position)
				 VALUES (?, ?, ?, ?)`,
				fs.ID, target.GatewayID, target.SessionKey, i); err != nil {
				return fmt.Errorf("inserting federated target: %w", err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetFederatedSession returns a federated session with its ordered targets.
func (s *SQLiteStore) GetFederatedSession(ctx context.Context, id string) (*FederatedSession, error) {
	fs := &FederatedSession{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, last_activity FROM federated_sessions WHERE id = ?`, id).
		Scan(&fs.ID, &fs.Title, &fs.CreatedAt, &fs.LastActivity)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting federated session: %w", err)
	}

	targets, err := s.federatedTargets(ctx, id)
	if err != nil {
		return nil, err
	}
	fs.Targets = targets
	return fs, nil
}

// ListFederatedSessions returns all federated sessions, most recently active
// first.
func (s *SQLiteStore) ListFederatedSessions(ctx context.Context) ([]*FederatedSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, last_activity FROM federated_sessions ORDER BY last_activity DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("listing federated sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*FederatedSession
	for rows.Next() {
		fs := &FederatedSession{}
		if err := rows.Scan(&fs.ID, &fs.Title, &fs.CreatedAt, &fs.LastActivity); err != nil {
			return nil, fmt.Errorf("scanning federated session: %w", err)
		}
		sessions = append(sessions, fs)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, fs := range sessions {
		targets, err := s.federatedTargets(ctx, fs.ID)
		if err != nil {
			return nil, err
		}
		fs.Targets = targets
	}
	return sessions, nil
}

// TouchFederatedSession bumps last_activity.
func (s *SQLiteStore) TouchFederatedSession(ctx context.Context, id string) error {
	return s.withRetry(func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE federated_sessions SET last_activity = ? WHERE id = ?`, time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("touching federated session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DeleteFederatedSession removes a federated session and its target list.
func (s *SQLiteStore) DeleteFederatedSession(ctx context.Context, id string) error {
	return s.withRetry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM federated_session_gateways WHERE federated_session_id = ?`, id); err != nil {
			return fmt.Errorf("deleting federated targets: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM federated_sessions WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting federated session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return tx.Commit()
	})
}

func (s *SQLiteStore) federatedTargets(ctx context.Context, id string) ([]FederatedTarget, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT gateway_id, session_key FROM federated_session_gateways
		 WHERE federated_session_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("listing federated targets: %w", err)
	}
	defer rows.Close()

	var targets []FederatedTarget
	for rows.Next() {
		var t FederatedTarget
		if err := rows.Scan(&t.GatewayID, &t.SessionKey); err != nil {
			return nil, fmt.Errorf("scanning federated target: %w", err)
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}
