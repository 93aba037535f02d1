package chatstore

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type SQLiteTranscriptStore struct {
	db *sql.DB
}

var _ TranscriptStore = &SQLiteTranscriptStore{}

// SQLiteTranscriptDSNForFile builds the DSN used for file-backed archives.
func SQLiteTranscriptDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite transcript store: empty path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", errors.Wrap(err, "sqlite transcript store: create archive dir")
		}
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func NewSQLiteTranscriptStore(dsn string) (*SQLiteTranscriptStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite transcript store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteTranscriptStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteTranscriptStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteTranscriptStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transcript_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			room_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			seq INTEGER NOT NULL DEFAULT 0,
			origin TEXT NOT NULL DEFAULT 'live',
			text TEXT NOT NULL,
			recorded_at_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS transcript_messages_by_room
			ON transcript_messages(room_id, id)`,
		`CREATE INDEX IF NOT EXISTS transcript_messages_by_session
			ON transcript_messages(room_id, session_id, seq)`,
		`CREATE TABLE IF NOT EXISTS transcript_rooms (
			room_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			last_seen_ms INTEGER NOT NULL
		)`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite transcript store: migrate")
		}
	}
	return nil
}

func (s *SQLiteTranscriptStore) Append(ctx context.Context, record MessageRecord) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite transcript store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	record, err := normalizeMessageRecord(record, time.Now().UnixMilli())
	if err != nil {
		return errors.Wrap(err, "sqlite transcript store")
	}
	if record.Seq > math.MaxInt64 {
		return errors.New("sqlite transcript store: seq overflow")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transcript_messages (room_id, session_id, seq, origin, text, recorded_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
	`, record.RoomID, record.SessionID, int64(record.Seq), record.Origin, record.Text, record.RecordedAtMs)
	if err != nil {
		return errors.Wrap(err, "sqlite transcript store: append")
	}
	return nil
}

func (s *SQLiteTranscriptStore) List(ctx context.Context, q TranscriptQuery) ([]MessageRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite transcript store: db is nil")
	}
	roomID := strings.TrimSpace(q.RoomID)
	if roomID == "" {
		return nil, errors.New("sqlite transcript store: roomID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where := "room_id = ?"
	args := []any{roomID}
	if q.SessionID != "" {
		where += " AND session_id = ?"
		args = append(args, q.SessionID)
	}
	limit := int64(-1)
	if q.Limit > 0 {
		limit = int64(q.Limit)
	}
	args = append(args, limit)

	// newest N by insertion, flipped back to chronological order
	rows, err := s.db.QueryContext(ctx, `
		SELECT room_id, session_id, seq, origin, text, recorded_at_ms FROM (
			SELECT id, room_id, session_id, seq, origin, text, recorded_at_ms
			FROM transcript_messages
			WHERE `+where+`
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC
	`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: list")
	}
	defer func() { _ = rows.Close() }()

	var out []MessageRecord
	for rows.Next() {
		var (
			r   MessageRecord
			seq int64
		)
		if err := rows.Scan(&r.RoomID, &r.SessionID, &seq, &r.Origin, &r.Text, &r.RecordedAtMs); err != nil {
			return nil, errors.Wrap(err, "sqlite transcript store: scan")
		}
		if seq < 0 {
			return nil, errors.New("sqlite transcript store: negative seq")
		}
		r.Seq = uint64(seq)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: rows")
	}
	return out, nil
}

func (s *SQLiteTranscriptStore) UpsertRooms(ctx context.Context, rooms []RoomRecord) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite transcript store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite transcript store: begin")
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, r := range rooms {
		r.RoomID = strings.TrimSpace(r.RoomID)
		if r.RoomID == "" {
			continue
		}
		if r.LastSeenMs <= 0 {
			r.LastSeenMs = now
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO transcript_rooms (room_id, display_name, last_seen_ms)
			VALUES (?, ?, ?)
			ON CONFLICT(room_id) DO UPDATE SET
				display_name = CASE
					WHEN excluded.display_name <> '' THEN excluded.display_name
					ELSE transcript_rooms.display_name
				END,
				last_seen_ms = CASE
					WHEN excluded.last_seen_ms > transcript_rooms.last_seen_ms THEN excluded.last_seen_ms
					ELSE transcript_rooms.last_seen_ms
				END
		`, r.RoomID, r.DisplayName, r.LastSeenMs)
		if err != nil {
			return errors.Wrap(err, "sqlite transcript store: upsert room")
		}
	}
	return errors.Wrap(tx.Commit(), "sqlite transcript store: commit")
}

func (s *SQLiteTranscriptStore) ListRooms(ctx context.Context) ([]RoomRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite transcript store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT room_id, display_name, last_seen_ms
		FROM transcript_rooms
		ORDER BY display_name ASC, room_id ASC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: list rooms")
	}
	defer func() { _ = rows.Close() }()

	var out []RoomRecord
	for rows.Next() {
		var r RoomRecord
		if err := rows.Scan(&r.RoomID, &r.DisplayName, &r.LastSeenMs); err != nil {
			return nil, errors.Wrap(err, "sqlite transcript store: scan room")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "sqlite transcript store: rows")
}
