package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"agenc.dev/replay/service"
)

// SQLiteStore keeps the timeline in a single sqlite database. The ingest
// key is a UNIQUE constraint, so idempotent appends are INSERT OR IGNORE.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS replay_timeline (
	slot INTEGER NOT NULL,
	signature TEXT NOT NULL,
	projected_type TEXT NOT NULL,
	source_event_name TEXT NOT NULL,
	source_event_type TEXT NOT NULL,
	source_event_sequence INTEGER NOT NULL,
	task_pda TEXT NOT NULL DEFAULT '',
	dispute_pda TEXT NOT NULL DEFAULT '',
	record TEXT NOT NULL,
	UNIQUE (slot, signature, projected_type)
);
CREATE INDEX IF NOT EXISTS idx_replay_timeline_task ON replay_timeline (task_pda);
CREATE INDEX IF NOT EXISTS idx_replay_timeline_dispute ON replay_timeline (dispute_pda);
CREATE TABLE IF NOT EXISTS replay_cursor (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	slot INTEGER NOT NULL,
	signature TEXT NOT NULL,
	event_name TEXT NOT NULL DEFAULT ''
);
`

// OpenSQLite opens (creating if needed) the timeline database under dataDir.
func OpenSQLite(dataDir string) (*SQLiteStore, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("datadir required")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", filepath.Join(dataDir, "timeline.sqlite"))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single writer per store; serialized access keeps the driver honest.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, records []service.Record) (service.SaveResult, error) {
	var res service.SaveResult
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO replay_timeline
		(slot, signature, projected_type, source_event_name, source_event_type,
		 source_event_sequence, task_pda, dispute_pda, record)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return res, err
	}
	defer stmt.Close()
	for _, r := range records {
		raw, err := json.Marshal(r)
		if err != nil {
			_ = tx.Rollback()
			return service.SaveResult{}, fmt.Errorf("encode record: %w", err)
		}
		out, err := stmt.ExecContext(ctx,
			int64(r.Slot), r.Signature, string(r.Type), r.SourceEventName,
			string(r.SourceEventType), int64(r.SourceEventSequence),
			r.TaskPDA, r.DisputePDA, string(raw))
		if err != nil {
			_ = tx.Rollback()
			return service.SaveResult{}, err
		}
		n, err := out.RowsAffected()
		if err != nil {
			_ = tx.Rollback()
			return service.SaveResult{}, err
		}
		if n == 0 {
			res.Duplicates++
		} else {
			res.Inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return service.SaveResult{}, err
	}
	return res, nil
}

func (s *SQLiteStore) Query(ctx context.Context, f service.Filter) ([]service.Record, error) {
	q := `SELECT record FROM replay_timeline WHERE 1=1`
	args := []any{}
	if f.TaskPDA != "" {
		q += ` AND task_pda = ?`
		args = append(args, f.TaskPDA)
	}
	if f.DisputePDA != "" {
		q += ` AND dispute_pda = ?`
		args = append(args, f.DisputePDA)
	}
	if f.FromSlot != 0 {
		q += ` AND slot >= ?`
		args = append(args, int64(f.FromSlot))
	}
	if f.ToSlot != 0 {
		q += ` AND slot <= ?`
		args = append(args, int64(f.ToSlot))
	}
	if f.SourceEventName != "" {
		q += ` AND source_event_name = ?`
		args = append(args, f.SourceEventName)
	}
	if f.SourceEventType != "" {
		q += ` AND source_event_type = ?`
		args = append(args, string(f.SourceEventType))
	}
	if f.Cursor != nil {
		q += ` AND (slot > ? OR (slot = ? AND signature > ?))`
		args = append(args, int64(f.Cursor.Slot), int64(f.Cursor.Slot), f.Cursor.Signature)
	}
	q += ` ORDER BY slot, signature, source_event_sequence`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []service.Record
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var r service.Record
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetCursor(ctx context.Context) (*service.Cursor, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT slot, signature, event_name FROM replay_cursor WHERE id = 1`)
	var slot int64
	var sig, name string
	switch err := row.Scan(&slot, &sig, &name); err {
	case nil:
		return &service.Cursor{Slot: uint64(slot), Signature: sig, EventName: name}, nil
	case sql.ErrNoRows:
		return nil, nil
	default:
		return nil, err
	}
}

func (s *SQLiteStore) SaveCursor(ctx context.Context, c *service.Cursor) error {
	prev, err := s.GetCursor(ctx)
	if err != nil {
		return err
	}
	if err := service.CheckCursorMonotone(prev, c); err != nil {
		return err
	}
	if c == nil {
		_, err := s.db.ExecContext(ctx, `DELETE FROM replay_cursor WHERE id = 1`)
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO replay_cursor (id, slot, signature, event_name)
		VALUES (1, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET slot = excluded.slot,
			signature = excluded.signature, event_name = excluded.event_name`,
		int64(c.Slot), c.Signature, c.EventName)
	return err
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM replay_timeline`); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM replay_cursor`)
	return err
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
