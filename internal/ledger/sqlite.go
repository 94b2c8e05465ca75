package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	jsonx "ctxbudget/internal/shared/json"
)

const schema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	id             TEXT PRIMARY KEY,
	session_id     TEXT NOT NULL,
	turn           INTEGER NOT NULL,
	skill          TEXT,
	tool           TEXT NOT NULL,
	args_summary   TEXT,
	output_summary TEXT,
	full_output    TEXT,
	verdict        TEXT NOT NULL,
	metadata_json  TEXT,
	created_at     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_entries_session ON ledger_entries (session_id, created_at);
`

// SQLiteLedger persists entries in a SQLite database so evidence survives
// across CLI invocations.
type SQLiteLedger struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and runs migrations.
func OpenSQLite(path string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteLedger{db: db}, nil
}

// Close closes the underlying database.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

// Append inserts entry.
func (l *SQLiteLedger) Append(ctx context.Context, entry Entry) (Entry, error) {
	entry, err := prepare(entry, time.Now())
	if err != nil {
		return Entry{}, err
	}
	var metaJSON sql.NullString
	if len(entry.Metadata) > 0 {
		raw, err := jsonx.Marshal(entry.Metadata)
		if err != nil {
			return Entry{}, fmt.Errorf("marshal metadata: %w", err)
		}
		metaJSON = sql.NullString{String: string(raw), Valid: true}
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO ledger_entries
		 (id, session_id, turn, skill, tool, args_summary, output_summary, full_output, verdict, metadata_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.SessionID, entry.Turn, entry.Skill, entry.Tool,
		entry.ArgsSummary, entry.OutputSummary, entry.FullOutput,
		string(entry.Verdict), metaJSON, entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Entry{}, fmt.Errorf("insert ledger entry: %w", err)
	}
	return entry, nil
}

// List returns a session's entries oldest first.
func (l *SQLiteLedger) List(ctx context.Context, sessionID string) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, session_id, turn, skill, tool, args_summary, output_summary, full_output, verdict, metadata_json, created_at
		 FROM ledger_entries WHERE session_id = ? ORDER BY created_at, rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Get returns one entry by id.
func (l *SQLiteLedger) Get(ctx context.Context, id string) (Entry, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT id, session_id, turn, skill, tool, args_summary, output_summary, full_output, verdict, metadata_json, created_at
		 FROM ledger_entries WHERE id = ?`, id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrEntryNotFound
	}
	return entry, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		entry                           Entry
		skill, args, output, full, meta sql.NullString
		verdict, createdAt              string
	)
	if err := s.Scan(&entry.ID, &entry.SessionID, &entry.Turn, &skill, &entry.Tool,
		&args, &output, &full, &verdict, &meta, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("scan ledger entry: %w", err)
	}
	entry.Skill = skill.String
	entry.ArgsSummary = args.String
	entry.OutputSummary = output.String
	entry.FullOutput = full.String
	entry.Verdict = Verdict(verdict)
	if meta.Valid && meta.String != "" {
		if err := jsonx.Unmarshal([]byte(meta.String), &entry.Metadata); err != nil {
			return Entry{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Entry{}, fmt.Errorf("parse created_at: %w", err)
	}
	entry.CreatedAt = ts
	return entry, nil
}
