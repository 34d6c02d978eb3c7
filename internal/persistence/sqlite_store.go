package persistence

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"
	_ "modernc.org/sqlite"
)

const defaultHistoryLimit = 50

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteStore keeps the history of finished prediction jobs.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename (e.g. "001_init.sql" → 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

const historyColumns = `id, handle, prompt, prompt_lang, style_name, input_image, outcome, error,
	image_count, outputs_json, failures_json, started_at, finished_at`

// SaveRecord inserts rec, replacing any record with the same id.
func (s *SQLiteStore) SaveRecord(ctx context.Context, rec HistoryRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("record id is required")
	}
	outputsJSON, err := marshalList(rec.Outputs)
	if err != nil {
		return err
	}
	failuresJSON, err := marshalList(rec.Failures)
	if err != nil {
		return err
	}
	finishedAt := rec.FinishedAt.UTC()
	if finishedAt.IsZero() {
		finishedAt = time.Now().UTC()
	}
	startedAt := rec.StartedAt.UTC()
	if startedAt.IsZero() {
		startedAt = finishedAt
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO prediction_history (`+historyColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			handle=excluded.handle,
			prompt=excluded.prompt,
			prompt_lang=excluded.prompt_lang,
			style_name=excluded.style_name,
			input_image=excluded.input_image,
			outcome=excluded.outcome,
			error=excluded.error,
			image_count=excluded.image_count,
			outputs_json=excluded.outputs_json,
			failures_json=excluded.failures_json,
			started_at=excluded.started_at,
			finished_at=excluded.finished_at`,
		rec.ID,
		rec.Handle,
		rec.Prompt,
		rec.PromptLanguage.String(),
		rec.StyleName,
		rec.InputImage,
		string(rec.Outcome),
		rec.Error,
		rec.ImageCount,
		outputsJSON,
		failuresJSON,
		startedAt,
		finishedAt,
	)
	return err
}

// GetRecord returns the record with the given id, if any.
func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (HistoryRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+historyColumns+` FROM prediction_history WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return HistoryRecord{}, false, nil
		}
		return HistoryRecord{}, false, err
	}
	return rec, true, nil
}

// ListHistory returns records newest first.
func (s *SQLiteStore) ListHistory(ctx context.Context, filter HistoryFilter) ([]HistoryRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	query := `SELECT ` + historyColumns + ` FROM prediction_history`
	args := make([]any, 0, 2)
	if filter.Outcome != "" {
		query += ` WHERE outcome = ?`
		args = append(args, string(filter.Outcome))
	}
	query += ` ORDER BY finished_at DESC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]HistoryRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

// CountByOutcome returns how many records exist per outcome.
func (s *SQLiteStore) CountByOutcome(ctx context.Context) (OutcomeCounts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM prediction_history GROUP BY outcome`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := OutcomeCounts{}
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		ret[Outcome(outcome)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

// DeleteHistoryBefore removes records that finished before cutoff.
func (s *SQLiteStore) DeleteHistoryBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM prediction_history WHERE finished_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (HistoryRecord, error) {
	var rec HistoryRecord
	var lang, outcome, outputsJSON, failuresJSON string
	if err := row.Scan(
		&rec.ID,
		&rec.Handle,
		&rec.Prompt,
		&lang,
		&rec.StyleName,
		&rec.InputImage,
		&outcome,
		&rec.Error,
		&rec.ImageCount,
		&outputsJSON,
		&failuresJSON,
		&rec.StartedAt,
		&rec.FinishedAt,
	); err != nil {
		return HistoryRecord{}, err
	}
	rec.Outcome = Outcome(outcome)
	tag, err := language.Parse(lang)
	if err != nil {
		tag = language.Und
	}
	rec.PromptLanguage = tag
	if err := json.Unmarshal([]byte(outputsJSON), &rec.Outputs); err != nil {
		return HistoryRecord{}, err
	}
	if err := json.Unmarshal([]byte(failuresJSON), &rec.Failures); err != nil {
		return HistoryRecord{}, err
	}
	return rec, nil
}

func marshalList(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
