package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("run not found")

// Store wraps SQLite-backed persistence for compositing runs.
type Store struct {
	DB *sql.DB
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
            id TEXT PRIMARY KEY,
            mode TEXT NOT NULL,
            status TEXT NOT NULL,
            pattern TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS run_results (
            run_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS run_images (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT NOT NULL,
            image_index INTEGER NOT NULL,
            file_path TEXT NOT NULL,
            reason TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_run_images_run_id ON run_images(run_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures persisted run info.
type RunRecord struct {
	ID          string     `json:"id"`
	Mode        string     `json:"mode"`
	Status      string     `json:"status"`
	Pattern     string     `json:"pattern"`
	OutputPath  string     `json:"output"`
	OptionsJSON string     `json:"options,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SkippedImage records an input that could not be decoded during a run.
type SkippedImage struct {
	Index  int    `json:"index"`
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// RecordRunQueued inserts a pending run.
func (s *Store) RecordRunQueued(rec RunRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO runs (id, mode, status, pattern, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.Mode, rec.Status, rec.Pattern, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordRunStart marks a run as running.
func (s *Store) RecordRunStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE runs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordRunResult finalizes a run with status and meta.
func (s *Store) RecordRunResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	if _, err := s.DB.Exec(`UPDATE runs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id); err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO run_results (run_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecordSkippedImage notes an input that was skipped during a run.
func (s *Store) RecordSkippedImage(runID string, img SkippedImage) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO run_images (run_id, image_index, file_path, reason) VALUES (?, ?, ?, ?);`,
		runID, img.Index, img.Path, img.Reason)
	return err
}

// SkippedImages lists the skipped inputs of a run in index order.
func (s *Store) SkippedImages(runID string) ([]SkippedImage, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT image_index, file_path, reason FROM run_images WHERE run_id=? ORDER BY image_index;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SkippedImage
	for rows.Next() {
		var img SkippedImage
		var reason sql.NullString
		if err := rows.Scan(&img.Index, &img.Path, &reason); err != nil {
			return nil, err
		}
		img.Reason = reason.String
		out = append(out, img)
	}
	return out, rows.Err()
}

const runColumns = `id, mode, status, pattern, output_path, options_json, created_at, started_at, completed_at, error_message`

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Run fetches a single run.
func (s *Store) Run(id string) (RunRecord, error) {
	if s == nil {
		return RunRecord{}, errors.New("store not initialized")
	}
	rec, err := scanRun(s.DB.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id=?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, ErrNotFound
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunRecord, error) {
	var rec RunRecord
	var pattern, output, options, errorMsg sql.NullString
	var started, completed sql.NullTime
	if err := row.Scan(&rec.ID, &rec.Mode, &rec.Status, &pattern, &output, &options, &rec.CreatedAt, &started, &completed, &errorMsg); err != nil {
		return RunRecord{}, err
	}
	rec.Pattern = pattern.String
	rec.OutputPath = output.String
	rec.OptionsJSON = options.String
	rec.Error = errorMsg.String
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	return rec, nil
}

// RunMeta fetches the last meta blob for a run.
func (s *Store) RunMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM run_results WHERE run_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}
