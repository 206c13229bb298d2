package storage

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for pipeline runs and their
// per-stage timing records.
type Store struct {
	DB *sql.DB
}

// RunRecord describes one pipeline run over a scene.
type RunRecord struct {
	ID           string
	Scene        string
	Status       string
	StartedAt    time.Time
	CompletedAt  *time.Time
	ErrorMessage string
}

// StageRecord describes one stage of a recorded run.
type StageRecord struct {
	RunID    string
	Position int
	Stage    string
	Status   string
	Seconds  float64
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
		`CREATE TABLE IF NOT EXISTS pipeline_runs (
            id TEXT PRIMARY KEY,
            scene TEXT NOT NULL,
            status TEXT NOT NULL,
            started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS run_stages (
            run_id TEXT NOT NULL,
            position INTEGER NOT NULL,
            stage TEXT NOT NULL,
            status TEXT NOT NULL,
            seconds REAL NOT NULL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (run_id, position)
        );`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.DB.Close() }

// RecordRunStart inserts a new run in the "running" state.
func (s *Store) RecordRunStart(id, scene string) error {
	_, err := s.DB.Exec(
		`INSERT INTO pipeline_runs (id, scene, status) VALUES (?, ?, 'running')`,
		id, scene)
	return err
}

// RecordRunResult finalizes a run.
func (s *Store) RecordRunResult(id, status, errMsg string) error {
	_, err := s.DB.Exec(
		`UPDATE pipeline_runs SET status = ?, completed_at = CURRENT_TIMESTAMP, error_message = ?
         WHERE id = ?`, status, errMsg, id)
	return err
}

// RecordStage persists one stage outcome for a run.
func (s *Store) RecordStage(runID string, position int, stage, status string, seconds float64) error {
	_, err := s.DB.Exec(
		`INSERT INTO run_stages (run_id, position, stage, status, seconds) VALUES (?, ?, ?, ?, ?)
         ON CONFLICT(run_id, position) DO UPDATE SET
             stage = excluded.stage, status = excluded.status, seconds = excluded.seconds`,
		runID, position, stage, status, seconds)
	return err
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.Query(
		`SELECT id, scene, status, started_at, completed_at, COALESCE(error_message, '')
         FROM pipeline_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		var completed sql.NullTime
		if err := rows.Scan(&r.ID, &r.Scene, &r.Status, &r.StartedAt, &completed, &r.ErrorMessage); err != nil {
			return nil, err
		}
		if completed.Valid {
			t := completed.Time
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RunStages returns the stage records of a run in execution order.
func (s *Store) RunStages(runID string) ([]StageRecord, error) {
	rows, err := s.DB.Query(
		`SELECT run_id, position, stage, status, seconds FROM run_stages
         WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stages []StageRecord
	for rows.Next() {
		var st StageRecord
		if err := rows.Scan(&st.RunID, &st.Position, &st.Stage, &st.Status, &st.Seconds); err != nil {
			return nil, err
		}
		stages = append(stages, st)
	}
	return stages, rows.Err()
}
