package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// DefaultHeartbeatTimeout is how long a running run may stay silent before
// its claims are considered abandoned.
const DefaultHeartbeatTimeout = 2 * time.Minute

// Store wraps SQLite-backed persistence for runs, jobs and dispatch claims.
type Store struct {
	DB               *sql.DB // Export for direct database access
	HeartbeatTimeout time.Duration
	now              func() time.Time
}

// New opens (or creates) the database at path with the given driver and
// ensures schema. driver is "sqlite" (pure Go) or "sqlite3" (cgo).
func New(driver, path string) (*Store, error) {
	switch driver {
	case "", "sqlite":
		driver = "sqlite"
	case "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, err
	}
	// one writer at a time; workers share the handle
	db.SetMaxOpenConns(1)
	s := &Store{DB: db, HeartbeatTimeout: DefaultHeartbeatTimeout, now: time.Now}
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
            status TEXT NOT NULL,
            start_index INTEGER,
            end_index INTEGER,
            reference_index INTEGER,
            mode TEXT,
            dry_run BOOLEAN DEFAULT FALSE,
            summary_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT,
            heartbeat_at INTEGER
        );`,
		`CREATE TABLE IF NOT EXISTS jobs (
            id TEXT PRIMARY KEY,
            run_id TEXT,
            kind TEXT NOT NULL,
            status TEXT NOT NULL,
            command TEXT,
            output_path TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS claims (
            key TEXT PRIMARY KEY,
            owner TEXT NOT NULL,
            claimed_at INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_run_id ON jobs(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_claims_owner ON claims(owner);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	// databases created before heartbeats lack the column
	return s.ensureColumn("runs", "heartbeat_at", "INTEGER")
}

func (s *Store) ensureColumn(table, column, typ string) error {
	rows, err := s.DB.Query(fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()
	_, err = s.DB.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s;`, table, column, typ))
	return err
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures one reconstruction run.
type RunRecord struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	Start       int        `json:"start"`
	End         int        `json:"end"`
	Reference   int        `json:"reference"`
	Mode        string     `json:"mode"`
	DryRun      bool       `json:"dry_run"`
	Summary     string     `json:"summary,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string     `json:"id"`
	RunID       string     `json:"run_id"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	Command     string     `json:"command"`
	OutputPath  string     `json:"output_path"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RecordRunStart inserts a running run.
func (s *Store) RecordRunStart(rec RunRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO runs (id, status, start_index, end_index, reference_index, mode, dry_run, heartbeat_at) VALUES (?, 'running', ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.Start, rec.End, rec.Reference, rec.Mode, rec.DryRun, s.now().UnixNano())
	return err
}

// Heartbeat marks a running run as alive.
func (s *Store) Heartbeat(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE runs SET heartbeat_at=? WHERE id=? AND status='running';`, s.now().UnixNano(), id)
	return err
}

// AbandonStaleRuns marks running runs without a recent heartbeat as
// abandoned, e.g. after the process was killed. It returns how many runs
// were marked.
func (s *Store) AbandonStaleRuns() (int64, error) {
	if s == nil {
		return 0, nil
	}
	res, err := s.DB.Exec(`UPDATE runs SET status='abandoned', completed_at=CURRENT_TIMESTAMP, error_message='no heartbeat' WHERE status='running' AND (heartbeat_at IS NULL OR heartbeat_at < ?);`,
		s.cutoff())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) cutoff() int64 {
	return s.now().Add(-s.HeartbeatTimeout).UnixNano()
}

// RecordRunResult finalizes a run with its summary.
func (s *Store) RecordRunResult(id, status string, summary any, errMsg string) error {
	if s == nil {
		return nil
	}
	summaryJSON, _ := json.Marshal(summary)
	_, err := s.DB.Exec(`UPDATE runs SET status=?, summary_json=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`,
		status, string(summaryJSON), errMsg, id)
	return err
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, status, start_index, end_index, reference_index, mode, dry_run, summary_json, created_at, completed_at, error_message FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var summary, errorMsg, mode sql.NullString
		var completed sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Status, &rec.Start, &rec.End, &rec.Reference, &mode, &rec.DryRun, &summary, &rec.CreatedAt, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.Mode = mode.String
		rec.Summary = summary.String
		rec.Error = errorMsg.String
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO jobs (id, run_id, kind, status, command, output_path) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.RunID, rec.Kind, rec.Status, rec.Command, rec.OutputPath)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecentJobs returns the latest jobs up to limit, optionally for one run.
func (s *Store) RecentJobs(runID string, limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, run_id, kind, status, command, output_path, created_at, started_at, completed_at, error_message FROM jobs WHERE (? = '' OR run_id = ?) ORDER BY created_at DESC, rowid DESC LIMIT ?;`, runID, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var created time.Time
		var started, completed sql.NullTime
		var runIDCol, command, output, errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &runIDCol, &rec.Kind, &rec.Status, &command, &output, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.RunID = runIDCol.String
		rec.Command = command.String
		rec.OutputPath = output.String
		rec.CreatedAt = created
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// Claim reserves key for owner. It reports true when owner holds the claim,
// either newly or from an earlier call, and false when another owner holds
// it. A claim only survives while its owner is a running run with a recent
// heartbeat; claims of finished, failed or silent runs are taken over.
func (s *Store) Claim(key, owner string) (bool, error) {
	if s == nil {
		return true, nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	now := s.now()
	if _, err := tx.Exec(`DELETE FROM claims WHERE key=? AND owner<>? AND owner NOT IN (SELECT id FROM runs WHERE status='running' AND heartbeat_at >= ?);`,
		key, owner, s.cutoff()); err != nil {
		return false, err
	}
	if _, err := tx.Exec(`INSERT OR IGNORE INTO claims (key, owner, claimed_at) VALUES (?, ?, ?);`, key, owner, now.UnixNano()); err != nil {
		return false, err
	}
	var holder string
	if err := tx.QueryRow(`SELECT owner FROM claims WHERE key=?;`, key).Scan(&holder); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return holder == owner, nil
}

// ReleaseClaims drops every claim held by owner.
func (s *Store) ReleaseClaims(owner string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`DELETE FROM claims WHERE owner=?;`, owner)
	return err
}
