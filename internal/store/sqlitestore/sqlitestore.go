// Package sqlitestore is the embedded, single-node Run Store adapter,
// directly generalized from the teacher's own SQLite-backed persistence
// layer (claim_leases, dispatches) onto studies/runs/summaries/events.
// claim_next is implemented as a single UPDATE wrapped in a BEGIN
// IMMEDIATE transaction, which SQLite's file locking turns into the same
// single-writer compare-and-set guarantee spec.md §4.4 requires.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/antigravity-dev/aonp/internal/aonperr"
	"github.com/antigravity-dev/aonp/internal/clock"
	"github.com/antigravity-dev/aonp/internal/specmodel"
	"github.com/antigravity-dev/aonp/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS studies (
	spec_hash TEXT PRIMARY KEY,
	canonical_spec BLOB NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	spec_hash TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'queued',
	phase TEXT NOT NULL DEFAULT 'bundle',
	attempt INTEGER NOT NULL DEFAULT 0,
	claimed_by TEXT NOT NULL DEFAULT '',
	lease_expires_at DATETIME,
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	started_at DATETIME,
	ended_at DATETIME,
	renewed_at DATETIME,
	bundle_path TEXT NOT NULL DEFAULT '',
	statepoint_path TEXT NOT NULL DEFAULT '',
	parquet_path TEXT NOT NULL DEFAULT '',
	error_json TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS summaries (
	run_id TEXT PRIMARY KEY,
	schema_version INTEGER NOT NULL DEFAULT 1,
	keff REAL NOT NULL,
	keff_std REAL NOT NULL,
	keff_uncertainty_pcm REAL NOT NULL,
	n_batches INTEGER NOT NULL,
	n_inactive INTEGER NOT NULL,
	n_particles INTEGER NOT NULL,
	extracted_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	ts DATETIME NOT NULL,
	type TEXT NOT NULL,
	agent TEXT NOT NULL DEFAULT '',
	payload_json TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS agent_outputs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	agent TEXT NOT NULL,
	kind TEXT NOT NULL,
	data_json TEXT NOT NULL DEFAULT '{}',
	schema_version INTEGER NOT NULL DEFAULT 1,
	ts DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status_created ON runs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_runs_spechash_created ON runs(spec_hash, created_at);
CREATE INDEX IF NOT EXISTS idx_runs_lease_expires ON runs(lease_expires_at);
CREATE INDEX IF NOT EXISTS idx_runs_phase_status ON runs(phase, status);
CREATE INDEX IF NOT EXISTS idx_events_run_ts ON events(run_id, ts);
CREATE INDEX IF NOT EXISTS idx_events_type_ts ON events(type, ts);
CREATE INDEX IF NOT EXISTS idx_agent_outputs_lookup ON agent_outputs(run_id, agent, kind, ts);
`

const timeLayout = "2006-01-02T15:04:05.000Z"

// Store is the embedded SQLite Run Store adapter.
type Store struct {
	db    *sql.DB
	clock clock.Clock
}

// Open creates or opens a SQLite database at dbPath and ensures the schema
// exists. WAL + a busy timeout give concurrent worker processes a fair shot
// at the BEGIN IMMEDIATE lock used by ClaimNext.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", dbPath, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: create schema: %w", err)
	}
	return &Store{db: db, clock: clock.System{}}, nil
}

// WithClock overrides the store's time source; used by conformance tests.
func (s *Store) WithClock(c clock.Clock) *Store {
	s.clock = c
	return s
}

func (s *Store) Close() error {
	return s.db.Close()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}

func (s *Store) UpsertStudy(ctx context.Context, hash specmodel.SpecHash, canonicalSpec []byte) (*store.Study, error) {
	now := s.clock.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO studies (spec_hash, canonical_spec, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(spec_hash) DO NOTHING`,
		string(hash), canonicalSpec, fmtTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: upsert study: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `SELECT spec_hash, canonical_spec, created_at FROM studies WHERE spec_hash = ?`, string(hash))
	var h, createdAt string
	var spec []byte
	if err := row.Scan(&h, &spec, &createdAt); err != nil {
		return nil, fmt.Errorf("sqlitestore: read study after upsert: %w", err)
	}
	ts, _ := parseTime(createdAt)
	return &store.Study{SpecHash: specmodel.SpecHash(h), CanonicalSpec: spec, CreatedAt: ts}, nil
}

func (s *Store) CreateRun(ctx context.Context, runID string, hash specmodel.SpecHash) (*store.Run, error) {
	now := s.clock.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, spec_hash, status, phase, attempt, created_at) VALUES (?, ?, 'queued', 'bundle', 0, ?)`,
		runID, string(hash), fmtTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, aonperr.Newf(aonperr.Conflict, "run %q already exists", runID)
		}
		return nil, fmt.Errorf("sqlitestore: create run: %w", err)
	}
	if err := s.appendEventTx(ctx, s.db, store.Event{RunID: runID, TS: now, Type: "run_created", Payload: map[string]any{"spec_hash": string(hash)}}); err != nil {
		return nil, err
	}
	return s.GetRun(ctx, runID)
}

func (s *Store) GetRun(ctx context.Context, runID string) (*store.Run, error) {
	row := s.db.QueryRowContext(ctx, runColumns+` FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, aonperr.Newf(aonperr.NotFound, "run %q not found", runID)
	}
	return run, err
}

const runColumns = `SELECT run_id, spec_hash, status, phase, attempt, claimed_by, lease_expires_at,
	cancel_requested, created_at, started_at, ended_at, renewed_at,
	bundle_path, statepoint_path, parquet_path, error_json`

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*store.Run, error) {
	var (
		runID, specHash, status, phase, claimedBy string
		attempt                                   int
		leaseExpiresAt, createdAt, startedAt       sql.NullString
		endedAt, renewedAt                         sql.NullString
		cancelRequested                            int
		bundlePath, statepointPath, parquetPath    string
		errorJSON                                  string
	)
	if err := row.Scan(&runID, &specHash, &status, &phase, &attempt, &claimedBy, &leaseExpiresAt,
		&cancelRequested, &createdAt, &startedAt, &endedAt, &renewedAt,
		&bundlePath, &statepointPath, &parquetPath, &errorJSON); err != nil {
		return nil, err
	}

	run := &store.Run{
		RunID:           runID,
		SpecHash:        specmodel.SpecHash(specHash),
		Status:          store.RunStatus(status),
		Phase:           store.RunPhase(phase),
		Attempt:         attempt,
		ClaimedBy:       claimedBy,
		CancelRequested: cancelRequested != 0,
		Artifacts: store.Artifacts{
			BundlePath:     bundlePath,
			StatepointPath: statepointPath,
			ParquetPath:    parquetPath,
		},
	}
	if leaseExpiresAt.Valid && leaseExpiresAt.String != "" {
		t, _ := parseTime(leaseExpiresAt.String)
		run.LeaseExpiresAt = &t
	}
	if createdAt.Valid {
		run.CreatedAt, _ = parseTime(createdAt.String)
	}
	if startedAt.Valid && startedAt.String != "" {
		t, _ := parseTime(startedAt.String)
		run.StartedAt = &t
	}
	if endedAt.Valid && endedAt.String != "" {
		t, _ := parseTime(endedAt.String)
		run.EndedAt = &t
	}
	if renewedAt.Valid && renewedAt.String != "" {
		t, _ := parseTime(renewedAt.String)
		run.RenewedAt = &t
	}
	if errorJSON != "" {
		var e aonperr.Error
		if err := json.Unmarshal([]byte(errorJSON), &e); err == nil {
			run.Error = &e
		}
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, filter store.ListFilter) ([]*store.Run, error) {
	query := runColumns + ` FROM runs WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.SpecHash != "" {
		query += ` AND spec_hash = ?`
		args = append(args, string(filter.SpecHash))
	}
	if filter.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, fmtTime(*filter.Since))
	}
	query += ` ORDER BY created_at ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list runs: %w", err)
	}
	defer rows.Close()

	var out []*store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// UpdateRunPhase enforces the §3 invariants and emits phase_changed.
func (s *Store) UpdateRunPhase(ctx context.Context, runID string, update store.PhaseUpdate) (*store.Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: begin update_run_phase: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, runColumns+` FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, aonperr.Newf(aonperr.NotFound, "run %q not found", runID)
	} else if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if update.Phase != "" {
		run.Phase = update.Phase
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.Started && run.StartedAt == nil {
		run.StartedAt = &now
	}
	if update.Ended {
		run.EndedAt = &now
	}
	if update.ArtifactsDelta != nil {
		if update.ArtifactsDelta.BundlePath != "" {
			run.Artifacts.BundlePath = update.ArtifactsDelta.BundlePath
		}
		if update.ArtifactsDelta.StatepointPath != "" {
			run.Artifacts.StatepointPath = update.ArtifactsDelta.StatepointPath
		}
		if update.ArtifactsDelta.ParquetPath != "" {
			run.Artifacts.ParquetPath = update.ArtifactsDelta.ParquetPath
		}
	}
	if update.Error != nil {
		run.Error = update.Error
	}

	if err := checkRunInvariants(run); err != nil {
		return nil, err
	}

	errJSON := ""
	if run.Error != nil {
		b, _ := json.Marshal(run.Error)
		errJSON = string(b)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET status=?, phase=?, started_at=?, ended_at=?,
		 bundle_path=?, statepoint_path=?, parquet_path=?, error_json=? WHERE run_id=?`,
		string(run.Status), string(run.Phase), nullableTime(run.StartedAt), nullableTime(run.EndedAt),
		run.Artifacts.BundlePath, run.Artifacts.StatepointPath, run.Artifacts.ParquetPath, errJSON, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: update_run_phase: %w", err)
	}

	if err := s.appendEventTx(ctx, tx, store.Event{RunID: runID, TS: now, Type: "phase_changed", Payload: map[string]any{
		"phase": string(run.Phase), "status": string(run.Status),
	}}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlitestore: commit update_run_phase: %w", err)
	}
	return run, nil
}

// checkRunInvariants enforces the §3 state invariants; a violation is an
// InvalidTransition, surfaced here as a Conflict-typed error.
func checkRunInvariants(run *store.Run) error {
	switch run.Status {
	case store.StatusQueued:
		if run.ClaimedBy != "" || run.LeaseExpiresAt != nil || run.StartedAt != nil || run.EndedAt != nil {
			return aonperr.New(aonperr.Conflict, "invalid transition: queued run must have no claim, lease, started_at, or ended_at")
		}
	case store.StatusRunning:
		if run.ClaimedBy == "" || run.LeaseExpiresAt == nil {
			return aonperr.New(aonperr.Conflict, "invalid transition: running run requires claimed_by and lease_expires_at")
		}
	case store.StatusSucceeded, store.StatusFailed:
		if run.EndedAt == nil || run.ClaimedBy != "" || run.LeaseExpiresAt != nil || run.Phase != store.PhaseDone {
			return aonperr.New(aonperr.Conflict, "invalid transition: terminal run requires ended_at, cleared claim/lease, and phase=done")
		}
	}
	return nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func (s *Store) RequestCancel(ctx context.Context, runID string) (*store.Run, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET cancel_requested = 1 WHERE run_id = ? AND status IN ('queued','running')`, runID)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: request cancel: %w", err)
	}
	n, _ := res.RowsAffected()
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		_ = s.AppendEvent(ctx, store.Event{RunID: runID, TS: s.clock.Now(), Type: "cancel_requested"})
	}
	return run, nil
}

func (s *Store) InsertSummary(ctx context.Context, sm store.Summary) error {
	if sm.SchemaVersion == 0 {
		sm.SchemaVersion = 1
	}
	now := s.clock.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO summaries (run_id, schema_version, keff, keff_std, keff_uncertainty_pcm, n_batches, n_inactive, n_particles, extracted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sm.RunID, sm.SchemaVersion, sm.Keff, sm.KeffStd, sm.KeffUncertaintyPCM, sm.NBatches, sm.NInactive, sm.NParticles, fmtTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return aonperr.Newf(aonperr.Conflict, "summary for run %q already exists", sm.RunID)
		}
		return fmt.Errorf("sqlitestore: insert summary: %w", err)
	}
	return s.AppendEvent(ctx, store.Event{RunID: sm.RunID, TS: now, Type: "summary_extracted", Payload: map[string]any{
		"keff": sm.Keff, "keff_std": sm.KeffStd,
	}})
}

func (s *Store) GetSummary(ctx context.Context, runID string) (*store.Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, schema_version, keff, keff_std, keff_uncertainty_pcm, n_batches, n_inactive, n_particles, extracted_at
		 FROM summaries WHERE run_id = ?`, runID)
	var sm store.Summary
	var extractedAt string
	if err := row.Scan(&sm.RunID, &sm.SchemaVersion, &sm.Keff, &sm.KeffStd, &sm.KeffUncertaintyPCM, &sm.NBatches, &sm.NInactive, &sm.NParticles, &extractedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlitestore: get summary: %w", err)
	}
	sm.ExtractedAt, _ = parseTime(extractedAt)
	return &sm, nil
}

func (s *Store) AppendEvent(ctx context.Context, e store.Event) error {
	return s.appendEventTx(ctx, s.db, e)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) appendEventTx(ctx context.Context, db execer, e store.Event) error {
	if e.TS.IsZero() {
		e.TS = s.clock.Now()
	}
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal event payload: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO events (run_id, ts, type, agent, payload_json) VALUES (?, ?, ?, ?, ?)`,
		e.RunID, fmtTime(e.TS), e.Type, e.Agent, string(b),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: append event: %w", err)
	}
	return nil
}

func (s *Store) GetEvents(ctx context.Context, runID string, filter store.EventFilter) ([]store.Event, error) {
	query := `SELECT run_id, ts, type, agent, payload_json FROM events WHERE run_id = ?`
	args := []any{runID}
	if filter.Since != nil {
		query += ` AND ts > ?`
		args = append(args, fmtTime(*filter.Since))
	}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, filter.Type)
	}
	query += ` ORDER BY ts ASC, id ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: get events: %w", err)
	}
	defer rows.Close()

	var out []store.Event
	for rows.Next() {
		var e store.Event
		var ts, payloadJSON string
		if err := rows.Scan(&e.RunID, &ts, &e.Type, &e.Agent, &payloadJSON); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan event: %w", err)
		}
		e.TS, _ = parseTime(ts)
		_ = json.Unmarshal([]byte(payloadJSON), &e.Payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) InsertAgentOutput(ctx context.Context, o store.AgentOutput) error {
	if o.SchemaVersion == 0 {
		o.SchemaVersion = 1
	}
	now := s.clock.Now()
	b, err := json.Marshal(o.Data)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal agent output: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_outputs (run_id, agent, kind, data_json, schema_version, ts) VALUES (?, ?, ?, ?, ?, ?)`,
		o.RunID, o.Agent, o.Kind, string(b), o.SchemaVersion, fmtTime(now),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: insert agent output: %w", err)
	}
	return nil
}

// ClaimNext is the atomic claim: a single UPDATE guarded by BEGIN IMMEDIATE,
// which takes SQLite's reserved write lock before any read happens, giving
// the same at-most-one-claimant guarantee as the teacher's claim_leases
// upsert, generalized to a CAS across (status, lease_expires_at).
func (s *Store) ClaimNext(ctx context.Context, workerID string, leaseTTL time.Duration) (*store.Run, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: begin claim_next: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		// Some modernc.org/sqlite builds reject a nested BEGIN when already
		// inside a tx started by BeginTx; fall through using the existing tx.
		if !strings.Contains(err.Error(), "within a transaction") {
			return nil, fmt.Errorf("sqlitestore: begin immediate: %w", err)
		}
	}

	now := s.clock.Now()
	row := tx.QueryRowContext(ctx, runColumns+`
		FROM runs
		WHERE status = 'queued'
		   OR (status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?)
		ORDER BY created_at ASC, run_id ASC
		LIMIT 1`, fmtTime(now))

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: scan claim candidate: %w", err)
	}

	newLeaseExpiry := now.Add(leaseTTL)
	startedAt := run.StartedAt
	if startedAt == nil {
		startedAt = &now
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET status='running', claimed_by=?, lease_expires_at=?, attempt=attempt+1, started_at=?, phase=CASE WHEN phase='done' THEN 'bundle' ELSE phase END
		 WHERE run_id = ? AND (status = 'queued' OR (status = 'running' AND lease_expires_at <= ?))`,
		workerID, fmtTime(newLeaseExpiry), fmtTime(*startedAt), run.RunID, fmtTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: claim update: %w", err)
	}

	run.Status = store.StatusRunning
	run.ClaimedBy = workerID
	run.LeaseExpiresAt = &newLeaseExpiry
	run.Attempt++
	run.StartedAt = startedAt

	if err := s.appendEventTx(ctx, tx, store.Event{RunID: run.RunID, TS: now, Type: "run_claimed", Payload: map[string]any{
		"worker_id": workerID, "attempt": run.Attempt, "lease_ttl_seconds": leaseTTL.Seconds(),
	}}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlitestore: commit claim_next: %w", err)
	}
	return run, nil
}

func (s *Store) RenewLease(ctx context.Context, runID, workerID string, leaseTTL time.Duration) (bool, error) {
	now := s.clock.Now()
	newExpiry := now.Add(leaseTTL)
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET lease_expires_at = ?, renewed_at = ? WHERE run_id = ? AND claimed_by = ? AND status='running'`,
		fmtTime(newExpiry), fmtTime(now), runID, workerID,
	)
	if err != nil {
		return false, fmt.Errorf("sqlitestore: renew lease: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return true, nil
	}
	return false, s.AppendEvent(ctx, store.Event{RunID: runID, TS: now, Type: "lease_renewed", Agent: workerID})
}

func (s *Store) Release(ctx context.Context, runID, workerID string, finalStatus store.RunStatus, artifactsDelta *store.Artifacts, runErr *aonperr.Error) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("sqlitestore: begin release: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, runColumns+` FROM runs WHERE run_id = ? AND claimed_by = ?`, runID, workerID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	now := s.clock.Now()
	errJSON := ""
	if runErr != nil {
		b, _ := json.Marshal(runErr)
		errJSON = string(b)
	}
	bundlePath, statepointPath, parquetPath := run.Artifacts.BundlePath, run.Artifacts.StatepointPath, run.Artifacts.ParquetPath
	if artifactsDelta != nil {
		if artifactsDelta.BundlePath != "" {
			bundlePath = artifactsDelta.BundlePath
		}
		if artifactsDelta.StatepointPath != "" {
			statepointPath = artifactsDelta.StatepointPath
		}
		if artifactsDelta.ParquetPath != "" {
			parquetPath = artifactsDelta.ParquetPath
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET status=?, phase='done', ended_at=?, claimed_by='', lease_expires_at=NULL,
		 bundle_path=?, statepoint_path=?, parquet_path=?, error_json=?
		 WHERE run_id = ? AND claimed_by = ?`,
		string(finalStatus), fmtTime(now), bundlePath, statepointPath, parquetPath, errJSON, runID, workerID,
	)
	if err != nil {
		return false, fmt.Errorf("sqlitestore: release update: %w", err)
	}

	if err := s.appendEventTx(ctx, tx, store.Event{RunID: runID, TS: now, Type: "run_released", Payload: map[string]any{
		"status": string(finalStatus), "worker_id": workerID,
	}}); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("sqlitestore: commit release: %w", err)
	}
	return false, nil
}

func (s *Store) ReapExpiredLeases(ctx context.Context) ([]string, error) {
	now := s.clock.Now()
	rows, err := s.db.QueryContext(ctx, `SELECT run_id FROM runs WHERE status='running' AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?`, fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: scan expired leases: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		_, err := s.db.ExecContext(ctx,
			`UPDATE runs SET status='queued', claimed_by='', lease_expires_at=NULL, phase='bundle'
			 WHERE run_id = ? AND status='running' AND lease_expires_at <= ?`,
			id, fmtTime(now),
		)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: reap %s: %w", id, err)
		}
		_ = s.AppendEvent(ctx, store.Event{RunID: id, TS: now, Type: "lease_expired"})
	}
	return ids, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}
