package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/labflow/pkg/schema"
)

// LibSQLStore persists provenance runs and the event trail in libSQL
// (embedded SQLite fork).
type LibSQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewLibSQLStore opens a libSQL database. dbPath is a file URI such as
// "file:/var/lib/labflow/provenance.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so QueryRow is used and the result ignored.
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Runs ---

// StartRun records a new run in status running and returns its ID.
func (s *LibSQLStore) StartRun(ctx context.Context, req RunStart) (string, error) {
	if req.WorkflowID == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "start run: workflow id is required")
	}
	cfg, err := canonicalJSON(req.WorkflowConfig)
	if err != nil {
		return "", fmt.Errorf("marshal workflow config: %w", err)
	}
	input, err := nullableJSON(req.InputData)
	if err != nil {
		return "", fmt.Errorf("marshal input data: %w", err)
	}
	env, err := json.Marshal(CaptureEnvironment())
	if err != nil {
		return "", fmt.Errorf("marshal environment: %w", err)
	}

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, user_id, trigger_source, function_name, config_hash,
		                   workflow_config, input_data, environment, status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, req.WorkflowID, nullStr(req.UserID), nullStr(req.TriggerSource), nullStr(req.FunctionName),
		hashConfig(cfg), string(cfg), input, string(env), RunStatusRunning, s.now(),
	)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "insert run: %s", err.Error()).WithCause(err)
	}
	return id, nil
}

// FinishRun stores the outcome and duration of a run.
func (s *LibSQLStore) FinishRun(ctx context.Context, runID string, out RunOutcome) error {
	status := out.Status
	if status == "" {
		status = RunStatusCompleted
	}
	output, err := nullableJSON(out.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}

	var started time.Time
	err = s.db.QueryRowContext(ctx, `SELECT started_at FROM runs WHERE id = ?`, runID).Scan(&started)
	if err == sql.ErrNoRows {
		return storeNotFound("run", runID)
	}
	if err != nil {
		return err
	}

	finished := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, output_data = ?, error_message = ?, finished_at = ?, duration_ms = ?
		 WHERE id = ?`,
		status, output, nullStr(out.Error), finished, finished.Sub(started).Milliseconds(), runID,
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update run: %s", err.Error()).WithCause(err)
	}
	return checkRowsAffected(res, "run", runID)
}

const runColumns = `id, workflow_id, user_id, trigger_source, function_name, config_hash, workflow_config,
	input_data, environment, status, output_data, error_message, started_at, finished_at, duration_ms`

// GetRun loads one run by ID.
func (s *LibSQLStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", runID)
	}
	return r, err
}

// ListRuns returns runs newest first.
func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	q := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	r := &Run{}
	var userID, trigger, fn, cfg, input, env, output, errMsg sql.NullString
	var finished sql.NullTime
	var duration sql.NullInt64
	err := row.Scan(&r.ID, &r.WorkflowID, &userID, &trigger, &fn, &r.ConfigHash, &cfg,
		&input, &env, &r.Status, &output, &errMsg, &r.StartedAt, &finished, &duration)
	if err != nil {
		return nil, err
	}
	r.UserID = userID.String
	r.TriggerSource = trigger.String
	r.FunctionName = fn.String
	r.ErrorMessage = errMsg.String
	r.WorkflowConfig = jsonOrNil(cfg)
	r.InputData = jsonOrNil(input)
	r.Environment = jsonOrNil(env)
	r.OutputData = jsonOrNil(output)
	if finished.Valid {
		r.FinishedAt = &finished.Time
	}
	if duration.Valid {
		r.DurationMS = &duration.Int64
	}
	return r, nil
}

// --- Events ---

// AppendEvent appends an event with the next per-workflow sequence number.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE workflow_id = ?`, event.WorkflowID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (workflow_id, node_id, trace_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.WorkflowID, nullStr(event.NodeID), nullStr(event.TraceID), event.Type,
		nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	event.Sequence = seq
	event.ID, _ = res.LastInsertId()
	return nil
}

// GetEvents returns events for a workflow with sequence > since, oldest first.
func (s *LibSQLStore) GetEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, node_id, trace_id, event_type, payload, timestamp, sequence
		 FROM events WHERE workflow_id = ? AND sequence > ? ORDER BY sequence ASC`,
		workflowID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, traceID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkflowID, &nodeID, &traceID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		e.TraceID = traceID.String
		e.Payload = jsonOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Provenance helpers ---

// hashConfig is the first 16 hex characters of the SHA-256 of the
// canonical config encoding.
func hashConfig(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:16]
}

// canonicalJSON encodes v with sorted keys. encoding/json already sorts map
// keys, so a decode/encode round trip through any normalizes struct values.
func canonicalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// ConfigHash returns the reproducibility hash recorded for a workflow config.
func ConfigHash(v any) (string, error) {
	c, err := canonicalJSON(v)
	if err != nil {
		return "", err
	}
	return hashConfig(c), nil
}

// CaptureEnvironment describes the process that executed a run.
func CaptureEnvironment() map[string]any {
	env := map[string]any{
		"go_version": runtime.Version(),
		"platform":   runtime.GOOS + "/" + runtime.GOARCH,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	if wd, err := os.Getwd(); err == nil {
		env["working_directory"] = wd
	}
	if host, err := os.Hostname(); err == nil {
		env["hostname"] = host
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		env["module_version"] = info.Main.Version
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				env["vcs_revision"] = s.Value
			}
		}
	}
	return env
}

// --- SQL helpers ---

func storeNotFound(resource, id string) *schema.LabError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func jsonOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func nullableJSON(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
