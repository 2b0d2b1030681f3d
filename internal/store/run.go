package store

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"

	jerrors "git.home.luguber.info/inful/jobserv/internal/errors"
	"git.home.luguber.info/inful/jobserv/internal/status"
)

const apiKeyLen = 32
const apiKeyAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// newAPIKey returns a fresh 32-char random token for a run.
func newAPIKey() (string, error) {
	raw := make([]byte, apiKeyLen)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	for i, b := range raw {
		raw[i] = apiKeyAlphabet[int(b)%len(apiKeyAlphabet)]
	}
	return string(raw), nil
}

// CreateRun inserts a QUEUED run with a fresh api key. A duplicate name
// within the build is a Conflict, never a database error bubbling out.
func (s *Store) CreateRun(ctx context.Context, b *Build, name, triggerName, hostTag string, priority int) (*Run, error) {
	key, err := newAPIKey()
	if err != nil {
		return nil, err
	}
	r := &Run{
		BuildRef:      b.ID,
		Name:          name,
		Status:        status.Queued,
		APIKey:        key,
		TriggerName:   triggerName,
		HostTag:       hostTag,
		QueuePriority: priority,
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO runs (build_ref, name, status, api_key, trigger_name, host_tag, queue_priority)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			b.ID, name, int(status.Queued), key, triggerName, hostTag, priority)
		if err != nil {
			return err
		}
		if r.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO run_events (run_ref, status, time) VALUES (?, ?, ?)",
			r.ID, int(status.Queued), s.now().UnixNano())
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, jerrors.Conflict(fmt.Sprintf("a run named %q already exists in this build", name))
		}
		return nil, fmt.Errorf("create run: %w", err)
	}
	return r, nil
}

const runCols = `r.id, r.build_ref, r.name, r.status, r.api_key,
	COALESCE(r.trigger_name, ''), r.host_tag, r.queue_priority,
	COALESCE(r.worker_name, ''), COALESCE(r.meta, '')`

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	var r Run
	var st int
	if err := row.Scan(&r.ID, &r.BuildRef, &r.Name, &st, &r.APIKey,
		&r.TriggerName, &r.HostTag, &r.QueuePriority, &r.WorkerName, &r.Meta); err != nil {
		return nil, err
	}
	r.Status = status.Status(st)
	return &r, nil
}

// GetRun loads a run by project, per-project build id and name.
func (s *Store) GetRun(ctx context.Context, project string, buildID int, name string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runCols+` FROM runs r
		JOIN builds b ON b.id = r.build_ref
		JOIN projects p ON p.id = b.proj_id
		WHERE p.name = ? AND b.build_id = ? AND r.name = ?`, project, buildID, name)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jerrors.NotFound(fmt.Sprintf("projects/%s/builds/%d/runs/%s", project, buildID, name))
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	return r, nil
}

// GetRunByRef reloads a run by its primary key.
func (s *Store) GetRunByRef(ctx context.Context, ref int64) (*Run, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runCols+" FROM runs r WHERE r.id = ?", ref)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jerrors.NotFound(fmt.Sprintf("runs/%d", ref))
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	return r, nil
}

// RunsForBuild returns all runs of a build in creation order.
func (s *Store) RunsForBuild(ctx context.Context, buildRef int64) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+runCols+" FROM runs r WHERE r.build_ref = ? ORDER BY r.id", buildRef)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetRunStatus writes a new status and appends a RunEvent when it changed.
// Build aggregation is the caller's job (under the Build lock).
func (s *Store) SetRunStatus(ctx context.Context, runRef int64, st status.Status) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE runs SET status = ? WHERE id = ? AND status != ?",
			int(st), runRef, int(st))
		if err != nil {
			return fmt.Errorf("update run status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update run status: %w", err)
		}
		if n == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO run_events (run_ref, status, time) VALUES (?, ?, ?)",
			runRef, int(st), s.now().UnixNano())
		if err != nil {
			return fmt.Errorf("append run event: %w", err)
		}
		return nil
	})
}

// SetRunMeta stores the opaque metadata string a worker reports.
func (s *Store) SetRunMeta(ctx context.Context, runRef int64, meta string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE runs SET meta = ? WHERE id = ?", meta, runRef)
	if err != nil {
		return fmt.Errorf("update run meta: %w", err)
	}
	return nil
}

// RequeueRun puts a dispatched run back in the queue, clearing its worker.
// Used when rundef delivery to the worker fails, and by rerun.
func (s *Store) RequeueRun(ctx context.Context, runRef int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"UPDATE runs SET status = ?, worker_name = NULL WHERE id = ?",
			int(status.Queued), runRef); err != nil {
			return fmt.Errorf("requeue run: %w", err)
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO run_events (run_ref, status, time) VALUES (?, ?, ?)",
			runRef, int(status.Queued), s.now().UnixNano())
		return err
	})
}

// ClaimRun is the dispatcher's atomic claim: QUEUED -> RUNNING bound to a
// worker, succeeding for exactly one caller per run.
func (s *Store) ClaimRun(ctx context.Context, runRef int64, worker string) (bool, error) {
	claimed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE runs SET status = ?, worker_name = ? WHERE id = ? AND status = ?",
			int(status.Running), worker, runRef, int(status.Queued))
		if err != nil {
			return fmt.Errorf("claim run: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim run: %w", err)
		}
		if n == 0 {
			return nil
		}
		claimed = true
		_, err = tx.ExecContext(ctx,
			"INSERT INTO run_events (run_ref, status, time) VALUES (?, ?, ?)",
			runRef, int(status.Running), s.now().UnixNano())
		return err
	})
	return claimed, err
}

// DispatchRow is one row of the dispatcher's ordered scan.
type DispatchRow struct {
	RunRef      int64
	RunName     string
	Status      status.Status
	HostTag     string
	Priority    int
	BuildRef    int64
	BuildID     int
	ProjectID   int64
	ProjectName string
	Synchronous bool
}

// DispatchScan enumerates RUNNING and QUEUED runs in dispatch order:
// RUNNING first, then priority descending, then build id, then run id.
func (s *Store) DispatchScan(ctx context.Context) ([]DispatchRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.name, r.status, r.host_tag, r.queue_priority,
		       b.id, b.build_id, p.id, p.name, p.synchronous_builds
		FROM runs r
		JOIN builds b ON b.id = r.build_ref
		JOIN projects p ON p.id = b.proj_id
		WHERE r.status IN (?, ?)
		ORDER BY CASE WHEN r.status = ? THEN 0 ELSE 1 END,
		         r.queue_priority DESC, b.build_id ASC, r.id ASC`,
		int(status.Running), int(status.Queued), int(status.Running))
	if err != nil {
		return nil, fmt.Errorf("dispatch scan: %w", err)
	}
	defer rows.Close()

	var out []DispatchRow
	for rows.Next() {
		var d DispatchRow
		var st, syncFlag int
		if err := rows.Scan(&d.RunRef, &d.RunName, &st, &d.HostTag, &d.Priority,
			&d.BuildRef, &d.BuildID, &d.ProjectID, &d.ProjectName, &syncFlag); err != nil {
			return nil, fmt.Errorf("scan dispatch row: %w", err)
		}
		d.Status = status.Status(st)
		d.Synchronous = syncFlag != 0
		out = append(out, d)
	}
	return out, rows.Err()
}

// QueuedRunTags returns the host tag of every QUEUED run, in queue order.
// The surge monitor feeds this into its capacity pass.
func (s *Store) QueuedRunTags(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT host_tag FROM runs WHERE status = ? ORDER BY id", int(status.Queued))
	if err != nil {
		return nil, fmt.Errorf("query queued runs: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("scan queued run: %w", err)
		}
		out = append(out, tag)
	}
	return out, rows.Err()
}

// RunEvents returns the timestamp-ordered status transitions of a run.
func (s *Store) RunEvents(ctx context.Context, runRef int64) ([]StatusEvent, error) {
	return s.statusEvents(ctx, "run_events", "run_ref", runRef)
}

// CheckRunKey compares a presented token against the run's api key in
// constant time.
func CheckRunKey(r *Run, presented string) bool {
	return subtle.ConstantTimeCompare([]byte(r.APIKey), []byte(presented)) == 1
}
