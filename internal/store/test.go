package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	jerrors "git.home.luguber.info/inful/jobserv/internal/errors"
	"git.home.luguber.info/inful/jobserv/internal/status"
)

// maxResultOutput caps stored test-result output at 64 KiB.
const maxResultOutput = 64 * 1024

// CreateTest attaches a test to a run.
func (s *Store) CreateTest(ctx context.Context, runRef int64, name, context_ string, st status.Status) (*Test, error) {
	created := s.now()
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO tests (run_ref, name, context, status, created) VALUES (?, ?, ?, ?, ?)",
		runRef, name, context_, int(st), created.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert test: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("test id: %w", err)
	}
	return &Test{ID: id, RunRef: runRef, Name: name, Context: context_, Status: st, Created: created}, nil
}

// SetTestStatus updates a test's status.
func (s *Store) SetTestStatus(ctx context.Context, testRef int64, st status.Status) error {
	_, err := s.db.ExecContext(ctx, "UPDATE tests SET status = ? WHERE id = ?", int(st), testRef)
	if err != nil {
		return fmt.Errorf("update test status: %w", err)
	}
	return nil
}

// CreateTestResult attaches one result line to a test. Output beyond 64 KiB
// is truncated rather than rejected.
func (s *Store) CreateTestResult(ctx context.Context, testRef int64, name, context_ string, st status.Status, output string) (*TestResult, error) {
	if len(output) > maxResultOutput {
		output = output[:maxResultOutput]
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO test_results (test_ref, name, context, status, output) VALUES (?, ?, ?, ?, ?)",
		testRef, name, context_, int(st), output)
	if err != nil {
		return nil, fmt.Errorf("insert test result: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("test result id: %w", err)
	}
	return &TestResult{ID: id, TestRef: testRef, Name: name, Context: context_, Status: st, Output: output}, nil
}

// TestsForRun returns a run's tests in creation order.
func (s *Store) TestsForRun(ctx context.Context, runRef int64) ([]*Test, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_ref, name, COALESCE(context, ''), status, created
		FROM tests WHERE run_ref = ? ORDER BY id`, runRef)
	if err != nil {
		return nil, fmt.Errorf("query tests: %w", err)
	}
	defer rows.Close()

	var out []*Test
	for rows.Next() {
		var t Test
		var st int
		var created int64
		if err := rows.Scan(&t.ID, &t.RunRef, &t.Name, &t.Context, &st, &created); err != nil {
			return nil, fmt.Errorf("scan test: %w", err)
		}
		t.Status = status.Status(st)
		t.Created = unixNano(created)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// GetTest loads one named test of a run.
func (s *Store) GetTest(ctx context.Context, runRef int64, name string) (*Test, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_ref, name, COALESCE(context, ''), status, created
		FROM tests WHERE run_ref = ? AND name = ?`, runRef, name)
	var t Test
	var st int
	var created int64
	err := row.Scan(&t.ID, &t.RunRef, &t.Name, &t.Context, &st, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jerrors.NotFound("tests/" + name)
	}
	if err != nil {
		return nil, fmt.Errorf("query test: %w", err)
	}
	t.Status = status.Status(st)
	t.Created = unixNano(created)
	return &t, nil
}

// ResultsForTest returns a test's results in creation order.
func (s *Store) ResultsForTest(ctx context.Context, testRef int64) ([]*TestResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, test_ref, name, COALESCE(context, ''), status, COALESCE(output, '')
		FROM test_results WHERE test_ref = ? ORDER BY id`, testRef)
	if err != nil {
		return nil, fmt.Errorf("query test results: %w", err)
	}
	defer rows.Close()

	var out []*TestResult
	for rows.Next() {
		var r TestResult
		var st int
		if err := rows.Scan(&r.ID, &r.TestRef, &r.Name, &r.Context, &st, &r.Output); err != nil {
			return nil, fmt.Errorf("scan test result: %w", err)
		}
		r.Status = status.Status(st)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// TestComplete reports whether every result of the test has terminal status.
func (s *Store) TestComplete(ctx context.Context, testRef int64) (bool, error) {
	var pending int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM test_results
		WHERE test_ref = ? AND status NOT IN (?, ?, ?, ?)`,
		testRef, int(status.Passed), int(status.Failed), int(status.Promoted), int(status.Skipped)).
		Scan(&pending)
	if err != nil {
		return false, fmt.Errorf("count pending results: %w", err)
	}
	return pending == 0, nil
}
