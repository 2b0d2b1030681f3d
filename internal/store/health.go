package store

import (
	"context"
	"fmt"

	"git.home.luguber.info/inful/jobserv/internal/status"
)

// RunCounts returns the number of runs per status across all projects.
func (s *Store) RunCounts(ctx context.Context) (map[status.Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM runs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}
	defer rows.Close()

	out := map[status.Status]int{}
	for rows.Next() {
		var st, n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan run count: %w", err)
		}
		out[status.Status(st)] = n
	}
	return out, rows.Err()
}

// ActiveRun identifies an in-flight run for the health surface.
type ActiveRun struct {
	Project string
	BuildID int
	Run     string
	Worker  string
	HostTag string
}

// RunsWithStatus lists runs currently in the given status, oldest first.
func (s *Store) RunsWithStatus(ctx context.Context, st status.Status) ([]ActiveRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.name, b.build_id, r.name, COALESCE(r.worker_name, ''), r.host_tag
		FROM runs r
		JOIN builds b ON b.id = r.build_ref
		JOIN projects p ON p.id = b.proj_id
		WHERE r.status = ? ORDER BY r.id`, int(st))
	if err != nil {
		return nil, fmt.Errorf("query active runs: %w", err)
	}
	defer rows.Close()

	var out []ActiveRun
	for rows.Next() {
		var a ActiveRun
		if err := rows.Scan(&a.Project, &a.BuildID, &a.Run, &a.Worker, &a.HostTag); err != nil {
			return nil, fmt.Errorf("scan active run: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
