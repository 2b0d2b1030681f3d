package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	jerrors "git.home.luguber.info/inful/jobserv/internal/errors"
	"git.home.luguber.info/inful/jobserv/internal/status"
)

// buildIDWindow bounds the retry window for concurrent build creation.
const buildIDWindow = 10

// CreateBuild allocates the next build_id for the project. Concurrent
// creators race on the (proj_id, build_id) unique constraint; we walk a
// bounded window of candidate ids before giving up with a Conflict.
func (s *Store) CreateBuild(ctx context.Context, p *Project, reason, triggerName string) (*Build, error) {
	var next int
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(build_id), 0) + 1 FROM builds WHERE proj_id = ?", p.ID).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("next build id: %w", err)
	}

	var lastErr error
	for buildID := next; buildID < next+buildIDWindow; buildID++ {
		b := &Build{
			ProjectID:   p.ID,
			ProjectName: p.Name,
			BuildID:     buildID,
			Status:      status.Queued,
			Reason:      reason,
			TriggerName: triggerName,
		}
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO builds (proj_id, build_id, status, reason, trigger_name)
				VALUES (?, ?, ?, ?, ?)`,
				p.ID, buildID, int(status.Queued), reason, triggerName)
			if err != nil {
				return err
			}
			if b.ID, err = res.LastInsertId(); err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				"INSERT INTO build_events (build_ref, status, time) VALUES (?, ?, ?)",
				b.ID, int(status.Queued), s.now().UnixNano())
			return err
		})
		if err == nil {
			return b, nil
		}
		if !isUniqueViolation(err) {
			return nil, fmt.Errorf("create build: %w", err)
		}
		lastErr = err
	}
	return nil, jerrors.Conflict("could not allocate a build id").WithContext("cause", lastErr.Error())
}

const buildCols = `b.id, b.proj_id, p.name, b.build_id, b.status,
	COALESCE(b.reason, ''), COALESCE(b.trigger_name, ''), COALESCE(b.name, ''), COALESCE(b.annotation, '')`

func scanBuild(row interface{ Scan(...any) error }) (*Build, error) {
	var b Build
	var st int
	if err := row.Scan(&b.ID, &b.ProjectID, &b.ProjectName, &b.BuildID, &st,
		&b.Reason, &b.TriggerName, &b.Name, &b.Annotation); err != nil {
		return nil, err
	}
	b.Status = status.Status(st)
	return &b, nil
}

// GetBuild loads a build by project name and per-project build id.
func (s *Store) GetBuild(ctx context.Context, project string, buildID int) (*Build, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+buildCols+` FROM builds b JOIN projects p ON p.id = b.proj_id
		WHERE p.name = ? AND b.build_id = ?`, project, buildID)
	b, err := scanBuild(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jerrors.NotFound(fmt.Sprintf("projects/%s/builds/%d", project, buildID))
	}
	if err != nil {
		return nil, fmt.Errorf("query build: %w", err)
	}
	return b, nil
}

// getBuildByRef reloads a build by its primary key.
func (s *Store) GetBuildByRef(ctx context.Context, ref int64) (*Build, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+buildCols+` FROM builds b JOIN projects p ON p.id = b.proj_id
		WHERE b.id = ?`, ref)
	b, err := scanBuild(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jerrors.NotFound(fmt.Sprintf("builds/%d", ref))
	}
	if err != nil {
		return nil, fmt.Errorf("query build: %w", err)
	}
	return b, nil
}

// ListBuilds returns one page of a project's builds, newest first, plus the
// total count for pagination.
func (s *Store) ListBuilds(ctx context.Context, project string, limit, page int) ([]*Build, int, error) {
	p, err := s.GetProject(ctx, project)
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM builds WHERE proj_id = ?", p.ID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count builds: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+buildCols+` FROM builds b JOIN projects p ON p.id = b.proj_id
		WHERE b.proj_id = ? ORDER BY b.build_id DESC LIMIT ? OFFSET ?`,
		p.ID, limit, page*limit)
	if err != nil {
		return nil, 0, fmt.Errorf("query builds: %w", err)
	}
	defer rows.Close()

	var out []*Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan build: %w", err)
		}
		out = append(out, b)
	}
	return out, total, rows.Err()
}

// LatestPassedBuild returns the most recent PASSED build of a project.
func (s *Store) LatestPassedBuild(ctx context.Context, project string) (*Build, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+buildCols+` FROM builds b JOIN projects p ON p.id = b.proj_id
		WHERE p.name = ? AND b.status = ? ORDER BY b.build_id DESC LIMIT 1`,
		project, int(status.Passed))
	b, err := scanBuild(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jerrors.NotFound("projects/" + project + "/builds/latest")
	}
	if err != nil {
		return nil, fmt.Errorf("query latest build: %w", err)
	}
	return b, nil
}

// SetBuildStatus writes a new status and appends a BuildEvent when it changed.
func (s *Store) SetBuildStatus(ctx context.Context, buildRef int64, st status.Status) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.setBuildStatusTx(ctx, tx, buildRef, st)
	})
}

func (s *Store) setBuildStatusTx(ctx context.Context, tx *sql.Tx, buildRef int64, st status.Status) error {
	res, err := tx.ExecContext(ctx,
		"UPDATE builds SET status = ? WHERE id = ? AND status != ?",
		int(st), buildRef, int(st))
	if err != nil {
		return fmt.Errorf("update build status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update build status: %w", err)
	}
	if n == 0 {
		return nil // unchanged
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO build_events (build_ref, status, time) VALUES (?, ?, ?)",
		buildRef, int(st), s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("append build event: %w", err)
	}
	return nil
}

// PromoteBuild marks a PASSED build PROMOTED with an annotation.
func (s *Store) PromoteBuild(ctx context.Context, b *Build, name, annotation string) error {
	if b.Status != status.Passed {
		return jerrors.ValidationFailed("only PASSED builds can be promoted")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"UPDATE builds SET name = ?, annotation = ? WHERE id = ?",
			name, annotation, b.ID); err != nil {
			return fmt.Errorf("annotate build: %w", err)
		}
		return s.setBuildStatusTx(ctx, tx, b.ID, status.Promoted)
	})
}

// BuildHistory summarizes the project's last `limit` completed builds up to
// and including the given build, newest first: '+' for PASSED, '-' otherwise.
func (s *Store) BuildHistory(ctx context.Context, projID, untilRef int64, limit int) (string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status FROM builds
		WHERE proj_id = ? AND id <= ? AND status IN (?, ?)
		ORDER BY id DESC LIMIT ?`,
		projID, untilRef, int(status.Passed), int(status.Failed), limit)
	if err != nil {
		return "", fmt.Errorf("query build history: %w", err)
	}
	defer rows.Close()

	var sb []byte
	for rows.Next() {
		var st int
		if err := rows.Scan(&st); err != nil {
			return "", fmt.Errorf("scan build history: %w", err)
		}
		if status.Status(st) == status.Passed {
			sb = append(sb, '+')
		} else {
			sb = append(sb, '-')
		}
	}
	return string(sb), rows.Err()
}

// BuildEvents returns the timestamp-ordered status transitions of a build.
func (s *Store) BuildEvents(ctx context.Context, buildRef int64) ([]StatusEvent, error) {
	return s.statusEvents(ctx, "build_events", "build_ref", buildRef)
}

func (s *Store) statusEvents(ctx context.Context, table, col string, ref int64) ([]StatusEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT status, time FROM %s WHERE %s = ? ORDER BY time, id", table, col), ref)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var out []StatusEvent
	for rows.Next() {
		var st int
		var ts int64
		if err := rows.Scan(&st, &ts); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		out = append(out, StatusEvent{Status: status.Status(st), Time: unixNano(ts)})
	}
	return out, rows.Err()
}
