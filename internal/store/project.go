package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	jerrors "git.home.luguber.info/inful/jobserv/internal/errors"
	"git.home.luguber.info/inful/jobserv/internal/pipeline"
)

// CreateProject inserts a project. A duplicate name is a Conflict.
func (s *Store) CreateProject(ctx context.Context, name string, synchronous bool) (*Project, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO projects (name, synchronous_builds) VALUES (?, ?)",
		name, boolInt(synchronous))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, jerrors.Conflict("project already exists: " + name)
		}
		return nil, fmt.Errorf("insert project: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("project id: %w", err)
	}
	return &Project{ID: id, Name: name, SynchronousBuilds: synchronous}, nil
}

// GetProject loads a project by name.
func (s *Store) GetProject(ctx context.Context, name string) (*Project, error) {
	var p Project
	var syncFlag int
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, synchronous_builds FROM projects WHERE name = ?", name).
		Scan(&p.ID, &p.Name, &syncFlag)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jerrors.NotFound("projects/" + name)
	}
	if err != nil {
		return nil, fmt.Errorf("query project: %w", err)
	}
	p.SynchronousBuilds = syncFlag != 0
	return &p, nil
}

// ListProjects returns all projects ordered by name.
func (s *Store) ListProjects(ctx context.Context) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, synchronous_builds FROM projects ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()

	var out []*Project
	for rows.Next() {
		var p Project
		var syncFlag int
		if err := rows.Scan(&p.ID, &p.Name, &syncFlag); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		p.SynchronousBuilds = syncFlag != 0
		out = append(out, &p)
	}
	return out, rows.Err()
}

// DeleteProject removes the project; triggers, builds, runs, events and tests
// go with it via cascading foreign keys.
func (s *Store) DeleteProject(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM projects WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if n == 0 {
		return jerrors.NotFound("projects/" + name)
	}
	return nil
}

// CreateTrigger stores a project trigger with its sealed secrets.
func (s *Store) CreateTrigger(ctx context.Context, t *Trigger) error {
	if !pipeline.ValidTriggerType(t.Type) {
		return jerrors.ValidationFailed("no such trigger type: " + string(t.Type))
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO triggers (proj_id, type, user, definition_repo, definition_file, secrets, queue_priority)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ProjectID, string(t.Type), t.User, t.DefinitionRepo, t.DefinitionFile, t.Secrets, t.QueuePriority)
	if err != nil {
		return fmt.Errorf("insert trigger: %w", err)
	}
	t.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("trigger id: %w", err)
	}
	return nil
}

const triggerCols = `t.id, t.proj_id, p.name, t.type, t.user,
	COALESCE(t.definition_repo, ''), COALESCE(t.definition_file, ''), t.secrets, t.queue_priority`

func scanTrigger(row interface{ Scan(...any) error }) (*Trigger, error) {
	var t Trigger
	var ttype string
	if err := row.Scan(&t.ID, &t.ProjectID, &t.ProjectName, &ttype, &t.User,
		&t.DefinitionRepo, &t.DefinitionFile, &t.Secrets, &t.QueuePriority); err != nil {
		return nil, err
	}
	t.Type = pipeline.TriggerType(ttype)
	return &t, nil
}

// GetTrigger loads one trigger by id.
func (s *Store) GetTrigger(ctx context.Context, id int64) (*Trigger, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+triggerCols+` FROM triggers t JOIN projects p ON p.id = t.proj_id
		WHERE t.id = ?`, id)
	t, err := scanTrigger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jerrors.NotFound(fmt.Sprintf("triggers/%d", id))
	}
	if err != nil {
		return nil, fmt.Errorf("query trigger: %w", err)
	}
	return t, nil
}

// ListTriggers returns triggers for a project; pass an empty project name to
// list across projects, optionally filtered by type.
func (s *Store) ListTriggers(ctx context.Context, projectName string, ttype pipeline.TriggerType) ([]*Trigger, error) {
	q := `SELECT ` + triggerCols + ` FROM triggers t JOIN projects p ON p.id = t.proj_id`
	var conds []string
	var args []any
	if projectName != "" {
		conds = append(conds, "p.name = ?")
		args = append(args, projectName)
	}
	if ttype != "" {
		conds = append(conds, "t.type = ?")
		args = append(args, string(ttype))
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY t.id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query triggers: %w", err)
	}
	defer rows.Close()

	var out []*Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint violations in the error text;
	// the driver's typed error does not expose the extended code portably.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
