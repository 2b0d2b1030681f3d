package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	jerrors "git.home.luguber.info/inful/jobserv/internal/errors"
)

// CreateWorker registers a worker, hashing its api key with bcrypt. Workers
// start online but not enlisted; an admin enlists them out of band.
func (s *Store) CreateWorker(ctx context.Context, w *Worker, plainKey string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(plainKey), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash worker key: %w", err)
	}
	w.APIKey = string(hash)
	w.Online = true
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workers (name, distro, mem_total, cpu_total, cpu_type, api_key,
			concurrent_runs, host_tags, enlisted, online, surges_only, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, 0)`,
		w.Name, w.Distro, w.MemTotal, w.CPUTotal, w.CPUType, w.APIKey,
		w.ConcurrentRuns, w.HostTags, boolInt(w.Enlisted), boolInt(w.SurgesOnly))
	if err != nil {
		if isUniqueViolation(err) {
			return jerrors.Conflict("worker already exists: " + w.Name)
		}
		return fmt.Errorf("insert worker: %w", err)
	}
	return nil
}

const workerCols = `name, distro, mem_total, cpu_total, cpu_type, api_key,
	concurrent_runs, host_tags, enlisted, online, surges_only, deleted`

func scanWorker(row interface{ Scan(...any) error }) (*Worker, error) {
	var w Worker
	var enlisted, online, surges, deleted int
	if err := row.Scan(&w.Name, &w.Distro, &w.MemTotal, &w.CPUTotal, &w.CPUType,
		&w.APIKey, &w.ConcurrentRuns, &w.HostTags, &enlisted, &online, &surges, &deleted); err != nil {
		return nil, err
	}
	w.Enlisted = enlisted != 0
	w.Online = online != 0
	w.SurgesOnly = surges != 0
	w.Deleted = deleted != 0
	return &w, nil
}

// GetWorker loads a worker by name, including soft-deleted rows; callers
// that must exclude them check Deleted.
func (s *Store) GetWorker(ctx context.Context, name string) (*Worker, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+workerCols+" FROM workers WHERE name = ?", name)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jerrors.NotFound("workers/" + name)
	}
	if err != nil {
		return nil, fmt.Errorf("query worker: %w", err)
	}
	return w, nil
}

// ListWorkers returns non-deleted workers ordered by name.
func (s *Store) ListWorkers(ctx context.Context) ([]*Worker, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+workerCols+" FROM workers WHERE deleted = 0 ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("query workers: %w", err)
	}
	defer rows.Close()

	var out []*Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// EnlistedWorkers returns enlisted, non-deleted workers; the surge monitor's
// working set.
func (s *Store) EnlistedWorkers(ctx context.Context) ([]*Worker, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+workerCols+" FROM workers WHERE enlisted = 1 AND deleted = 0 ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("query workers: %w", err)
	}
	defer rows.Close()

	var out []*Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// UpdateWorker persists mutable worker attributes.
func (s *Store) UpdateWorker(ctx context.Context, w *Worker) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workers SET distro = ?, mem_total = ?, cpu_total = ?, cpu_type = ?,
			concurrent_runs = ?, host_tags = ?, enlisted = ?, online = ?, surges_only = ?
		WHERE name = ?`,
		w.Distro, w.MemTotal, w.CPUTotal, w.CPUType, w.ConcurrentRuns, w.HostTags,
		boolInt(w.Enlisted), boolInt(w.Online), boolInt(w.SurgesOnly), w.Name)
	if err != nil {
		return fmt.Errorf("update worker: %w", err)
	}
	return nil
}

// SetWorkerOnline flips just the online flag.
func (s *Store) SetWorkerOnline(ctx context.Context, name string, online bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE workers SET online = ? WHERE name = ?", boolInt(online), name)
	if err != nil {
		return fmt.Errorf("update worker online: %w", err)
	}
	return nil
}

// DeleteWorker soft-deletes; runs keep their weak reference to the name.
func (s *Store) DeleteWorker(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE workers SET deleted = 1, enlisted = 0 WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("delete worker: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete worker: %w", err)
	}
	if n == 0 {
		return jerrors.NotFound("workers/" + name)
	}
	return nil
}

// CheckWorkerKey compares a presented token against the stored bcrypt hash.
func CheckWorkerKey(w *Worker, presented string) bool {
	return bcrypt.CompareHashAndPassword([]byte(w.APIKey), []byte(presented)) == nil
}
