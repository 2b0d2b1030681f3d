// Package dispatch hands queued runs to polling workers. The scan is ordered
// and advisory; the store's conditional claim is the only synchronization, so
// any number of pollers may race safely.
package dispatch

import (
	"context"
	"log/slog"
	"strings"

	"github.com/bmatcuk/doublestar"

	"git.home.luguber.info/inful/jobserv/internal/logfields"
	"git.home.luguber.info/inful/jobserv/internal/status"
	"git.home.luguber.info/inful/jobserv/internal/store"
)

// SurgeChecker reports whether a host tag currently has an active surge flag.
type SurgeChecker interface {
	Active(tag string) bool
}

// Dispatcher pops queued runs for workers.
type Dispatcher struct {
	store  *store.Store
	surges SurgeChecker
	logger *slog.Logger
}

// New creates a dispatcher.
func New(s *store.Store, surges SurgeChecker, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: s, surges: surges, logger: logger}
}

// Available applies the worker availability rule: enlisted, not deleted, and
// surges-only workers participate only while one of their tags is surging.
func (d *Dispatcher) Available(w *store.Worker) bool {
	if !w.Enlisted || w.Deleted {
		return false
	}
	if !w.SurgesOnly {
		return true
	}
	for _, tag := range w.Tags() {
		if d.surges.Active(tag) {
			return true
		}
	}
	return false
}

// PopQueued atomically assigns at most one QUEUED run to the worker. A nil
// run with a nil error means nothing eligible (or another poll won the race).
func (d *Dispatcher) PopQueued(ctx context.Context, w *store.Worker) (*store.Run, error) {
	if !d.Available(w) {
		return nil, nil
	}

	rows, err := d.store.DispatchScan(ctx)
	if err != nil {
		return nil, err
	}

	names := append([]string{strings.ToLower(w.Name)}, lowerAll(w.Tags())...)

	// RUNNING rows sort first, so the sync-project bookkeeping below sees
	// every in-flight build before the first QUEUED candidate.
	syncProjects := map[int64]bool{}
	okaySyncBuilds := map[int64]bool{}

	for _, row := range rows {
		if row.Status == status.Running {
			if row.Synchronous {
				syncProjects[row.ProjectID] = true
				okaySyncBuilds[row.BuildRef] = true
			}
			continue
		}
		if !tagMatches(row.HostTag, names) {
			continue
		}
		if row.Synchronous && syncProjects[row.ProjectID] && !okaySyncBuilds[row.BuildRef] {
			// another build of this synchronous project is in flight
			continue
		}

		claimed, err := d.store.ClaimRun(ctx, row.RunRef, w.Name)
		if err != nil {
			return nil, err
		}
		if !claimed {
			// another poll won; let the worker come back around
			return nil, nil
		}
		d.logger.Info("run dispatched",
			logfields.Project(row.ProjectName),
			logfields.Build(row.BuildID),
			logfields.Run(row.RunName),
			logfields.Worker(w.Name),
			logfields.HostTag(row.HostTag))
		return d.store.GetRunByRef(ctx, row.RunRef)
	}
	return nil, nil
}

// tagMatches applies the run's host-tag glob against the worker's name and
// declared tags.
func tagMatches(pattern string, names []string) bool {
	pattern = strings.ToLower(pattern)
	for _, n := range names {
		if ok, err := doublestar.Match(pattern, n); err == nil && ok {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
