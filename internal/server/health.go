package server

import (
	"net/http"

	"git.home.luguber.info/inful/jobserv/internal/status"
)

// healthRuns summarizes the scheduler's state: counts per status, the
// per-worker running set, and the queue.
func (s *Server) healthRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	counts, err := s.Store.RunCounts(ctx)
	if err != nil {
		s.fail(w, err)
		return
	}
	byStatus := map[string]int{}
	for st, n := range counts {
		byStatus[st.String()] = n
	}

	running, err := s.Store.RunsWithStatus(ctx, status.Running)
	if err != nil {
		s.fail(w, err)
		return
	}
	byWorker := map[string][]map[string]any{}
	for _, a := range running {
		byWorker[a.Worker] = append(byWorker[a.Worker], map[string]any{
			"project": a.Project,
			"build":   a.BuildID,
			"run":     a.Run,
		})
	}

	queued, err := s.Store.RunsWithStatus(ctx, status.Queued)
	if err != nil {
		s.fail(w, err)
		return
	}
	queue := make([]map[string]any, 0, len(queued))
	for _, a := range queued {
		queue = append(queue, map[string]any{
			"project":  a.Project,
			"build":    a.BuildID,
			"run":      a.Run,
			"host_tag": a.HostTag,
		})
	}

	jsendify(w, map[string]any{
		"statuses": byStatus,
		"running":  byWorker,
		"queue":    queue,
	}, http.StatusOK)
}
