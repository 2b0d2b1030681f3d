package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"git.home.luguber.info/inful/jobserv/internal/artifacts"
	jerrors "git.home.luguber.info/inful/jobserv/internal/errors"
	"git.home.luguber.info/inful/jobserv/internal/logfields"
	"git.home.luguber.info/inful/jobserv/internal/pipeline"
	"git.home.luguber.info/inful/jobserv/internal/store"
)

type workerJSON struct {
	Name           string   `json:"name"`
	URL            string   `json:"url"`
	Distro         string   `json:"distro"`
	MemTotal       int64    `json:"mem_total"`
	CPUTotal       int      `json:"cpu_total"`
	CPUType        string   `json:"cpu_type"`
	Enlisted       bool     `json:"enlisted"`
	ConcurrentRuns int      `json:"concurrent_runs"`
	HostTags       []string `json:"host_tags"`
	Online         bool     `json:"online"`
	SurgesOnly     bool     `json:"surges_only"`

	// RunDefs is present only on an authenticated poll that was handed work.
	RunDefs []json.RawMessage `json:"run-defs,omitempty"`
}

func (s *Server) workerJSON(w *store.Worker) workerJSON {
	return workerJSON{
		Name:           w.Name,
		URL:            s.URLs.Public + "/workers/" + w.Name + "/",
		Distro:         w.Distro,
		MemTotal:       w.MemTotal,
		CPUTotal:       w.CPUTotal,
		CPUType:        w.CPUType,
		Enlisted:       w.Enlisted,
		ConcurrentRuns: w.ConcurrentRuns,
		HostTags:       w.Tags(),
		Online:         w.Online,
		SurgesOnly:     w.SurgesOnly,
	}
}

func (s *Server) workerList(w http.ResponseWriter, r *http.Request) {
	workers, err := s.Store.ListWorkers(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]workerJSON, 0, len(workers))
	for _, wk := range workers {
		out = append(out, s.workerJSON(wk))
	}
	jsendify(w, map[string]any{"workers": out}, http.StatusOK)
}

func (s *Server) workerCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		APIKey         string `json:"api_key"`
		Distro         string `json:"distro"`
		MemTotal       int64  `json:"mem_total"`
		CPUTotal       int    `json:"cpu_total"`
		CPUType        string `json:"cpu_type"`
		ConcurrentRuns int    `json:"concurrent_runs"`
		HostTags       any    `json:"host_tags"`
		SurgesOnly     bool   `json:"surges_only"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.fail(w, jerrors.ValidationFailed("request body must be JSON"))
		return
	}

	var missing []string
	if body.APIKey == "" {
		missing = append(missing, "api_key")
	}
	if body.Distro == "" {
		missing = append(missing, "distro")
	}
	if body.MemTotal == 0 {
		missing = append(missing, "mem_total")
	}
	if body.CPUTotal == 0 {
		missing = append(missing, "cpu_total")
	}
	if body.CPUType == "" {
		missing = append(missing, "cpu_type")
	}
	if body.ConcurrentRuns == 0 {
		missing = append(missing, "concurrent_runs")
	}
	if body.HostTags == nil {
		missing = append(missing, "host_tags")
	}
	if len(missing) > 0 {
		s.fail(w, jerrors.ValidationFailed("missing required field(s): "+strings.Join(missing, ", ")))
		return
	}

	worker := &store.Worker{
		Name:           r.PathValue("name"),
		Distro:         body.Distro,
		MemTotal:       body.MemTotal,
		CPUTotal:       body.CPUTotal,
		CPUType:        body.CPUType,
		ConcurrentRuns: body.ConcurrentRuns,
		HostTags:       hostTagsString(body.HostTags),
		SurgesOnly:     body.SurgesOnly,
	}
	if err := s.Store.CreateWorker(r.Context(), worker, body.APIKey); err != nil {
		s.fail(w, err)
		return
	}
	jsendify(w, nil, http.StatusCreated)
}

// hostTagsString accepts either a comma string or a JSON list of tags.
func hostTagsString(v any) string {
	switch tags := v.(type) {
	case string:
		return tags
	case []any:
		parts := make([]string, 0, len(tags))
		for _, t := range tags {
			if s, ok := t.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ",")
	default:
		return ""
	}
}

func (s *Server) authenticatedWorker(r *http.Request) (*store.Worker, error) {
	w, err := s.Store.GetWorker(r.Context(), r.PathValue("name"))
	if err != nil {
		return nil, err
	}
	if w.Deleted {
		return nil, jerrors.NotFound("workers/" + w.Name)
	}
	key := bearerToken(r)
	if key == "" {
		return nil, jerrors.AuthRequired("no Authorization header provided")
	}
	if !store.CheckWorkerKey(w, key) {
		return nil, jerrors.AuthRequired("incorrect API key for host")
	}
	return w, nil
}

func (s *Server) workerUpdate(w http.ResponseWriter, r *http.Request) {
	worker, err := s.authenticatedWorker(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	var body struct {
		Distro         *string `json:"distro"`
		MemTotal       *int64  `json:"mem_total"`
		CPUTotal       *int    `json:"cpu_total"`
		CPUType        *string `json:"cpu_type"`
		ConcurrentRuns *int    `json:"concurrent_runs"`
		HostTags       any     `json:"host_tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.fail(w, jerrors.ValidationFailed("request body must be JSON"))
		return
	}
	if body.Distro != nil {
		worker.Distro = *body.Distro
	}
	if body.MemTotal != nil {
		worker.MemTotal = *body.MemTotal
	}
	if body.CPUTotal != nil {
		worker.CPUTotal = *body.CPUTotal
	}
	if body.CPUType != nil {
		worker.CPUType = *body.CPUType
	}
	if body.ConcurrentRuns != nil {
		worker.ConcurrentRuns = *body.ConcurrentRuns
	}
	if body.HostTags != nil {
		worker.HostTags = hostTagsString(body.HostTags)
	}
	if err := s.Store.UpdateWorker(r.Context(), worker); err != nil {
		s.fail(w, err)
		return
	}
	jsendify(w, nil, http.StatusOK)
}

func (s *Server) workerDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.DeleteWorker(r.Context(), r.PathValue("name")); err != nil {
		s.fail(w, err)
		return
	}
	jsendify(w, nil, http.StatusOK)
}

// workerPoll is the worker's periodic check-in. Unauthenticated callers get
// the public worker record. Authenticated, enlisted workers record a ping
// and, when they advertise free runners, may be handed one run definition
// with its URLs rewritten to the public host.
func (s *Server) workerPoll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	worker, err := s.Store.GetWorker(ctx, r.PathValue("name"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if worker.Deleted {
		s.fail(w, jerrors.NotFound("workers/"+worker.Name))
		return
	}
	data := s.workerJSON(worker)

	key := bearerToken(r)
	if key != "" && store.CheckWorkerKey(worker, key) {
		if worker.Enlisted {
			if !worker.Online {
				worker.Online = true
				if err := s.Store.SetWorkerOnline(ctx, worker.Name, true); err != nil {
					s.fail(w, err)
					return
				}
			}
			values := map[string]string{}
			for k, v := range r.URL.Query() {
				if len(v) > 0 {
					values[k] = v[0]
				}
			}
			if err := s.WorkerDir.Ping(worker.Name, time.Now(), values); err != nil {
				s.Logger.Warn("unable to record worker ping",
					logfields.Worker(worker.Name), logfields.Err(err))
			}
		}

		runners, _ := strconv.Atoi(r.URL.Query().Get("available_runners"))
		if runners > 0 {
			run, err := s.Dispatcher.PopQueued(ctx, worker)
			if err != nil {
				s.fail(w, err)
				return
			}
			if run != nil {
				rundef, err := s.deliverRun(r, worker, run)
				if err != nil {
					// hand the run back rather than lose it
					if rqErr := s.Store.RequeueRun(ctx, run.ID); rqErr != nil {
						s.Logger.Error("requeue after delivery failure",
							logfields.Run(run.Name), logfields.Err(rqErr))
					}
					s.Recorder.RecordDispatch("delivery_failed")
					s.fail(w, err)
					return
				}
				s.Recorder.RecordDispatch("dispatched")
				data.RunDefs = []json.RawMessage{rundef}
			} else {
				s.Recorder.RecordDispatch("empty")
			}
		}
	}

	jsendify(w, map[string]any{"worker": data}, http.StatusOK)
}

// deliverRun marks the console, loads the stored run definition, rewrites
// its URLs for the requesting host, and refreshes the build status.
func (s *Server) deliverRun(r *http.Request, worker *store.Worker, run *store.Run) (json.RawMessage, error) {
	ctx := r.Context()
	b, err := s.Store.GetBuildByRef(ctx, run.BuildRef)
	if err != nil {
		return nil, err
	}
	rref := artifacts.RunRef{Project: b.ProjectName, BuildID: b.BuildID, Run: run.Name}

	f, err := s.Artifacts.ConsoleOpen(rref, "a")
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(f, "# Run sent to worker: %s\n", worker.Name)
	_ = f.Close()

	doc, err := s.Artifacts.GetString(ctx, rref.Path(artifacts.RunDefName))
	if err != nil {
		return nil, err
	}
	fixed, err := fixRunURLs(doc, r)
	if err != nil {
		return nil, err
	}

	if err := s.Aggregator.RefreshBuild(ctx, b.ID); err != nil {
		return nil, err
	}
	return fixed, nil
}

// fixRunURLs points the rundef's server URLs at the host the worker actually
// reached, so split-horizon deployments keep working.
func fixRunURLs(doc []byte, r *http.Request) (json.RawMessage, error) {
	var rd pipeline.RunDefinition
	if err := json.Unmarshal(doc, &rd); err != nil {
		return nil, fmt.Errorf("decode run definition: %w", err)
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	public := scheme + "://" + r.Host

	rd.RunURL = public + urlPath(rd.RunURL)
	if tu := rd.Env["H_TRIGGER_URL"]; tu != "" {
		rd.Env["H_TRIGGER_URL"] = public + urlPath(tu)
	}
	return json.Marshal(&rd)
}

func urlPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Path
}
