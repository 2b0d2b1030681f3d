package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"git.home.luguber.info/inful/jobserv/internal/artifacts"
	jerrors "git.home.luguber.info/inful/jobserv/internal/errors"
	"git.home.luguber.info/inful/jobserv/internal/pipeline"
	"git.home.luguber.info/inful/jobserv/internal/status"
	"git.home.luguber.info/inful/jobserv/internal/store"
	"git.home.luguber.info/inful/jobserv/internal/testgrep"
)

type runJSON struct {
	Name         string            `json:"name"`
	URL          string            `json:"url"`
	Status       string            `json:"status"`
	LogURL       string            `json:"log_url"`
	HostTag      string            `json:"host_tag,omitempty"`
	Created      *time.Time        `json:"created,omitempty"`
	Completed    *time.Time        `json:"completed,omitempty"`
	StatusEvents []statusEventJSON `json:"status_events,omitempty"`
	TestsURL     string            `json:"tests,omitempty"`
	Worker       string            `json:"worker,omitempty"`
	Artifacts    []string          `json:"artifacts,omitempty"`
}

func (s *Server) runJSON(b *store.Build, r *store.Run, detailed bool) runJSON {
	out := runJSON{
		Name:    r.Name,
		URL:     s.URLs.RunAPI(b.ProjectName, b.BuildID, r.Name),
		Status:  r.Status.String(),
		LogURL:  s.URLs.RunArtifact(b.ProjectName, b.BuildID, r.Name, "console.log"),
		HostTag: r.HostTag,
	}
	if detailed {
		out.TestsURL = out.URL + "tests/"
		out.Worker = r.WorkerName
	}
	return out
}

func (s *Server) getRun(r *http.Request) (*store.Build, *store.Run, error) {
	b, err := s.getBuild(r)
	if err != nil {
		return nil, nil, err
	}
	run, err := s.Store.GetRun(r.Context(), b.ProjectName, b.BuildID, r.PathValue("run"))
	if err != nil {
		return nil, nil, err
	}
	return b, run, nil
}

func (s *Server) runList(w http.ResponseWriter, r *http.Request) {
	b, err := s.getBuild(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	runs, err := s.Store.RunsForBuild(r.Context(), b.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]runJSON, 0, len(runs))
	for _, run := range runs {
		out = append(out, s.runJSON(b, run, false))
	}
	jsendify(w, map[string]any{"runs": out}, http.StatusOK)
}

func (s *Server) runGet(w http.ResponseWriter, r *http.Request) {
	b, run, err := s.getRun(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := s.runJSON(b, run, true)

	events, err := s.Store.RunEvents(r.Context(), run.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if len(events) > 0 {
		out.Created = &events[0].Time
		if run.Complete() {
			out.Completed = &events[len(events)-1].Time
		}
	}
	for _, e := range events {
		out.StatusEvents = append(out.StatusEvents, statusEventJSON{Time: e.Time, Status: e.Status.String()})
	}

	rref := artifacts.RunRef{Project: b.ProjectName, BuildID: b.BuildID, Run: run.Name}
	listing, err := s.Artifacts.List(r.Context(), rref)
	if err != nil {
		s.fail(w, err)
		return
	}
	for _, rel := range listing {
		out.Artifacts = append(out.Artifacts, s.URLs.RunArtifact(b.ProjectName, b.BuildID, run.Name, rel))
	}
	jsendify(w, map[string]any{"run": out}, http.StatusOK)
}

// authenticateRunner validates the per-run api key from either the apikey
// query arg or the Authorization header. Completed runs reject further
// writes.
func authenticateRunner(r *http.Request, run *store.Run) error {
	if key := r.URL.Query().Get("apikey"); key != "" && store.CheckRunKey(run, key) {
		return nil
	}
	key := bearerToken(r)
	if key == "" {
		if r.Header.Get("Authorization") == "" {
			return jerrors.AuthRequired("no Authorization header provided")
		}
		return jerrors.AuthRequired("invalid Authorization header")
	}
	if !store.CheckRunKey(run, key) {
		return jerrors.AuthRequired("incorrect API key")
	}
	if run.Complete() {
		return jerrors.AuthRequired("run has already completed")
	}
	return nil
}

// runUpdate is the run-update ingress (§4.6): append console output, store
// metadata, and apply status transitions with test-grepping on the way to a
// terminal state.
func (s *Server) runUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	b, run, err := s.getRun(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := authenticateRunner(r, run); err != nil {
		s.fail(w, err)
		return
	}
	rref := artifacts.RunRef{Project: b.ProjectName, BuildID: b.BuildID, Run: run.Name}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.fail(w, jerrors.ValidationFailed("unable to read request body"))
		return
	}
	if len(body) > 0 {
		f, err := s.Artifacts.ConsoleOpen(rref, "a")
		if err != nil {
			s.fail(w, err)
			return
		}
		_, werr := f.Write(body)
		_ = f.Close()
		if werr != nil {
			s.fail(w, jerrors.StorageUnavailable(werr))
			return
		}
		s.Recorder.RecordIngress(len(body))
	}

	if meta := r.Header.Get("X-RUN-METADATA"); meta != "" {
		if err := s.Store.SetRunMeta(ctx, run.ID, meta); err != nil {
			s.fail(w, err)
			return
		}
	}

	if name := r.Header.Get("X-RUN-STATUS"); name != "" {
		newStatus, err := status.Parse(name)
		if err != nil {
			s.fail(w, jerrors.ValidationFailed(err.Error()))
			return
		}
		if newStatus != run.Status {
			if newStatus == status.Passed || newStatus == status.Failed {
				newStatus, err = s.finalizeRun(r, rref, run, newStatus)
				if err != nil {
					s.fail(w, err)
					return
				}
			}
			url := s.URLs.Public + r.URL.Path
			if err := s.Aggregator.SetRunStatus(ctx, run.ID, newStatus, url); err != nil {
				s.fail(w, err)
				return
			}
		}
	}
	jsendify(w, nil, http.StatusOK)
}

// finalizeRun applies test-grepping to the completed console, persists the
// scraped tests, copies the log to the artifact store, and decides the final
// status: failed results force FAILED; incomplete tests coerce to RUNNING.
func (s *Server) finalizeRun(r *http.Request, rref artifacts.RunRef, run *store.Run, requested status.Status) (status.Status, error) {
	ctx := r.Context()

	rules, err := s.runGrepRules(r, rref)
	if err != nil {
		return 0, err
	}
	if rules != nil {
		console, err := s.Artifacts.ConsoleOpen(rref, "r")
		if err == nil {
			greps, failed, gerr := testgrep.Grep(console, rules)
			_ = console.Close()
			if gerr != nil {
				return 0, jerrors.ValidationFailed(gerr.Error())
			}
			for _, g := range greps {
				test, terr := s.Store.CreateTest(ctx, run.ID, g.Name, g.Context, g.Status)
				if terr != nil {
					return 0, terr
				}
				for _, res := range g.Results {
					if _, rerr := s.Store.CreateTestResult(ctx, test.ID, res.Name, "", res.Status, ""); rerr != nil {
						return 0, rerr
					}
				}
			}
			if failed {
				requested = status.Failed
			}
		} else if !jerrors.IsCategory(err, jerrors.CategoryNotFound) {
			return 0, err
		}
	}

	if err := s.Artifacts.ConsoleFinalize(ctx, rref); err != nil {
		return 0, err
	}

	// a run cannot settle while one of its tests is still open
	tests, err := s.Store.TestsForRun(ctx, run.ID)
	if err != nil {
		return 0, err
	}
	for _, t := range tests {
		done, err := s.Store.TestComplete(ctx, t.ID)
		if err != nil {
			return 0, err
		}
		if !done || !t.Status.Terminal() {
			return status.Running, nil
		}
	}
	return requested, nil
}

// runGrepRules loads the run's stored test-grepping rules.
func (s *Server) runGrepRules(r *http.Request, rref artifacts.RunRef) (*pipeline.TestGrepping, error) {
	doc, err := s.Artifacts.GetString(r.Context(), rref.Path(artifacts.RunDefName))
	if err != nil {
		if jerrors.IsCategory(err, jerrors.CategoryNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var rd pipeline.RunDefinition
	if err := json.Unmarshal(doc, &rd); err != nil {
		return nil, jerrors.Unexpected(err)
	}
	return rd.TestGrepping, nil
}

// runDefinition serves the stored .rundef.json. Unauthenticated readers get
// the redacted rendition: api_key stripped, secret values replaced.
func (s *Server) runDefinition(w http.ResponseWriter, r *http.Request) {
	b, run, err := s.getRun(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	rref := artifacts.RunRef{Project: b.ProjectName, BuildID: b.BuildID, Run: run.Name}
	doc, err := s.Artifacts.GetString(r.Context(), rref.Path(artifacts.RunDefName))
	if err != nil {
		s.fail(w, err)
		return
	}

	if authenticateRunner(r, run) != nil {
		var rd pipeline.RunDefinition
		if err := json.Unmarshal(doc, &rd); err != nil {
			s.fail(w, jerrors.Unexpected(err))
			return
		}
		if doc, err = rd.Redacted().Marshal(); err != nil {
			s.fail(w, jerrors.Unexpected(err))
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(doc)
}

// runCancel requests cooperative cancellation: CANCELLING until the worker
// observes it and reports FAILED.
func (s *Server) runCancel(w http.ResponseWriter, r *http.Request) {
	_, run, err := s.getRun(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	if run.Complete() {
		s.fail(w, jerrors.ValidationFailed("run has already completed"))
		return
	}
	if err := s.Aggregator.SetRunStatus(r.Context(), run.ID, status.Cancelling, ""); err != nil {
		s.fail(w, err)
		return
	}
	jsendify(w, nil, http.StatusOK)
}

// runRerun puts a terminal run back in the queue with its stored definition.
func (s *Server) runRerun(w http.ResponseWriter, r *http.Request) {
	_, run, err := s.getRun(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	if !run.Complete() {
		s.fail(w, jerrors.ValidationFailed("only completed runs can be rerun"))
		return
	}
	if err := s.Store.RequeueRun(r.Context(), run.ID); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.Aggregator.RefreshBuild(r.Context(), run.BuildRef); err != nil {
		s.fail(w, err)
		return
	}
	jsendify(w, nil, http.StatusOK)
}

// runCreateSigned returns signed upload URLs for the requested artifact
// paths.
func (s *Server) runCreateSigned(w http.ResponseWriter, r *http.Request) {
	b, run, err := s.getRun(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := authenticateRunner(r, run); err != nil {
		s.fail(w, err)
		return
	}

	var paths []string
	if err := json.NewDecoder(r.Body).Decode(&paths); err != nil {
		s.fail(w, jerrors.ValidationFailed("artifact paths must be posted as a JSON list"))
		return
	}
	expiration := 1800
	if v := r.Header.Get("X-URL-EXPIRATION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			expiration = n
		}
	}

	rref := artifacts.RunRef{Project: b.ProjectName, BuildID: b.BuildID, Run: run.Name}
	urls := map[string]artifacts.SignedURL{}
	for _, p := range paths {
		signed, err := s.Artifacts.PutURL(rref, p, time.Duration(expiration)*time.Second, artifacts.ContentTypeFor(p))
		if err != nil {
			s.fail(w, err)
			return
		}
		urls[p] = signed
	}
	jsendify(w, map[string]any{"urls": urls}, http.StatusOK)
}

// runArtifact serves one stored artifact. While the run is in progress only
// console.log is available, read from the live local file with X-OFFSET
// support; the response always carries X-RUN-STATUS.
func (s *Server) runArtifact(w http.ResponseWriter, r *http.Request) {
	b, run, err := s.getRun(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	path := r.PathValue("path")
	rref := artifacts.RunRef{Project: b.ProjectName, BuildID: b.BuildID, Run: run.Name}
	w.Header().Set("X-RUN-STATUS", run.Status.String())

	if run.Complete() {
		data, err := s.Artifacts.GetString(r.Context(), rref.Path(path))
		if err != nil {
			s.fail(w, err)
			return
		}
		ct := artifacts.ContentTypeFor(path)
		if ct == "" {
			ct = "application/octet-stream"
		}
		// .html is served inline so build reports render in the browser
		w.Header().Set("Content-Type", ct)
		_, _ = w.Write(data)
		return
	}

	if path != "console.log" {
		s.fail(w, jerrors.NotFound("run in progress, no artifacts available"))
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	if run.Status == status.Queued {
		return
	}

	f, err := s.Artifacts.ConsoleOpen(rref, "r")
	if err != nil {
		if jerrors.IsCategory(err, jerrors.CategoryNotFound) {
			return
		}
		s.fail(w, err)
		return
	}
	defer f.Close()

	if v := r.Header.Get("X-OFFSET"); v != "" {
		if offset, err := strconv.ParseInt(v, 10, 64); err == nil && offset > 0 {
			if seeker, ok := f.(io.Seeker); ok {
				_, _ = seeker.Seek(offset, io.SeekStart)
			}
		}
	}
	_, _ = io.Copy(w, f)
}

func (s *Server) testList(w http.ResponseWriter, r *http.Request) {
	_, run, err := s.getRun(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	tests, err := s.Store.TestsForRun(r.Context(), run.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]map[string]any, 0, len(tests))
	for _, t := range tests {
		out = append(out, map[string]any{
			"name":    t.Name,
			"status":  t.Status.String(),
			"context": t.Context,
			"created": t.Created,
		})
	}
	jsendify(w, map[string]any{"tests": out}, http.StatusOK)
}

func (s *Server) testGet(w http.ResponseWriter, r *http.Request) {
	_, run, err := s.getRun(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	test, err := s.Store.GetTest(r.Context(), run.ID, r.PathValue("test"))
	if err != nil {
		s.fail(w, err)
		return
	}
	results, err := s.Store.ResultsForTest(r.Context(), test.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	resJSON := make([]map[string]any, 0, len(results))
	for _, res := range results {
		resJSON = append(resJSON, map[string]any{
			"name":    res.Name,
			"context": res.Context,
			"status":  res.Status.String(),
			"output":  res.Output,
		})
	}
	jsendify(w, map[string]any{"test": map[string]any{
		"name":    test.Name,
		"status":  test.Status.String(),
		"context": test.Context,
		"created": test.Created,
		"results": resJSON,
	}}, http.StatusOK)
}
