package server

import (
	"encoding/json"
	"net/http"
	"time"

	"git.home.luguber.info/inful/jobserv/internal/artifacts"
	jerrors "git.home.luguber.info/inful/jobserv/internal/errors"
	"git.home.luguber.info/inful/jobserv/internal/pipeline"
	"git.home.luguber.info/inful/jobserv/internal/store"
)

type statusEventJSON struct {
	Time   time.Time `json:"time"`
	Status string    `json:"status"`
}

type buildJSON struct {
	BuildID      int               `json:"build_id"`
	URL          string            `json:"url"`
	Status       string            `json:"status"`
	Runs         []runJSON         `json:"runs"`
	Name         string            `json:"name,omitempty"`
	Created      *time.Time        `json:"created,omitempty"`
	Completed    *time.Time        `json:"completed,omitempty"`
	StatusEvents []statusEventJSON `json:"status_events,omitempty"`
	RunsURL      string            `json:"runs_url,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	Annotation   string            `json:"annotation,omitempty"`
}

func (s *Server) buildJSON(r *http.Request, b *store.Build, detailed bool) (buildJSON, error) {
	ctx := r.Context()
	out := buildJSON{
		BuildID: b.BuildID,
		URL:     s.URLs.BuildAPI(b.ProjectName, b.BuildID),
		Status:  b.Status.String(),
		Name:    b.Name,
		Runs:    []runJSON{},
	}
	runs, err := s.Store.RunsForBuild(ctx, b.ID)
	if err != nil {
		return out, err
	}
	for _, run := range runs {
		out.Runs = append(out.Runs, s.runJSON(b, run, false))
	}
	events, err := s.Store.BuildEvents(ctx, b.ID)
	if err != nil {
		return out, err
	}
	if len(events) > 0 {
		out.Created = &events[0].Time
		if b.Complete() {
			out.Completed = &events[len(events)-1].Time
		}
	}
	if detailed {
		for _, e := range events {
			out.StatusEvents = append(out.StatusEvents, statusEventJSON{Time: e.Time, Status: e.Status.String()})
		}
		out.RunsURL = out.URL + "runs/"
		out.Reason = b.Reason
		out.Annotation = b.Annotation
	}
	return out, nil
}

func (s *Server) buildList(w http.ResponseWriter, r *http.Request) {
	limit, page := pageParams(r)
	builds, total, err := s.Store.ListBuilds(r.Context(), r.PathValue("proj"), limit, page)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]buildJSON, 0, len(builds))
	for _, b := range builds {
		bj, err := s.buildJSON(r, b, false)
		if err != nil {
			s.fail(w, err)
			return
		}
		out = append(out, bj)
	}
	paginate(w, r, "builds", out, total, limit, page, s.URLs.Public)
}

// buildCreate is the authenticated build-creation entry point. The request
// carries the project definition plus optional params/secrets; secrets may
// be inherited from a stored trigger by id or type.
func (s *Server) buildCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := s.Store.GetProject(ctx, r.PathValue("proj"))
	if err != nil {
		s.fail(w, err)
		return
	}

	var body struct {
		Reason            string            `json:"reason"`
		TriggerName       string            `json:"trigger-name"`
		Params            map[string]string `json:"params"`
		Secrets           map[string]string `json:"secrets"`
		ProjectDefinition json.RawMessage   `json:"project-definition"`
		TriggerType       string            `json:"trigger-type"`
		TriggerID         *int64            `json:"trigger-id"`
		QueuePriority     int               `json:"queue-priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.fail(w, jerrors.ValidationFailed("request body must be JSON"))
		return
	}
	if body.TriggerName == "" {
		s.fail(w, jerrors.ValidationFailed("trigger-name is required"))
		return
	}
	if len(body.ProjectDefinition) == 0 {
		s.fail(w, jerrors.ValidationFailed("project-definition is required"))
		return
	}

	// YAML is a JSON superset, so the embedded JSON document parses directly
	def, err := pipeline.Parse(body.ProjectDefinition)
	if err != nil {
		s.fail(w, err)
		return
	}

	secretMap := map[string]string{}
	if inherited, err := s.inheritedSecrets(r, p.Name, body.TriggerID, body.TriggerType); err != nil {
		s.fail(w, err)
		return
	} else {
		for k, v := range inherited {
			secretMap[k] = v
		}
	}
	for k, v := range body.Secrets {
		secretMap[k] = v
	}

	b, err := s.Engine.TriggerBuild(ctx, p, body.Reason, body.TriggerName,
		body.Params, secretMap, def, body.QueuePriority)
	if err != nil {
		s.fail(w, err)
		return
	}
	jsendify(w, map[string]any{"url": s.URLs.BuildAPI(p.Name, b.BuildID)}, http.StatusCreated)
}

// inheritedSecrets resolves a stored trigger's secret map for build creation.
func (s *Server) inheritedSecrets(r *http.Request, project string, triggerID *int64, triggerType string) (map[string]string, error) {
	if s.Vault == nil || (triggerID == nil && triggerType == "") {
		return nil, nil
	}
	var t *store.Trigger
	var err error
	if triggerID != nil {
		if t, err = s.Store.GetTrigger(r.Context(), *triggerID); err != nil {
			return nil, err
		}
		if t.ProjectName != project {
			return nil, jerrors.ValidationFailed("trigger-id belongs to another project")
		}
	} else {
		list, err := s.Store.ListTriggers(r.Context(), project, pipeline.TriggerType(triggerType))
		if err != nil {
			return nil, err
		}
		if len(list) == 0 {
			return nil, nil
		}
		t = list[0]
	}
	if len(t.Secrets) == 0 {
		return nil, nil
	}
	return s.Vault.Decrypt(t.Secrets)
}

func (s *Server) buildLatest(w http.ResponseWriter, r *http.Request) {
	b, err := s.Store.LatestPassedBuild(r.Context(), r.PathValue("proj"))
	if err != nil {
		s.fail(w, err)
		return
	}
	bj, err := s.buildJSON(r, b, true)
	if err != nil {
		s.fail(w, err)
		return
	}
	jsendify(w, map[string]any{"build": bj}, http.StatusOK)
}

func (s *Server) getBuild(r *http.Request) (*store.Build, error) {
	buildID, err := pathInt(r, "build")
	if err != nil {
		return nil, err
	}
	return s.Store.GetBuild(r.Context(), r.PathValue("proj"), buildID)
}

func (s *Server) buildGet(w http.ResponseWriter, r *http.Request) {
	b, err := s.getBuild(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	bj, err := s.buildJSON(r, b, true)
	if err != nil {
		s.fail(w, err)
		return
	}
	jsendify(w, map[string]any{"build": bj}, http.StatusOK)
}

func (s *Server) buildDefinition(w http.ResponseWriter, r *http.Request) {
	b, err := s.getBuild(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	bref := artifacts.BuildRef{Project: b.ProjectName, BuildID: b.BuildID}
	doc, err := s.Artifacts.GetString(r.Context(), bref.DefinitionPath())
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/yaml")
	_, _ = w.Write(doc)
}

func (s *Server) buildPromote(w http.ResponseWriter, r *http.Request) {
	b, err := s.getBuild(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	var body struct {
		Name       string `json:"name"`
		Annotation string `json:"annotation"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.fail(w, jerrors.ValidationFailed("request body must be JSON"))
		return
	}
	if err := s.Store.PromoteBuild(r.Context(), b, body.Name, body.Annotation); err != nil {
		s.fail(w, err)
		return
	}
	jsendify(w, nil, http.StatusOK)
}
