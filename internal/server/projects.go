package server

import (
	"encoding/json"
	"net/http"

	jerrors "git.home.luguber.info/inful/jobserv/internal/errors"
	"git.home.luguber.info/inful/jobserv/internal/store"
)

type projectJSON struct {
	Name              string `json:"name"`
	URL               string `json:"url"`
	SynchronousBuilds bool   `json:"synchronous_builds"`
	BuildsURL         string `json:"builds_url,omitempty"`
}

func (s *Server) projectJSON(p *store.Project, detailed bool) projectJSON {
	out := projectJSON{
		Name:              p.Name,
		URL:               s.URLs.Public + "/projects/" + p.Name + "/",
		SynchronousBuilds: p.SynchronousBuilds,
	}
	if detailed {
		out.BuildsURL = out.URL + "builds/"
	}
	return out
}

func (s *Server) projectList(w http.ResponseWriter, r *http.Request) {
	projects, err := s.Store.ListProjects(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]projectJSON, 0, len(projects))
	for _, p := range projects {
		out = append(out, s.projectJSON(p, false))
	}
	jsendify(w, map[string]any{"projects": out}, http.StatusOK)
}

func (s *Server) projectCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name              string `json:"name"`
		SynchronousBuilds bool   `json:"synchronous-builds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		s.fail(w, jerrors.ValidationFailed("a project name is required"))
		return
	}
	if _, err := s.Store.CreateProject(r.Context(), body.Name, body.SynchronousBuilds); err != nil {
		s.fail(w, err)
		return
	}
	jsendify(w, nil, http.StatusCreated)
}

func (s *Server) projectGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.Store.GetProject(r.Context(), r.PathValue("proj"))
	if err != nil {
		s.fail(w, err)
		return
	}
	jsendify(w, map[string]any{"project": s.projectJSON(p, true)}, http.StatusOK)
}

func (s *Server) projectDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.DeleteProject(r.Context(), r.PathValue("proj")); err != nil {
		s.fail(w, err)
		return
	}
	jsendify(w, nil, http.StatusOK)
}
