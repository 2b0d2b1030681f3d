package server

import (
	"encoding/json"
	"net/http"

	jerrors "git.home.luguber.info/inful/jobserv/internal/errors"
	"git.home.luguber.info/inful/jobserv/internal/pipeline"
	"git.home.luguber.info/inful/jobserv/internal/secrets"
	"git.home.luguber.info/inful/jobserv/internal/store"
)

type triggerJSON struct {
	ID             int64    `json:"id"`
	Project        string   `json:"project"`
	Type           string   `json:"type"`
	User           string   `json:"user"`
	DefinitionRepo string   `json:"definition_repo,omitempty"`
	DefinitionFile string   `json:"definition_file,omitempty"`
	QueuePriority  int      `json:"queue_priority"`
	SecretNames    []string `json:"secret_names,omitempty"`
}

// triggerList returns a project's triggers. Secret values never leave the
// server; only their names are listed.
func (s *Server) triggerList(w http.ResponseWriter, r *http.Request) {
	triggers, err := s.Store.ListTriggers(r.Context(), r.PathValue("proj"), "")
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]triggerJSON, 0, len(triggers))
	for _, t := range triggers {
		tj := triggerJSON{
			ID:             t.ID,
			Project:        t.ProjectName,
			Type:           string(t.Type),
			User:           t.User,
			DefinitionRepo: t.DefinitionRepo,
			DefinitionFile: t.DefinitionFile,
			QueuePriority:  t.QueuePriority,
		}
		if len(t.Secrets) > 0 && s.Vault != nil {
			if m, err := s.Vault.Decrypt(t.Secrets); err == nil {
				for k := range m {
					tj.SecretNames = append(tj.SecretNames, k)
				}
			}
		}
		out = append(out, tj)
	}
	jsendify(w, map[string]any{"triggers": out}, http.StatusOK)
}

func (s *Server) triggerCreate(w http.ResponseWriter, r *http.Request) {
	p, err := s.Store.GetProject(r.Context(), r.PathValue("proj"))
	if err != nil {
		s.fail(w, err)
		return
	}

	var body struct {
		Type           string         `json:"type"`
		User           string         `json:"user"`
		DefinitionRepo string         `json:"definition-repo"`
		DefinitionFile string         `json:"definition-file"`
		Secrets        map[string]any `json:"secrets"`
		QueuePriority  int            `json:"queue-priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.fail(w, jerrors.ValidationFailed("request body must be JSON"))
		return
	}
	if body.User == "" {
		s.fail(w, jerrors.ValidationFailed("a user is required"))
		return
	}

	var sealed []byte
	if len(body.Secrets) > 0 {
		if s.Vault == nil {
			s.fail(w, jerrors.ValidationFailed("this deployment has no secrets key configured"))
			return
		}
		m, err := secrets.Validate(body.Secrets)
		if err != nil {
			s.fail(w, jerrors.ValidationFailed(err.Error()))
			return
		}
		if sealed, err = s.Vault.Encrypt(m); err != nil {
			s.fail(w, err)
			return
		}
	}

	t := &store.Trigger{
		ProjectID:      p.ID,
		ProjectName:    p.Name,
		Type:           pipeline.TriggerType(body.Type),
		User:           body.User,
		DefinitionRepo: body.DefinitionRepo,
		DefinitionFile: body.DefinitionFile,
		Secrets:        sealed,
		QueuePriority:  body.QueuePriority,
	}
	if err := s.Store.CreateTrigger(r.Context(), t); err != nil {
		s.fail(w, err)
		return
	}
	jsendify(w, map[string]any{"id": t.ID}, http.StatusCreated)
}
