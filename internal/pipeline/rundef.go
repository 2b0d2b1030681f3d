package pipeline

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	jerrors "git.home.luguber.info/inful/jobserv/internal/errors"
)

// RunDefinition is the JSON envelope handed to a worker to execute a Run.
type RunDefinition struct {
	Project     string `json:"project"`
	Build       int    `json:"build"`
	Run         string `json:"run"`
	Timeout     int    `json:"timeout"`
	APIKey      string `json:"api_key,omitempty"`
	RunURL      string `json:"run_url"`
	FrontendURL string `json:"frontend_url"`
	TriggerType string `json:"trigger_type"`

	Container           string `json:"container"`
	ContainerAuth       string `json:"container-auth,omitempty"`
	ContainerUser       string `json:"container-user,omitempty"`
	ContainerEntrypoint string `json:"container-entrypoint,omitempty"`
	Privileged          bool   `json:"privileged"`

	Env     map[string]string `json:"env"`
	Secrets map[string]string `json:"secrets,omitempty"`

	TestGrepping      *TestGrepping     `json:"test-grepping,omitempty"`
	PersistentVolumes map[string]string `json:"persistent-volumes,omitempty"`
	HostTag           string            `json:"host-tag"`

	Script     string      `json:"script,omitempty"`
	ScriptRepo *ScriptRepo `json:"script-repo,omitempty"`
}

// SynthesisInput carries the identifiers and event context needed to turn a
// declared run into a concrete RunDefinition.
type SynthesisInput struct {
	Project     string
	BuildID     int
	RunName     string
	APIKey      string
	RunURL      string
	FrontendURL string
	TriggerType TriggerType
	EventParams map[string]string
	Secrets     map[string]string
}

// Synthesize produces the run definition for run inside trigger. The
// environment merges with strict precedence: project params < trigger params
// < run params < event params; H_PROJECT, H_BUILD and H_RUN are always
// injected last. A script-repo token or container-auth that names a secret
// missing from the run's secrets is a client-visible validation error.
func (d *Definition) Synthesize(in SynthesisInput, trigger *Trigger, run *Run) (*RunDefinition, error) {
	rd := &RunDefinition{
		Project:             in.Project,
		Build:               in.BuildID,
		Run:                 in.RunName,
		Timeout:             d.Timeout,
		APIKey:              in.APIKey,
		RunURL:              in.RunURL,
		FrontendURL:         in.FrontendURL,
		TriggerType:         string(in.TriggerType),
		Container:           run.Container,
		ContainerAuth:       run.ContainerAuth,
		ContainerUser:       run.ContainerUser,
		ContainerEntrypoint: run.ContainerEntrypoint,
		Privileged:          run.Privileged,
		Env:                 map[string]string{},
		Secrets:             in.Secrets,
		TestGrepping:        run.TestGrepping,
		PersistentVolumes:   run.PersistentVolumes,
		HostTag:             strings.ToLower(run.HostTag),
	}

	if run.Script != "" {
		rd.Script = d.Scripts[run.Script]
	} else if run.ScriptRepo != nil {
		repo, ok := d.ScriptRepos[run.ScriptRepo.Name]
		if !ok {
			return nil, jerrors.ValidationFailed("script repo does not exist: " + run.ScriptRepo.Name)
		}
		repo.Path = run.ScriptRepo.Path
		rd.ScriptRepo = &repo
		for _, token := range splitTokens(repo.Token) {
			if _, ok := in.Secrets[token]; !ok {
				return nil, jerrors.ValidationFailed(fmt.Sprintf(
					"the script-repo requires a token(%s) not defined in the run's secrets; secret keys sent to build: %v",
					token, secretKeys(in.Secrets)))
			}
		}
	}

	if rd.ContainerAuth != "" {
		if _, ok := in.Secrets[rd.ContainerAuth]; !ok {
			return nil, jerrors.ValidationFailed(fmt.Sprintf(
				`"container-auth" requires a secret(%s) not defined in the run's secrets; secret keys sent to build: %v`,
				rd.ContainerAuth, secretKeys(in.Secrets)))
		}
	}

	// project < trigger < run < event
	for k, v := range d.Params {
		rd.Env[k] = v
	}
	for k, v := range trigger.Params {
		rd.Env[k] = v
	}
	for k, v := range run.Params {
		rd.Env[k] = v
	}
	for k, v := range in.EventParams {
		rd.Env[k] = v
	}
	rd.Env["H_PROJECT"] = in.Project
	rd.Env["H_BUILD"] = fmt.Sprintf("%d", in.BuildID)
	rd.Env["H_RUN"] = in.RunName

	return rd, nil
}

// Marshal renders the definition as the stored .rundef.json document.
func (rd *RunDefinition) Marshal() ([]byte, error) {
	return json.MarshalIndent(rd, "", "  ")
}

// Redacted returns a copy safe for unauthenticated readers: the api_key is
// stripped and every secret value replaced with "TODO".
func (rd *RunDefinition) Redacted() *RunDefinition {
	c := *rd
	c.APIKey = ""
	if rd.Secrets != nil {
		c.Secrets = make(map[string]string, len(rd.Secrets))
		for k := range rd.Secrets {
			c.Secrets[k] = "TODO"
		}
	}
	return &c
}

// splitTokens handles both a bare secret name and a "user:secret" pair.
func splitTokens(token string) []string {
	if token == "" {
		return nil
	}
	return strings.Split(token, ":")
}

func secretKeys(secrets map[string]string) []string {
	keys := make([]string, 0, len(secrets))
	for k := range secrets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
