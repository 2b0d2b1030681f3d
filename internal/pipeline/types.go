// Package pipeline models project definitions: parsing, validation, loop
// expansion, and per-run definition synthesis.
package pipeline

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// TriggerType is the closed set of trigger runner types.
type TriggerType string

const (
	TriggerGitPoller TriggerType = "git_poller"
	TriggerGitHubPR  TriggerType = "github_pr"
	TriggerGitLabMR  TriggerType = "gitlab_mr"
	TriggerSimple    TriggerType = "simple"
	TriggerLAVA      TriggerType = "lava"
	TriggerLAVAPR    TriggerType = "lava_pr"
	TriggerLAVAMR    TriggerType = "lava_mr"
)

var triggerTypes = map[TriggerType]bool{
	TriggerGitPoller: true,
	TriggerGitHubPR:  true,
	TriggerGitLabMR:  true,
	TriggerSimple:    true,
	TriggerLAVA:      true,
	TriggerLAVAPR:    true,
	TriggerLAVAMR:    true,
}

// ValidTriggerType reports whether t names a known runner.
func ValidTriggerType(t TriggerType) bool { return triggerTypes[t] }

// Upgrade rewrites a child run's trigger type so status reporting continues
// through to the SCM change that started the chain.
func Upgrade(child, parent TriggerType) TriggerType {
	switch parent {
	case TriggerGitHubPR:
		switch child {
		case TriggerSimple:
			return TriggerGitHubPR
		case TriggerLAVA:
			return TriggerLAVAPR
		}
	case TriggerGitLabMR:
		switch child {
		case TriggerSimple:
			return TriggerGitLabMR
		case TriggerLAVA:
			return TriggerLAVAMR
		}
	case TriggerGitPoller:
		if child == TriggerSimple {
			return TriggerGitPoller
		}
	}
	return child
}

// ScriptRepo points a run at a script checked out from git rather than an
// inline script body.
type ScriptRepo struct {
	CloneURL string `yaml:"clone-url" json:"clone-url"`
	GitRef   string `yaml:"git-ref,omitempty" json:"git-ref,omitempty"`
	Token    string `yaml:"token,omitempty" json:"token,omitempty"`
	Path     string `yaml:"path,omitempty" json:"path,omitempty"`
}

// TestGrepping configures console-log scraping into Tests/TestResults.
type TestGrepping struct {
	TestPattern   string            `yaml:"test-pattern,omitempty" json:"test-pattern,omitempty"`
	ResultPattern string            `yaml:"result-pattern" json:"result-pattern"`
	FixupDict     map[string]string `yaml:"fixupdict,omitempty" json:"fixupdict,omitempty"`
}

// LoopOn declares one axis of a run's expansion matrix.
type LoopOn struct {
	Param  string   `yaml:"param"`
	Values []string `yaml:"values"`
}

// ChildTrigger fires when its parent run (or build) completes successfully.
type ChildTrigger struct {
	Name     string `yaml:"name" json:"name"`
	RunNames string `yaml:"run-names,omitempty" json:"run-names,omitempty"`
}

// Run is one container execution declared in a trigger.
type Run struct {
	Name                string            `yaml:"name"`
	Container           string            `yaml:"container"`
	HostTag             string            `yaml:"host-tag,omitempty"`
	Script              string            `yaml:"script,omitempty"`
	ScriptRepo          *RunScriptRepo    `yaml:"script-repo,omitempty"`
	Params              map[string]string `yaml:"params,omitempty"`
	LoopOn              []LoopOn          `yaml:"loop-on,omitempty"`
	Triggers            []ChildTrigger    `yaml:"triggers,omitempty"`
	ContainerAuth       string            `yaml:"container-auth,omitempty"`
	ContainerUser       string            `yaml:"container-user,omitempty"`
	ContainerEntrypoint string            `yaml:"container-entrypoint,omitempty"`
	Privileged          bool              `yaml:"privileged,omitempty"`
	PersistentVolumes   map[string]string `yaml:"persistent-volumes,omitempty"`
	TestGrepping        *TestGrepping     `yaml:"test-grepping,omitempty"`
}

// RunScriptRepo references a declared script-repo plus the path within it.
type RunScriptRepo struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// EmailPolicy controls build-complete mail for a trigger.
type EmailPolicy struct {
	Users        string `yaml:"users"`
	OnlyFailures bool   `yaml:"only_failures,omitempty"`
}

// WebhookPolicy posts build-complete JSON with an HMAC signature.
type WebhookPolicy struct {
	URL          string `yaml:"url"`
	SecretName   string `yaml:"secret-name"`
	OnlyFailures bool   `yaml:"only_failures,omitempty"`
}

// Trigger is a named group of runs plus optional build-level fan-out.
type Trigger struct {
	Name     string            `yaml:"name"`
	Type     TriggerType       `yaml:"type"`
	Runs     []*Run            `yaml:"runs"`
	Params   map[string]string `yaml:"params,omitempty"`
	Email    *EmailPolicy      `yaml:"email,omitempty"`
	Webhooks []WebhookPolicy   `yaml:"webhooks,omitempty"`
	Triggers []ChildTrigger    `yaml:"triggers,omitempty"`

	// RunNames carries the parent's run-names format during fan-out; it is
	// not part of the YAML document.
	RunNames string `yaml:"-"`
}

// Definition is a parsed project definition.
type Definition struct {
	Timeout     int                   `yaml:"timeout"`
	Scripts     map[string]string     `yaml:"scripts,omitempty"`
	ScriptRepos map[string]ScriptRepo `yaml:"script-repos,omitempty"`
	Params      map[string]string     `yaml:"params,omitempty"`
	Email       string                `yaml:"email,omitempty"`
	Triggers    []*Trigger            `yaml:"triggers"`
}

// Parse unmarshals and validates a project definition document, expanding
// loop matrices in place.
func Parse(doc []byte) (*Definition, error) {
	var d Definition
	if err := yaml.Unmarshal(doc, &d); err != nil {
		return nil, fmt.Errorf("parse project definition: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Trigger returns the named trigger, or nil.
func (d *Definition) Trigger(name string) *Trigger {
	for _, t := range d.Triggers {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// Marshal renders the definition back to YAML for artifact storage.
func (d *Definition) Marshal() ([]byte, error) {
	return yaml.Marshal(d)
}
