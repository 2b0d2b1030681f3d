package pipeline

import (
	"fmt"

	jerrors "git.home.luguber.info/inful/jobserv/internal/errors"
)

const maxRunNameLen = 80
const maxTriggerDepth = 2

// Validate checks the definition and expands loop matrices. Violations are
// collected and returned together as a validation error with enumerated
// messages so a caller sees every problem in one round trip.
func (d *Definition) Validate() error {
	var msgs []string

	if d.Timeout <= 0 {
		msgs = append(msgs, "timeout: a positive timeout (minutes) is required")
	}

	for _, trigger := range d.Triggers {
		path := "triggers/" + trigger.Name
		if !ValidTriggerType(trigger.Type) {
			msgs = append(msgs, fmt.Sprintf("%s: no such runner: %s", path, trigger.Type))
		}
		for _, run := range trigger.Runs {
			rpath := path + "/runs/" + run.Name
			script := run.Script
			repo := ""
			if run.ScriptRepo != nil {
				repo = run.ScriptRepo.Name
			}
			switch {
			case script != "" && repo != "":
				msgs = append(msgs, rpath+`: "script" and "script-repo" are mutually exclusive`)
			case script != "":
				if _, ok := d.Scripts[script]; !ok {
					msgs = append(msgs, rpath+": script does not exist: "+script)
				}
			case repo != "":
				if _, ok := d.ScriptRepos[repo]; !ok {
					msgs = append(msgs, rpath+": script repo does not exist: "+repo)
				}
			default:
				msgs = append(msgs, rpath+`: "script" or "script-repo" is required`)
			}

			if run.HostTag == "" && !loopsOverHostTag(run.LoopOn) {
				msgs = append(msgs, rpath+`: "host-tag" or loop-on host-tag parameter required`)
			}
		}
	}

	msgs = append(msgs, d.checkTriggerDepth()...)

	d.expandLoops()

	for _, trigger := range d.Triggers {
		for _, run := range trigger.Runs {
			if len(run.Name) >= maxRunNameLen {
				msgs = append(msgs, fmt.Sprintf(
					"triggers/%s/runs/%s: name of run must be less than %d characters",
					trigger.Name, run.Name, maxRunNameLen))
			}
		}
	}

	if len(msgs) > 0 {
		return jerrors.ValidationFailed(msgs...)
	}
	return nil
}

func loopsOverHostTag(loops []LoopOn) bool {
	for _, l := range loops {
		if l.Param == "host-tag" {
			return true
		}
	}
	return false
}

// checkTriggerDepth walks the child-trigger graph with an explicit stack and
// rejects chains deeper than two levels of fan-out.
func (d *Definition) checkTriggerDepth() []string {
	var msgs []string

	type frame struct {
		name  string
		depth int
	}

	children := func(name string) []ChildTrigger {
		t := d.Trigger(name)
		if t == nil {
			return nil
		}
		var out []ChildTrigger
		for _, run := range t.Runs {
			out = append(out, run.Triggers...)
		}
		out = append(out, t.Triggers...)
		return out
	}

	for _, parent := range d.Triggers {
		stack := []frame{}
		for _, ct := range children(parent.Name) {
			stack = append(stack, frame{name: ct.Name, depth: 1})
		}
		for len(stack) > 0 {
			f := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if f.depth > maxTriggerDepth {
				msgs = append(msgs, "triggers/"+f.name+": trigger recursion depth exceeded")
				continue
			}
			for _, ct := range children(f.name) {
				stack = append(stack, frame{name: ct.Name, depth: f.depth + 1})
			}
		}
	}
	return dedupe(msgs)
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
