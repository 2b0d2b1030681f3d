package pipeline

import "strings"

// expandLoops replaces every run carrying a loop-on matrix with its cartesian
// expansion, in place, preserving relative order. The {loop} token in the run
// name and in child-trigger names/run-names is substituted with the dash-joined
// value tuple. A value bound to the special param "host-tag" sets the run's
// host tag; all other values merge into the run's params. Expanded runs carry
// no loop-on entry, so expansion is idempotent.
func (d *Definition) expandLoops() {
	for _, trigger := range d.Triggers {
		var runs []*Run
		for _, run := range trigger.Runs {
			if len(run.LoopOn) == 0 {
				runs = append(runs, run)
				continue
			}
			for _, combo := range cartesian(run.LoopOn) {
				runs = append(runs, expandRun(run, combo))
			}
		}
		trigger.Runs = runs
	}
}

type loopBinding struct {
	param string
	value string
}

// cartesian yields every combination of the loop axes, first axis slowest,
// matching declaration order.
func cartesian(axes []LoopOn) [][]loopBinding {
	combos := [][]loopBinding{nil}
	for _, axis := range axes {
		var next [][]loopBinding
		for _, combo := range combos {
			for _, v := range axis.Values {
				row := make([]loopBinding, len(combo), len(combo)+1)
				copy(row, combo)
				row = append(row, loopBinding{param: axis.Param, value: v})
				next = append(next, row)
			}
		}
		combos = next
	}
	return combos
}

func expandRun(run *Run, combo []loopBinding) *Run {
	values := make([]string, len(combo))
	for i, b := range combo {
		values[i] = b.value
	}
	loop := strings.Join(values, "-")

	r := run.clone()
	r.LoopOn = nil
	r.Name = strings.ReplaceAll(run.Name, "{loop}", loop)
	if r.Params == nil {
		r.Params = map[string]string{}
	}
	for _, b := range combo {
		if b.param == "host-tag" {
			r.HostTag = b.value
		} else {
			r.Params[b.param] = b.value
		}
	}
	for i := range r.Triggers {
		r.Triggers[i].Name = strings.ReplaceAll(r.Triggers[i].Name, "{loop}", loop)
		if rn := r.Triggers[i].RunNames; rn != "" {
			r.Triggers[i].RunNames = strings.ReplaceAll(rn, "{loop}", loop)
		}
	}
	return r
}

// clone deep-copies a run so expansion of one combination cannot alias another.
func (r *Run) clone() *Run {
	c := *r
	c.Params = copyMap(r.Params)
	c.PersistentVolumes = copyMap(r.PersistentVolumes)
	if r.ScriptRepo != nil {
		sr := *r.ScriptRepo
		c.ScriptRepo = &sr
	}
	if r.TestGrepping != nil {
		tg := *r.TestGrepping
		tg.FixupDict = copyMap(r.TestGrepping.FixupDict)
		c.TestGrepping = &tg
	}
	c.Triggers = make([]ChildTrigger, len(r.Triggers))
	copy(c.Triggers, r.Triggers)
	c.LoopOn = make([]LoopOn, len(r.LoopOn))
	for i, l := range r.LoopOn {
		vals := make([]string, len(l.Values))
		copy(vals, l.Values)
		c.LoopOn[i] = LoopOn{Param: l.Param, Values: vals}
	}
	return &c
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
