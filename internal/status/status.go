// Package status defines the run/build/test status enum and the cumulative
// status rule shared by Builds (over Runs) and Tests (over TestResults).
package status

import (
	"encoding/json"
	"fmt"
)

// Status is stored as an integer column but travels as its name over the API.
type Status int

const (
	Queued Status = iota + 1
	Running
	Passed
	Failed
	RunningWithFailures
	Uploading
	Promoted
	Skipped
	Cancelling
)

var names = map[Status]string{
	Queued:              "QUEUED",
	Running:             "RUNNING",
	Passed:              "PASSED",
	Failed:              "FAILED",
	RunningWithFailures: "RUNNING_WITH_FAILURES",
	Uploading:           "UPLOADING",
	Promoted:            "PROMOTED",
	Skipped:             "SKIPPED",
	Cancelling:          "CANCELLING",
}

var byName = func() map[string]Status {
	m := make(map[string]Status, len(names))
	for s, n := range names {
		m[n] = s
	}
	return m
}()

func (s Status) String() string {
	if n, ok := names[s]; ok {
		return n
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Valid reports whether s is a member of the closed status set.
func (s Status) Valid() bool {
	_, ok := names[s]
	return ok
}

// Parse converts a status name ("QUEUED", ...) back to a Status.
func Parse(name string) (Status, error) {
	if s, ok := byName[name]; ok {
		return s, nil
	}
	return 0, fmt.Errorf("unknown status: %q", name)
}

// Terminal reports whether a Build or Run in this status is finished.
// SKIPPED is only terminal for tests but is included here so test result
// completion can share the predicate.
func (s Status) Terminal() bool {
	switch s {
	case Passed, Failed, Promoted, Skipped:
		return true
	}
	return false
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	v, err := Parse(name)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Cumulative folds a non-empty set of child statuses into the parent status.
// It is the single source of truth for Build status from its Runs and for
// Test status from its TestResults.
//
// Rules, first match wins:
//  1. all children in {PASSED, FAILED, SKIPPED}: FAILED if any FAILED, else PASSED
//  2. any RUNNING/UPLOADING/CANCELLING: RUNNING_WITH_FAILURES if also a
//     FAILED or CANCELLING child, else RUNNING
//  3. QUEUED alongside FAILED: RUNNING_WITH_FAILURES
//  4. QUEUED alongside PASSED: RUNNING
//  5. otherwise QUEUED
func Cumulative(children []Status) Status {
	present := map[Status]bool{}
	for _, s := range children {
		present[s] = true
	}

	settled := true
	for s := range present {
		if s != Passed && s != Failed && s != Skipped {
			settled = false
			break
		}
	}
	if settled && len(present) > 0 {
		if present[Failed] {
			return Failed
		}
		return Passed
	}

	if present[Running] || present[Uploading] || present[Cancelling] {
		if present[Failed] || present[Cancelling] {
			return RunningWithFailures
		}
		return Running
	}
	if present[Queued] && present[Failed] {
		return RunningWithFailures
	}
	if present[Queued] && present[Passed] {
		return Running
	}
	return Queued
}
