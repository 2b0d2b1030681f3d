// Package testgrep scrapes a run's console log into Tests and TestResults
// using the run-definition's test-grepping rules.
package testgrep

import (
	"bufio"
	"fmt"
	"io"
	"regexp"

	"git.home.luguber.info/inful/jobserv/internal/pipeline"
	"git.home.luguber.info/inful/jobserv/internal/status"
)

// Result is one scraped result line.
type Result struct {
	Name   string
	Status status.Status
}

// Test groups the results scraped between two test-pattern lines.
type Test struct {
	Name    string
	Context string
	Status  status.Status
	Results []Result
}

// Grep scans the console line by line. A test-pattern match opens a new test
// (closing the previous one as FAILED if any of its results failed); a
// result-pattern match appends a result, renamed through the fixup dict.
// Results before the first test-pattern match land in a test named "default".
// The boolean reports whether any result failed.
func Grep(console io.Reader, rules *pipeline.TestGrepping) ([]Test, bool, error) {
	if rules == nil || rules.ResultPattern == "" {
		return nil, false, nil
	}

	resultPat, err := compileAnchored(rules.ResultPattern)
	if err != nil {
		return nil, false, fmt.Errorf("result-pattern: %w", err)
	}
	var testPat *regexp.Regexp
	if rules.TestPattern != "" {
		if testPat, err = compileAnchored(rules.TestPattern); err != nil {
			return nil, false, fmt.Errorf("test-pattern: %w", err)
		}
	}

	var tests []Test
	var cur *Test
	failures := false

	closeCurrent := func() {
		if cur == nil {
			return
		}
		for _, r := range cur.Results {
			if r.Status == status.Failed {
				cur.Status = status.Failed
				break
			}
		}
		tests = append(tests, *cur)
		cur = nil
	}

	scanner := bufio.NewScanner(console)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		if testPat != nil {
			if m := namedGroups(testPat, line); m != nil {
				closeCurrent()
				cur = &Test{Name: m["name"], Context: rules.TestPattern, Status: status.Passed}
				continue
			}
		}

		m := namedGroups(resultPat, line)
		if m == nil {
			continue
		}
		resultName := m["result"]
		if fixed, ok := rules.FixupDict[resultName]; ok {
			resultName = fixed
		}
		st, err := status.Parse(resultName)
		if err != nil {
			// a result naming no known status is noise, not a failure
			continue
		}
		if st == status.Failed {
			failures = true
		}
		if cur == nil {
			cur = &Test{Name: "default", Status: status.Passed}
		}
		cur.Results = append(cur.Results, Result{Name: m["name"], Status: st})
	}
	if err := scanner.Err(); err != nil {
		return nil, false, fmt.Errorf("scan console: %w", err)
	}
	closeCurrent()

	return tests, failures, nil
}

// compileAnchored matches at the start of a line, mirroring re.match.
func compileAnchored(pat string) (*regexp.Regexp, error) {
	return regexp.Compile("^(?:" + pat + ")")
}

func namedGroups(re *regexp.Regexp, line string) map[string]string {
	m := re.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	out := map[string]string{}
	for i, name := range re.SubexpNames() {
		if name != "" && i < len(m) {
			out[name] = m[i]
		}
	}
	return out
}
