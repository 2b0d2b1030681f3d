package testgrep

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/jobserv/internal/pipeline"
	"git.home.luguber.info/inful/jobserv/internal/status"
)

func TestGrepNoRules(t *testing.T) {
	tests, failed, err := Grep(strings.NewReader("anything"), nil)
	require.NoError(t, err)
	assert.Nil(t, tests)
	assert.False(t, failed)
}

func TestGrepDefaultTest(t *testing.T) {
	rules := &pipeline.TestGrepping{
		ResultPattern: `(?P<name>\S+): (?P<result>PASSED|FAILED)`,
	}
	console := strings.NewReader(strings.Join([]string{
		"booting...",
		"case-one: PASSED",
		"noise line",
		"case-two: FAILED",
	}, "\n"))

	tests, failed, err := Grep(console, rules)
	require.NoError(t, err)
	assert.True(t, failed)
	require.Len(t, tests, 1)
	assert.Equal(t, "default", tests[0].Name)
	assert.Equal(t, status.Failed, tests[0].Status)
	require.Len(t, tests[0].Results, 2)
	assert.Equal(t, status.Passed, tests[0].Results[0].Status)
	assert.Equal(t, "case-two", tests[0].Results[1].Name)
	assert.Equal(t, status.Failed, tests[0].Results[1].Status)
}

func TestGrepTestPatternGrouping(t *testing.T) {
	rules := &pipeline.TestGrepping{
		TestPattern:   `=== suite: (?P<name>\w+)`,
		ResultPattern: `(?P<name>\S+) \.\.\. (?P<result>\w+)`,
		FixupDict:     map[string]string{"ok": "PASSED", "fail": "FAILED"},
	}
	console := strings.NewReader(strings.Join([]string{
		"=== suite: alpha",
		"one ... ok",
		"two ... ok",
		"=== suite: beta",
		"three ... fail",
	}, "\n"))

	tests, failed, err := Grep(console, rules)
	require.NoError(t, err)
	assert.True(t, failed)
	require.Len(t, tests, 2)

	assert.Equal(t, "alpha", tests[0].Name)
	assert.Equal(t, status.Passed, tests[0].Status)
	assert.Len(t, tests[0].Results, 2)

	assert.Equal(t, "beta", tests[1].Name)
	assert.Equal(t, status.Failed, tests[1].Status)
	require.Len(t, tests[1].Results, 1)
	assert.Equal(t, status.Failed, tests[1].Results[0].Status)
}

func TestGrepAllPassed(t *testing.T) {
	rules := &pipeline.TestGrepping{
		ResultPattern: `(?P<name>\S+): (?P<result>\w+)`,
	}
	console := strings.NewReader("a: PASSED\nb: PASSED\n")

	tests, failed, err := Grep(console, rules)
	require.NoError(t, err)
	assert.False(t, failed)
	require.Len(t, tests, 1)
	assert.Equal(t, status.Passed, tests[0].Status)
}

func TestGrepMatchIsAnchored(t *testing.T) {
	rules := &pipeline.TestGrepping{
		ResultPattern: `RESULT (?P<name>\S+)=(?P<result>\w+)`,
	}
	console := strings.NewReader("prefix RESULT a=FAILED\nRESULT b=PASSED\n")

	tests, failed, err := Grep(console, rules)
	require.NoError(t, err)
	assert.False(t, failed, "mid-line matches are ignored, as with re.match")
	require.Len(t, tests, 1)
	require.Len(t, tests[0].Results, 1)
	assert.Equal(t, "b", tests[0].Results[0].Name)
}

func TestGrepUnknownResultIgnored(t *testing.T) {
	rules := &pipeline.TestGrepping{
		ResultPattern: `(?P<name>\S+): (?P<result>\w+)`,
	}
	console := strings.NewReader("a: BOGUS\nb: PASSED\n")

	tests, failed, err := Grep(console, rules)
	require.NoError(t, err)
	assert.False(t, failed)
	require.Len(t, tests, 1)
	assert.Len(t, tests[0].Results, 1)
}

func TestGrepBadPattern(t *testing.T) {
	rules := &pipeline.TestGrepping{ResultPattern: `(?P<result>`}
	_, _, err := Grep(strings.NewReader(""), rules)
	require.Error(t, err)
}
