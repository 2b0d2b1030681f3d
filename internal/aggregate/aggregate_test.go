package aggregate

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/jobserv/internal/artifacts"
	jerrors "git.home.luguber.info/inful/jobserv/internal/errors"
	"git.home.luguber.info/inful/jobserv/internal/locks"
	"git.home.luguber.info/inful/jobserv/internal/notify"
	"git.home.luguber.info/inful/jobserv/internal/pipeline"
	"git.home.luguber.info/inful/jobserv/internal/status"
	"git.home.luguber.info/inful/jobserv/internal/store"
	"git.home.luguber.info/inful/jobserv/internal/trigger"
	"git.home.luguber.info/inful/jobserv/internal/urls"
)

const fanoutDef = `
timeout: 5
scripts:
  unit: echo ok
  lint: echo lint
triggers:
  - name: ci
    type: github_pr
    email:
      users: dev@example.com
    runs:
      - name: unit
        container: alpine
        host-tag: amd64
        script: unit
        triggers:
          - name: post
            run-names: "{name}-lint"
  - name: post
    type: simple
    email:
      users: dev@example.com
    runs:
      - name: unit
        container: alpine
        host-tag: amd64
        script: lint
`

type captureNotifier struct {
	notify.Nop
	mu     sync.Mutex
	emails []notify.BuildSummary
}

func (c *captureNotifier) BuildCompleteEmail(_ context.Context, b notify.BuildSummary, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emails = append(c.emails, b)
	return nil
}

type fixture struct {
	store    *store.Store
	arts     *artifacts.LocalStore
	engine   *trigger.Engine
	agg      *Aggregator
	notifier *captureNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "jobserv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	arts, err := artifacts.NewLocalStore(t.TempDir(), t.TempDir(), "http://jobserv.local", []byte("k"))
	require.NoError(t, err)

	u := urls.Builder{Public: "http://jobserv.local"}
	eng := trigger.New(s, arts, u, nil)
	n := &captureNotifier{}
	agg := New(s, locks.NewRegistry(), arts, eng, n, nil, u, nil)
	return &fixture{store: s, arts: arts, engine: eng, agg: agg, notifier: n}
}

func (f *fixture) triggerBuild(t *testing.T, doc, triggerName string) *store.Build {
	t.Helper()
	ctx := context.Background()
	def, err := pipeline.Parse([]byte(doc))
	require.NoError(t, err)
	p, err := f.store.CreateProject(ctx, "proj", false)
	if err != nil {
		p, err = f.store.GetProject(ctx, "proj")
		require.NoError(t, err)
	}
	b, err := f.engine.TriggerBuild(ctx, p, "test", triggerName, nil, nil, def, 0)
	require.NoError(t, err)
	return b
}

func (f *fixture) runByName(t *testing.T, buildRef int64, name string) *store.Run {
	t.Helper()
	runs, err := f.store.RunsForBuild(context.Background(), buildRef)
	require.NoError(t, err)
	for _, r := range runs {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no run named %s", name)
	return nil
}

func TestRunPassedCompletesBuild(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := f.triggerBuild(t, `
timeout: 5
scripts:
  unit: echo ok
triggers:
  - name: ci
    type: git_poller
    runs:
      - name: unit
        container: alpine
        host-tag: amd64
        script: unit
`, "ci")

	run := f.runByName(t, b.ID, "unit")
	require.NoError(t, f.agg.SetRunStatus(ctx, run.ID, status.Passed, ""))

	got, err := f.store.GetBuildByRef(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, status.Passed, got.Status)

	events, err := f.store.BuildEvents(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, status.Queued, events[0].Status)
	assert.Equal(t, status.Passed, events[len(events)-1].Status)
}

func TestFanOutOnRunComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := f.triggerBuild(t, fanoutDef, "ci")
	unit := f.runByName(t, b.ID, "unit")

	require.NoError(t, f.agg.SetRunStatus(ctx, unit.ID, status.Passed, "http://jobserv.local/projects/proj/builds/1/runs/unit/"))

	// a new run was fanned out with the run-names format applied
	child := f.runByName(t, b.ID, "unit-lint")
	assert.Equal(t, status.Queued, child.Status)
	assert.Equal(t, "post", child.TriggerName)

	// PASSED + QUEUED => RUNNING
	got, err := f.store.GetBuildByRef(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, status.Running, got.Status)
}

func TestTriggerTypeUpgrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := f.triggerBuild(t, fanoutDef, "ci")
	unit := f.runByName(t, b.ID, "unit")
	require.NoError(t, f.agg.SetRunStatus(ctx, unit.ID, status.Passed, ""))

	rref := artifacts.RunRef{Project: "proj", BuildID: b.BuildID, Run: "unit-lint"}
	doc, err := f.arts.GetString(ctx, rref.Path(artifacts.RunDefName))
	require.NoError(t, err)

	var rd pipeline.RunDefinition
	require.NoError(t, json.Unmarshal(doc, &rd))
	assert.Equal(t, "github_pr", rd.TriggerType,
		"simple child of a github_pr parent reports as github_pr")
}

func TestBuildCompleteEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := f.triggerBuild(t, fanoutDef, "ci")
	unit := f.runByName(t, b.ID, "unit")
	require.NoError(t, f.agg.SetRunStatus(ctx, unit.ID, status.Passed, ""))

	child := f.runByName(t, b.ID, "unit-lint")
	require.NoError(t, f.agg.SetRunStatus(ctx, child.ID, status.Passed, ""))

	got, err := f.store.GetBuildByRef(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, status.Passed, got.Status)

	require.Len(t, f.notifier.emails, 1)
	assert.Equal(t, "PASSED", f.notifier.emails[0].Status)
	assert.Len(t, f.notifier.emails[0].Runs, 2)
}

func TestRunFailedSkipsFanOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := f.triggerBuild(t, fanoutDef, "ci")
	unit := f.runByName(t, b.ID, "unit")
	require.NoError(t, f.agg.SetRunStatus(ctx, unit.ID, status.Failed, ""))

	runs, err := f.store.RunsForBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, runs, 1, "no fan-out on failure")

	got, err := f.store.GetBuildByRef(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, status.Failed, got.Status)

	// a failed build still gets its email (only_failures unset)
	require.Len(t, f.notifier.emails, 1)
	assert.Equal(t, "FAILED", f.notifier.emails[0].Status)
}

func TestDuplicateFanOutIsConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := f.triggerBuild(t, fanoutDef, "ci")
	unit := f.runByName(t, b.ID, "unit")

	// occupy the fan-out name ahead of time
	_, err := f.store.CreateRun(ctx, b, "unit-lint", "", "amd64", 0)
	require.NoError(t, err)

	err = f.agg.SetRunStatus(ctx, unit.ID, status.Passed, "")
	require.Error(t, err)
	assert.True(t, jerrors.IsCategory(err, jerrors.CategoryConflict), "got %v", err)
}

func TestCumulativeInvariantAfterQuiescence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := f.triggerBuild(t, fanoutDef, "ci")
	unit := f.runByName(t, b.ID, "unit")
	require.NoError(t, f.agg.SetRunStatus(ctx, unit.ID, status.Running, ""))
	require.NoError(t, f.agg.SetRunStatus(ctx, unit.ID, status.Passed, ""))
	child := f.runByName(t, b.ID, "unit-lint")
	require.NoError(t, f.agg.SetRunStatus(ctx, child.ID, status.Failed, ""))

	runs, err := f.store.RunsForBuild(ctx, b.ID)
	require.NoError(t, err)
	var statuses []status.Status
	for _, r := range runs {
		statuses = append(statuses, r.Status)
	}
	got, err := f.store.GetBuildByRef(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, status.Cumulative(statuses), got.Status)
	assert.Equal(t, status.Failed, got.Status)
}

func TestCancellingIsNotTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := f.triggerBuild(t, fanoutDef, "ci")
	unit := f.runByName(t, b.ID, "unit")
	require.NoError(t, f.agg.SetRunStatus(ctx, unit.ID, status.Cancelling, ""))

	runs, err := f.store.RunsForBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, runs, 1, "CANCELLING must not fan out")

	got, err := f.store.GetBuildByRef(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, status.RunningWithFailures, got.Status)
}
