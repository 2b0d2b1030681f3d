package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jerrors "git.home.luguber.info/inful/jobserv/internal/errors"
	"git.home.luguber.info/inful/jobserv/internal/status"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "jobserv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestProjectLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	p, err := s.CreateProject(ctx, "zephyr", false)
	require.NoError(t, err)
	require.NotZero(t, p.ID)

	_, err = s.CreateProject(ctx, "zephyr", false)
	require.True(t, jerrors.IsCategory(err, jerrors.CategoryConflict), "duplicate project: %v", err)

	got, err := s.GetProject(ctx, "zephyr")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	all, err := s.ListProjects(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.DeleteProject(ctx, "zephyr"))
	_, err = s.GetProject(ctx, "zephyr")
	assert.True(t, jerrors.IsCategory(err, jerrors.CategoryNotFound))
}

func TestProjectDeleteCascades(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	p, err := s.CreateProject(ctx, "p", false)
	require.NoError(t, err)
	b, err := s.CreateBuild(ctx, p, "test", "ci")
	require.NoError(t, err)
	r, err := s.CreateRun(ctx, b, "unit", "ci", "amd64", 0)
	require.NoError(t, err)
	test, err := s.CreateTest(ctx, r.ID, "smoke", "", status.Passed)
	require.NoError(t, err)
	_, err = s.CreateTestResult(ctx, test.ID, "case1", "", status.Passed, "")
	require.NoError(t, err)

	require.NoError(t, s.DeleteProject(ctx, "p"))

	_, err = s.GetRunByRef(ctx, r.ID)
	assert.True(t, jerrors.IsCategory(err, jerrors.CategoryNotFound))
	tests, err := s.TestsForRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Empty(t, tests)
}

func TestBuildIDAllocation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	p, err := s.CreateProject(ctx, "p", false)
	require.NoError(t, err)

	for want := 1; want <= 3; want++ {
		b, err := s.CreateBuild(ctx, p, "", "ci")
		require.NoError(t, err)
		assert.Equal(t, want, b.BuildID)
		assert.Equal(t, status.Queued, b.Status)
	}

	events, err := s.BuildEvents(ctx, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, status.Queued, events[0].Status)
}

func TestBuildIDConcurrentCreators(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	p, err := s.CreateProject(ctx, "p", false)
	require.NoError(t, err)

	const n = 8
	ids := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := s.CreateBuild(ctx, p, "", "ci")
			if err == nil {
				ids <- b.BuildID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[int]bool{}
	for id := range ids {
		require.False(t, seen[id], "duplicate build id %d", id)
		seen[id] = true
	}
	require.NotEmpty(t, seen)
}

func TestRunDuplicateNameIsConflict(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	p, _ := s.CreateProject(ctx, "p", false)
	b, _ := s.CreateBuild(ctx, p, "", "ci")

	_, err := s.CreateRun(ctx, b, "unit", "ci", "amd64", 0)
	require.NoError(t, err)
	_, err = s.CreateRun(ctx, b, "unit", "ci", "amd64", 0)
	require.True(t, jerrors.IsCategory(err, jerrors.CategoryConflict), "got %v", err)
}

func TestRunAPIKey(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	p, _ := s.CreateProject(ctx, "p", false)
	b, _ := s.CreateBuild(ctx, p, "", "ci")
	r, err := s.CreateRun(ctx, b, "unit", "ci", "amd64", 0)
	require.NoError(t, err)

	assert.Len(t, r.APIKey, 32)
	assert.True(t, CheckRunKey(r, r.APIKey))
	assert.False(t, CheckRunKey(r, "wrong"))

	r2, _ := s.CreateRun(ctx, b, "unit2", "ci", "amd64", 0)
	assert.NotEqual(t, r.APIKey, r2.APIKey)
}

func TestClaimRunIsExclusive(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	p, _ := s.CreateProject(ctx, "p", false)
	b, _ := s.CreateBuild(ctx, p, "", "ci")
	r, err := s.CreateRun(ctx, b, "unit", "ci", "amd64", 0)
	require.NoError(t, err)

	const pollers = 8
	wins := make(chan string, pollers)
	var wg sync.WaitGroup
	for i := 0; i < pollers; i++ {
		wg.Add(1)
		name := string(rune('a' + i))
		go func() {
			defer wg.Done()
			ok, err := s.ClaimRun(ctx, r.ID, name)
			if err == nil && ok {
				wins <- name
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1, "exactly one poller may claim a run")

	got, err := s.GetRunByRef(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, status.Running, got.Status)
	assert.Equal(t, winners[0], got.WorkerName)
}

func TestClaimAlreadyRunning(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	p, _ := s.CreateProject(ctx, "p", false)
	b, _ := s.CreateBuild(ctx, p, "", "ci")
	r, _ := s.CreateRun(ctx, b, "unit", "ci", "amd64", 0)

	ok, err := s.ClaimRun(ctx, r.ID, "w1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.ClaimRun(ctx, r.ID, "w2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetRunStatusAppendsEvents(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	p, _ := s.CreateProject(ctx, "p", false)
	b, _ := s.CreateBuild(ctx, p, "", "ci")
	r, _ := s.CreateRun(ctx, b, "unit", "ci", "amd64", 0)

	require.NoError(t, s.SetRunStatus(ctx, r.ID, status.Running))
	require.NoError(t, s.SetRunStatus(ctx, r.ID, status.Running)) // no-op
	require.NoError(t, s.SetRunStatus(ctx, r.ID, status.Passed))

	events, err := s.RunEvents(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, status.Queued, events[0].Status)
	assert.Equal(t, status.Running, events[1].Status)
	assert.Equal(t, status.Passed, events[2].Status)
}

func TestDispatchScanOrdering(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	p, _ := s.CreateProject(ctx, "p", false)
	b1, _ := s.CreateBuild(ctx, p, "", "ci")
	b2, _ := s.CreateBuild(ctx, p, "", "ci")

	low, _ := s.CreateRun(ctx, b2, "low", "ci", "amd64", 0)
	high, _ := s.CreateRun(ctx, b2, "high", "ci", "amd64", 5)
	older, _ := s.CreateRun(ctx, b1, "older", "ci", "amd64", 0)
	running, _ := s.CreateRun(ctx, b1, "running", "ci", "amd64", 0)
	_, err := s.ClaimRun(ctx, running.ID, "w1")
	require.NoError(t, err)

	rows, err := s.DispatchScan(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 4)

	// RUNNING first, then priority desc, then build id, then run id.
	assert.Equal(t, running.ID, rows[0].RunRef)
	assert.Equal(t, high.ID, rows[1].RunRef)
	assert.Equal(t, older.ID, rows[2].RunRef)
	assert.Equal(t, low.ID, rows[3].RunRef)
}

func TestWorkerKeyHashing(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	w := &Worker{
		Name: "w1", Distro: "ubuntu", MemTotal: 1 << 30, CPUTotal: 4,
		CPUType: "x86_64", ConcurrentRuns: 2, HostTags: "amd64, fast",
	}
	require.NoError(t, s.CreateWorker(ctx, w, "plain-token"))

	got, err := s.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.NotContains(t, got.APIKey, "plain-token")
	assert.True(t, CheckWorkerKey(got, "plain-token"))
	assert.False(t, CheckWorkerKey(got, "other"))
	assert.Equal(t, []string{"amd64", "fast"}, got.Tags())
}

func TestWorkerSoftDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	w := &Worker{Name: "w1", Distro: "d", CPUType: "x", ConcurrentRuns: 1}
	require.NoError(t, s.CreateWorker(ctx, w, "k"))
	require.NoError(t, s.DeleteWorker(ctx, "w1"))

	list, err := s.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	// still resolvable for FK purposes
	got, err := s.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, got.Deleted)
}

func TestTestCompletion(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	p, _ := s.CreateProject(ctx, "p", false)
	b, _ := s.CreateBuild(ctx, p, "", "ci")
	r, _ := s.CreateRun(ctx, b, "unit", "ci", "amd64", 0)
	test, err := s.CreateTest(ctx, r.ID, "suite", "", status.Running)
	require.NoError(t, err)

	_, err = s.CreateTestResult(ctx, test.ID, "a", "", status.Passed, "")
	require.NoError(t, err)
	_, err = s.CreateTestResult(ctx, test.ID, "b", "", status.Queued, "")
	require.NoError(t, err)

	done, err := s.TestComplete(ctx, test.ID)
	require.NoError(t, err)
	assert.False(t, done)

	results, err := s.ResultsForTest(ctx, test.ID)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, "UPDATE test_results SET status = ? WHERE id = ?",
		int(status.Skipped), results[1].ID)
	require.NoError(t, err)

	done, err = s.TestComplete(ctx, test.ID)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestLatestPassedBuild(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	p, _ := s.CreateProject(ctx, "p", false)
	b1, _ := s.CreateBuild(ctx, p, "", "ci")
	b2, _ := s.CreateBuild(ctx, p, "", "ci")
	_, _ = s.CreateBuild(ctx, p, "", "ci")

	require.NoError(t, s.SetBuildStatus(ctx, b1.ID, status.Passed))
	require.NoError(t, s.SetBuildStatus(ctx, b2.ID, status.Passed))

	latest, err := s.LatestPassedBuild(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, b2.BuildID, latest.BuildID)
}

func TestPromoteBuild(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	p, _ := s.CreateProject(ctx, "p", false)
	b, _ := s.CreateBuild(ctx, p, "", "ci")

	err := s.PromoteBuild(ctx, b, "v1.0", "first release")
	require.Error(t, err, "only PASSED builds can be promoted")

	require.NoError(t, s.SetBuildStatus(ctx, b.ID, status.Passed))
	b, _ = s.GetBuildByRef(ctx, b.ID)
	require.NoError(t, s.PromoteBuild(ctx, b, "v1.0", "first release"))

	got, _ := s.GetBuildByRef(ctx, b.ID)
	assert.Equal(t, status.Promoted, got.Status)
	assert.Equal(t, "v1.0", got.Name)
}
