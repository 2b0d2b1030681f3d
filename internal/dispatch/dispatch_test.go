package dispatch

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/jobserv/internal/status"
	"git.home.luguber.info/inful/jobserv/internal/store"
)

type stubSurges map[string]bool

func (s stubSurges) Active(tag string) bool { return s[tag] }

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "jobserv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func worker(name, tags string) *store.Worker {
	return &store.Worker{
		Name: name, Distro: "ubuntu", CPUType: "x86_64",
		ConcurrentRuns: 2, HostTags: tags, Enlisted: true, Online: true,
	}
}

func TestPopQueuedBasic(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	d := New(s, stubSurges{}, nil)

	p, _ := s.CreateProject(ctx, "p", false)
	b, _ := s.CreateBuild(ctx, p, "", "ci")
	created, err := s.CreateRun(ctx, b, "unit", "ci", "amd64", 0)
	require.NoError(t, err)

	w := worker("w1", "amd64")
	require.NoError(t, s.CreateWorker(ctx, w, "k"))

	r, err := d.PopQueued(ctx, w)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, created.ID, r.ID)
	assert.Equal(t, status.Running, r.Status)
	assert.Equal(t, "w1", r.WorkerName)

	// queue drained
	r, err = d.PopQueued(ctx, w)
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestPopQueuedTagMatching(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	d := New(s, stubSurges{}, nil)

	p, _ := s.CreateProject(ctx, "p", false)
	b, _ := s.CreateBuild(ctx, p, "", "ci")
	_, err := s.CreateRun(ctx, b, "unit", "ci", "arm*", 0)
	require.NoError(t, err)

	mismatched := worker("w1", "amd64")
	require.NoError(t, s.CreateWorker(ctx, mismatched, "k"))
	r, err := d.PopQueued(ctx, mismatched)
	require.NoError(t, err)
	assert.Nil(t, r, "amd64 worker must not match arm*")

	matched := worker("w2", "armhf,other")
	require.NoError(t, s.CreateWorker(ctx, matched, "k"))
	r, err = d.PopQueued(ctx, matched)
	require.NoError(t, err)
	require.NotNil(t, r)
}

func TestPopQueuedMatchesWorkerName(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	d := New(s, stubSurges{}, nil)

	p, _ := s.CreateProject(ctx, "p", false)
	b, _ := s.CreateBuild(ctx, p, "", "ci")
	_, err := s.CreateRun(ctx, b, "unit", "ci", "special-host", 0)
	require.NoError(t, err)

	w := worker("special-host", "amd64")
	require.NoError(t, s.CreateWorker(ctx, w, "k"))
	r, err := d.PopQueued(ctx, w)
	require.NoError(t, err)
	require.NotNil(t, r, "a run may target a worker by name")
}

func TestPopQueuedPriorityOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	d := New(s, stubSurges{}, nil)

	p, _ := s.CreateProject(ctx, "p", false)
	b, _ := s.CreateBuild(ctx, p, "", "ci")
	_, err := s.CreateRun(ctx, b, "low", "ci", "amd64", 0)
	require.NoError(t, err)
	high, err := s.CreateRun(ctx, b, "high", "ci", "amd64", 9)
	require.NoError(t, err)

	w := worker("w1", "amd64")
	require.NoError(t, s.CreateWorker(ctx, w, "k"))

	r, err := d.PopQueued(ctx, w)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, high.ID, r.ID)
}

func TestSynchronousProjectGating(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	d := New(s, stubSurges{}, nil)

	sp, _ := s.CreateProject(ctx, "sp", true)
	b1, _ := s.CreateBuild(ctx, sp, "", "ci")
	a, _ := s.CreateRun(ctx, b1, "a", "ci", "amd64", 0)
	_, err := s.ClaimRun(ctx, a.ID, "other")
	require.NoError(t, err)

	b2, _ := s.CreateBuild(ctx, sp, "", "ci")
	_, err = s.CreateRun(ctx, b2, "b", "ci", "amd64", 0)
	require.NoError(t, err)

	np, _ := s.CreateProject(ctx, "np", false)
	nb, _ := s.CreateBuild(ctx, np, "", "ci")
	c, err := s.CreateRun(ctx, nb, "c", "ci", "amd64", 0)
	require.NoError(t, err)

	w := worker("w1", "amd64")
	require.NoError(t, s.CreateWorker(ctx, w, "k"))

	// build #2 of the sync project is blocked by build #1 in flight; the
	// non-sync project's run is handed out instead.
	r, err := d.PopQueued(ctx, w)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, c.ID, r.ID)

	// still blocked
	r, err = d.PopQueued(ctx, w)
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestSynchronousSameBuildAllowed(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	d := New(s, stubSurges{}, nil)

	sp, _ := s.CreateProject(ctx, "sp", true)
	b1, _ := s.CreateBuild(ctx, sp, "", "ci")
	a, _ := s.CreateRun(ctx, b1, "a", "ci", "amd64", 0)
	_, err := s.ClaimRun(ctx, a.ID, "other")
	require.NoError(t, err)
	sibling, err := s.CreateRun(ctx, b1, "sibling", "ci", "amd64", 0)
	require.NoError(t, err)

	w := worker("w1", "amd64")
	require.NoError(t, s.CreateWorker(ctx, w, "k"))

	r, err := d.PopQueued(ctx, w)
	require.NoError(t, err)
	require.NotNil(t, r, "runs of the in-flight build itself stay eligible")
	assert.Equal(t, sibling.ID, r.ID)
}

func TestAvailability(t *testing.T) {
	s := testStore(t)
	d := New(s, stubSurges{"amd64": true}, nil)

	w := worker("w1", "amd64")
	assert.True(t, d.Available(w))

	w.Enlisted = false
	assert.False(t, d.Available(w))

	w.Enlisted = true
	w.Deleted = true
	assert.False(t, d.Available(w))

	surger := worker("w2", "arm64")
	surger.SurgesOnly = true
	assert.False(t, d.Available(surger), "no surge on arm64")

	surger.HostTags = "amd64"
	assert.True(t, d.Available(surger), "amd64 is surging")
}
