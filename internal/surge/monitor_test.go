package surge

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/jobserv/internal/notify"
	"git.home.luguber.info/inful/jobserv/internal/store"
)

type recordingNotifier struct {
	notify.Nop
	mu      sync.Mutex
	started []string
	ended   [][2]string // tag, priorID
}

func (r *recordingNotifier) SurgeStarted(_ context.Context, tag string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, tag)
	return "msgid-" + tag, nil
}

func (r *recordingNotifier) SurgeEnded(_ context.Context, tag, priorID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, [2]string{tag, priorID})
	return nil
}

type fixture struct {
	store    *store.Store
	dir      *WorkerDir
	clock    *clockwork.FakeClock
	notifier *recordingNotifier
	monitor  *Monitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "jobserv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	dir, err := NewWorkerDir(t.TempDir())
	require.NoError(t, err)

	clock := clockwork.NewFakeClockAt(time.Now())
	n := &recordingNotifier{}
	m := NewMonitor(s, dir, n, nil, clock, 3, nil)
	return &fixture{store: s, dir: dir, clock: clock, notifier: n, monitor: m}
}

// touch pins a worker's pings log mtime to the fake clock's present.
func (f *fixture) touch(t *testing.T, worker string) {
	t.Helper()
	require.NoError(t, f.dir.Ping(worker, f.clock.Now(), nil))
	now := f.clock.Now()
	require.NoError(t, os.Chtimes(f.dir.PingsLog(worker), now, now))
}

func (f *fixture) addWorker(t *testing.T, name, tags string, surgesOnly bool) {
	t.Helper()
	w := &store.Worker{
		Name: name, Distro: "ubuntu", CPUType: "x86_64", ConcurrentRuns: 2,
		HostTags: tags, Enlisted: true, SurgesOnly: surgesOnly,
	}
	require.NoError(t, f.store.CreateWorker(t.Context(), w, "key"))
}

func (f *fixture) queueRuns(t *testing.T, tag string, n int) []*store.Run {
	t.Helper()
	ctx := t.Context()
	p, err := f.store.GetProject(ctx, "p")
	if err != nil {
		p, err = f.store.CreateProject(ctx, "p", false)
		require.NoError(t, err)
	}
	b, err := f.store.CreateBuild(ctx, p, "", "ci")
	require.NoError(t, err)
	var runs []*store.Run
	for i := 0; i < n; i++ {
		r, err := f.store.CreateRun(ctx, b, "run-"+string(rune('a'+i)), "ci", tag, 0)
		require.NoError(t, err)
		runs = append(runs, r)
	}
	return runs
}

func TestWorkerMarkedOfflineWhenStale(t *testing.T) {
	f := newFixture(t)
	f.addWorker(t, "w1", "amd64", false)
	f.touch(t, "w1")

	require.NoError(t, f.monitor.Tick(t.Context()))
	w, _ := f.store.GetWorker(t.Context(), "w1")
	assert.True(t, w.Online, "fresh check-in keeps the worker online")

	f.clock.Advance(81 * time.Second)
	require.NoError(t, f.monitor.Tick(t.Context()))
	w, _ = f.store.GetWorker(t.Context(), "w1")
	assert.False(t, w.Online, "81s without a check-in is past the 80s threshold")
}

func TestSurgeWorkerGetsLongerThreshold(t *testing.T) {
	f := newFixture(t)
	f.addWorker(t, "sw", "amd64", true)
	f.touch(t, "sw")

	f.clock.Advance(100 * time.Second)
	require.NoError(t, f.monitor.Tick(t.Context()))
	w, _ := f.store.GetWorker(t.Context(), "sw")
	assert.True(t, w.Online, "100s is inside the 120s surge-worker threshold")

	f.clock.Advance(21 * time.Second)
	f.clock.Advance(100 * time.Second)
	require.NoError(t, f.monitor.Tick(t.Context()))
	w, _ = f.store.GetWorker(t.Context(), "sw")
	assert.False(t, w.Online)
}

func TestWorkerOfflineWithoutPingsLog(t *testing.T) {
	f := newFixture(t)
	f.addWorker(t, "w1", "amd64", false)

	require.NoError(t, f.monitor.Tick(t.Context()))
	w, _ := f.store.GetWorker(t.Context(), "w1")
	assert.False(t, w.Online)
}

func TestPingLogRotation(t *testing.T) {
	f := newFixture(t)
	f.addWorker(t, "w1", "amd64", false)

	path := f.dir.PingsLog("w1")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	big := strings.Repeat("x", pingLogRotateSize+1)
	require.NoError(t, os.WriteFile(path, []byte(big), 0o640))
	now := f.clock.Now()
	require.NoError(t, os.Chtimes(path, now, now))

	require.NoError(t, f.monitor.Tick(t.Context()))

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, st.Size(), "fresh empty log after rotation")
	assert.Equal(t, now.Unix(), st.ModTime().Unix(), "mtime preserved to avoid a spurious offline")

	matches, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	assert.Len(t, matches, 1, "rotated file kept")

	w, _ := f.store.GetWorker(t.Context(), "w1")
	assert.True(t, w.Online)
}

func TestSurgeToggle(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	// one worker with three slots, four queued amd64 runs
	f.addWorker(t, "w", "amd64", false)
	f.touch(t, "w")
	runs := f.queueRuns(t, "amd64", 4)

	require.NoError(t, f.monitor.Tick(ctx))
	assert.True(t, f.dir.Active("amd64"), "4 queued > 3 slots starts a surge")
	require.Equal(t, []string{"amd64"}, f.notifier.started)

	id, err := f.dir.ReadFlag("amd64")
	require.NoError(t, err)
	assert.Equal(t, "msgid-amd64", id, "flag stores the notification id")

	// drain one run; queue now fits capacity but the flag is inside the
	// anti-flap window
	claimed, err := f.store.ClaimRun(ctx, runs[0].ID, "w")
	require.NoError(t, err)
	require.True(t, claimed)

	f.clock.Advance(120 * time.Second)
	f.touch(t, "w")
	require.NoError(t, f.monitor.Tick(ctx))
	assert.True(t, f.dir.Active("amd64"), "anti-flap keeps the flag for 300s")
	assert.Empty(t, f.notifier.ended)

	// past the window the flag clears and the end notice threads the id
	f.clock.Advance(181 * time.Second)
	f.touch(t, "w")
	flag := f.dir.FlagPath("amd64")
	old := f.clock.Now().Add(-301 * time.Second)
	require.NoError(t, os.Chtimes(flag, old, old))

	require.NoError(t, f.monitor.Tick(ctx))
	assert.False(t, f.dir.Active("amd64"))
	require.Len(t, f.notifier.ended, 1)
	assert.Equal(t, [2]string{"amd64", "msgid-amd64"}, f.notifier.ended[0])
}

func TestNoSurgeWhenCapacityCovers(t *testing.T) {
	f := newFixture(t)
	f.addWorker(t, "w", "amd64", false)
	f.touch(t, "w")
	f.queueRuns(t, "amd64", 3)

	require.NoError(t, f.monitor.Tick(t.Context()))
	assert.False(t, f.dir.Active("amd64"))
	assert.Empty(t, f.notifier.started)
}

func TestSurgeWorkersContributeNoCapacity(t *testing.T) {
	f := newFixture(t)
	f.addWorker(t, "sw", "amd64", true)
	f.touch(t, "sw")
	f.queueRuns(t, "amd64", 1)

	require.NoError(t, f.monitor.Tick(t.Context()))
	assert.True(t, f.dir.Active("amd64"),
		"a queue only a surges-only worker could serve is still a surge")
}

func TestOfflineWorkersContributeNoCapacity(t *testing.T) {
	f := newFixture(t)
	f.addWorker(t, "w", "amd64", false)
	// no ping: first pass marks it offline
	f.queueRuns(t, "amd64", 1)

	require.NoError(t, f.monitor.Tick(t.Context()))
	assert.True(t, f.dir.Active("amd64"))
}

func TestRoundRobinSpreadsAcrossTags(t *testing.T) {
	f := newFixture(t)
	f.addWorker(t, "w1", "amd64,arm64", false)
	f.touch(t, "w1")

	// three slots on w1: three amd64 + one arm64 leaves one residual
	f.queueRuns(t, "amd64", 2)
	f.queueRuns(t, "arm64", 2)

	require.NoError(t, f.monitor.Tick(t.Context()))
	active, err := f.dir.ActiveTags()
	require.NoError(t, err)
	assert.Len(t, active, 1, "four queued vs three slots surges exactly one tag")
}
