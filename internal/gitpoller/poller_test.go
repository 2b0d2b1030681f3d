package gitpoller

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/jobserv/internal/artifacts"
	"git.home.luguber.info/inful/jobserv/internal/pipeline"
	"git.home.luguber.info/inful/jobserv/internal/status"
	"git.home.luguber.info/inful/jobserv/internal/store"
	"git.home.luguber.info/inful/jobserv/internal/trigger"
	"git.home.luguber.info/inful/jobserv/internal/urls"
)

const pollerDef = `
timeout: 5
scripts:
  unit: echo ok
triggers:
  - name: watch-main
    type: git_poller
    params:
      GIT_URL: https://example.com/repo.git
      GIT_POLL_REFS: refs/heads/main
    runs:
      - name: unit
        container: alpine
        host-tag: amd64
        script: unit
`

type fixture struct {
	store  *store.Store
	arts   *artifacts.LocalStore
	poller *Poller
	refs   map[string]string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "jobserv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	arts, err := artifacts.NewLocalStore(t.TempDir(), t.TempDir(), "http://jobserv.local", []byte("k"))
	require.NoError(t, err)

	eng := trigger.New(s, arts, urls.Builder{Public: "http://jobserv.local"}, nil)
	f := &fixture{store: s, arts: arts, refs: map[string]string{}}

	p := New(s, arts, eng, nil, nil)
	p.listRefs = func(url string, _ transport.AuthMethod) (map[string]string, error) {
		return f.refs, nil
	}
	p.fetchDefinition = func(_, _ string, _ transport.AuthMethod) ([]byte, error) {
		return []byte(pollerDef), nil
	}
	f.poller = p

	ctx := context.Background()
	proj, err := s.CreateProject(ctx, "proj", false)
	require.NoError(t, err)
	require.NoError(t, s.CreateTrigger(ctx, &store.Trigger{
		ProjectID:      proj.ID,
		Type:           pipeline.TriggerGitPoller,
		User:           "poller",
		DefinitionRepo: "https://example.com/defs.git",
	}))
	return f
}

func TestFirstSightingPrimesWithoutBuild(t *testing.T) {
	f := newFixture(t)
	f.refs["refs/heads/main"] = "aaa111"

	require.NoError(t, f.poller.Tick(t.Context()))

	builds, total, err := f.store.ListBuilds(t.Context(), "proj", 25, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, builds)
}

func TestRefChangeTriggersBuild(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	f.refs["refs/heads/main"] = "aaa111"
	require.NoError(t, f.poller.Tick(ctx))

	f.refs["refs/heads/main"] = "bbb222"
	require.NoError(t, f.poller.Tick(ctx))

	builds, total, err := f.store.ListBuilds(ctx, "proj", 25, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	b := builds[0]
	assert.Contains(t, b.Reason, "refs/heads/main")
	assert.Equal(t, "watch-main", b.TriggerName)
	assert.Equal(t, status.Queued, b.Status)

	runs, err := f.store.RunsForBuild(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "unit", runs[0].Name)

	// unchanged sha: no duplicate build
	require.NoError(t, f.poller.Tick(ctx))
	_, total, err = f.store.ListBuilds(ctx, "proj", 25, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestUnmatchedRefIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	f.refs["refs/heads/feature"] = "aaa111"
	require.NoError(t, f.poller.Tick(ctx))
	f.refs["refs/heads/feature"] = "bbb222"
	require.NoError(t, f.poller.Tick(ctx))

	_, total, err := f.store.ListBuilds(ctx, "proj", 25, 0)
	require.NoError(t, err)
	assert.Zero(t, total, "only refs matching GIT_POLL_REFS are watched")
}

func TestCachePersistsAcrossPollers(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	f.refs["refs/heads/main"] = "aaa111"
	require.NoError(t, f.poller.Tick(ctx))

	// a fresh poller over the same artifact store sees the primed cache
	eng := trigger.New(f.store, f.arts, urls.Builder{Public: "http://jobserv.local"}, nil)
	p2 := New(f.store, f.arts, eng, nil, nil)
	p2.listRefs = f.poller.listRefs
	p2.fetchDefinition = f.poller.fetchDefinition

	f.refs["refs/heads/main"] = "bbb222"
	require.NoError(t, p2.Tick(ctx))

	_, total, err := f.store.ListBuilds(ctx, "proj", 25, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}
