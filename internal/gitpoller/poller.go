// Package gitpoller scans git_poller triggers for ref changes and starts
// builds when a watched ref moves. It is the single writer of the poller
// ref cache.
package gitpoller

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar"
	"github.com/go-git/go-billy/v5/memfs"
	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"

	"git.home.luguber.info/inful/jobserv/internal/artifacts"
	"git.home.luguber.info/inful/jobserv/internal/logfields"
	"git.home.luguber.info/inful/jobserv/internal/pipeline"
	"git.home.luguber.info/inful/jobserv/internal/retry"
	"git.home.luguber.info/inful/jobserv/internal/secrets"
	"git.home.luguber.info/inful/jobserv/internal/store"
	"git.home.luguber.info/inful/jobserv/internal/trigger"
)

// defaultPollRefs is watched when a trigger names none.
const defaultPollRefs = "refs/heads/master"

// Poller drives the 90-second git scan.
type Poller struct {
	store     *store.Store
	artifacts artifacts.Store
	engine    *trigger.Engine
	vault     *secrets.Vault
	logger    *slog.Logger
	retry     retry.Policy

	// listRefs and fetchDefinition are swappable for tests.
	listRefs        func(url string, auth transport.AuthMethod) (map[string]string, error)
	fetchDefinition func(repo, file string, auth transport.AuthMethod) ([]byte, error)
}

// New creates a poller. vault may be nil when no trigger carries secrets.
func New(s *store.Store, a artifacts.Store, e *trigger.Engine, v *secrets.Vault, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		store:           s,
		artifacts:       a,
		engine:          e,
		vault:           v,
		logger:          logger,
		retry:           retry.NewPolicy(retry.BackoffLinear, time.Second, 10*time.Second, 2),
		listRefs:        listRemoteRefs,
		fetchDefinition: fetchDefinitionFile,
	}
}

// retryDo runs op under the poller's retry policy, honoring ctx between
// attempts.
func (p *Poller) retryDo(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt >= p.retry.MaxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.retry.Delay(attempt + 1)):
		}
	}
}

// Tick runs one poll over every git_poller trigger, read-modify-writing the
// shared ref cache once.
func (p *Poller) Tick(ctx context.Context) error {
	triggers, err := p.store.ListTriggers(ctx, "", pipeline.TriggerGitPoller)
	if err != nil {
		return err
	}
	if len(triggers) == 0 {
		return nil
	}
	return p.artifacts.GitPollerCache(ctx, func(cache map[string]map[string]string) error {
		for _, t := range triggers {
			if err := p.pollTrigger(ctx, t, cache); err != nil {
				// one broken trigger must not starve the rest
				p.logger.Error("poll failed",
					logfields.Project(t.ProjectName), logfields.Trigger(fmt.Sprint(t.ID)), logfields.Err(err))
			}
		}
		return nil
	})
}

func (p *Poller) pollTrigger(ctx context.Context, t *store.Trigger, cache map[string]map[string]string) error {
	secretMap := map[string]string{}
	if len(t.Secrets) > 0 && p.vault != nil {
		var err error
		if secretMap, err = p.vault.Decrypt(t.Secrets); err != nil {
			return fmt.Errorf("decrypt trigger secrets: %w", err)
		}
	}
	auth := authFor(t.User, secretMap)

	file := t.DefinitionFile
	if file == "" {
		file = t.ProjectName + ".yml"
	}
	var doc []byte
	err := p.retryDo(ctx, func() error {
		var ferr error
		doc, ferr = p.fetchDefinition(t.DefinitionRepo, file, auth)
		return ferr
	})
	if err != nil {
		return fmt.Errorf("fetch project definition: %w", err)
	}
	def, err := pipeline.Parse(doc)
	if err != nil {
		return fmt.Errorf("validate project definition: %w", err)
	}

	key := fmt.Sprint(t.ID)
	refCache := cache[key]
	if refCache == nil {
		refCache = map[string]string{}
		cache[key] = refCache
	}

	for _, trig := range def.Triggers {
		if trig.Type != pipeline.TriggerGitPoller {
			continue
		}
		url := trig.Params["GIT_URL"]
		if url == "" {
			continue
		}
		patterns := strings.Split(defaultPollRefs, ",")
		if v := trig.Params["GIT_POLL_REFS"]; v != "" {
			patterns = strings.Split(v, ",")
		}

		var remote map[string]string
		err := p.retryDo(ctx, func() error {
			var lerr error
			remote, lerr = p.listRefs(url, auth)
			return lerr
		})
		if err != nil {
			p.logger.Error("unable to check repo for changes",
				logfields.URL(url), logfields.Err(err))
			continue
		}

		for ref, sha := range remote {
			if !refMatches(ref, patterns) {
				continue
			}
			old, seen := refCache[ref]
			if seen && old == sha {
				continue
			}
			refCache[ref] = sha
			if !seen {
				// first sighting primes the cache without a build
				continue
			}
			p.logger.Info("ref changed; triggering build",
				logfields.Project(t.ProjectName), logfields.URL(url), "ref", ref)
			if err := p.triggerBuild(ctx, t, def, trig.Name, url, ref, old, sha, secretMap); err != nil {
				p.logger.Error("unable to trigger build",
					logfields.Project(t.ProjectName), logfields.Err(err))
			}
		}
	}
	return nil
}

func (p *Poller) triggerBuild(ctx context.Context, t *store.Trigger, def *pipeline.Definition,
	triggerName, url, ref, oldSHA, newSHA string, secretMap map[string]string) error {

	proj, err := p.store.GetProject(ctx, t.ProjectName)
	if err != nil {
		return err
	}
	params := map[string]string{
		"GIT_URL":     url,
		"GIT_REF":     ref,
		"GIT_OLD_SHA": oldSHA,
		"GIT_SHA":     newSHA,
	}
	reason := fmt.Sprintf("%s updated from %.12s to %.12s", ref, oldSHA, newSHA)
	_, err = p.engine.TriggerBuild(ctx, proj, reason, triggerName, params, secretMap, def, t.QueuePriority)
	return err
}

func refMatches(ref string, patterns []string) bool {
	for _, pat := range patterns {
		pat = strings.TrimSpace(pat)
		if pat == "" {
			continue
		}
		if ok, err := doublestar.Match(pat, ref); err == nil && ok {
			return true
		}
	}
	return false
}

// authFor maps the conventional poller secrets onto git transport auth.
func authFor(user string, secretMap map[string]string) transport.AuthMethod {
	if tok := secretMap["githubtok"]; tok != "" {
		return &githttp.BasicAuth{Username: user, Password: tok}
	}
	if tok := secretMap["gitlabtok"]; tok != "" {
		return &githttp.BasicAuth{Username: "oauth2", Password: tok}
	}
	return nil
}

// listRemoteRefs is ls-remote over the smart HTTP transport.
func listRemoteRefs(url string, auth transport.AuthMethod) (map[string]string, error) {
	remote := git.NewRemote(memory.NewStorage(), &gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{url},
	})
	refs, err := remote.List(&git.ListOptions{Auth: auth})
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	for _, r := range refs {
		if r.Type() == plumbing.HashReference {
			out[r.Name().String()] = r.Hash().String()
		}
	}
	return out, nil
}

// fetchDefinitionFile reads one file from the tip of a definition repo via a
// depth-1 in-memory clone.
func fetchDefinitionFile(repo, file string, auth transport.AuthMethod) ([]byte, error) {
	fs := memfs.New()
	_, err := git.Clone(memory.NewStorage(), fs, &git.CloneOptions{
		URL:          repo,
		Auth:         auth,
		Depth:        1,
		SingleBranch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("clone %s: %w", repo, err)
	}
	f, err := fs.Open(file)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", file, err)
	}
	defer f.Close()
	return io.ReadAll(f)
}
