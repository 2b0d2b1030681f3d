// Package trigger instantiates builds and runs from project definitions:
// initial builds from external events, and child runs fanned out when a run
// or build completes.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"git.home.luguber.info/inful/jobserv/internal/artifacts"
	jerrors "git.home.luguber.info/inful/jobserv/internal/errors"
	"git.home.luguber.info/inful/jobserv/internal/logfields"
	"git.home.luguber.info/inful/jobserv/internal/pipeline"
	"git.home.luguber.info/inful/jobserv/internal/status"
	"git.home.luguber.info/inful/jobserv/internal/store"
	"git.home.luguber.info/inful/jobserv/internal/urls"
)

// Engine creates builds and their runs.
type Engine struct {
	store     *store.Store
	artifacts artifacts.Store
	urls      urls.Builder
	logger    *slog.Logger
}

// New creates a trigger engine.
func New(s *store.Store, a artifacts.Store, u urls.Builder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: s, artifacts: a, urls: u, logger: logger}
}

// TriggerBuild creates a build and its initial runs for the named trigger.
// The project definition is stored immutably next to the build before any
// run exists. Unexpected failures after the build row exists surface as a
// FAILED "build-failure" run with the error in its console.
func (e *Engine) TriggerBuild(ctx context.Context, p *store.Project, reason, triggerName string,
	params, secrets map[string]string, def *pipeline.Definition, priority int) (*store.Build, error) {

	b, err := e.store.CreateBuild(ctx, p, reason, triggerName)
	if err != nil {
		return nil, err
	}

	doc, err := def.Marshal()
	if err != nil {
		return nil, e.failBuild(ctx, b, err)
	}
	bref := artifacts.BuildRef{Project: p.Name, BuildID: b.BuildID}
	if err := e.artifacts.PutString(ctx, bref.DefinitionPath(), doc); err != nil {
		return nil, e.failBuild(ctx, b, err)
	}

	trig := def.Trigger(triggerName)
	if trig == nil {
		return nil, e.failBuild(ctx, b,
			fmt.Errorf("project %s does not have a trigger: %s", p.Name, triggerName))
	}

	if err := e.TriggerRuns(ctx, def, b, trig, trig.Type, params, secrets, priority); err != nil {
		if jerrors.IsCategory(err, jerrors.CategoryValidation) || jerrors.IsCategory(err, jerrors.CategoryConflict) {
			return nil, err
		}
		return nil, e.failBuild(ctx, b, err)
	}
	return b, nil
}

// TriggerRuns creates one run per declaration in trig, synthesizing and
// storing each run-definition. effType is the (possibly upgraded) trigger
// type recorded in the run definitions.
func (e *Engine) TriggerRuns(ctx context.Context, def *pipeline.Definition, b *store.Build,
	trig *pipeline.Trigger, effType pipeline.TriggerType, params, secrets map[string]string, priority int) error {

	for _, rt := range trig.Runs {
		name := rt.Name
		if trig.RunNames != "" {
			name = strings.ReplaceAll(trig.RunNames, "{name}", name)
		}
		run, err := e.store.CreateRun(ctx, b, name, trig.Name, strings.ToLower(rt.HostTag), priority)
		if err != nil {
			return err
		}

		rundef, err := def.Synthesize(pipeline.SynthesisInput{
			Project:     b.ProjectName,
			BuildID:     b.BuildID,
			RunName:     name,
			APIKey:      run.APIKey,
			RunURL:      e.urls.RunAPI(b.ProjectName, b.BuildID, name),
			FrontendURL: e.urls.RunFrontend(b.ProjectName, b.BuildID, name),
			TriggerType: effType,
			EventParams: params,
			Secrets:     secrets,
		}, trig, rt)
		if err != nil {
			return err
		}
		doc, err := rundef.Marshal()
		if err != nil {
			return fmt.Errorf("marshal run definition: %w", err)
		}
		rref := artifacts.RunRef{Project: b.ProjectName, BuildID: b.BuildID, Run: name}
		if err := e.artifacts.PutString(ctx, rref.Path(artifacts.RunDefName), doc); err != nil {
			return err
		}
		e.logger.Info("run created",
			logfields.Project(b.ProjectName),
			logfields.Build(b.BuildID),
			logfields.Run(name),
			logfields.Trigger(trig.Name),
			logfields.HostTag(run.HostTag))
	}
	return nil
}

// InstantiateTrigger fans out one child trigger: each of its runs becomes a
// new run of the build, with the trigger type upgraded so SCM status
// reporting continues through the chain. A duplicate run name within the
// build is a Conflict, surfaced to the caller rather than a database error.
func (e *Engine) InstantiateTrigger(ctx context.Context, def *pipeline.Definition, b *store.Build,
	child pipeline.ChildTrigger, params, secrets map[string]string, parentType pipeline.TriggerType, priority int) error {

	trig := def.Trigger(child.Name)
	if trig == nil {
		return jerrors.ValidationFailed("no such trigger in project definition: " + child.Name)
	}
	// the stored definition's trigger is shared state; copy before binding
	// the fan-out run-names format
	t := *trig
	t.RunNames = child.RunNames

	effType := pipeline.Upgrade(t.Type, parentType)
	return e.TriggerRuns(ctx, def, b, &t, effType, params, secrets, priority)
}

// failBuild records an unexpected build-creation failure as a FAILED
// "build-failure" run whose console carries the error.
func (e *Engine) failBuild(ctx context.Context, b *store.Build, cause error) error {
	e.logger.Error("unexpected error creating build",
		logfields.Project(b.ProjectName), logfields.Build(b.BuildID), logfields.Err(cause))

	run, err := e.store.CreateRun(ctx, b, "build-failure", "", "", 0)
	if err == nil {
		_ = e.store.SetRunStatus(ctx, run.ID, status.Failed)
		rref := artifacts.RunRef{Project: b.ProjectName, BuildID: b.BuildID, Run: run.Name}
		if f, cerr := e.artifacts.ConsoleOpen(rref, "a"); cerr == nil {
			fmt.Fprintf(f, "Unexpected error prevented build from running:\n%v\n", cause)
			_ = f.Close()
			_ = e.artifacts.ConsoleFinalize(ctx, rref)
		}
	}
	_ = e.store.SetBuildStatus(ctx, b.ID, status.Failed)
	return jerrors.Unexpected(cause)
}
