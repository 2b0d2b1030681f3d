// Package aggregate owns run status mutation under the per-build lock: it
// writes the run's transition, recomputes the build's cumulative status, and
// hands terminal runs to the trigger engine for fan-out and build-complete
// notification.
package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"git.home.luguber.info/inful/jobserv/internal/artifacts"
	jerrors "git.home.luguber.info/inful/jobserv/internal/errors"
	"git.home.luguber.info/inful/jobserv/internal/locks"
	"git.home.luguber.info/inful/jobserv/internal/logfields"
	"git.home.luguber.info/inful/jobserv/internal/metrics"
	"git.home.luguber.info/inful/jobserv/internal/notify"
	"git.home.luguber.info/inful/jobserv/internal/pipeline"
	"git.home.luguber.info/inful/jobserv/internal/status"
	"git.home.luguber.info/inful/jobserv/internal/store"
	"git.home.luguber.info/inful/jobserv/internal/trigger"
	"git.home.luguber.info/inful/jobserv/internal/urls"
)

// Aggregator serializes per-build state propagation.
type Aggregator struct {
	store     *store.Store
	locks     *locks.Registry
	artifacts artifacts.Store
	engine    *trigger.Engine
	notifier  notify.Notifier
	recorder  metrics.Recorder
	urls      urls.Builder
	logger    *slog.Logger
}

// New wires an aggregator.
func New(s *store.Store, reg *locks.Registry, a artifacts.Store, e *trigger.Engine,
	n notify.Notifier, rec metrics.Recorder, u urls.Builder, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if rec == nil {
		rec = metrics.NopRecorder{}
	}
	if n == nil {
		n = notify.Nop{}
	}
	return &Aggregator{store: s, locks: reg, artifacts: a, engine: e,
		notifier: n, recorder: rec, urls: u, logger: logger}
}

func buildLockKey(buildRef int64) string { return fmt.Sprintf("Build-%d", buildRef) }

// SetRunStatus applies a run status transition under the build lock:
// write run + event, recompute the build, and on a terminal run fire the
// trigger fan-out and build-complete policies. triggerURL becomes
// H_TRIGGER_URL in fanned-out run environments.
func (a *Aggregator) SetRunStatus(ctx context.Context, runRef int64, newStatus status.Status, triggerURL string) error {
	run, err := a.store.GetRunByRef(ctx, runRef)
	if err != nil {
		return err
	}

	release := a.locks.Acquire(buildLockKey(run.BuildRef))
	defer release()

	// refresh under the lock; another holder may have advanced state
	run, err = a.store.GetRunByRef(ctx, runRef)
	if err != nil {
		return err
	}
	if err := a.store.SetRunStatus(ctx, run.ID, newStatus); err != nil {
		return err
	}
	a.recorder.RecordRunStatus(newStatus.String())

	if err := a.RefreshBuildStatus(ctx, run.BuildRef); err != nil {
		return err
	}

	run, err = a.store.GetRunByRef(ctx, runRef)
	if err != nil {
		return err
	}
	if !run.Complete() || run.TriggerName == "" {
		return nil
	}

	if err := a.handleTriggers(ctx, run, triggerURL); err != nil {
		if jerrors.IsCategory(err, jerrors.CategoryConflict) || jerrors.IsCategory(err, jerrors.CategoryValidation) {
			return err
		}
		a.failRunWithTrace(ctx, run, err)
		return jerrors.Unexpected(err)
	}
	return nil
}

// RefreshBuild recomputes a build's status under its lock; for callers that
// mutated runs outside the aggregator (dispatch, rerun).
func (a *Aggregator) RefreshBuild(ctx context.Context, buildRef int64) error {
	release := a.locks.Acquire(buildLockKey(buildRef))
	defer release()
	return a.RefreshBuildStatus(ctx, buildRef)
}

// RefreshBuildStatus recomputes a build's cumulative status from its runs,
// appending a BuildEvent on change. Callers hold the build lock.
func (a *Aggregator) RefreshBuildStatus(ctx context.Context, buildRef int64) error {
	runs, err := a.store.RunsForBuild(ctx, buildRef)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		return nil
	}
	statuses := make([]status.Status, len(runs))
	for i, r := range runs {
		statuses[i] = r.Status
	}
	next := status.Cumulative(statuses)

	b, err := a.store.GetBuildByRef(ctx, buildRef)
	if err != nil {
		return err
	}
	if b.Status == next {
		return nil
	}
	if err := a.store.SetBuildStatus(ctx, buildRef, next); err != nil {
		return err
	}
	if next.Terminal() {
		a.recorder.RecordBuildComplete(next.String())
	}
	a.logger.Info("build status changed",
		logfields.Project(b.ProjectName),
		logfields.Build(b.BuildID),
		logfields.Status(next.String()))
	return nil
}

// handleTriggers runs the fan-out for a terminal run: child triggers on
// PASSED, then the build-complete tail when the whole build settled.
func (a *Aggregator) handleTriggers(ctx context.Context, run *store.Run, triggerURL string) error {
	b, err := a.store.GetBuildByRef(ctx, run.BuildRef)
	if err != nil {
		return err
	}

	bref := artifacts.BuildRef{Project: b.ProjectName, BuildID: b.BuildID}
	doc, err := a.artifacts.GetString(ctx, bref.DefinitionPath())
	if err != nil {
		return err
	}
	def, err := pipeline.Parse(doc)
	if err != nil {
		return err
	}

	rref := artifacts.RunRef{Project: b.ProjectName, BuildID: b.BuildID, Run: run.Name}
	rdDoc, err := a.artifacts.GetString(ctx, rref.Path(artifacts.RunDefName))
	if err != nil {
		return err
	}
	var rd pipeline.RunDefinition
	if err := json.Unmarshal(rdDoc, &rd); err != nil {
		return fmt.Errorf("decode run definition: %w", err)
	}

	params := map[string]string{}
	for k, v := range rd.Env {
		params[k] = v
	}
	if triggerURL != "" {
		params["H_TRIGGER_URL"] = triggerURL
	}
	parentType := pipeline.TriggerType(rd.TriggerType)

	runTrigger := def.Trigger(run.TriggerName)
	if runTrigger == nil {
		return nil // definition no longer names the trigger; nothing to fan out
	}

	for _, rt := range runTrigger.Runs {
		if rt.Name != run.Name {
			continue
		}
		if run.Status == status.Passed {
			for _, child := range rt.Triggers {
				if err := a.engine.InstantiateTrigger(ctx, def, b, child, params, rd.Secrets, parentType, run.QueuePriority); err != nil {
					return err
				}
			}
			if err := a.RefreshBuildStatus(ctx, b.ID); err != nil {
				return err
			}
		}
		break
	}

	b, err = a.store.GetBuildByRef(ctx, b.ID)
	if err != nil {
		return err
	}
	if b.Complete() {
		return a.handleBuildComplete(ctx, def, b, rd.Secrets, runTrigger, parentType, run.QueuePriority)
	}
	return nil
}

// handleBuildComplete applies the trigger's email/webhook policies and fires
// build-level child triggers on PASSED.
func (a *Aggregator) handleBuildComplete(ctx context.Context, def *pipeline.Definition, b *store.Build,
	secrets map[string]string, runTrigger *pipeline.Trigger, parentType pipeline.TriggerType, priority int) error {

	failed := b.Status == status.Failed

	if email := runTrigger.Email; email != nil {
		if failed || !email.OnlyFailures {
			summary, err := a.buildSummary(ctx, b)
			if err != nil {
				a.logger.Error("assemble build summary", logfields.Err(err))
			} else if err := a.notifier.BuildCompleteEmail(ctx, summary, email.Users); err != nil {
				a.logger.Warn("build-complete email failed", logfields.Err(err))
			}
		}
	}
	for _, wh := range runTrigger.Webhooks {
		if !failed && wh.OnlyFailures {
			continue
		}
		secret := secrets[wh.SecretName]
		if secret == "" {
			a.logger.Warn("webhook secret missing from run secrets",
				logfields.URL(wh.URL), "secret_name", wh.SecretName)
			continue
		}
		summary, err := a.buildSummary(ctx, b)
		if err != nil {
			a.logger.Error("assemble build summary", logfields.Err(err))
			continue
		}
		if err := a.notifier.BuildCompleteWebhook(ctx, summary, wh.URL, secret); err != nil {
			a.logger.Warn("build-complete webhook failed", logfields.Err(err))
		}
	}

	if b.Status == status.Passed && len(runTrigger.Triggers) > 0 {
		// build-level fan-out gets the build URL, not the run's
		params := map[string]string{
			"H_TRIGGER_URL": a.urls.BuildAPI(b.ProjectName, b.BuildID),
		}
		for _, child := range runTrigger.Triggers {
			if err := a.engine.InstantiateTrigger(ctx, def, b, child, params, secrets, parentType, priority); err != nil {
				return err
			}
		}
		return a.RefreshBuildStatus(ctx, b.ID)
	}
	return nil
}

func (a *Aggregator) buildSummary(ctx context.Context, b *store.Build) (notify.BuildSummary, error) {
	runs, err := a.store.RunsForBuild(ctx, b.ID)
	if err != nil {
		return notify.BuildSummary{}, err
	}
	history, err := a.store.BuildHistory(ctx, b.ProjectID, b.ID, 20)
	if err != nil {
		return notify.BuildSummary{}, err
	}
	s := notify.BuildSummary{
		Project: b.ProjectName,
		BuildID: b.BuildID,
		Status:  b.Status.String(),
		Reason:  b.Reason,
		URL:     a.urls.BuildFrontend(b.ProjectName, b.BuildID),
		History: history,
	}
	for _, r := range runs {
		s.Runs = append(s.Runs, notify.RunSummary{
			Name:   r.Name,
			Status: r.Status.String(),
			URL:    a.urls.RunFrontend(b.ProjectName, b.BuildID, r.Name),
		})
	}
	return s, nil
}

// failRunWithTrace records a fan-out failure on the run itself: FAILED
// status, the error appended to the console, log finalized.
func (a *Aggregator) failRunWithTrace(ctx context.Context, run *store.Run, cause error) {
	b, err := a.store.GetBuildByRef(ctx, run.BuildRef)
	if err != nil {
		a.logger.Error("load build for failure trace", logfields.Err(err))
		return
	}
	rref := artifacts.RunRef{Project: b.ProjectName, BuildID: b.BuildID, Run: run.Name}
	if f, cerr := a.artifacts.ConsoleOpen(rref, "a"); cerr == nil {
		fmt.Fprintf(f, "\nUnexpected error during trigger fan-out:\n%v\n", cause)
		_ = f.Close()
	}
	_ = a.artifacts.ConsoleFinalize(ctx, rref)
	_ = a.store.SetRunStatus(ctx, run.ID, status.Failed)
	_ = a.RefreshBuildStatus(ctx, run.BuildRef)
	a.logger.Error("trigger fan-out failed",
		logfields.Project(b.ProjectName),
		logfields.Build(b.BuildID),
		logfields.Run(run.Name),
		logfields.Err(cause))
}
