package notify

import (
	"context"
)

// Composite fans one notification out to email, webhooks, and the event bus.
// Events is optional.
type Composite struct {
	Email    *EmailNotifier
	Webhooks *WebhookNotifier
	Events   *EventPublisher
}

var _ Notifier = (*Composite)(nil)

func (c *Composite) BuildCompleteEmail(ctx context.Context, b BuildSummary, recipients string) error {
	c.Events.Publish(SubjectBuildComplete, b)
	return c.Email.BuildCompleteEmail(ctx, b, recipients)
}

func (c *Composite) BuildCompleteWebhook(ctx context.Context, b BuildSummary, url, hmacSecret string) error {
	return c.Webhooks.BuildCompleteWebhook(ctx, b, url, hmacSecret)
}

func (c *Composite) SurgeStarted(ctx context.Context, tag string) (string, error) {
	c.Events.Publish(SubjectSurgeStarted, map[string]string{"tag": tag})
	return c.Email.SurgeStarted(ctx, tag)
}

func (c *Composite) SurgeEnded(ctx context.Context, tag, priorID string) error {
	c.Events.Publish(SubjectSurgeEnded, map[string]string{"tag": tag, "prior_id": priorID})
	return c.Email.SurgeEnded(ctx, tag, priorID)
}

func (c *Composite) RunTerminated(ctx context.Context, project string, buildID int, run, cutoff string) error {
	c.Events.Publish(SubjectRunTerminated, map[string]any{
		"project": project, "build": buildID, "run": run, "cutoff": cutoff,
	})
	return c.Email.RunTerminated(ctx, project, buildID, run, cutoff)
}
