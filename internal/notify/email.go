package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"git.home.luguber.info/inful/jobserv/internal/logfields"
)

// SMTPConfig carries mail delivery settings.
type SMTPConfig struct {
	Server   string // host:port
	User     string
	Password string

	// NotificationEmails receives surge and run-terminated notices.
	NotificationEmails string
}

// EmailNotifier delivers notifications over SMTP. Sends retry up to three
// times with backoff before the failure is logged and swallowed; mail is
// best-effort and never fails the pipeline.
type EmailNotifier struct {
	cfg    SMTPConfig
	logger *slog.Logger

	// send is swappable for tests.
	send func(msg message) error
}

type message struct {
	id      string // Message-ID, when threading matters
	replyTo string // In-Reply-To
	to      string
	subject string
	body    string
}

// NewEmailNotifier creates an SMTP-backed notifier.
func NewEmailNotifier(cfg SMTPConfig, logger *slog.Logger) *EmailNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	n := &EmailNotifier{cfg: cfg, logger: logger}
	n.send = n.smtpSend
	return n
}

func (n *EmailNotifier) smtpSend(msg message) error {
	host := n.cfg.Server
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	auth := smtp.PlainAuth("", n.cfg.User, n.cfg.Password, host)

	var hdr strings.Builder
	fmt.Fprintf(&hdr, "From: %s\r\n", n.cfg.User)
	fmt.Fprintf(&hdr, "To: %s\r\n", msg.to)
	fmt.Fprintf(&hdr, "Subject: %s\r\n", msg.subject)
	if msg.id != "" {
		fmt.Fprintf(&hdr, "Message-ID: %s\r\n", msg.id)
	}
	if msg.replyTo != "" {
		fmt.Fprintf(&hdr, "In-Reply-To: %s\r\n", msg.replyTo)
	}
	hdr.WriteString("\r\n")

	to := strings.Split(msg.to, ",")
	for i := range to {
		to[i] = strings.TrimSpace(to[i])
	}
	return smtp.SendMail(n.cfg.Server, auth, n.cfg.User, to, []byte(hdr.String()+msg.body))
}

// deliver retries transient SMTP failures; a message that cannot be sent is
// logged with its content so an operator can recover it.
func (n *EmailNotifier) deliver(ctx context.Context, msg message) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	err := backoff.Retry(func() error { return n.send(msg) }, bo)
	if err != nil {
		n.logger.Error("unable to send email",
			"subject", msg.subject, "to", msg.to, logfields.Err(err))
	}
	return err
}

func (n *EmailNotifier) BuildCompleteEmail(ctx context.Context, b BuildSummary, recipients string) error {
	subject, body := composeBuildComplete(b)
	return n.deliver(ctx, message{to: recipients, subject: subject, body: body})
}

// composeBuildComplete renders the build-complete mail body.
func composeBuildComplete(b BuildSummary) (subject, body string) {
	subject = fmt.Sprintf("jobserv: %s build #%d : %s", b.Project, b.BuildID, b.Status)

	var sb strings.Builder
	sb.WriteString(subject + "\n")
	fmt.Fprintf(&sb, "Build URL: %s\n\n", b.URL)
	sb.WriteString("Runs:\n")
	for _, r := range b.Runs {
		fmt.Fprintf(&sb, "  %s: %s\n    %s\n", r.Name, r.Status, r.URL)
	}
	if b.Reason != "" {
		sb.WriteString("\nReason:\n" + b.Reason + "\n")
	}
	if b.History != "" {
		passes := strings.Count(b.History, "+")
		rate := passes * 100 / len(b.History)
		fmt.Fprintf(&sb, "\nBuild history for last %d builds:\n", len(b.History))
		fmt.Fprintf(&sb, "  pass rate: %d%%\n", rate)
		fmt.Fprintf(&sb, "   (newest->oldest): %s\n", b.History)
	}
	return subject, sb.String()
}

func (n *EmailNotifier) BuildCompleteWebhook(ctx context.Context, b BuildSummary, url, hmacSecret string) error {
	// webhook delivery lives in WebhookNotifier; email alone ignores it
	return nil
}

func (n *EmailNotifier) SurgeStarted(ctx context.Context, tag string) (string, error) {
	id := fmt.Sprintf("<jobserv-%s-%s@jobserv>", tag, uuid.NewString())
	if n.cfg.NotificationEmails == "" {
		return id, nil
	}
	err := n.deliver(ctx, message{
		id:      id,
		to:      n.cfg.NotificationEmails,
		subject: "jobserv: SURGE!!! " + tag,
		body:    "Surge workers have been enabled for: " + tag + "\n",
	})
	return id, err
}

func (n *EmailNotifier) SurgeEnded(ctx context.Context, tag, priorID string) error {
	if n.cfg.NotificationEmails == "" {
		return nil
	}
	return n.deliver(ctx, message{
		replyTo: priorID,
		to:      n.cfg.NotificationEmails,
		subject: "jobserv: ended surge for " + tag,
		body:    "Surge workers have been disabled for: " + tag + "\n",
	})
}

func (n *EmailNotifier) RunTerminated(ctx context.Context, project string, buildID int, run, cutoff string) error {
	if n.cfg.NotificationEmails == "" {
		return nil
	}
	return n.deliver(ctx, message{
		id:      fmt.Sprintf("<jobserv-run-%s-%s@jobserv>", run, uuid.NewString()),
		to:      n.cfg.NotificationEmails,
		subject: fmt.Sprintf("jobserv: Terminated %s/%d/%s", project, buildID, run),
		body:    fmt.Sprintf("The run has been terminated after: %s\n", cutoff),
	})
}
