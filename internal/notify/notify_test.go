package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSign(t *testing.T) {
	body := []byte(`{"build":1}`)
	got := Sign("topsecret", body)

	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write(body)
	want := "sha256:" + hex.EncodeToString(mac.Sum(nil))
	assert.Equal(t, want, got)
}

func TestWebhookDelivery(t *testing.T) {
	var gotSig, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(SigHeader)
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(nil)
	b := BuildSummary{Project: "p", BuildID: 3, Status: "PASSED"}
	require.NoError(t, n.BuildCompleteWebhook(context.Background(), b, srv.URL, "s3cret"))

	assert.Contains(t, gotBody, `"PASSED"`)
	assert.Equal(t, Sign("s3cret", []byte(gotBody)), gotSig)
}

func TestWebhookRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	n := NewWebhookNotifier(nil)
	err := n.Deliver(context.Background(), srv.URL, "s", []byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestComposeBuildComplete(t *testing.T) {
	subject, body := composeBuildComplete(BuildSummary{
		Project: "zephyr",
		BuildID: 12,
		Status:  "FAILED",
		Reason:  "GitHub PR(4): pull_request",
		URL:     "https://jobserv/projects/zephyr/builds/12/",
		Runs: []RunSummary{
			{Name: "unit", Status: "PASSED", URL: "https://jobserv/.../unit/console.log"},
			{Name: "lint", Status: "FAILED", URL: "https://jobserv/.../lint/console.log"},
		},
		History: "+-++",
	})

	assert.Equal(t, "jobserv: zephyr build #12 : FAILED", subject)
	assert.Contains(t, body, "unit: PASSED")
	assert.Contains(t, body, "lint: FAILED")
	assert.Contains(t, body, "Reason:\nGitHub PR(4): pull_request")
	assert.Contains(t, body, "pass rate: 75%")
	assert.Contains(t, body, "(newest->oldest): +-++")
}

func TestSurgeEmailsThread(t *testing.T) {
	var sent []message
	n := NewEmailNotifier(SMTPConfig{NotificationEmails: "ops@example.com"}, nil)
	n.send = func(m message) error {
		sent = append(sent, m)
		return nil
	}

	id, err := n.SurgeStarted(context.Background(), "amd64")
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NoError(t, n.SurgeEnded(context.Background(), "amd64", id))

	require.Len(t, sent, 2)
	assert.Contains(t, sent[0].subject, "SURGE!!! amd64")
	assert.Equal(t, id, sent[0].id)
	assert.Equal(t, id, sent[1].replyTo)
}

func TestSurgeStartedWithoutRecipients(t *testing.T) {
	n := NewEmailNotifier(SMTPConfig{}, nil)
	n.send = func(m message) error {
		t.Fatal("no mail should be sent without recipients")
		return nil
	}
	id, err := n.SurgeStarted(context.Background(), "arm64")
	require.NoError(t, err)
	assert.NotEmpty(t, id, "an id is still minted for the flag file")
}

func TestEmailRetriesThenGivesUp(t *testing.T) {
	var calls int
	n := NewEmailNotifier(SMTPConfig{NotificationEmails: "ops@example.com"}, nil)
	n.send = func(m message) error {
		calls++
		return fmt.Errorf("smtp down")
	}
	err := n.RunTerminated(context.Background(), "p", 1, "unit", "60m")
	require.Error(t, err)
	assert.Equal(t, 4, calls, "initial try plus three retries")
}

func TestComposeOmitsEmptySections(t *testing.T) {
	_, body := composeBuildComplete(BuildSummary{Project: "p", BuildID: 1, Status: "PASSED"})
	assert.False(t, strings.Contains(body, "Reason:"))
	assert.False(t, strings.Contains(body, "pass rate"))
}
