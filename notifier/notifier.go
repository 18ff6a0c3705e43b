// Package notifier defines the categorical dispatch hooks the diff engine
// drives (spec §4.5/§6) and a reference webhook implementation.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wizdiff/wizdiff/delta"
)

// Notifier receives the four categorical hooks a diff pass emits, in the
// order RevisionAnnounced, then per-file deltas in manifest iteration
// order. The core never inspects a notifier's return value beyond error
// logging; a notifier failure never aborts or rolls back the diff pass.
type Notifier interface {
	NotifyRevision(ctx context.Context, revision delta.RevisionAnnounced) error
	NotifyAnyFile(ctx context.Context, d interface{}) error
	NotifyPlainFile(ctx context.Context, d interface{}) error
	NotifyArchiveFile(ctx context.Context, d interface{}) error
}

// Multi fans every hook out to a fixed set of Notifiers, logging (not
// failing) on individual errors, so one misbehaving webhook never blocks
// the others.
type Multi struct {
	logger    *logrus.Logger
	notifiers []Notifier
}

// NewMulti builds a Multi over notifiers.
func NewMulti(logger *logrus.Logger, notifiers ...Notifier) *Multi {
	return &Multi{logger: logger, notifiers: notifiers}
}

func (m *Multi) NotifyRevision(ctx context.Context, revision delta.RevisionAnnounced) error {
	for _, n := range m.notifiers {
		if err := n.NotifyRevision(ctx, revision); err != nil {
			m.logger.Warnf("notifier: NotifyRevision failed: %v", err)
		}
	}
	return nil
}

func (m *Multi) NotifyAnyFile(ctx context.Context, d interface{}) error {
	for _, n := range m.notifiers {
		if err := n.NotifyAnyFile(ctx, d); err != nil {
			m.logger.Warnf("notifier: NotifyAnyFile failed: %v", err)
		}
	}
	return nil
}

func (m *Multi) NotifyPlainFile(ctx context.Context, d interface{}) error {
	for _, n := range m.notifiers {
		if err := n.NotifyPlainFile(ctx, d); err != nil {
			m.logger.Warnf("notifier: NotifyPlainFile failed: %v", err)
		}
	}
	return nil
}

func (m *Multi) NotifyArchiveFile(ctx context.Context, d interface{}) error {
	for _, n := range m.notifiers {
		if err := n.NotifyArchiveFile(ctx, d); err != nil {
			m.logger.Warnf("notifier: NotifyArchiveFile failed: %v", err)
		}
	}
	return nil
}

// WebhookNotifier posts each hook's delta as a JSON body to a single
// webhook URL, the way update_notifier.py's WebhookUpdateNotifier posts to
// Discord/Slack-style incoming webhooks.
type WebhookNotifier struct {
	logger *logrus.Logger
	url    string
	thread string
	client *http.Client
}

// NewWebhookNotifier builds a WebhookNotifier posting to url, scoped to
// thread (a Discord/Slack-style thread/channel id) when non-empty, the way
// WebhookUpdateNotifier.send_to_webhook sets params["thread_id"].
func NewWebhookNotifier(logger *logrus.Logger, url, thread string) *WebhookNotifier {
	return &WebhookNotifier{
		logger: logger,
		url:    url,
		thread: thread,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type webhookPayload struct {
	Kind string      `json:"kind"`
	Data interface{} `json:"data"`
}

func (w *WebhookNotifier) post(ctx context.Context, kind string, data interface{}) error {
	body, err := json.Marshal(webhookPayload{Kind: kind, Data: data})
	if err != nil {
		return err
	}
	url := w.url
	if w.thread != "" {
		if strings.Contains(url, "?") {
			url += "&thread_id=" + w.thread
		} else {
			url += "?thread_id=" + w.thread
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned status %d", w.url, resp.StatusCode)
	}
	return nil
}

func (w *WebhookNotifier) NotifyRevision(ctx context.Context, revision delta.RevisionAnnounced) error {
	return w.post(ctx, "revision", revision)
}

func (w *WebhookNotifier) NotifyAnyFile(ctx context.Context, d interface{}) error {
	return w.post(ctx, "any_file", d)
}

func (w *WebhookNotifier) NotifyPlainFile(ctx context.Context, d interface{}) error {
	return w.post(ctx, "plain_file", d)
}

func (w *WebhookNotifier) NotifyArchiveFile(ctx context.Context, d interface{}) error {
	return w.post(ctx, "archive_file", d)
}
