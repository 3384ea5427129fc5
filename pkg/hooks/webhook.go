package hooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/ethpandaops/director/pkg/config"
	"github.com/ethpandaops/director/pkg/results"
	"github.com/ethpandaops/director/pkg/store"
)

// Webhook request headers.
const (
	SignatureHeader = "X-Director-Signature"
	EventHeader     = "X-Director-Event"
)

// WebhookPayload is the body posted to generic webhooks.
type WebhookPayload struct {
	Event      EventType        `json:"event"`
	Timestamp  time.Time        `json:"timestamp"`
	RunID      string           `json:"runId"`
	ProjectID  string           `json:"projectId"`
	CIBuildID  string           `json:"ciBuildId,omitempty"`
	GroupID    string           `json:"groupId"`
	RunURL     string           `json:"runUrl,omitempty"`
	Commit     store.Commit     `json:"commit"`
	State      store.State      `json:"state"`
	Successful bool             `json:"successful"`
	Progress   results.Progress `json:"progress"`
	Instance   *WebhookInstance `json:"instance,omitempty"`
}

// WebhookInstance describes the instance of instance events.
type WebhookInstance struct {
	InstanceID string        `json:"instanceId"`
	Spec       string        `json:"spec"`
	Finalized  bool          `json:"finalized"`
	Stats      results.Stats `json:"stats"`
}

type webhookReporter struct {
	client *http.Client
}

// NewWebhookReporter posts every event as JSON to a generic endpoint. When
// the hook has a secret the body is signed with HMAC-SHA256.
func NewWebhookReporter(client *http.Client) Reporter {
	return &webhookReporter{client: client}
}

func (r *webhookReporter) Kind() string {
	return config.HookKindWebhook
}

func (r *webhookReporter) DefaultEvents() []EventType {
	return AllEvents
}

func (r *webhookReporter) Report(
	ctx context.Context, hook config.HookConfig, event Event,
) error {
	payload := WebhookPayload{
		Event:      event.Type,
		Timestamp:  event.Timestamp,
		RunID:      event.Run.RunID,
		ProjectID:  event.Run.ProjectID,
		CIBuildID:  event.Run.CIBuildID,
		GroupID:    event.Group.GroupID,
		RunURL:     event.RunURL,
		Commit:     event.Run.Commit,
		State:      event.Group.State,
		Successful: event.Successful(),
		Progress:   event.Group.Progress,
	}

	if inst := event.Instance; inst != nil {
		payload.Instance = &WebhookInstance{
			InstanceID: inst.InstanceID,
			Spec:       inst.Spec,
			Finalized:  inst.Finalized,
			Stats:      inst.Stats,
		}
	}

	body, err := marshal(hook, payload)
	if err != nil {
		return err
	}

	headers := map[string]string{EventHeader: string(event.Type)}
	if hook.Secret != "" {
		headers[SignatureHeader] = Sign(hook.Secret, body)
	}

	return postJSON(ctx, r.client, hook, hook.URL, body, headers, nil)
}

// Sign returns the signature header value of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
