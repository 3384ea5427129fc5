package hooks

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/docker/go-units"
	"github.com/slack-go/slack"

	"github.com/ethpandaops/director/pkg/config"
)

// Slack result filters.
const (
	ResultFilterAll        = "all"
	ResultFilterFailed     = "failed"
	ResultFilterSuccessful = "successful"
)

type slackOptions struct {
	ResultFilter string `mapstructure:"result_filter"`
	Channel      string `mapstructure:"channel"`
	Username     string `mapstructure:"username"`
}

type slackReporter struct {
	client *http.Client
}

// NewSlackReporter posts finished and timed out groups to a Slack incoming
// webhook.
func NewSlackReporter(client *http.Client) Reporter {
	return &slackReporter{client: client}
}

func (r *slackReporter) Kind() string {
	return config.HookKindSlack
}

// DefaultEvents leaves out RUN_START since the message summarizes results.
func (r *slackReporter) DefaultEvents() []EventType {
	return []EventType{EventRunFinish, EventRunTimeout}
}

func (r *slackReporter) Report(
	ctx context.Context, hook config.HookConfig, event Event,
) error {
	if hook.URL == "" {
		return fmt.Errorf("slack hook %s: %w", hook.ID, ErrMissingCredentials)
	}

	opts := slackOptions{ResultFilter: ResultFilterAll}
	if err := decodeOptions(hook, &opts); err != nil {
		return &HookDeliveryError{HookID: hook.ID, Kind: hook.Kind, Err: err}
	}

	if !passesResultFilter(opts.ResultFilter, event) {
		return nil
	}

	msg := slackMessage(hook, event)
	msg.Channel = opts.Channel
	msg.Username = opts.Username

	if err := slack.PostWebhookCustomHTTPContext(ctx, hook.URL, r.client, msg); err != nil {
		return &HookDeliveryError{HookID: hook.ID, Kind: hook.Kind, Err: err}
	}

	return nil
}

func passesResultFilter(filter string, event Event) bool {
	if event.Type != EventRunFinish && event.Type != EventRunTimeout {
		return true
	}

	switch filter {
	case ResultFilterFailed:
		return !event.Successful()
	case ResultFilterSuccessful:
		return event.Successful()
	default:
		return true
	}
}

func slackMessage(hook config.HookConfig, event Event) *slack.WebhookMessage {
	label := ContextLabel(hook.BuildName, event.Run.CIBuildID, event.Group.GroupID)
	progress := event.Group.Progress

	color := "#439FE0"
	status := "started"

	switch event.Type {
	case EventRunFinish:
		color, status = "danger", "failed"
		if event.Successful() {
			color, status = "good", "passed"
		}
	case EventRunTimeout:
		color, status = "warning", "timed out"
	case EventInstanceStart:
		status = "spec started"
	case EventInstanceFinish:
		status = "spec finished"
	}

	fields := []slack.AttachmentField{
		{Title: "Passed", Value: strconv.Itoa(progress.Tests.Passes), Short: true},
		{Title: "Failed", Value: strconv.Itoa(progress.Tests.Failures), Short: true},
		{Title: "Skipped", Value: strconv.Itoa(progress.Tests.Skipped), Short: true},
		{Title: "Pending", Value: strconv.Itoa(progress.Tests.Pending), Short: true},
		{
			Title: "Specs",
			Value: fmt.Sprintf("%d/%d", progress.CompletedSpecsCount, progress.OverallSpecsCount),
			Short: true,
		},
	}

	if event.Group.State.Terminal() {
		fields = append(fields, slack.AttachmentField{
			Title: "Duration",
			Value: units.HumanDuration(event.Group.StateChangedAt.Sub(event.Group.CreatedAt)),
			Short: true,
		})
	}

	if event.Run.Commit.Branch != "" {
		fields = append(fields, slack.AttachmentField{
			Title: "Branch", Value: event.Run.Commit.Branch, Short: true,
		})
	}

	if event.Instance != nil {
		fields = append(fields, slack.AttachmentField{
			Title: "Spec", Value: event.Instance.Spec, Short: false,
		})
	}

	text := fmt.Sprintf("%s %s", label, status)

	return &slack.WebhookMessage{
		Text: text,
		Attachments: []slack.Attachment{{
			Color:     color,
			Title:     event.Run.ProjectID + " " + event.Run.CIBuildID,
			TitleLink: event.RunURL,
			Text:      event.Run.Commit.Message,
			Fields:    fields,
			Footer:    AppName,
		}},
	}
}
