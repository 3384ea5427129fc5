package hooks

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/ethpandaops/director/pkg/config"
)

type bitbucketStatus struct {
	State       string `json:"state"`
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description"`
	URL         string `json:"url,omitempty"`
}

type bitbucketReporter struct {
	client *http.Client
}

// NewBitbucketReporter reports group states as Bitbucket build statuses.
// The hook URL is the repository API URL, e.g.
// https://api.bitbucket.org/2.0/repositories/workspace/repo.
func NewBitbucketReporter(client *http.Client) Reporter {
	return &bitbucketReporter{client: client}
}

func (r *bitbucketReporter) Kind() string {
	return config.HookKindBitbucket
}

func (r *bitbucketReporter) DefaultEvents() []EventType {
	return RunEvents
}

func (r *bitbucketReporter) Report(
	ctx context.Context, hook config.HookConfig, event Event,
) error {
	if hook.Username == "" || hook.Token == "" {
		return fmt.Errorf("bitbucket hook %s: %w", hook.ID, ErrMissingCredentials)
	}

	sha := event.Run.Commit.SHA
	if sha == "" {
		return fmt.Errorf("bitbucket hook %s: %w", hook.ID, ErrMissingCommit)
	}

	label := ContextLabel(hook.BuildName, event.Run.CIBuildID, event.Group.GroupID)

	status := bitbucketStatus{
		State:       "INPROGRESS",
		Key:         StatusKey(hook.ID, label),
		Name:        label,
		Description: Describe(event),
		URL:         event.RunURL,
	}

	switch event.Type {
	case EventRunFinish:
		status.State = "FAILED"
		if event.Successful() {
			status.State = "SUCCESSFUL"
		}
	case EventRunTimeout:
		status.State = "FAILED"
	}

	body, err := marshal(hook, status)
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf(
		"%s/commit/%s/statuses/build", strings.TrimSuffix(hook.URL, "/"), sha,
	)

	return postJSON(ctx, r.client, hook, endpoint, body, nil, func(req *http.Request) {
		req.SetBasicAuth(hook.Username, hook.Token)
	})
}
