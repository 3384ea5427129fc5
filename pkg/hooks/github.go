package hooks

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ethpandaops/director/pkg/config"
)

const defaultGitHubAPI = "https://api.github.com"

type githubOptions struct {
	// APIURL overrides the API base derived from the repository URL.
	APIURL string `mapstructure:"api_url"`
}

type githubStatus struct {
	State       string `json:"state"`
	TargetURL   string `json:"target_url,omitempty"`
	Description string `json:"description"`
	Context     string `json:"context"`
}

type githubReporter struct {
	client *http.Client
}

// NewGitHubReporter reports group states as GitHub commit statuses. The
// hook URL is the repository URL, e.g. https://github.com/org/repo.
func NewGitHubReporter(client *http.Client) Reporter {
	return &githubReporter{client: client}
}

func (r *githubReporter) Kind() string {
	return config.HookKindGitHub
}

func (r *githubReporter) DefaultEvents() []EventType {
	return RunEvents
}

func (r *githubReporter) Report(
	ctx context.Context, hook config.HookConfig, event Event,
) error {
	if hook.Token == "" {
		return fmt.Errorf("github hook %s: %w", hook.ID, ErrMissingCredentials)
	}

	sha := event.Run.Commit.SHA
	if sha == "" {
		return fmt.Errorf("github hook %s: %w", hook.ID, ErrMissingCommit)
	}

	var opts githubOptions
	if err := decodeOptions(hook, &opts); err != nil {
		return &HookDeliveryError{HookID: hook.ID, Kind: hook.Kind, Err: err}
	}

	apiBase, owner, repo, err := parseGitHubRepo(hook.URL, opts.APIURL)
	if err != nil {
		return &HookDeliveryError{HookID: hook.ID, Kind: hook.Kind, Err: err}
	}

	status := githubStatus{
		State:       "pending",
		TargetURL:   event.RunURL,
		Description: Describe(event),
		Context:     ContextLabel(hook.BuildName, event.Run.CIBuildID, event.Group.GroupID),
	}

	switch event.Type {
	case EventRunFinish:
		status.State = "failure"
		if event.Successful() {
			status.State = "success"
		}
	case EventRunTimeout:
		status.State = "failure"
	}

	body, err := marshal(hook, status)
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/repos/%s/%s/statuses/%s", apiBase, owner, repo, sha)

	return postJSON(ctx, r.client, hook, endpoint, body, map[string]string{
		"Accept":        "application/vnd.github+json",
		"Authorization": "Bearer " + hook.Token,
	}, nil)
}

// parseGitHubRepo splits a repository URL into API base, owner and repo.
func parseGitHubRepo(repoURL, apiURL string) (string, string, string, error) {
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", "", "", fmt.Errorf("parsing repository url: %w", err)
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", fmt.Errorf("repository url %q has no owner/repo", repoURL)
	}

	owner := parts[0]
	repo := strings.TrimSuffix(parts[1], ".git")

	base := strings.TrimSuffix(apiURL, "/")
	if base == "" {
		if u.Host == "github.com" || u.Host == "www.github.com" {
			base = defaultGitHubAPI
		} else {
			base = fmt.Sprintf("%s://%s/api/v3", u.Scheme, u.Host)
		}
	}

	return base, owner, repo, nil
}
