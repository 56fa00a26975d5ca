package github

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/go-github/v50/github"
	"golang.org/x/oauth2"

	"github.com/gantryci/gantry/scm"
)

// Client is used for making requests to GitHub
type Client struct {
	token string
}

func (gc *Client) client() *github.Client {
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: gc.token},
	)
	tc := oauth2.NewClient(context.Background(), ts)
	return github.NewClient(tc)
}

// CreateHook creates a webhook
func (gc *Client) CreateHook(owner, repo, callback string, events []string) error {
	hook := &github.Hook{
		Events: events,
		Name:   github.String("web"),
		Config: map[string]interface{}{
			"url":          callback,
			"content_type": "json",
		},
	}

	if _, _, err := gc.client().Repositories.CreateHook(context.Background(), owner, repo, hook); err != nil {
		return err
	}

	return nil
}

// CreateStatus posts a commit status for a run stage
func (gc *Client) CreateStatus(owner, repo, ref string, stageIndex int, stageName, state string) error {
	statusContext := fmt.Sprintf("gantry:%d", stageIndex)

	status := &github.RepoStatus{
		State:       &state,
		Description: &stageName,
		Context:     &statusContext,
	}

	if _, _, err := gc.client().Repositories.CreateStatus(context.Background(), owner, repo, ref, status); err != nil {
		return err
	}

	return nil
}

// GetFileContent fetches a file from the given commit or branch
func (gc *Client) GetFileContent(owner, repo, path, ref string) ([]byte, bool) {
	file, _, _, err := gc.client().Repositories.GetContents(context.Background(),
		owner,
		repo,
		path,
		&github.RepositoryContentGetOptions{Ref: ref})
	if err != nil || file == nil {
		return nil, false
	}

	decoded, err := file.GetContent()
	if err != nil {
		return nil, false
	}

	return []byte(decoded), true
}

// GetRepository fetches repository details from GitHub
func (gc *Client) GetRepository(owner, name string) (*scm.Repository, bool) {
	data, _, err := gc.client().Repositories.Get(context.Background(), owner, name)
	if err != nil {
		return nil, false
	}

	repo := &scm.Repository{
		ID:            data.GetID(),
		Owner:         data.GetOwner().GetLogin(),
		Name:          data.GetName(),
		FullName:      data.GetFullName(),
		Avatar:        data.GetOwner().GetAvatarURL(),
		CloneURL:      data.GetCloneURL(),
		Permissions:   data.GetPermissions(),
		DefaultBranch: data.GetDefaultBranch(),
	}

	return repo, true
}

// ListRepositories lists the repositories accessible by the current user
func (gc *Client) ListRepositories(user string) (repos []*scm.Repository, err error) {
	opts := new(github.RepositoryListOptions)
	opts.PerPage = 100
	opts.Page = 1

	// loop through user repository list
	for opts.Page > 0 {
		list, res, err := gc.client().Repositories.List(context.Background(), user, opts)
		if err != nil {
			return nil, err
		}

		for _, repo := range list {
			repos = append(repos, &scm.Repository{
				ID:            repo.GetID(),
				Owner:         repo.GetOwner().GetLogin(),
				Name:          repo.GetName(),
				FullName:      repo.GetFullName(),
				Avatar:        repo.GetOwner().GetAvatarURL(),
				DefaultBranch: repo.GetDefaultBranch(),
			})
		}
		// increment the next page to retrieve
		opts.Page = res.NextPage
	}

	return repos, nil
}

// ParseHook parses the contents of a webhook to build useful data. For
// push events the branch is taken from the ref, for pull requests from
// the base branch the change targets.
func (gc *Client) ParseHook(body []byte, event string) (*scm.Hook, error) {
	switch event {
	case scm.EventPullRequest:
		payload := new(github.PullRequestEvent)
		if err := json.Unmarshal(body, payload); err != nil {
			return nil, err
		}

		return &scm.Hook{
			Author:   payload.GetSender().GetLogin(),
			Branch:   payload.GetPullRequest().GetBase().GetRef(),
			CloneURL: payload.GetRepo().GetCloneURL(),
			Commit:   payload.GetPullRequest().GetHead().GetSHA(),
			Event:    event,
		}, nil
	default:
		payload := new(github.PushEvent)
		if err := json.Unmarshal(body, payload); err != nil {
			return nil, err
		}

		return &scm.Hook{
			Author:   payload.GetSender().GetLogin(),
			Branch:   strings.Replace(payload.GetRef(), "refs/heads/", "", -1),
			CloneURL: payload.GetRepo().GetCloneURL(),
			Commit:   payload.GetHeadCommit().GetID(),
			Event:    event,
		}, nil
	}
}

// HookExists checks whether a webhook with the given callback already exists
func (gc *Client) HookExists(owner, repo, url string) bool {
	hooks, _, err := gc.client().Repositories.ListHooks(context.Background(), owner, repo, nil)
	if err != nil {
		return false
	}

	for _, hook := range hooks {
		if cb, ok := hook.Config["url"].(string); ok && cb == url {
			return true
		}
	}

	return false
}

// AccessToken returns the client's access token
func (gc *Client) AccessToken() string {
	return gc.token
}

// SetAccessToken sets the client's access token
func (gc *Client) SetAccessToken(token string) {
	gc.token = token
}

// Name returns the client's remote source name
func (gc *Client) Name() string {
	return scm.RepoGithub
}
