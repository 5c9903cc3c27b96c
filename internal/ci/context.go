// Package ci detects the pipeline a build runs in and collects the
// repository, branch and commit metadata passed to the deployment service.
package ci

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/papapumpkin/pexship/internal/cloud"
)

// Provider names.
const (
	GitHub = "github"
	GitLab = "gitlab"
	Local  = "local"
)

// ErrMissingEnv indicates a pipeline variable the provider always sets is absent.
var ErrMissingEnv = errors.New("required ci environment variable not set")

// Context is the CI metadata of one invocation. BranchName is set only for
// pull and merge requests, which is when a branch deployment is used.
type Context struct {
	Provider    string
	RepoName    string
	ProjectName string
	Ref         string // current branch, also set outside pull requests
	BranchName  string
	CommitHash  string
	Timestamp   time.Time

	CommitMessage string
	AuthorName    string
	AuthorEmail   string
	AvatarURL     string

	ServerURL         string
	BranchURL         string
	CommitURL         string
	PullRequestURL    string
	PullRequestNumber string
	PullRequestStatus string
	RunURL            string
	RunNumber         string
}

// Options configures FromEnv.
type Options struct {
	// Env looks up environment variables. Defaults to os.Getenv.
	Env        func(string) string
	ProjectDir string
	Git        GitReader
	// Avatars is optional; failures are logged and ignored.
	Avatars AvatarLookup
	Logger  *slog.Logger
}

// FromEnv builds the Context for the current pipeline.
func FromEnv(ctx context.Context, opts Options) (*Context, error) {
	if opts.Env == nil {
		opts.Env = os.Getenv
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	var (
		c   *Context
		err error
	)
	switch {
	case opts.Env("GITHUB_ACTIONS") == "true":
		c, err = fromGitHub(opts.Env)
	case opts.Env("GITLAB_CI") == "true":
		c, err = fromGitLab(opts.Env)
	default:
		c = &Context{Provider: Local}
	}
	if err != nil {
		return nil, err
	}

	c.fillCommit(ctx, opts)

	if c.Provider == GitHub && opts.Avatars != nil && c.CommitHash != "" {
		url, err := opts.Avatars.AvatarURL(ctx, c.RepoName, c.CommitHash)
		if err != nil {
			opts.Logger.Warn("avatar lookup failed", "error", err)
		} else {
			c.AvatarURL = url
		}
	}
	return c, nil
}

func require(env func(string) string, names ...string) (map[string]string, error) {
	vals := make(map[string]string, len(names))
	var missing []string
	for _, n := range names {
		v := env(n)
		if v == "" {
			missing = append(missing, n)
		}
		vals[n] = v
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingEnv, strings.Join(missing, ", "))
	}
	return vals, nil
}

type githubEvent struct {
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	PullRequest *struct {
		Head struct {
			SHA string `json:"sha"`
			Ref string `json:"ref"`
		} `json:"head"`
		HTMLURL string `json:"html_url"`
		Number  int    `json:"number"`
		State   string `json:"state"`
		Merged  bool   `json:"merged"`
	} `json:"pull_request"`
}

func fromGitHub(env func(string) string) (*Context, error) {
	vals, err := require(env, "GITHUB_SERVER_URL", "GITHUB_SHA", "GITHUB_REPOSITORY", "GITHUB_RUN_ID", "GITHUB_EVENT_PATH")
	if err != nil {
		return nil, err
	}
	server := strings.TrimRight(vals["GITHUB_SERVER_URL"], "/")

	data, err := os.ReadFile(vals["GITHUB_EVENT_PATH"])
	if err != nil {
		return nil, fmt.Errorf("ci: read github event: %w", err)
	}
	var ev githubEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("ci: parse github event: %w", err)
	}

	repo := ev.Repository.FullName
	if repo == "" {
		repo = vals["GITHUB_REPOSITORY"]
	}
	c := &Context{
		Provider:    GitHub,
		RepoName:    repo,
		ProjectName: repo,
		Ref:         env("GITHUB_HEAD_REF"),
		CommitHash:  vals["GITHUB_SHA"],
		ServerURL:   server,
		RunURL:      server + "/" + vals["GITHUB_REPOSITORY"] + "/actions/runs/" + vals["GITHUB_RUN_ID"],
		RunNumber:   env("GITHUB_RUN_NUMBER"),
	}
	if c.Ref == "" {
		c.Ref = env("GITHUB_REF_NAME")
	}

	if pr := ev.PullRequest; pr != nil {
		// GITHUB_SHA is a merge commit for pull requests.
		c.CommitHash = pr.Head.SHA
		c.BranchName = pr.Head.Ref
		c.Ref = pr.Head.Ref
		c.BranchURL = server + "/" + repo + "/tree/" + pr.Head.Ref
		c.PullRequestURL = pr.HTMLURL
		c.PullRequestNumber = strconv.Itoa(pr.Number)
		status := pr.State
		if pr.Merged {
			status = "merged"
		}
		c.PullRequestStatus = strings.ToUpper(status)
	}
	c.CommitURL = server + "/" + repo + "/tree/" + c.CommitHash
	return c, nil
}

func fromGitLab(env func(string) string) (*Context, error) {
	vals, err := require(env, "CI_PROJECT_NAME", "CI_PROJECT_PATH", "CI_PROJECT_URL", "CI_COMMIT_SHA")
	if err != nil {
		return nil, err
	}
	projectURL := strings.TrimRight(vals["CI_PROJECT_URL"], "/")
	c := &Context{
		Provider:    GitLab,
		RepoName:    vals["CI_PROJECT_PATH"],
		ProjectName: vals["CI_PROJECT_NAME"],
		Ref:         env("CI_COMMIT_BRANCH"),
		CommitHash:  vals["CI_COMMIT_SHA"],
		ServerURL:   env("CI_SERVER_URL"),
		CommitURL:   projectURL + "/commit/" + vals["CI_COMMIT_SHA"],
		RunURL:      env("CI_PIPELINE_URL"),
		RunNumber:   env("CI_PIPELINE_IID"),
	}
	if iid := env("CI_MERGE_REQUEST_IID"); iid != "" {
		branch := env("CI_MERGE_REQUEST_SOURCE_BRANCH_NAME")
		c.BranchName = branch
		c.Ref = branch
		c.BranchURL = projectURL + "/-/tree/" + branch
		c.PullRequestNumber = iid
		c.PullRequestURL = projectURL + "/-/merge_requests/" + iid
		c.PullRequestStatus = "OPEN"
	}
	return c, nil
}

// fillCommit completes commit metadata from git. Failures are logged; the
// timestamp falls back to the current time.
func (c *Context) fillCommit(ctx context.Context, opts Options) {
	if opts.Git != nil && opts.ProjectDir != "" {
		meta, err := opts.Git.Commit(ctx, opts.ProjectDir, c.CommitHash)
		if err != nil {
			opts.Logger.Warn("reading commit metadata failed", "dir", opts.ProjectDir, "error", err)
		} else {
			if c.CommitHash == "" {
				c.CommitHash = meta.Hash
			}
			c.Timestamp = meta.Timestamp
			c.CommitMessage = meta.Message
			c.AuthorName = meta.AuthorName
			c.AuthorEmail = meta.AuthorEmail
		}
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now()
	}
}

// IsFirstRun reports whether this is the first pipeline run of the
// repository, when agents may still be starting.
func (c *Context) IsFirstRun() bool {
	return c.RunNumber == "1"
}

// DefaultCacheTag returns "<project>/<branch>", or "" when the branch is unknown.
func (c *Context) DefaultCacheTag() string {
	if c.Ref == "" {
		return ""
	}
	project := c.ProjectName
	if project == "" {
		project = c.RepoName
	}
	if project == "" {
		return c.Ref
	}
	return project + "/" + c.Ref
}

// GitURL is the browsable URL of the commit, recorded on locations.
func (c *Context) GitURL() string {
	return c.CommitURL
}

// BranchDeployment returns the branch deployment for a pull or merge
// request. ok is false outside of one.
func (c *Context) BranchDeployment() (bd cloud.BranchDeployment, ok bool) {
	if c.BranchName == "" {
		return cloud.BranchDeployment{}, false
	}
	return cloud.BranchDeployment{
		RepoName:          c.RepoName,
		BranchName:        c.BranchName,
		CommitHash:        c.CommitHash,
		Timestamp:         c.Timestamp,
		BranchURL:         c.BranchURL,
		PullRequestURL:    c.PullRequestURL,
		PullRequestStatus: c.PullRequestStatus,
		PullRequestNumber: c.PullRequestNumber,
		CommitMessage:     c.CommitMessage,
		AuthorName:        c.AuthorName,
		AuthorEmail:       c.AuthorEmail,
		AuthorAvatarURL:   c.AvatarURL,
		CommitURL:         c.CommitURL,
	}, true
}
