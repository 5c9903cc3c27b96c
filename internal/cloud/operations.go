package cloud

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const generatePexURLMutation = `
mutation GenerateServerlessPexUrl($filenames: [String!]!, $method: String!) {
  generateServerlessPexUrl(filenames: $filenames, method: $method) {
    url
  }
}`

// GenerateURLs returns one pre-signed URL per filename for method, in order.
// A nil URL means the file needs no transfer.
func (c *Client) GenerateURLs(ctx context.Context, filenames []string, method string) ([]*string, error) {
	var out struct {
		GenerateServerlessPexURL []*struct {
			URL *string `json:"url"`
		} `json:"generateServerlessPexUrl"`
	}
	vars := map[string]any{"filenames": filenames, "method": method}
	if err := c.Execute(ctx, "", generatePexURLMutation, vars, &out); err != nil {
		return nil, err
	}
	urls := make([]*string, len(out.GenerateServerlessPexURL))
	for i, u := range out.GenerateServerlessPexURL {
		if u != nil {
			urls[i] = u.URL
		}
	}
	return urls, nil
}

const addOrUpdateLocationMutation = `
mutation AddOrUpdateLocationFromDocument($document: GenericScalar!) {
  addOrUpdateLocationFromDocument(document: $document) {
    __typename
    ... on WorkspaceEntry { locationName }
    ... on PythonError { message }
    ... on InvalidLocationError { errors }
    ... on UnauthorizedError { message }
  }
}`

// LocationDocument is the registration payload of one location.
type LocationDocument struct {
	Name string
	// Spec is the raw workspace entry. Its build section is not sent.
	Spec          map[string]any
	Image         string
	PexTag        string
	PythonVersion string
	CommitHash    string
	GitURL        string
}

// Map returns the document in the service's snake_case schema.
func (d LocationDocument) Map() map[string]any {
	doc := make(map[string]any, len(d.Spec)+4)
	for k, v := range d.Spec {
		if k == "build" {
			continue
		}
		doc[k] = v
	}
	doc["location_name"] = d.Name
	if d.Image != "" {
		doc["image"] = d.Image
	}
	meta := map[string]any{"pex_tag": d.PexTag}
	if d.PythonVersion != "" {
		meta["python_version"] = d.PythonVersion
	}
	doc["pex_metadata"] = meta
	if d.CommitHash != "" || d.GitURL != "" {
		git := map[string]any{}
		if d.CommitHash != "" {
			git["commit_hash"] = d.CommitHash
		}
		if d.GitURL != "" {
			git["url"] = d.GitURL
		}
		doc["git"] = git
	}
	return doc
}

// AddOrUpdateLocation upserts the location described by doc in deployment.
func (c *Client) AddOrUpdateLocation(ctx context.Context, deployment string, doc LocationDocument) error {
	var out struct {
		Result struct {
			typed
			LocationName string   `json:"locationName"`
			Errors       []string `json:"errors"`
		} `json:"addOrUpdateLocationFromDocument"`
	}
	vars := map[string]any{"document": doc.Map()}
	if err := c.Execute(ctx, deployment, addOrUpdateLocationMutation, vars, &out); err != nil {
		return fmt.Errorf("cloud: update location %s: %w", doc.Name, err)
	}
	if out.Result.Typename == "InvalidLocationError" {
		return fmt.Errorf("cloud: update location %s: invalid location: %s", doc.Name, strings.Join(out.Result.Errors, "; "))
	}
	if err := out.Result.err("update location " + doc.Name); err != nil {
		return err
	}
	if out.Result.Typename != "WorkspaceEntry" {
		return fmt.Errorf("%w: update location %s returned %q", ErrUnexpectedResponse, doc.Name, out.Result.Typename)
	}
	c.logger.Debug("location updated", "location", doc.Name, "deployment", deployment)
	return nil
}

const branchDeploymentMutation = `
mutation CreateOrUpdateBranchDeployment($branchData: CreateOrUpdateBranchDeploymentInput!, $commit: DeploymentCommitInput!) {
  createOrUpdateBranchDeployment(branchData: $branchData, commit: $commit) {
    __typename
    ... on DagsterCloudDeployment { deploymentId deploymentName }
    ... on PythonError { message }
  }
}`

// ErrMissingBranchField indicates a BranchDeployment without a required field.
var ErrMissingBranchField = errors.New("branch deployment field is required")

// BranchDeployment identifies a branch deployment by repository and branch.
// RepoName, BranchName, CommitHash and Timestamp are required.
type BranchDeployment struct {
	RepoName   string
	BranchName string
	CommitHash string
	Timestamp  time.Time

	BranchURL         string
	PullRequestURL    string
	PullRequestStatus string // OPEN, CLOSED or MERGED
	PullRequestNumber string
	CommitMessage     string
	AuthorName        string
	AuthorEmail       string
	AuthorAvatarURL   string
	CommitURL         string
}

// Validate checks the required fields.
func (b BranchDeployment) Validate() error {
	switch {
	case b.RepoName == "":
		return fmt.Errorf("%w: repo name", ErrMissingBranchField)
	case b.BranchName == "":
		return fmt.Errorf("%w: branch name", ErrMissingBranchField)
	case b.CommitHash == "":
		return fmt.Errorf("%w: commit hash", ErrMissingBranchField)
	case b.Timestamp.IsZero():
		return fmt.Errorf("%w: timestamp", ErrMissingBranchField)
	}
	return nil
}

func setIf(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

func (b BranchDeployment) variables() map[string]any {
	branch := map[string]any{
		"repoName":   b.RepoName,
		"branchName": b.BranchName,
	}
	setIf(branch, "branchUrl", b.BranchURL)
	setIf(branch, "pullRequestUrl", b.PullRequestURL)
	setIf(branch, "pullRequestStatus", b.PullRequestStatus)
	setIf(branch, "pullRequestNumber", b.PullRequestNumber)

	commit := map[string]any{
		"commitHash": b.CommitHash,
		"timestamp":  float64(b.Timestamp.UnixNano()) / 1e9,
	}
	setIf(commit, "commitMessage", b.CommitMessage)
	setIf(commit, "commitAuthorName", b.AuthorName)
	setIf(commit, "commitAuthorEmail", b.AuthorEmail)
	setIf(commit, "commitAuthorAvatarUrl", b.AuthorAvatarURL)
	setIf(commit, "commitUrl", b.CommitURL)

	return map[string]any{"branchData": branch, "commit": commit}
}

// CreateOrUpdateBranchDeployment upserts the branch deployment and returns
// its deployment name. Repeated calls for the same branch update one record.
func (c *Client) CreateOrUpdateBranchDeployment(ctx context.Context, b BranchDeployment) (string, error) {
	if err := b.Validate(); err != nil {
		return "", err
	}
	var out struct {
		Result struct {
			typed
			DeploymentID   int    `json:"deploymentId"`
			DeploymentName string `json:"deploymentName"`
		} `json:"createOrUpdateBranchDeployment"`
	}
	if err := c.Execute(ctx, "", branchDeploymentMutation, b.variables(), &out); err != nil {
		return "", fmt.Errorf("cloud: branch deployment %s@%s: %w", b.RepoName, b.BranchName, err)
	}
	if err := out.Result.err("branch deployment"); err != nil {
		return "", err
	}
	if out.Result.DeploymentName == "" {
		return "", fmt.Errorf("%w: branch deployment returned %q", ErrUnexpectedResponse, out.Result.Typename)
	}
	c.logger.Info("branch deployment ready", "deployment", out.Result.DeploymentName, "branch", b.BranchName)
	return out.Result.DeploymentName, nil
}
