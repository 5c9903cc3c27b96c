package ci

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// AvatarLookup resolves the avatar of a commit's author.
type AvatarLookup interface {
	AvatarURL(ctx context.Context, repo, sha string) (string, error)
}

// GitHubAvatars looks up commit authors through the GitHub REST API.
type GitHubAvatars struct {
	APIURL string // defaults to https://api.github.com
	Token  string
	HTTP   *http.Client
}

// AvatarURL returns the avatar of the GitHub user who authored sha in repo.
func (g GitHubAvatars) AvatarURL(ctx context.Context, repo, sha string) (string, error) {
	api := strings.TrimRight(g.APIURL, "/")
	if api == "" {
		api = "https://api.github.com"
	}
	hc := g.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api+"/repos/"+repo+"/commits/"+sha, nil)
	if err != nil {
		return "", fmt.Errorf("github: build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if g.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.Token)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("github: get commit: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("github: get commit %s: status %d", sha, resp.StatusCode)
	}

	var body struct {
		Author *struct {
			AvatarURL string `json:"avatar_url"`
		} `json:"author"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("github: decode commit: %w", err)
	}
	if body.Author == nil {
		return "", nil
	}
	return body.Author.AvatarURL, nil
}
