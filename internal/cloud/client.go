// Package cloud is a GraphQL client for the deployment service: location
// registration, branch deployments, load polling and blob cache URLs.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// TokenHeader carries the API token on every request.
const TokenHeader = "Dagster-Cloud-Api-Token"

// DefaultDeployment is the full deployment used when none is named.
const DefaultDeployment = "prod"

var (
	// ErrMissingURL indicates the client was created without a service URL.
	ErrMissingURL = errors.New("deployment service url is required")
	// ErrMissingToken indicates the client was created without an API token.
	ErrMissingToken = errors.New("deployment service api token is required")
	// ErrLoadTimeout indicates locations did not finish loading in time.
	ErrLoadTimeout = errors.New("timed out waiting for locations to load")
	// ErrNoAgentHeartbeat indicates no agent heartbeated within the heartbeat timeout.
	ErrNoAgentHeartbeat = errors.New("no agent is actively heartbeating")
	// ErrUnexpectedResponse indicates a response of an unknown shape.
	ErrUnexpectedResponse = errors.New("unexpected response from deployment service")
)

// GraphQLError carries the errors array of a GraphQL response.
type GraphQLError struct {
	Messages []string
}

func (e *GraphQLError) Error() string {
	return "graphql: " + strings.Join(e.Messages, "; ")
}

// Client talks to the deployment service GraphQL API.
type Client struct {
	baseURL    string
	token      string
	deployment string
	http       *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithDeployment sets the deployment used by calls that do not name one.
func WithDeployment(name string) Option {
	return func(c *Client) {
		if name != "" {
			c.deployment = name
		}
	}
}

// WithLogger sets the logger for request diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithClock overrides the time source used while polling.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient returns a Client for the service at baseURL.
func NewClient(baseURL, token string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, ErrMissingURL
	}
	if token == "" {
		return nil, ErrMissingToken
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		deployment: DefaultDeployment,
		http:       &http.Client{Timeout: 60 * time.Second},
		logger:     slog.New(slog.DiscardHandler),
		now:        time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Deployment returns the default deployment name.
func (c *Client) Deployment() string { return c.deployment }

type request struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type response struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Execute runs query against deployment and decodes the data field into out.
func (c *Client) Execute(ctx context.Context, deployment, query string, vars map[string]any, out any) error {
	if deployment == "" {
		deployment = c.deployment
	}
	body, err := json.Marshal(request{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("cloud: encode request: %w", err)
	}

	url := c.baseURL + "/" + deployment + "/graphql"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("cloud: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TokenHeader, c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cloud: %s: %w", url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("cloud: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("cloud: %s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var r response
	if err := json.Unmarshal(raw, &r); err != nil {
		return fmt.Errorf("cloud: decode response: %w", err)
	}
	if len(r.Errors) > 0 {
		msgs := make([]string, len(r.Errors))
		for i, e := range r.Errors {
			msgs[i] = e.Message
		}
		return &GraphQLError{Messages: msgs}
	}
	if out == nil {
		return nil
	}
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return fmt.Errorf("%w: empty data", ErrUnexpectedResponse)
	}
	if err := json.Unmarshal(r.Data, out); err != nil {
		return fmt.Errorf("cloud: decode data: %w", err)
	}
	return nil
}

// typed is the common shape of union results.
type typed struct {
	Typename string `json:"__typename"`
	Message  string `json:"message"`
}

func (t typed) err(op string) error {
	switch t.Typename {
	case "PythonError", "UnauthorizedError", "InvalidLocationError":
		return fmt.Errorf("cloud: %s: %s: %s", op, t.Typename, t.Message)
	}
	return nil
}
