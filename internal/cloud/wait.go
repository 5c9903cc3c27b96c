package cloud

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Default wait timeouts.
const (
	DefaultLoadTimeout      = 600 * time.Second
	DefaultHeartbeatTimeout = 90 * time.Second
	DefaultPollInterval     = 3 * time.Second
)

// WaitOptions bounds WaitForLoad. Zero values use the defaults.
type WaitOptions struct {
	LoadTimeout      time.Duration
	HeartbeatTimeout time.Duration
	PollInterval     time.Duration
}

func (o WaitOptions) withDefaults() WaitOptions {
	if o.LoadTimeout <= 0 {
		o.LoadTimeout = DefaultLoadTimeout
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	return o
}

const workspaceQuery = `
query WorkspaceLoadStatus {
  workspaceOrError {
    __typename
    ... on Workspace {
      locationEntries {
        name
        loadStatus
        updatedTimestamp
        locationOrLoadError {
          __typename
          ... on PythonError { message }
        }
      }
    }
    ... on PythonError { message }
  }
  agents {
    status
    lastHeartbeatTime
  }
}`

type locationEntry struct {
	Name                string  `json:"name"`
	LoadStatus          string  `json:"loadStatus"`
	UpdatedTimestamp    float64 `json:"updatedTimestamp"`
	LocationOrLoadError *typed  `json:"locationOrLoadError"`
}

type workspaceStatus struct {
	Workspace struct {
		typed
		LocationEntries []locationEntry `json:"locationEntries"`
	} `json:"workspaceOrError"`
	Agents []struct {
		Status            string   `json:"status"`
		LastHeartbeatTime *float64 `json:"lastHeartbeatTime"`
	} `json:"agents"`
}

func epoch(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// WaitForLoad polls deployment until every named location has loaded since
// the call started. It fails when a location reports a load error, when no
// agent heartbeats within the heartbeat timeout, or when the load timeout
// elapses.
func (c *Client) WaitForLoad(ctx context.Context, deployment string, names []string, opts WaitOptions) error {
	opts = opts.withDefaults()
	start := c.now()
	pending := make(map[string]bool, len(names))
	for _, n := range names {
		pending[n] = true
	}

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	for {
		var status workspaceStatus
		if err := c.Execute(ctx, deployment, workspaceQuery, nil, &status); err != nil {
			return fmt.Errorf("cloud: poll workspace: %w", err)
		}
		if err := status.Workspace.err("workspace"); err != nil {
			return err
		}

		for _, e := range status.Workspace.LocationEntries {
			if !pending[e.Name] {
				continue
			}
			if e.LocationOrLoadError != nil && e.LocationOrLoadError.Typename == "PythonError" {
				return fmt.Errorf("cloud: location %s failed to load: %s", e.Name, e.LocationOrLoadError.Message)
			}
			if e.LoadStatus == "LOADED" && (e.UpdatedTimestamp == 0 || e.UpdatedTimestamp >= epoch(start)) {
				c.logger.Info("location loaded", "location", e.Name, "deployment", deployment)
				delete(pending, e.Name)
			}
		}
		if len(pending) == 0 {
			return nil
		}

		now := c.now()
		elapsed := now.Sub(start)
		if elapsed > opts.HeartbeatTimeout && !agentAlive(status, now, opts.HeartbeatTimeout) {
			return fmt.Errorf("%w: none in the last %s", ErrNoAgentHeartbeat, opts.HeartbeatTimeout)
		}
		if elapsed > opts.LoadTimeout {
			return fmt.Errorf("%w: %s still pending after %s", ErrLoadTimeout, pendingNames(pending), opts.LoadTimeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func agentAlive(s workspaceStatus, now time.Time, window time.Duration) bool {
	cutoff := epoch(now.Add(-window))
	for _, a := range s.Agents {
		if a.LastHeartbeatTime != nil && *a.LastHeartbeatTime >= cutoff {
			return true
		}
	}
	return false
}

func pendingNames(pending map[string]bool) string {
	names := make([]string, 0, len(pending))
	for n := range pending {
		names = append(names, n)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
