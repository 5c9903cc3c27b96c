package ci

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// CommitMetadata describes one commit.
type CommitMetadata struct {
	Hash        string
	Timestamp   time.Time
	Message     string
	AuthorName  string
	AuthorEmail string
}

// GitReader reads commit metadata from a checkout.
type GitReader interface {
	// Commit returns metadata for rev ("HEAD" when empty) in dir.
	Commit(ctx context.Context, dir, rev string) (CommitMetadata, error)
}

// GitCLI implements GitReader with the git executable.
type GitCLI struct {
	Path string
}

const fieldSep = "\x1f"

// Commit runs git log -1 for rev in dir.
func (g GitCLI) Commit(ctx context.Context, dir, rev string) (CommitMetadata, error) {
	path := g.Path
	if path == "" {
		path = "git"
	}
	if rev == "" {
		rev = "HEAD"
	}
	format := strings.Join([]string{"%H", "%ct", "%an", "%ae", "%s"}, "%x1f")
	cmd := exec.CommandContext(ctx, path, "-C", dir, "log", "-1", "--format="+format, rev)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return CommitMetadata{}, fmt.Errorf("git log %s: %w: %s", rev, err, strings.TrimSpace(stderr.String()))
	}
	return parseLog(stdout.String())
}

func parseLog(out string) (CommitMetadata, error) {
	parts := strings.Split(strings.TrimRight(out, "\n"), fieldSep)
	if len(parts) != 5 {
		return CommitMetadata{}, fmt.Errorf("git log: unexpected output %q", out)
	}
	secs, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return CommitMetadata{}, fmt.Errorf("git log: bad commit time %q: %w", parts[1], err)
	}
	return CommitMetadata{
		Hash:        parts[0],
		Timestamp:   time.Unix(secs, 0),
		AuthorName:  parts[2],
		AuthorEmail: parts[3],
		Message:     parts[4],
	}, nil
}
