// Package ui prints progress for CI logs: collapsible groups, error
// annotations the CI provider surfaces on the run page, and a final summary.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/papapumpkin/pexship/internal/bundle"
)

// ANSI color codes.
const (
	reset = "\033[0m"
	bold  = "\033[1m"
	dim   = "\033[2m"
	green = "\033[32m"
	red   = "\033[31m"
	cyan  = "\033[36m"
)

// Mode selects the log markup of a CI provider.
type Mode int

const (
	Plain Mode = iota
	GitHub
	GitLab
)

// ModeFor maps a ci provider name to its Mode.
func ModeFor(provider string) Mode {
	switch provider {
	case "github":
		return GitHub
	case "gitlab":
		return GitLab
	}
	return Plain
}

type Printer struct {
	w     io.Writer
	mode  Mode
	now   func() time.Time
	open  []string
	color bool
}

// New returns a Printer writing to w, or os.Stderr when w is nil.
func New(w io.Writer, mode Mode) *Printer {
	p := &Printer{w: w, mode: mode, now: time.Now}
	if w == nil {
		p.w = os.Stderr
		p.color = true
	}
	return p
}

func (p *Printer) paint(code, s string) string {
	if !p.color {
		return s
	}
	return code + s + reset
}

// Group opens a collapsible log section.
func (p *Printer) Group(title string) {
	switch p.mode {
	case GitHub:
		fmt.Fprintf(p.w, "::group::%s\n", title)
	case GitLab:
		id := sectionID(title)
		p.open = append(p.open, id)
		fmt.Fprintf(p.w, "\033[0Ksection_start:%d:%s[collapsed=true]\r\033[0K%s\n", p.now().Unix(), id, title)
	default:
		fmt.Fprintln(p.w, p.paint(bold+cyan, "── "+title+" ──"))
	}
}

// EndGroup closes the innermost section opened by Group.
func (p *Printer) EndGroup() {
	switch p.mode {
	case GitHub:
		fmt.Fprintln(p.w, "::endgroup::")
	case GitLab:
		if len(p.open) == 0 {
			return
		}
		id := p.open[len(p.open)-1]
		p.open = p.open[:len(p.open)-1]
		fmt.Fprintf(p.w, "\033[0Ksection_end:%d:%s\r\033[0K\n", p.now().Unix(), id)
	}
}

func sectionID(title string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		}
		return '_'
	}, title)
}

func (p *Printer) Info(msg string) {
	fmt.Fprintln(p.w, p.paint(dim, msg))
}

func (p *Printer) Error(msg string) {
	fmt.Fprintf(p.w, "%s%s\n", p.paint(red+bold, "error: "), msg)
}

// LocationError reports a failed location, as an annotation on GitHub.
func (p *Printer) LocationError(location string, err error) {
	if p.mode == GitHub {
		fmt.Fprintf(p.w, "::error title=%s::%s\n",
			escapeProperty("Error deploying Dagster Cloud location "+location),
			escapeData(err.Error()))
		return
	}
	fmt.Fprintf(p.w, "%s %s: %v\n", p.paint(red+bold, "✗"), location, err)
}

// Escaping of workflow command values as the GitHub runner expects.
func escapeData(s string) string {
	return strings.NewReplacer("%", "%25", "\r", "%0D", "\n", "%0A").Replace(s)
}

func escapeProperty(s string) string {
	return strings.NewReplacer("%", "%25", "\r", "%0D", "\n", "%0A", ":", "%3A", ",", "%2C").Replace(s)
}

var (
	styleHeader = lipgloss.NewStyle().Bold(true)
	styleName   = lipgloss.NewStyle().Width(24)
	styleStatus = lipgloss.NewStyle().Width(8)
	styleOK     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	styleFail   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

// Summary prints one row per location with its outcome and pex tag. An
// empty deployment means the locations were built but not registered.
func (p *Printer) Summary(deployment string, builds []*bundle.LocationBuild) {
	header, done := "deployment "+deployment, "deployed"
	if deployment == "" {
		header, done = "not registered", "built"
	}
	rows := []string{
		styleHeader.Render(header),
		styleName.Render("LOCATION") + styleStatus.Render("STATUS") + "DETAIL",
	}
	failed := 0
	for _, b := range builds {
		status, detail := styleOK.Render("ok"), b.Tag
		if b.Err != nil {
			failed++
			status, detail = styleFail.Render("failed"), firstLine(b.Err.Error())
		}
		rows = append(rows, styleName.Render(b.Location.Name)+styleStatus.Render(status)+detail)
	}
	fmt.Fprintln(p.w, lipgloss.JoinVertical(lipgloss.Left, rows...))

	if failed == 0 {
		fmt.Fprintln(p.w, p.paint(green+bold, fmt.Sprintf("✓ %d location(s) %s", len(builds), done)))
		return
	}
	fmt.Fprintln(p.w, p.paint(red+bold, fmt.Sprintf("✗ %d of %d location(s) failed", failed, len(builds))))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
