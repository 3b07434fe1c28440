// Package tmux is a thin, stateless wrapper over the tmux CLI. All
// operations shell out with a per-call timeout; concurrent calls are
// permitted. Sessions created or adopted by the daemon carry the
// COMPANION_SESSION marker variable in their tmux environment; only
// those "tagged" sessions appear in summaries and receive broadcasts.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/companionhq/companion/internal/id"
)

// MarkerVar is the tmux environment variable that tags a session as
// companion-owned.
const MarkerVar = "COMPANION_SESSION"

// WorktreeDirName is the directory under a repo root holding work-group
// worktrees.
const WorktreeDirName = ".wg-worktrees"

const defaultTimeout = 5 * time.Second

// Distinguished errors. The UI recovers from ErrSessionNotFound by
// offering to recreate the session from saved config, so it must stay
// distinguishable from generic shell failures.
var (
	ErrSessionNotFound = errors.New("tmux session not found")
	ErrTimeout         = errors.New("tmux command timed out")
)

// Runner executes an external command and returns its stdout. The
// production runner shells out; tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("%w: %s %s", ErrTimeout, name, strings.Join(args, " "))
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%s: %s", name, msg)
	}
	return string(out), nil
}

// Session describes one tmux session as seen by list-sessions.
type Session struct {
	Name       string    `json:"name"`
	Attached   bool      `json:"attached"`
	Windows    int       `json:"windows"`
	WorkingDir string    `json:"workingDir"`
	Tagged     bool      `json:"tagged"`
	LastUsed   time.Time `json:"lastUsed"`

	IsWorktree  bool   `json:"isWorktree,omitempty"`
	MainRepoDir string `json:"mainRepoDir,omitempty"`
	Branch      string `json:"branch,omitempty"`
}

// Controller wraps tmux operations. Stateless; safe for concurrent use.
type Controller struct {
	run     Runner
	timeout time.Duration
}

// New returns a Controller backed by the real tmux binary.
func New() *Controller {
	return &Controller{run: execRunner{}, timeout: defaultTimeout}
}

// NewWithRunner returns a Controller using the given runner (tests).
func NewWithRunner(r Runner) *Controller {
	return &Controller{run: r, timeout: defaultTimeout}
}

func (c *Controller) tmux(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out, err := c.run.Run(ctx, "tmux", args...)
	if err != nil && isNotFound(err) {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, err)
	}
	return out, err
}

// isNotFound sniffs tmux's stderr for the missing-session phrasing.
func isNotFound(err error) bool {
	s := err.Error()
	return strings.Contains(s, "can't find session") ||
		strings.Contains(s, "session not found") ||
		strings.Contains(s, "no server running")
}

const listFormat = "#{session_name}\x1f#{session_attached}\x1f#{session_windows}\x1f#{session_path}\x1f#{session_activity}"

// ListSessions enumerates all tmux sessions with their tagged flag.
// Returns an empty list (not an error) when no server is running.
func (c *Controller) ListSessions(ctx context.Context) ([]Session, error) {
	out, err := c.tmux(ctx, "list-sessions", "-F", listFormat)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var sessions []Session
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		if line == "" {
			continue
		}
		parts := strings.Split(line, "\x1f")
		if len(parts) < 5 {
			continue
		}
		s := Session{
			Name:       parts[0],
			Attached:   parts[1] != "0",
			WorkingDir: parts[3],
		}
		s.Windows, _ = strconv.Atoi(parts[2])
		if secs, err := strconv.ParseInt(parts[4], 10, 64); err == nil && secs > 0 {
			s.LastUsed = time.Unix(secs, 0)
		}
		s.Tagged = c.isTagged(ctx, s.Name)
		fillWorktreeMeta(&s)
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// fillWorktreeMeta derives worktree metadata from the session path:
// <repo>/.wg-worktrees/<branch> checkouts belong to work-group workers.
func fillWorktreeMeta(s *Session) {
	dir := filepath.ToSlash(s.WorkingDir)
	marker := "/" + WorktreeDirName + "/"
	i := strings.Index(dir, marker)
	if i < 0 {
		return
	}
	s.IsWorktree = true
	s.MainRepoDir = s.WorkingDir[:i]
	rest := dir[i+len(marker):]
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		rest = rest[:j]
	}
	s.Branch = rest
}

func (c *Controller) isTagged(ctx context.Context, name string) bool {
	out, err := c.tmux(ctx, "show-environment", "-t", name, MarkerVar)
	return err == nil && strings.HasPrefix(out, MarkerVar+"=")
}

// SessionExists reports whether the named session exists.
func (c *Controller) SessionExists(ctx context.Context, name string) bool {
	_, err := c.tmux(ctx, "has-session", "-t", "="+name)
	return err == nil
}

// CreateSession creates a detached, tagged session in workingDir. When
// startCli is non-empty it is typed into the new pane followed by Enter
// to launch the coding CLI.
func (c *Controller) CreateSession(ctx context.Context, name, workingDir, startCli string) error {
	if _, err := c.tmux(ctx, "new-session", "-d", "-s", name, "-c", workingDir); err != nil {
		return fmt.Errorf("create session %q: %w", name, err)
	}
	if err := c.TagSession(ctx, name); err != nil {
		return err
	}
	if startCli != "" {
		if err := c.SendKeys(ctx, name, startCli, true); err != nil {
			return fmt.Errorf("start cli in %q: %w", name, err)
		}
	}
	return nil
}

// KillSession destroys the named session.
func (c *Controller) KillSession(ctx context.Context, name string) error {
	if _, err := c.tmux(ctx, "kill-session", "-t", "="+name); err != nil {
		return fmt.Errorf("kill session %q: %w", name, err)
	}
	return nil
}

// TagSession sets the companion marker on a pre-existing session
// (adoption). Untagged sessions never receive broadcasts.
func (c *Controller) TagSession(ctx context.Context, name string) error {
	if _, err := c.tmux(ctx, "set-environment", "-t", name, MarkerVar, "1"); err != nil {
		return fmt.Errorf("tag session %q: %w", name, err)
	}
	return nil
}

// CapturePane snapshots recent terminal output: `lines` rows ending
// `offset` rows above the bottom of the scrollback.
func (c *Controller) CapturePane(ctx context.Context, name string, lines, offset int) (string, error) {
	if lines <= 0 {
		lines = 50
	}
	args := []string{"capture-pane", "-p", "-t", name, "-S", strconv.Itoa(-(offset + lines))}
	if offset > 0 {
		args = append(args, "-E", strconv.Itoa(-(offset + 1)))
	}
	out, err := c.tmux(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("capture pane %q: %w", name, err)
	}
	return out, nil
}

// SendKeys delivers text with tmux's literal flag so no shell or tmux
// key interpretation occurs, optionally followed by Enter.
func (c *Controller) SendKeys(ctx context.Context, name, text string, enter bool) error {
	if _, err := c.tmux(ctx, "send-keys", "-t", name, "-l", "--", text); err != nil {
		return fmt.Errorf("send keys to %q: %w", name, err)
	}
	if enter {
		if _, err := c.tmux(ctx, "send-keys", "-t", name, "Enter"); err != nil {
			return fmt.Errorf("send enter to %q: %w", name, err)
		}
	}
	return nil
}

// SendRawKeys sends symbolic key names (e.g. "C-c", "Up", "Escape")
// without the literal flag.
func (c *Controller) SendRawKeys(ctx context.Context, name string, keys []string) error {
	args := append([]string{"send-keys", "-t", name}, keys...)
	if _, err := c.tmux(ctx, args...); err != nil {
		return fmt.Errorf("send raw keys to %q: %w", name, err)
	}
	return nil
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// GenerateSessionName derives a unique session name from a directory:
// companion-<basename>-<4 random chars>.
func GenerateSessionName(dir string) string {
	base := unsafeNameChars.ReplaceAllString(filepath.Base(dir), "-")
	base = strings.Trim(base, "-")
	if base == "" {
		base = "session"
	}
	return fmt.Sprintf("companion-%s-%s", base, id.Short())
}
