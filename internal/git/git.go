package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Sentinel errors for callers that branch on failure class.
var (
	// ErrNotRepository indicates the directory is not inside a git work tree.
	ErrNotRepository = errors.New("not a git repository")

	// ErrNoSuchRemote indicates the named remote is not configured.
	ErrNoSuchRemote = errors.New("no such remote")

	// ErrPushRejected indicates the remote refused a ref update
	// (non-fast-forward or similar), as reported by the porcelain status.
	ErrPushRejected = errors.New("push rejected by remote")
)

// GitError captures a failed git invocation with its parsed exit semantics.
type GitError struct {
	Operation string
	Args      []string
	ExitCode  int
	Output    string
	Err       error
}

// Error implements the error interface.
func (e *GitError) Error() string {
	msg := fmt.Sprintf("git %s failed (exit %d)", e.Operation, e.ExitCode)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg = fmt.Sprintf("%s: %s", msg, out)
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is / errors.As.
func (e *GitError) Unwrap() error {
	return e.Err
}

// ChangeKind classifies a changed path within a status diff.
type ChangeKind uint8

const (
	// Added indicates a new or newly tracked path.
	Added ChangeKind = iota
	// Modified indicates content or type changes to a tracked path.
	Modified
	// Deleted indicates a removed path.
	Deleted
	// Renamed indicates a path moved within the tree.
	Renamed
)

// String returns the lower-case kind name.
func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	case Renamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// Change is one changed-path record from the working-tree diff.
type Change struct {
	Path string
	Kind ChangeKind
	// From holds the previous path for renames.
	From string
}

// Client provides the git operations the pipeline needs.
type Client interface {
	// IsRepository reports whether dir is inside a git work tree.
	IsRepository(ctx context.Context, dir string) (bool, error)

	// CurrentBranch returns the checked-out branch name.
	CurrentBranch(ctx context.Context, dir string) (string, error)

	// Head returns the commit hash of HEAD, or "" for an unborn branch.
	Head(ctx context.Context, dir string) (string, error)

	// StatusChanges returns the working-tree diff against HEAD.
	StatusChanges(ctx context.Context, dir string) ([]Change, error)

	// StageAll stages every change under dir, honoring exclude patterns.
	StageAll(ctx context.Context, dir string, excludes []string) error

	// Commit records the staged changes and returns the new commit hash.
	Commit(ctx context.Context, dir, message string) (string, error)

	// RemoteURL returns the fetch URL of the named remote.
	RemoteURL(ctx context.Context, dir, remote string) (string, error)

	// RemoteHead queries the remote for the tip of branch. It returns
	// "" when the branch does not exist on the remote yet.
	RemoteHead(ctx context.Context, dir, remote, branch string) (string, error)

	// Push updates remote/branch to the local branch tip.
	Push(ctx context.Context, dir, remote, branch string) error

	// PushWithLease force-updates remote/branch only if the remote still
	// points at expect, so remote-only history is never discarded.
	PushWithLease(ctx context.Context, dir, remote, branch, expect string) error

	// IsAncestor reports whether ancestor is reachable from descendant.
	IsAncestor(ctx context.Context, dir, ancestor, descendant string) (bool, error)
}

// ShellClient implements Client by shelling out to the git command with a
// well-defined subprocess contract: machine-readable output formats
// (porcelain, -z) and parsed exit codes.
type ShellClient struct {
	sshKeyFile     string
	httpsTokenFile string
	connectTimeout time.Duration
}

// NewShellClient creates a git client. Auth files may be empty; the
// connect timeout bounds SSH connection establishment.
func NewShellClient(sshKeyFile, httpsTokenFile string, connectTimeout time.Duration) *ShellClient {
	return &ShellClient{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
		connectTimeout: connectTimeout,
	}
}

// IsRepository checks whether dir is inside a git work tree. Git signals
// "not a repository" with exit code 128 on rev-parse.
func (c *ShellClient) IsRepository(ctx context.Context, dir string) (bool, error) {
	_, err := c.run(ctx, dir, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		var gitErr *GitError
		if errors.As(err, &gitErr) && gitErr.ExitCode == 128 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CurrentBranch returns the checked-out branch name.
func (c *ShellClient) CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := c.run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// Head returns the commit hash of HEAD. An unborn branch (no commits yet)
// yields "" rather than an error.
func (c *ShellClient) Head(ctx context.Context, dir string) (string, error) {
	out, err := c.run(ctx, dir, "rev-parse", "--verify", "--quiet", "HEAD")
	if err != nil {
		var gitErr *GitError
		if errors.As(err, &gitErr) && gitErr.ExitCode == 1 {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// StatusChanges parses `git status --porcelain -z` into change records.
func (c *ShellClient) StatusChanges(ctx context.Context, dir string) ([]Change, error) {
	out, err := c.run(ctx, dir, "status", "--porcelain", "-z", "--untracked-files=all")
	if err != nil {
		return nil, err
	}
	return parseStatus(out)
}

// parseStatus decodes NUL-separated porcelain v1 entries. Rename entries
// carry the original path as an extra NUL-separated field.
func parseStatus(out []byte) ([]Change, error) {
	var changes []Change

	fields := bytes.Split(out, []byte{0})
	for i := 0; i < len(fields); i++ {
		entry := fields[i]
		if len(entry) < 4 {
			continue
		}

		x, y := entry[0], entry[1]
		path := string(entry[3:])

		change := Change{Path: path}
		switch {
		case x == 'R' || y == 'R':
			change.Kind = Renamed
			i++
			if i < len(fields) {
				change.From = string(fields[i])
			}
		case x == '?' || x == 'A' || y == 'A':
			change.Kind = Added
		case x == 'D' || y == 'D':
			change.Kind = Deleted
		default:
			change.Kind = Modified
		}

		changes = append(changes, change)
	}

	return changes, nil
}

// StageAll stages all changes, excluding the given patterns via pathspec
// magic so excluded files never enter a revision.
func (c *ShellClient) StageAll(ctx context.Context, dir string, excludes []string) error {
	args := []string{"add", "--all", "--", "."}
	for _, pattern := range excludes {
		if pattern == ".git" {
			continue // git never stages its own metadata
		}
		args = append(args, ":(exclude)"+pattern)
	}
	_, err := c.run(ctx, dir, args...)
	return err
}

// Commit records the staged changes and returns the new HEAD hash.
func (c *ShellClient) Commit(ctx context.Context, dir, message string) (string, error) {
	if _, err := c.run(ctx, dir, "-c", "commit.gpgsign=false", "commit", "--no-verify", "-m", message); err != nil {
		return "", err
	}
	return c.Head(ctx, dir)
}

// RemoteURL returns the fetch URL of the named remote, or ErrNoSuchRemote
// if it is not configured.
func (c *ShellClient) RemoteURL(ctx context.Context, dir, remote string) (string, error) {
	out, err := c.run(ctx, dir, "remote", "get-url", remote)
	if err != nil {
		var gitErr *GitError
		if errors.As(err, &gitErr) && gitErr.ExitCode > 0 {
			return "", fmt.Errorf("%w: %s", ErrNoSuchRemote, remote)
		}
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// RemoteHead queries the remote for the tip of branch via ls-remote.
// An empty result means the remote is reachable but has no such branch.
func (c *ShellClient) RemoteHead(ctx context.Context, dir, remote, branch string) (string, error) {
	out, err := c.run(ctx, dir, "ls-remote", "--heads", remote, "refs/heads/"+branch)
	if err != nil {
		return "", err
	}

	line := strings.TrimSpace(string(out))
	if line == "" {
		return "", nil
	}
	hash, _, _ := strings.Cut(line, "\t")
	return hash, nil
}

// Push performs an ordinary ref update. A remote-side rejection is
// reported as ErrPushRejected based on the porcelain per-ref status.
func (c *ShellClient) Push(ctx context.Context, dir, remote, branch string) error {
	return c.push(ctx, dir, remote, branch, "")
}

// PushWithLease retries a rejected update in forced mode, but only if the
// remote branch still points at expect. The lease makes the forced update
// idempotent and prevents discarding remote-only history.
func (c *ShellClient) PushWithLease(ctx context.Context, dir, remote, branch, expect string) error {
	return c.push(ctx, dir, remote, branch, expect)
}

func (c *ShellClient) push(ctx context.Context, dir, remote, branch, lease string) error {
	args := []string{"push", "--porcelain"}
	if lease != "" {
		args = append(args, "--force-with-lease="+branch+":"+lease)
	}
	args = append(args, remote, branch)

	out, err := c.run(ctx, dir, args...)
	if err == nil {
		return nil
	}

	var gitErr *GitError
	if errors.As(err, &gitErr) && gitErr.ExitCode == 1 && pushWasRejected(out) {
		return fmt.Errorf("%w: %s", ErrPushRejected, strings.TrimSpace(gitErr.Output))
	}
	return err
}

// pushWasRejected inspects porcelain push output for a rejected-ref flag.
// Porcelain lines start with a single status character; '!' marks a ref
// the remote refused.
func pushWasRejected(out []byte) bool {
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, "!") {
			return true
		}
	}
	return false
}

// IsAncestor reports whether ancestor is reachable from descendant.
// merge-base --is-ancestor answers via exit code: 0 yes, 1 no.
func (c *ShellClient) IsAncestor(ctx context.Context, dir, ancestor, descendant string) (bool, error) {
	_, err := c.run(ctx, dir, "merge-base", "--is-ancestor", ancestor, descendant)
	if err != nil {
		var gitErr *GitError
		if errors.As(err, &gitErr) && gitErr.ExitCode == 1 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// run executes git with -C dir and the configured auth environment. On
// failure the captured stdout is still returned so porcelain output can
// be inspected alongside the GitError.
func (c *ShellClient) run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	full := append([]string{"-C", dir}, args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	if err := c.configureEnv(cmd); err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}

	if ctx.Err() != nil {
		return stdout.Bytes(), ctx.Err()
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}

	return stdout.Bytes(), &GitError{
		Operation: args[0],
		Args:      args,
		ExitCode:  exitCode,
		Output:    stdout.String() + stderr.String(),
		Err:       err,
	}
}

// configureEnv sets up authentication and timeouts for git subprocesses.
func (c *ShellClient) configureEnv(cmd *exec.Cmd) error {
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	sshCmd := fmt.Sprintf("ssh -o StrictHostKeyChecking=accept-new -o ConnectTimeout=%d", int(c.connectTimeout.Seconds()))
	if c.sshKeyFile != "" {
		// The key path is shell-quoted to prevent injection via crafted
		// filenames.
		sshCmd += fmt.Sprintf(" -i %s -F /dev/null", shellQuote(c.sshKeyFile))
	}
	cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)

	if c.httpsTokenFile != "" {
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		// Pass the token via environment variable and a credential
		// helper that reads it, so the token never appears in the
		// argument list.
		cmd.Env = append(cmd.Env, "SNAPSYNCD_GIT_TOKEN="+strings.TrimSpace(string(token)))
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$SNAPSYNCD_GIT_TOKEN"; }; f`,
		)
	}

	return nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand.
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
