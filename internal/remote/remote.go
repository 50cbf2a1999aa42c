// Package remote propagates local revision history to a configured
// remote, tolerating intermittent connectivity without losing data.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/snapsyncd/snapsyncd/internal/git"
)

// Outcome classifies the result of one sync attempt.
type Outcome uint8

const (
	// Success means the remote now holds the current revision.
	Success Outcome = iota
	// Deferred means a recoverable condition (no remote configured,
	// network unreachable, timeout) prevented the attempt. Logged, not
	// escalated; local history stays intact.
	Deferred
	// Failed means the remote rejected us for a reason a human should
	// address (authentication, missing repository, diverged history).
	Failed
)

// String returns the lower-case outcome name.
func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Deferred:
		return "deferred"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result reports one sync attempt. Cursor is the newest revision known to
// have reached the remote after the attempt; on Deferred and Failed it is
// whatever it was before.
type Result struct {
	Outcome   Outcome
	Cursor    string
	Reason    string
	Reachable bool
}

// Syncer pushes local history to one remote for one watched tree.
type Syncer struct {
	root      string
	remote    string
	branch    string
	git       git.Client
	opTimeout time.Duration
	dialer    func(ctx context.Context, host string) error
	logger    *slog.Logger
}

// NewSyncer creates a syncer. opTimeout bounds every remote operation.
func NewSyncer(root, remoteName, branch string, client git.Client, opTimeout time.Duration, logger *slog.Logger) *Syncer {
	return &Syncer{
		root:      root,
		remote:    remoteName,
		branch:    branch,
		git:       client,
		opTimeout: opTimeout,
		dialer:    dialHost,
		logger:    logger,
	}
}

// Sync attempts to bring the remote up to the current local revision.
// cursor is the last revision the remote is known to have accepted ("" if
// unknown); lastReachable is the advisory flag from the previous attempt,
// used only to shape diagnostics, never to skip the attempt.
func (s *Syncer) Sync(ctx context.Context, cursor string, lastReachable bool) Result {
	url, err := s.git.RemoteURL(ctx, s.root, s.remote)
	if err != nil {
		if errors.Is(err, git.ErrNoSuchRemote) {
			return Result{
				Outcome:   Deferred,
				Cursor:    cursor,
				Reason:    fmt.Sprintf("no remote %q configured", s.remote),
				Reachable: lastReachable,
			}
		}
		return s.classify(ctx, err, "", cursor, lastReachable)
	}

	head, err := s.git.Head(ctx, s.root)
	if err != nil {
		return s.classify(ctx, err, url, cursor, lastReachable)
	}
	if head == "" {
		// Unborn branch: nothing recorded locally yet.
		return Result{Outcome: Success, Cursor: cursor, Reachable: lastReachable}
	}

	// Reachability and cursor probe, bounded by the operation timeout.
	probeCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	remoteHead, err := s.git.RemoteHead(probeCtx, s.root, s.remote, s.branch)
	cancel()
	if err != nil {
		return s.classify(ctx, err, url, cursor, lastReachable)
	}

	// The remote answered: recover an unknown cursor from its tip when
	// that tip is part of our history.
	if cursor == "" && remoteHead != "" {
		if ok, err := s.git.IsAncestor(ctx, s.root, remoteHead, head); err == nil && ok {
			cursor = remoteHead
		}
	}

	if remoteHead == head {
		return Result{Outcome: Success, Cursor: head, Reachable: true}
	}

	pushCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	err = s.git.Push(pushCtx, s.root, s.remote, s.branch)
	cancel()
	if err == nil {
		return Result{Outcome: Success, Cursor: head, Reachable: true}
	}

	if errors.Is(err, git.ErrPushRejected) {
		return s.retryWithLease(ctx, cursor, head)
	}
	return s.classify(ctx, err, url, cursor, lastReachable)
}

// retryWithLease performs the single bounded forced retry. It requires
// the stronger precondition: the last revision the remote accepted from
// us is an ancestor of the current head (local history strictly continues
// what the remote holds), and the lease guarantees the remote has not
// moved since. Anything else is a Failed outcome for a human to resolve.
func (s *Syncer) retryWithLease(ctx context.Context, cursor, head string) Result {
	if cursor == "" {
		return Result{
			Outcome:   Failed,
			Cursor:    cursor,
			Reason:    "push rejected and no previously synced revision is known; the remote holds history this agent never saw. Reconcile manually (git fetch / merge), then retrigger",
			Reachable: true,
		}
	}

	ok, err := s.git.IsAncestor(ctx, s.root, cursor, head)
	if err != nil || !ok {
		return Result{
			Outcome:   Failed,
			Cursor:    cursor,
			Reason:    "push rejected and local history does not continue the last synced revision; refusing forced update. Reconcile manually, then retrigger",
			Reachable: true,
		}
	}

	leaseCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	err = s.git.PushWithLease(leaseCtx, s.root, s.remote, s.branch, cursor)
	cancel()
	if err == nil {
		s.logger.Warn("ordinary push rejected, forced update with lease succeeded",
			"lease", cursor)
		return Result{Outcome: Success, Cursor: head, Reachable: true}
	}

	if errors.Is(err, git.ErrPushRejected) {
		return Result{
			Outcome:   Failed,
			Cursor:    cursor,
			Reason:    "remote moved past the last synced revision; it holds history this agent never synced. Reconcile manually (git fetch / merge), then retrigger",
			Reachable: true,
		}
	}
	return s.classify(ctx, err, "", cursor, true)
}

// classify maps an operation error onto the outcome taxonomy. Timeouts
// and unreachable networks are Deferred; a server that answered but
// turned us away is Failed, with a diagnostic shaped by whether the
// remote ever worked before.
func (s *Syncer) classify(ctx context.Context, err error, url, cursor string, lastReachable bool) Result {
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return Result{
			Outcome:   Deferred,
			Cursor:    cursor,
			Reason:    "remote operation timed out",
			Reachable: false,
		}
	}
	if ctx.Err() != nil {
		return Result{
			Outcome:   Deferred,
			Cursor:    cursor,
			Reason:    "sync cancelled by shutdown",
			Reachable: lastReachable,
		}
	}

	host := hostOf(url)
	if host != "" {
		dialCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		dialErr := s.dialer(dialCtx, host)
		cancel()
		if dialErr != nil {
			return Result{
				Outcome:   Deferred,
				Cursor:    cursor,
				Reason:    fmt.Sprintf("remote host unreachable: %v", dialErr),
				Reachable: false,
			}
		}
	}

	var reason string
	if lastReachable {
		reason = fmt.Sprintf("remote was reachable before and now rejects us (check credentials and permissions): %v", err)
	} else {
		reason = fmt.Sprintf("remote has never accepted a sync; it may not be initialized or credentials may be wrong: %v", err)
	}
	return Result{
		Outcome:   Failed,
		Cursor:    cursor,
		Reason:    reason,
		Reachable: false,
	}
}

// hostOf extracts "host:port" from a git remote URL. Local-path remotes
// return "" (there is nothing to dial).
func hostOf(url string) string {
	switch {
	case strings.HasPrefix(url, "https://"), strings.HasPrefix(url, "http://"):
		rest := strings.TrimPrefix(strings.TrimPrefix(url, "https://"), "http://")
		host, _, _ := strings.Cut(rest, "/")
		if _, _, err := net.SplitHostPort(host); err != nil {
			if strings.HasPrefix(url, "http://") {
				host = net.JoinHostPort(host, "80")
			} else {
				host = net.JoinHostPort(host, "443")
			}
		}
		return host

	case strings.HasPrefix(url, "ssh://"):
		rest := strings.TrimPrefix(url, "ssh://")
		if at := strings.Index(rest, "@"); at >= 0 {
			rest = rest[at+1:]
		}
		host, _, _ := strings.Cut(rest, "/")
		if _, _, err := net.SplitHostPort(host); err != nil {
			host = net.JoinHostPort(host, "22")
		}
		return host

	case strings.Contains(url, "@") && strings.Contains(url, ":"):
		// scp-like syntax: user@host:path
		rest := url[strings.Index(url, "@")+1:]
		host, _, _ := strings.Cut(rest, ":")
		return net.JoinHostPort(host, "22")

	default:
		return ""
	}
}

// dialHost tests plain TCP connectivity to host ("host:port").
func dialHost(ctx context.Context, host string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return err
	}
	return conn.Close()
}
