package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/mirrorkeep/mirrorkeep/pkg/git"
	"github.com/mirrorkeep/mirrorkeep/pkg/gitea"
	"github.com/mirrorkeep/mirrorkeep/pkg/proto"
)

func TestClassifyGit(t *testing.T) {
	execErr := errors.New("exit status 128")

	for name, tc := range map[string]struct {
		stderr string
		side   side
		want   proto.ErrorClass
	}{
		"upstream auth": {
			stderr: "fatal: Authentication failed for 'https://github.com/acme/repo.git/'",
			side:   upstreamSide,
			want:   proto.ClassUpstreamAuth,
		},
		"downstream auth": {
			stderr: "fatal: Authentication failed for 'https://gitea.local/u/r.git/'",
			side:   downstreamSide,
			want:   proto.ClassDownstreamAuth,
		},
		"downstream forbidden": {
			stderr: "error: The requested URL returned error: 403",
			side:   downstreamSide,
			want:   proto.ClassDownstreamForbidden,
		},
		"upstream gone": {
			stderr: "remote: Repository not found.",
			side:   upstreamSide,
			want:   proto.ClassUpstreamNotFound,
		},
		"dns": {
			stderr: "fatal: unable to access: Could not resolve host: github.com",
			side:   upstreamSide,
			want:   proto.ClassNetworkTransient,
		},
		"reset": {
			stderr: "error: RPC failed; Connection reset by peer",
			side:   upstreamSide,
			want:   proto.ClassNetworkTransient,
		},
		"rate limited": {
			stderr: "error: The requested URL returned error: 429",
			side:   upstreamSide,
			want:   proto.ClassRateLimited,
		},
		"disk full": {
			stderr: "fatal: write error: No space left on device",
			side:   upstreamSide,
			want:   proto.ClassDiskFull,
		},
		"corrupt": {
			stderr: "error: object file .git/objects/ab/cd is empty\nfatal: loose object abcd is corrupt",
			side:   upstreamSide,
			want:   proto.ClassCorrupt,
		},
		"unknown": {
			stderr: "fatal: something novel happened",
			side:   upstreamSide,
			want:   proto.ClassUnknown,
		},
	} {
		t.Run(name, func(t *testing.T) {
			res := &git.Result{ExitCode: 128, Stderr: tc.stderr}
			if got := classifyGit(res, execErr, tc.side); got != tc.want {
				t.Errorf("classifyGit => %s, want %s", got, tc.want)
			}
		})
	}
}

func TestClassifyGitTimeout(t *testing.T) {
	res := &git.Result{TimedOut: true}
	if got := classifyGit(res, errors.New("execution timed out"), upstreamSide); got != proto.ClassTimeout {
		t.Errorf("classifyGit => %s, want %s", got, proto.ClassTimeout)
	}
}

func TestClassifyGitea(t *testing.T) {
	for err, want := range map[error]proto.ErrorClass{
		gitea.ErrUnauthorized:        proto.ClassDownstreamAuth,
		gitea.ErrForbidden:           proto.ClassDownstreamForbidden,
		gitea.ErrConflict:            proto.ClassDownstreamConflict,
		gitea.ErrNotFound:            proto.ClassDownstreamForbidden,
		gitea.ErrRateLimited:         proto.ClassRateLimited,
		gitea.ErrTransport:           proto.ClassNetworkTransient,
		context.DeadlineExceeded:     proto.ClassTimeout,
		errors.New("something else"): proto.ClassUnknown,
	} {
		if got := classifyGitea(err); got != want {
			t.Errorf("classifyGitea(%v) => %s, want %s", err, got, want)
		}
	}
}

func TestRetryDisposition(t *testing.T) {
	retryable := []proto.ErrorClass{
		proto.ClassNetworkTransient, proto.ClassTimeout,
		proto.ClassRateLimited, proto.ClassUnknown,
	}
	terminal := []proto.ErrorClass{
		proto.ClassUpstreamAuth, proto.ClassUpstreamNotFound,
		proto.ClassDownstreamAuth, proto.ClassDownstreamForbidden,
		proto.ClassDownstreamConflict, proto.ClassDiskFull,
		proto.ClassLocalIO, proto.ClassCorrupt,
	}

	for _, c := range retryable {
		if !c.Retryable() {
			t.Errorf("%s should be retryable", c)
		}
	}
	for _, c := range terminal {
		if c.Retryable() {
			t.Errorf("%s should not be retryable", c)
		}
	}
}

func TestBackoffProgression(t *testing.T) {
	if backoff(0) >= backoff(1) || backoff(1) >= backoff(2) {
		t.Error("backoff should grow")
	}
	if backoff(20) != backoffCap {
		t.Errorf("backoff(20) => %s, want cap %s", backoff(20), backoffCap)
	}
}
