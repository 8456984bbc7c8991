package sync

import (
	"context"
	"errors"
	"os"
	"strings"
	"syscall"

	"github.com/mirrorkeep/mirrorkeep/pkg/git"
	"github.com/mirrorkeep/mirrorkeep/pkg/gitea"
	"github.com/mirrorkeep/mirrorkeep/pkg/proto"
)

// side distinguishes whether a git failure talked to the upstream or the
// downstream remote. Authentication and not-found failures classify
// differently per side.
type side int

const (
	upstreamSide side = iota
	downstreamSide
)

// classifyGit maps a git invocation failure to the stable error taxonomy.
func classifyGit(res *git.Result, err error, s side) proto.ErrorClass {
	if res != nil && res.TimedOut {
		return proto.ClassTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return proto.ClassTimeout
	}

	var stderr string
	if res != nil {
		stderr = strings.ToLower(res.Stderr)
	}

	switch {
	case containsAny(stderr,
		"authentication failed",
		"could not read username",
		"could not read password",
		"http 401", "401 unauthorized",
		"invalid username or password"):
		if s == downstreamSide {
			return proto.ClassDownstreamAuth
		}
		return proto.ClassUpstreamAuth

	case containsAny(stderr, "http 403", "403 forbidden", "the requested url returned error: 403"):
		if s == downstreamSide {
			return proto.ClassDownstreamForbidden
		}
		return proto.ClassUpstreamAuth

	case containsAny(stderr,
		"repository not found",
		"the requested url returned error: 404",
		"does not appear to be a git repository"):
		if s == downstreamSide {
			return proto.ClassUnknown
		}
		return proto.ClassUpstreamNotFound

	case containsAny(stderr, "http 429", "the requested url returned error: 429", "rate limit"):
		return proto.ClassRateLimited

	case containsAny(stderr, "no space left on device", "disk quota exceeded"):
		return proto.ClassDiskFull

	case containsAny(stderr,
		"object file", "loose object", "bad object",
		"missing blob", "packfile", "index-pack failed",
		"fatal: bad tree object", "corrupt"):
		return proto.ClassCorrupt

	case containsAny(stderr,
		"could not resolve host",
		"couldn't connect to server",
		"connection refused",
		"connection reset",
		"connection timed out",
		"network is unreachable",
		"temporary failure",
		"early eof",
		"unexpected disconnect",
		"transferred a partial file",
		"rpc failed",
		"remote end hung up",
		"http2 framing layer"):
		return proto.ClassNetworkTransient

	case containsAny(stderr, "permission denied", "read-only file system", "input/output error"):
		return proto.ClassLocalIO

	default:
		return classifySys(err)
	}
}

// classifyGitea maps a Gitea client error to the taxonomy.
func classifyGitea(err error) proto.ErrorClass {
	switch {
	case errors.Is(err, gitea.ErrUnauthorized):
		return proto.ClassDownstreamAuth
	case errors.Is(err, gitea.ErrForbidden):
		return proto.ClassDownstreamForbidden
	case errors.Is(err, gitea.ErrConflict):
		return proto.ClassDownstreamConflict
	case errors.Is(err, gitea.ErrNotFound):
		// The organization itself is missing.
		return proto.ClassDownstreamForbidden
	case errors.Is(err, gitea.ErrRateLimited):
		return proto.ClassRateLimited
	case errors.Is(err, context.DeadlineExceeded):
		return proto.ClassTimeout
	case errors.Is(err, gitea.ErrTransport):
		return proto.ClassNetworkTransient
	default:
		return proto.ClassUnknown
	}
}

// classifySys maps local filesystem errors.
func classifySys(err error) proto.ErrorClass {
	switch {
	case err == nil:
		return proto.ClassUnknown
	case errors.Is(err, syscall.ENOSPC):
		return proto.ClassDiskFull
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EIO):
		return proto.ClassLocalIO
	case errors.Is(err, context.DeadlineExceeded):
		return proto.ClassTimeout
	default:
		return proto.ClassUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
