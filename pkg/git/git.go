// Package git invokes the git binary for the sync engine.
//
// Every operation spawns an isolated child process with prompts disabled
// and the HTTP knobs the mirror pipeline needs. The driver never interprets
// remote-side semantics; callers classify the captured stderr.
package git

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"

	gitm "github.com/aymanbagabas/git-module"
)

// ErrNotARepository is returned by SanityCheck when the directory is not a
// usable bare repository.
var ErrNotARepository = errors.New("not a bare git repository")

// commandEnvs is the environment injected into every child process.
// Prompts are disabled so a missing credential fails fast instead of
// hanging a worker.
var commandEnvs = []string{
	"GIT_TERMINAL_PROMPT=0",
	"GIT_HTTP_LOW_SPEED_LIMIT=1000",
	"GIT_HTTP_LOW_SPEED_TIME=60",
	"GIT_HTTP_VERSION=HTTP/1.1",
	"GIT_CONFIG_NOSYSTEM=1",
}

// configArgs tune git for large repository transfers.
var configArgs = []string{
	"-c", "http.postBuffer=524288000",
	"-c", "http.version=HTTP/1.1",
	"-c", "core.compression=1",
}

// run executes a git command in dir, capturing bounded stderr and stdout.
// Secrets are scrubbed from the captured streams; the returned error is the
// library's own and is passed through as is.
func run(ctx context.Context, dir string, timeout time.Duration, secrets []string, args ...string) (*Result, error) {
	cmd := gitm.NewCommand(args...)
	cmd = cmd.WithContext(ctx).AddEnvs(commandEnvs...)

	stdout := newBoundedBuffer(maxCapture)
	stderr := newBoundedBuffer(maxCapture)

	start := time.Now()
	err := cmd.RunInDirWithOptions(dir, gitm.RunInDirOptions{
		Stdout:  stdout,
		Stderr:  stderr,
		Timeout: timeout,
	})
	elapsed := time.Since(start)

	res := &Result{
		Stdout:  Scrub(stdout.String(), secrets...),
		Stderr:  Scrub(stderr.String(), secrets...),
		Elapsed: elapsed,
	}

	if err != nil {
		if errors.Is(err, gitm.ErrExecTimeout) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.TimedOut = true
			return res, err
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, err
		}
		res.ExitCode = -1
		return res, err
	}

	return res, nil
}

// Clone mirrors the repository at url into dir.
func Clone(ctx context.Context, url, dir string, timeout time.Duration, secrets ...string) (*Result, error) {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, err
	}
	args := append(append([]string{}, configArgs...), "clone", "--mirror", url, ".")
	return run(ctx, dir, timeout, append(secrets, url), args...)
}

// Fetch updates every ref in the clone from origin, pruning refs that no
// longer exist upstream.
func Fetch(ctx context.Context, dir string, timeout time.Duration, secrets ...string) (*Result, error) {
	args := append(append([]string{}, configArgs...), "fetch", "--prune", "origin", "+refs/*:refs/*")
	return run(ctx, dir, timeout, secrets, args...)
}

// PushMirror force-pushes the full ref set of the clone to pushURL.
// Refs absent locally are deleted downstream; that is the mirror contract.
func PushMirror(ctx context.Context, dir, pushURL string, timeout time.Duration, secrets ...string) (*Result, error) {
	args := append(append([]string{}, configArgs...), "push", "--mirror", "--porcelain", pushURL)
	res, err := run(ctx, dir, timeout, append(secrets, pushURL), args...)
	if res != nil {
		res.RefUpdates = parseRefUpdates(res.Stdout)
	}
	return res, err
}

// SanityCheck reports whether dir holds a usable bare repository.
func SanityCheck(ctx context.Context, dir string) error {
	if _, err := os.Stat(dir); err != nil {
		return err
	}
	res, err := run(ctx, dir, time.Minute, nil, "rev-parse", "--is-bare-repository")
	if err != nil {
		return ErrNotARepository
	}
	if strings.TrimSpace(res.Stdout) != "true" {
		return ErrNotARepository
	}
	return nil
}

// RemoteURL returns the fetch URL of the origin remote.
func RemoteURL(ctx context.Context, dir string) (string, error) {
	res, err := run(ctx, dir, time.Minute, nil, "remote", "get-url", "origin")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// SetRemoteURL points the origin remote at url.
func SetRemoteURL(ctx context.Context, dir, url string) error {
	_, err := run(ctx, dir, time.Minute, []string{url}, "remote", "set-url", "origin", url)
	return err
}
