package git

import (
	"net/url"
	"regexp"
	"strings"
)

var userinfoRe = regexp.MustCompile(`(https?://)[^/@\s]+@`)

// Scrub removes credentials from text before it is logged or persisted.
// It strips the userinfo portion of any http(s) URL and replaces every
// given secret verbatim.
func Scrub(text string, secrets ...string) string {
	text = userinfoRe.ReplaceAllString(text, "${1}***@")
	for _, s := range secrets {
		if s == "" {
			continue
		}
		// The secret may itself be a URL carrying userinfo.
		text = strings.ReplaceAll(text, s, RedactURL(s))
	}
	return text
}

// RedactURL strips the userinfo portion of a URL. Non-URL values are
// replaced entirely.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return "***"
	}
	if u.User == nil {
		return raw
	}
	u.User = nil
	return strings.Replace(u.String(), "://", "://***@", 1)
}

// WithCredentials injects a username and token into the userinfo portion
// of an http(s) URL. The result must only ever reach a child process
// argument, never a log line or a history row.
func WithCredentials(raw, username, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if token == "" {
		return raw, nil
	}
	if username == "" {
		u.User = url.User(token)
	} else {
		u.User = url.UserPassword(username, token)
	}
	return u.String(), nil
}
