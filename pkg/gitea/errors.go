package gitea

import "errors"

var (
	// ErrUnauthorized is returned on a 401 from the Gitea API.
	ErrUnauthorized = errors.New("gitea: unauthorized")
	// ErrForbidden is returned on a 403, typically a token missing the
	// organization scope.
	ErrForbidden = errors.New("gitea: forbidden")
	// ErrNotFound is returned on a 404.
	ErrNotFound = errors.New("gitea: not found")
	// ErrConflict is returned when the repository already exists.
	ErrConflict = errors.New("gitea: repository already exists")
	// ErrRateLimited is returned on a 429 or when the client-side bucket
	// is saturated.
	ErrRateLimited = errors.New("gitea: rate limited")
	// ErrTransport is returned when the request never produced an HTTP
	// response.
	ErrTransport = errors.New("gitea: transport error")
)
