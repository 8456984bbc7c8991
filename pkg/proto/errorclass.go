package proto

// ErrorClass is the stable failure taxonomy that drives retry policy and
// operator-visible messages.
type ErrorClass string

// Failure classes.
const (
	ClassUpstreamAuth        ErrorClass = "upstream_auth"
	ClassUpstreamNotFound    ErrorClass = "upstream_not_found"
	ClassDownstreamAuth      ErrorClass = "downstream_auth"
	ClassDownstreamForbidden ErrorClass = "downstream_forbidden"
	ClassDownstreamConflict  ErrorClass = "downstream_conflict"
	ClassNetworkTransient    ErrorClass = "network_transient"
	ClassTimeout             ErrorClass = "timeout"
	ClassRateLimited         ErrorClass = "rate_limited"
	ClassDiskFull            ErrorClass = "disk_full"
	ClassLocalIO             ErrorClass = "local_io"
	ClassCorrupt             ErrorClass = "corrupt"
	ClassUnknown             ErrorClass = "unknown"
)

// String implements fmt.Stringer.
func (c ErrorClass) String() string { return string(c) }

// Retryable reports whether failures of this class should be retried
// within the same job.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassNetworkTransient, ClassTimeout, ClassRateLimited, ClassUnknown:
		return true
	default:
		return false
	}
}

// Summary returns a short operator-facing description of the class.
func (c ErrorClass) Summary() string {
	switch c {
	case ClassUpstreamAuth:
		return "upstream authentication failed"
	case ClassUpstreamNotFound:
		return "upstream repository not found"
	case ClassDownstreamAuth:
		return "downstream authentication failed"
	case ClassDownstreamForbidden:
		return "downstream token lacks permission"
	case ClassDownstreamConflict:
		return "downstream repository already exists"
	case ClassNetworkTransient:
		return "transient network error"
	case ClassTimeout:
		return "operation timed out"
	case ClassRateLimited:
		return "rate limited"
	case ClassDiskFull:
		return "local disk full"
	case ClassLocalIO:
		return "local filesystem error"
	case ClassCorrupt:
		return "local clone corrupt"
	default:
		return "unknown error"
	}
}
