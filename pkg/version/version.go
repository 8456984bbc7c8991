// Package version holds the build version information.
package version

// Build information. Populated at build-time via ldflags.
var (
	// Version contains the application version number.
	Version = ""

	// CommitSHA contains the SHA of the commit that this application was
	// built against.
	CommitSHA = ""
)
