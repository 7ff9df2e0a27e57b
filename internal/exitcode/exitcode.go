// Package exitcode holds the process exit statuses procrun uses, following
// sysexits(3) where one applies.
package exitcode

const (
	// OK means every process ran and no error was recorded.
	OK = 0

	// Errors means the run completed but recorded at least one error.
	Errors = 1

	// Usage is a command line error.
	Usage = 64

	// DataErr is an invalid spec document.
	DataErr = 65

	// OSErr is a fatal operating system error, a failed preflight check, or
	// a child that failed before exec.
	OSErr = 71

	// OSFile is an unreadable spec file.
	OSFile = 72
)
