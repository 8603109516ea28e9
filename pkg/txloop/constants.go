package txloop

import "time"

// Exit codes for semantic error classification.
// These follow Unix/GNU conventions:
//   - 0: Success
//   - 1: General error
//   - 2: CLI usage error (misuse of command line)
//   - 3+: Application-specific errors
const (
	ExitSuccess         = 0   // Work committed (or intentionally aborted) successfully
	ExitGeneralError    = 1   // Unknown or unclassified error
	ExitUsageError      = 2   // CLI usage error (missing args, invalid flags)
	ExitPanic           = 3   // Internal panic (unexpected crash)
	ExitConfigError     = 10  // Invalid configuration
	ExitConnectionError = 11  // Failed to connect to database
	ExitLifecycleError  = 12  // Transaction lifecycle violated by the work
	ExitCommitFailed    = 13  // Commit could not serialize the work
	ExitAbortFailed     = 14  // Abort failed during cleanup
	ExitInterrupted     = 130 // Cancelled by signal or deadline
)

const (
	// DefaultRetries is the default number of retries after the first attempt.
	DefaultRetries = 9

	// DefaultSleep is the default base delay of the randomized exponential backoff.
	DefaultSleep = 100 * time.Millisecond

	// DefaultLongCommitDuration is the commit duration above which a warning is logged.
	DefaultLongCommitDuration = 6 * time.Second

	// DefaultConnectRetries is the default number of connection retry attempts.
	DefaultConnectRetries = 3

	// DefaultConnectDelay is the initial delay before the first connection retry.
	DefaultConnectDelay = 100 * time.Millisecond

	// DefaultConnectMaxDelay caps the delay between connection retries.
	DefaultConnectMaxDelay = 1 * time.Minute
)
