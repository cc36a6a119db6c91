package exitcodes

const (
	// ================================
	// Platform-universal exit codes
	// ================================

	// ExitCodeSuccess indicates no errors or failures had occurred.
	ExitCodeSuccess = 0

	// ExitCodeGeneralError indicates some type of general error occurred.
	ExitCodeGeneralError = 1

	// ================================
	// Application-specific exit codes
	// ================================
	// Note: Despite not being standardized, exit codes 2-5 are often used for common use cases, so we avoid them.

	// ExitCodeHandledError indicates that there was an error that was already logged, so it should not be printed
	// again at the top-level.
	ExitCodeHandledError = 6

	// ExitCodeNetworkError indicates that the remote endpoint could not serve a request, even after retries.
	ExitCodeNetworkError = 7

	// ExitCodeNotFound indicates that the requested block does not exist on the remote chain.
	ExitCodeNotFound = 8
)
