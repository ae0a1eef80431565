package domain

import "errors"

// Error taxonomy for pipeline failure handling. Callers match with
// errors.Is; wrapped messages carry the specifics.
var (
	ErrTransientNetwork  = errors.New("transient network error")
	ErrChallengeDetected = errors.New("challenge detected")
	ErrSessionExpired    = errors.New("session expired")
	ErrOCRTimeout        = errors.New("ocr timeout")
	ErrPersistence       = errors.New("persistence failure")
)

// Retryable reports whether the error category is worth retrying with
// backoff. Persistence failures are fatal for the job.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransientNetwork) ||
		errors.Is(err, ErrChallengeDetected) ||
		errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrOCRTimeout)
}
