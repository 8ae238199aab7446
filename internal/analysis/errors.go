package analysis

import "errors"

// Failure sentinels for the analysis pipeline. Unavailable providers,
// per-call timeouts and blank completions stay retryable; an invalid
// payload never is.
var (
	ErrProviderUnavailable = errors.New("ai provider unavailable")
	ErrInferenceTimeout    = errors.New("ai inference timeout")
	ErrInvalidResponse     = errors.New("ai provider returned invalid response")
	ErrInvalidPayload      = errors.New("invalid job payload")
)
