package plugins

import (
	"errors"
	"fmt"
	"strings"
)

// retryMarker is the prefix a plugin puts on its setup failure output to ask
// for another initialization attempt. Anything else is permanent.
const retryMarker = "retry:"

// RetryError marks a plugin initialization failure as transient. The LazyVM
// state machine retries these with exponential backoff; every other error
// permanently disables the plugin.
type RetryError struct {
	Reason string
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("plugin requested setup retry: %s", e.Reason)
}

// IsRetryable reports whether err carries the transient marker.
func IsRetryable(err error) bool {
	var retryErr *RetryError
	return errors.As(err, &retryErr)
}

// markSetupError classifies a setup failure based on the plugin's output.
func markSetupError(output []byte, err error) error {
	msg := strings.TrimSpace(string(output))
	if strings.HasPrefix(msg, retryMarker) {
		return &RetryError{Reason: strings.TrimSpace(strings.TrimPrefix(msg, retryMarker))}
	}
	if msg != "" {
		return fmt.Errorf("plugin setup failed: %s", msg)
	}
	return fmt.Errorf("plugin setup failed: %w", err)
}
