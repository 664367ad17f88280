package match

import (
	"context"
	"errors"
	"fmt"
	"net"

	openai "github.com/sashabaranov/go-openai"
)

// TransientProviderError marks a provider failure worth retrying
// (network, timeout, rate limit).
type TransientProviderError struct {
	Err error
}

func (e *TransientProviderError) Error() string {
	return fmt.Sprintf("transient provider error: %v", e.Err)
}

func (e *TransientProviderError) Unwrap() error {
	return e.Err
}

// PermanentProviderError marks a provider failure that must not be retried
// (malformed or rejected request).
type PermanentProviderError struct {
	Err error
}

func (e *PermanentProviderError) Error() string {
	return fmt.Sprintf("permanent provider error: %v", e.Err)
}

func (e *PermanentProviderError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether an error is worth retrying. Explicit
// classifications win; otherwise network timeouts, deadline expiry, rate
// limits and provider 5xx responses count as transient, everything else as
// permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var transient *TransientProviderError
	if errors.As(err, &transient) {
		return true
	}
	var permanent *PermanentProviderError
	if errors.As(err, &permanent) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 408, apiErr.HTTPStatusCode == 429:
			return true
		case apiErr.HTTPStatusCode >= 500:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}
