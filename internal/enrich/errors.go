package enrich

import (
	"errors"
	"fmt"
	"net/http"

	"dinecache/internal/model"
)

// ProviderError classifies one provider failure. It matches model.ErrProviderUnavailable.
type ProviderError struct {
	Provider  string
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	kind := "retryable"
	if !e.Retryable {
		kind = "permanent"
	}
	return fmt.Sprintf("provider %s (%s): %v", e.Provider, kind, e.Err)
}

func (e *ProviderError) Unwrap() []error { return []error{model.ErrProviderUnavailable, e.Err} }

// StatusError is a non-2xx reply from a provider.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

// Classify wraps err as a ProviderError. Rejections the provider will repeat on retry
// (bad request, bad credentials, unknown place) are permanent; everything else, including
// timeouts, 429, 5xx and malformed bodies, is retryable.
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	retryable := true
	var se *StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			retryable = false
		}
	}
	return &ProviderError{Provider: provider, Retryable: retryable, Err: err}
}

// IsRetryable reports whether err is worth retrying on the next cycle. Errors that are not
// provider errors are treated as retryable.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}
