package githubclient

import (
	"errors"
	"net/http"

	"github.com/google/go-github/v57/github"
)

// Errors the processors branch on. Anything else coming out of the
// client is transient-exhausted or a programming error.
var (
	// ErrUpstreamNotFound means the resource is gone upstream (404 or
	// 410). Callers treat this as data, not as a failure.
	ErrUpstreamNotFound = errors.New("upstream resource not found")

	// ErrUpstreamForbidden covers 403s that are not rate limiting,
	// typically a token without the needed scope.
	ErrUpstreamForbidden = errors.New("upstream access forbidden")
)

// IsNotFound reports whether err is the upstream-absence signal.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUpstreamNotFound)
}

// permanent classifies a go-github error response as a non-retryable
// failure, mapping it onto the package sentinels where one fits.
func permanent(err error) (error, bool) {
	var ghErr *github.ErrorResponse
	if !errors.As(err, &ghErr) || ghErr.Response == nil {
		return nil, false
	}
	switch ghErr.Response.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		return ErrUpstreamNotFound, true
	case http.StatusForbidden:
		return ErrUpstreamForbidden, true
	case http.StatusUnprocessableEntity:
		return err, true
	}
	return nil, false
}
