package shared

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/desertthunder/tracksync/internal/models"
)

var (
	ErrNotImplemented = fmt.Errorf("not implemented")

	// Configuration errors
	ErrMissingConfig      = fmt.Errorf("configuration not found")
	ErrInvalidConfig      = fmt.Errorf("invalid configuration")
	ErrMissingCredentials = fmt.Errorf("missing credentials")
	ErrTimeout            = fmt.Errorf("operation timed out")

	// Catalog store errors
	ErrItemNotFound     = fmt.Errorf("catalog item not found")
	ErrConditionFailed  = fmt.Errorf("patch condition not satisfied")
	ErrStoreUnreachable = fmt.Errorf("catalog store unreachable")
	ErrInvalidPatch     = fmt.Errorf("invalid patch")
	ErrLockConflict     = fmt.Errorf("item locked by another worker")
	ErrLockLost         = fmt.Errorf("lock no longer held")

	// Remote and source errors
	ErrTransient       = fmt.Errorf("transient remote error")
	ErrRateLimited     = fmt.Errorf("rate limited")
	ErrNotFound        = fmt.Errorf("source not found")
	ErrGeoBlocked      = fmt.Errorf("source geo-blocked")
	ErrUnavailable     = fmt.Errorf("source unavailable")
	ErrInvalidSource   = fmt.Errorf("invalid source")
	ErrPipeline        = fmt.Errorf("pipeline failure")
	ErrArtifactMissing = fmt.Errorf("artifact missing")

	// Input validation errors
	ErrInvalidInput    = fmt.Errorf("invalid input")
	ErrMissingArgument = fmt.Errorf("missing required argument")
	ErrInvalidArgument = fmt.Errorf("invalid argument")
	ErrInvalidFlag     = fmt.Errorf("invalid flag value")
)

// ItemError is an error that has already been placed in the failure taxonomy.
type ItemError struct {
	Category models.ErrorCategory
	Reason   string
	Err      error
}

// NewItemError wraps err with a category and an optional reason (e.g. NotFound).
func NewItemError(category models.ErrorCategory, reason string, err error) *ItemError {
	return &ItemError{Category: category, Reason: reason, Err: err}
}

func (e *ItemError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s(%s): %v", e.Category, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// Classify maps any error onto the failure taxonomy.
//
// Already classified [ItemError] values win; otherwise sentinels, context deadlines and network timeouts are
// inspected. Anything unrecognized is a [models.CategoryPipelineFailure].
func Classify(err error) (models.ErrorCategory, string) {
	if err == nil {
		return "", ""
	}

	var itemErr *ItemError
	if errors.As(err, &itemErr) {
		return itemErr.Category, itemErr.Reason
	}

	switch {
	case errors.Is(err, ErrLockConflict):
		return models.CategoryLockConflict, ""
	case errors.Is(err, ErrRateLimited):
		return models.CategoryTransientRemote, models.ReasonRateLimited
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		return models.CategoryTransientRemote, models.ReasonTimeout
	case errors.Is(err, ErrTransient):
		return models.CategoryTransientRemote, ""
	case errors.Is(err, ErrNotFound):
		return models.CategoryPermanentSource, models.ReasonNotFound
	case errors.Is(err, ErrGeoBlocked):
		return models.CategoryPermanentSource, models.ReasonGeoBlocked
	case errors.Is(err, ErrUnavailable):
		return models.CategoryPermanentSource, models.ReasonUnavailable
	case errors.Is(err, ErrInvalidSource):
		return models.CategoryPermanentSource, models.ReasonInvalidSource
	case errors.Is(err, ErrConditionFailed), errors.Is(err, ErrStoreUnreachable), errors.Is(err, ErrLockLost):
		return models.CategoryCoordinationWrite, ""
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.CategoryTransientRemote, models.ReasonTimeout
	}

	return models.CategoryPipelineFailure, ""
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	category, _ := Classify(err)
	return category == models.CategoryTransientRemote
}

var pipelineCodes = map[string]error{
	"not_found":      ErrNotFound,
	"geo_blocked":    ErrGeoBlocked,
	"unavailable":    ErrUnavailable,
	"invalid_source": ErrInvalidSource,
	"rate_limited":   ErrRateLimited,
	"timeout":        ErrTimeout,
	"transient":      ErrTransient,
}

// PipelineError turns an unsuccessful pipeline result into a classified error.
// Unknown codes are pipeline failures carrying the code as their reason.
func PipelineError(code, message string) error {
	if message == "" {
		message = "pipeline reported failure"
	}
	if sentinel, ok := pipelineCodes[code]; ok {
		return fmt.Errorf("%w: %s", sentinel, message)
	}
	return NewItemError(models.CategoryPipelineFailure, code, fmt.Errorf("%w: %s", ErrPipeline, message))
}
