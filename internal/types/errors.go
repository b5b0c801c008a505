package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrTimeout          = errors.New("request timed out")
	ErrNotFound         = errors.New("page absent")
	ErrUnreachable      = errors.New("host unreachable")
	ErrMalformed        = errors.New("malformed response")
	ErrInvalidURL       = errors.New("invalid URL")
	ErrDealerNotFound   = errors.New("dealer not found")
	ErrNoListingPaths   = errors.New("dealer has no listing paths")
	ErrInsufficientData = errors.New("neither title nor price could be extracted")
)

// FetchErrorKind classifies a fetch failure.
type FetchErrorKind string

const (
	FetchErrorStatus    FetchErrorKind = "status"
	FetchErrorNetwork   FetchErrorKind = "network"
	FetchErrorTimeout   FetchErrorKind = "timeout"
	FetchErrorMalformed FetchErrorKind = "malformed"
)

// FetchError wraps errors that occur during fetching.
type FetchError struct {
	URL        string
	StatusCode int
	Kind       FetchErrorKind
	Attempts   int
	Err        error
	Retryable  bool
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch error for %s (%s, status %d): %v", e.URL, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch error for %s (%s): %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) IsRetryable() bool { return e.Retryable }

// Is lets errors.Is match the classification sentinels.
func (e *FetchError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == FetchErrorStatus && (e.StatusCode == 404 || e.StatusCode == 410)
	case ErrTimeout:
		return e.Kind == FetchErrorTimeout
	case ErrUnreachable:
		return e.Kind == FetchErrorNetwork
	case ErrMalformed:
		return e.Kind == FetchErrorMalformed
	}
	return false
}

// ParseError wraps errors that occur during parsing.
type ParseError struct {
	URL      string
	Selector string
	Err      error
}

func (e *ParseError) Error() string {
	if e.Selector == "" {
		return fmt.Sprintf("parse error for %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("parse error for %s (selector=%q): %v", e.URL, e.Selector, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ExtractionError reports a candidate page that produced no usable record.
type ExtractionError struct {
	URL string
	Err error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction error for %s: %v", e.URL, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// ConfigurationError is fatal for a run: nothing is crawled.
type ConfigurationError struct {
	DealerID string
	Field    string
	Err      error
}

func (e *ConfigurationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("configuration error for dealer %q (%s): %v", e.DealerID, e.Field, e.Err)
	}
	return fmt.Sprintf("configuration error for dealer %q: %v", e.DealerID, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// StoreError wraps errors that occur in the catalog store.
type StoreError struct {
	Backend string
	Op      string
	Err     error
}

func (e *StoreError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("storage error (%s %s): %v", e.Backend, e.Op, e.Err)
	}
	return fmt.Sprintf("storage error (%s): %v", e.Backend, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// PipelineError wraps errors that occur in the normalization pipeline.
type PipelineError struct {
	Stage  string
	Record *VehicleRecord
	Err    error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline error at stage %q: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }
