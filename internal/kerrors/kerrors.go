// Package kerrors defines the closed error taxonomy the core distinguishes
// (§7 of the design document) and the retry/backoff policy scheme
// downloaders use. Modeled on CloudPull's internal/errors package
// (structured *Error with a Type, Op and cause), adapted to this repo's
// specific error kinds rather than CloudPull's generic network/storage/auth
// split.
package kerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the closed set of error categories the core's components report.
type Kind int

const (
	KindUnknown Kind = iota
	KindCanceled
	KindInvalidInput
	KindTransientNetwork
	KindPermanentNetwork
	KindFilesystem
	KindScript
	KindCatalog
	KindBackend
)

func (k Kind) String() string {
	switch k {
	case KindCanceled:
		return "canceled"
	case KindInvalidInput:
		return "invalid_input"
	case KindTransientNetwork:
		return "transient_network"
	case KindPermanentNetwork:
		return "permanent_network"
	case KindFilesystem:
		return "filesystem"
	case KindScript:
		return "script"
	case KindCatalog:
		return "catalog"
	case KindBackend:
		return "backend"
	default:
		return "unknown"
	}
}

// Error is a structured error carrying one of the closed Kinds.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error; otherwise returns KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryableStatus reports whether an HTTP status code is one the scheme
// downloader retries: 408, 429, and any 5xx.
func IsRetryableStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= 500
}
