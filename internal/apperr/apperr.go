// Package apperr defines the domain error kinds shared across hdhub
// components and their translation to HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for API translation and retry policy.
type Kind string

const (
	NotFound                Kind = "not_found"
	InvalidArgument         Kind = "invalid_argument"
	Busy                    Kind = "busy"
	Conflict                Kind = "conflict"
	NoTunersAvailable       Kind = "no_tuners_available"
	AllTunersBusy           Kind = "all_tuners_busy"
	SpecificTunerBusy       Kind = "specific_tuner_busy"
	DrmProtected            Kind = "drm_protected"
	UpstreamUnavailable     Kind = "upstream_unavailable"
	UpstreamUnreachable     Kind = "upstream_unreachable"
	TranscodeStartupTimeout Kind = "transcode_startup_timeout"
	TranscoderFailed        Kind = "transcoder_failed"
	AuthExpired             Kind = "auth_expired"
	Internal                Kind = "internal"
)

// Error carries a kind alongside a message and optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a new error of the given kind.
func E(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind, preserving the cause chain.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind of err, or Internal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error kind to the status code the API surface returns.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case NotFound:
		return http.StatusNotFound
	case InvalidArgument:
		return http.StatusBadRequest
	case Conflict:
		return http.StatusConflict
	case Busy:
		return http.StatusTooManyRequests
	case NoTunersAvailable, AllTunersBusy, SpecificTunerBusy:
		return http.StatusServiceUnavailable
	case DrmProtected:
		return http.StatusForbidden
	case UpstreamUnavailable, UpstreamUnreachable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
