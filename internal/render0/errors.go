package render0

import (
	"errors"
	"fmt"
	"net/http"
)

// ValidationError rejects a request before any upstream call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConfigurationError means a required setting is missing; every fetch fails
// until the process is reconfigured.
type ConfigurationError struct {
	Setting string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("missing configuration: %s", e.Setting)
}

// UpstreamError is a failed call to the rendering service. StatusCode is 0
// when the request never got a response.
type UpstreamError struct {
	Service    string
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode == 0:
		return fmt.Sprintf("%s upstream: %v", e.Service, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s upstream status %d: %v", e.Service, e.StatusCode, e.Err)
	case e.Body != "":
		return fmt.Sprintf("%s upstream status %d: %s", e.Service, e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("%s upstream status %d", e.Service, e.StatusCode)
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// EmptyBodyError means the content endpoint answered 2xx with no markup even
// after the longer-delay retry. Usually the target blocks headless browsers.
type EmptyBodyError struct {
	URL string
}

func (e *EmptyBodyError) Error() string {
	return fmt.Sprintf("upstream returned an empty document for %s", e.URL)
}

// HTTPStatus maps an error returned by Service.Fetch to a status code.
func HTTPStatus(err error) int {
	var (
		ve *ValidationError
		ce *ConfigurationError
		ee *EmptyBodyError
		ue *UpstreamError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &ce):
		return http.StatusInternalServerError
	case errors.As(err, &ee), errors.As(err, &ue):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode is the machine readable counterpart of HTTPStatus.
func ErrorCode(err error) string {
	var (
		ve *ValidationError
		ce *ConfigurationError
		ee *EmptyBodyError
		ue *UpstreamError
	)
	switch {
	case errors.As(err, &ve):
		return "validation_error"
	case errors.As(err, &ce):
		return "configuration_error"
	case errors.As(err, &ee):
		return "upstream_empty_body"
	case errors.As(err, &ue):
		return "upstream_error"
	default:
		return "internal_error"
	}
}
