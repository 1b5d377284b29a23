package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Common errors returned by the session.
var (
	// ErrInvalidURL is returned for request URLs that cannot be resolved.
	ErrInvalidURL = errors.New("invalid request url")
)

// ErrorClass represents a classification of failed requests.
type ErrorClass string

const (
	// ErrorClassUnauthorized represents 401 responses.
	ErrorClassUnauthorized ErrorClass = "unauthorized"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassClient represents every other non-2xx response.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassNetwork represents transport failures without a response.
	ErrorClassNetwork ErrorClass = "network"
)

// classify returns the error class of a non-2xx status.
func classify(status int) ErrorClass {
	switch {
	case status == http.StatusUnauthorized:
		return ErrorClassUnauthorized
	case status >= 500:
		return ErrorClassServer
	default:
		return ErrorClassClient
	}
}

// ErrorDetail is one entry of an App Store Connect error response.
type ErrorDetail struct {
	ID     string         `json:"id,omitempty"`
	Status string         `json:"status"`
	Code   string         `json:"code"`
	Title  string         `json:"title"`
	Detail string         `json:"detail,omitempty"`
	Source map[string]any `json:"source,omitempty"`
	Meta   *ErrorMeta     `json:"meta,omitempty"`
}

// ErrorMeta carries errors associated with the primary one, grouped by scope.
type ErrorMeta struct {
	AssociatedErrors map[string][]ErrorDetail `json:"associatedErrors,omitempty"`
}

// String renders "<title> - <detail>" followed by indented associated errors.
func (d ErrorDetail) String() string {
	s := d.Title
	if d.Detail != "" {
		s += " - " + d.Detail
	}
	for _, associated := range d.Associated() {
		for _, line := range strings.Split("Associated error: "+associated.String(), "\n") {
			s += "\n\t" + line
		}
	}
	return s
}

// Associated returns the associated errors ordered by scope.
func (d ErrorDetail) Associated() []ErrorDetail {
	if d.Meta == nil || len(d.Meta.AssociatedErrors) == 0 {
		return nil
	}
	scopes := make([]string, 0, len(d.Meta.AssociatedErrors))
	for scope := range d.Meta.AssociatedErrors {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)

	var associated []ErrorDetail
	for _, scope := range scopes {
		associated = append(associated, d.Meta.AssociatedErrors[scope]...)
	}
	return associated
}

// SourcePointer returns the JSON pointer the error refers to, if any.
func (d ErrorDetail) SourcePointer() string {
	pointer, _ := d.Source["pointer"].(string)
	return pointer
}

// ErrorResponse is the error envelope returned by App Store Connect.
type ErrorResponse struct {
	Errors []ErrorDetail `json:"errors"`
}

// APIError is returned for every response that is not retried to success.
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	Class      ErrorClass

	// Errors holds the parsed error entries; empty when the body was not an error envelope.
	Errors []ErrorDetail

	Header http.Header
	Body   []byte
}

func newAPIError(method, url string, resp *Response) *APIError {
	e := &APIError{
		Method:     method,
		URL:        url,
		StatusCode: resp.StatusCode,
		Class:      classify(resp.StatusCode),
		Header:     resp.Header,
		Body:       resp.Body,
	}

	var envelope ErrorResponse
	if err := json.Unmarshal(resp.Body, &envelope); err == nil {
		e.Errors = envelope.Errors
	}
	return e
}

// Message returns the error entries joined by newlines, or a generic message
// when the response carried none.
func (e *APIError) Message() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("request failed with status code %d", e.StatusCode)
	}
	lines := make([]string, 0, len(e.Errors))
	for _, detail := range e.Errors {
		lines = append(lines, detail.String())
	}
	return strings.Join(lines, "\n")
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s returned %d: %s", e.Method, e.URL, e.StatusCode, e.Message())
}

// HasCode reports whether any error entry carries code.
func (e *APIError) HasCode(code string) bool {
	for _, detail := range e.Errors {
		if detail.Code == code {
			return true
		}
	}
	return false
}

// StatusCode returns the HTTP status of an *APIError in err's chain, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsNotFound reports whether err is a 404 API error.
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

// IsUnauthorized reports whether err is a 401 API error.
func IsUnauthorized(err error) bool {
	return StatusCode(err) == http.StatusUnauthorized
}

// IsServerError reports whether err is a 5xx API error.
func IsServerError(err error) bool {
	return StatusCode(err) >= 500
}
