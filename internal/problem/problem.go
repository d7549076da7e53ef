// Package problem defines the error taxonomy shared by every component and
// the RFC 9457 problem+json envelope the HTTP boundary renders it to.
package problem

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ContentType is the media type for problem responses
const ContentType = "application/problem+json"

// typeBase prefixes the stable problem type URIs
const typeBase = "https://sitespeak.dev/problems/"

// Kind classifies a failure. Kinds are stable API surface; handlers map
// them to status codes and type URIs.
type Kind string

const (
	KindValidationFailed  Kind = "validation-failed"
	KindMissingTenantID   Kind = "missing-tenant-id"
	KindInvalidTenantID   Kind = "invalid-tenant-id"
	KindUnauthorized      Kind = "unauthorized"
	KindForbidden         Kind = "forbidden"
	KindRateLimited       Kind = "rate-limited"
	KindNotFound          Kind = "not-found"
	KindAlreadyRunning    Kind = "already-running"
	KindPayloadTooLarge   Kind = "payload-too-large"
	KindUnsupportedMedia  Kind = "unsupported-media-type"
	KindSearchDegraded    Kind = "search-degraded"
	KindSearchUnavailable Kind = "search-unavailable"
	KindStoreUnavailable  Kind = "store-unavailable"
	KindTransient         Kind = "transient"
	KindDimensionMismatch Kind = "dimension-mismatch"
	KindInternal          Kind = "internal"
)

// Status returns the HTTP status code for the kind
func (k Kind) Status() int {
	switch k {
	case KindValidationFailed:
		return http.StatusUnprocessableEntity
	case KindMissingTenantID, KindInvalidTenantID:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	case KindAlreadyRunning:
		return http.StatusConflict
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindUnsupportedMedia:
		return http.StatusUnsupportedMediaType
	case KindSearchUnavailable, KindStoreUnavailable, KindTransient:
		return http.StatusServiceUnavailable
	case KindDimensionMismatch, KindInternal:
		return http.StatusInternalServerError
	case KindSearchDegraded:
		return http.StatusOK
	}
	return http.StatusInternalServerError
}

// TypeURI returns the stable problem type URI for the kind
func (k Kind) TypeURI() string {
	return typeBase + string(k)
}

// Title returns the human-readable summary for the kind
func (k Kind) Title() string {
	switch k {
	case KindValidationFailed:
		return "Request validation failed"
	case KindMissingTenantID:
		return "Tenant identifier is required"
	case KindInvalidTenantID:
		return "Tenant identifier is invalid"
	case KindUnauthorized:
		return "Authentication required"
	case KindForbidden:
		return "Access denied"
	case KindRateLimited:
		return "Too many requests"
	case KindNotFound:
		return "Resource not found"
	case KindAlreadyRunning:
		return "A job is already running"
	case KindPayloadTooLarge:
		return "Request payload too large"
	case KindUnsupportedMedia:
		return "Unsupported media type"
	case KindSearchDegraded:
		return "Search degraded"
	case KindSearchUnavailable:
		return "Search unavailable"
	case KindStoreUnavailable:
		return "Storage unavailable"
	case KindTransient:
		return "Temporary failure"
	case KindDimensionMismatch:
		return "Embedding dimension mismatch"
	case KindInternal:
		return "Internal error"
	}
	return "Internal error"
}

// Retryable reports whether callers should retry after backoff
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindSearchUnavailable, KindStoreUnavailable, KindTransient, KindAlreadyRunning:
		return true
	}
	return false
}

// Error is a classified error carrying optional extension members that
// surface in the rendered problem document.
type Error struct {
	Kind       Kind
	Detail     string
	Err        error
	Extensions map[string]interface{}
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Unwrap exposes the wrapped cause
func (e *Error) Unwrap() error {
	return e.Err
}

// WithExtension attaches an extension member to the error
func (e *Error) WithExtension(key string, value interface{}) *Error {
	if e.Extensions == nil {
		e.Extensions = make(map[string]interface{})
	}
	e.Extensions[key] = value
	return e
}

// New creates a classified error
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Newf creates a classified error with a formatted detail
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap creates a classified error around a cause
func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// Wrapf creates a classified error around a cause with a formatted detail
func Wrapf(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from an error chain, defaulting to internal
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// IsKind reports whether the error chain carries the given kind
func IsKind(err error, kind Kind) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}

// Problem is the RFC 9457 document. Extension members are flattened into
// the top-level object on marshalling.
type Problem struct {
	Type          string                 `json:"type"`
	Title         string                 `json:"title"`
	Status        int                    `json:"status"`
	Detail        string                 `json:"detail,omitempty"`
	Instance      string                 `json:"instance,omitempty"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	TenantID      string                 `json:"tenantId,omitempty"`
	Extensions    map[string]interface{} `json:"-"`
}

// MarshalJSON flattens extension members into the envelope. Reserved
// member names are never overridden by extensions.
func (p Problem) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, 7+len(p.Extensions))
	for k, v := range p.Extensions {
		out[k] = v
	}
	out["type"] = p.Type
	out["title"] = p.Title
	out["status"] = p.Status
	if p.Detail != "" {
		out["detail"] = p.Detail
	}
	if p.Instance != "" {
		out["instance"] = p.Instance
	}
	if p.CorrelationID != "" {
		out["correlationId"] = p.CorrelationID
	}
	if p.TenantID != "" {
		out["tenantId"] = p.TenantID
	}
	return json.Marshal(out)
}

// From builds the problem document for any error. Unclassified errors
// render as internal without leaking their message.
func From(err error, instance string) Problem {
	var pe *Error
	if !errors.As(err, &pe) {
		kind := KindInternal
		return Problem{
			Type:     kind.TypeURI(),
			Title:    kind.Title(),
			Status:   kind.Status(),
			Detail:   "an unexpected error occurred",
			Instance: instance,
		}
	}

	p := Problem{
		Type:     pe.Kind.TypeURI(),
		Title:    pe.Kind.Title(),
		Status:   pe.Kind.Status(),
		Detail:   pe.Detail,
		Instance: instance,
	}
	if len(pe.Extensions) > 0 {
		p.Extensions = make(map[string]interface{}, len(pe.Extensions))
		for k, v := range pe.Extensions {
			p.Extensions[k] = v
		}
	}
	return p
}
