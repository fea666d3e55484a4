// Package gatewayerr defines the error taxonomy of §7: each error type
// implements error and carries its own HTTP status, so the controller's
// status-mapping table collapses to a single type switch.
package gatewayerr

import "net/http"

// AuthError covers missing/malformed/invalid/expired/revoked tokens and
// vendor mismatches. Never retried.
type AuthError struct {
	Reason string
	Status int // 401 or 403
}

func (e *AuthError) Error() string   { return e.Reason }
func (e *AuthError) StatusCode() int { return e.Status }

func NewUnauthorized(reason string) *AuthError { return &AuthError{Reason: reason, Status: http.StatusUnauthorized} }
func NewForbidden(reason string) *AuthError    { return &AuthError{Reason: reason, Status: http.StatusForbidden} }

// ConfigError covers unknown vendor or no credential for vendor. Not
// retried within the request.
type ConfigError struct {
	Reason string
	Status int // 400 or 503
}

func (e *ConfigError) Error() string   { return e.Reason }
func (e *ConfigError) StatusCode() int { return e.Status }

func NewUnknownVendor(vendor string) *ConfigError {
	return &ConfigError{Reason: "unknown vendor: " + vendor, Status: http.StatusBadRequest}
}

func NewNoCredentialAvailable(vendor string) *ConfigError {
	return &ConfigError{Reason: "no credential available for vendor: " + vendor, Status: http.StatusServiceUnavailable}
}

// UpstreamError is any non-2xx from upstream, a transport error, or a
// timeout. Inspected by C8; if the fallback chain can advance it is
// retried, otherwise it surfaces as 502.
type UpstreamError struct {
	Reason     string
	StatusCode int
}

func (e *UpstreamError) Error() string { return e.Reason }

// HTTPStatus maps an exhausted UpstreamError to the client-facing status.
func (e *UpstreamError) HTTPStatus() int { return http.StatusBadGateway }

// ClassifierError means the complexity classifier was unreachable or
// returned a malformed response. The routing engine treats complexity
// routing as disabled for this request rather than failing it.
type ClassifierError struct {
	Reason string
}

func (e *ClassifierError) Error() string { return e.Reason }

// StoreError wraps a database failure. Critical reads (token validation,
// credential lookup) should surface this as 500; non-critical async writes
// (usage logs, lastUsedAt) should swallow and log instead of constructing
// one of these.
type StoreError struct {
	Reason string
}

func (e *StoreError) Error() string   { return e.Reason }
func (e *StoreError) StatusCode() int { return http.StatusInternalServerError }

// FatalInitError signals the process should exit non-zero: missing master
// key, malformed startup config.
type FatalInitError struct {
	Reason string
}

func (e *FatalInitError) Error() string { return e.Reason }
