package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
)

// ErrMalformedResponse marks a provider payload that decoded but could not
// be mapped to candidates.
var ErrMalformedResponse = eris.New("malformed provider response")

// ErrorKind classifies a provider failure.
type ErrorKind int

const (
	// KindTimeout means the call exceeded its deadline.
	KindTimeout ErrorKind = iota
	// KindNetwork covers connection, DNS and transport failures.
	KindNetwork
	// KindServer covers 5xx responses and quota exhaustion.
	KindServer
	// KindRequest means the provider rejected the input (4xx).
	KindRequest
	// KindMalformed means the response could not be decoded.
	KindMalformed
	// KindCanceled means the caller abandoned the request.
	KindCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	case KindRequest:
		return "request"
	case KindMalformed:
		return "malformed"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// ProviderError is a classified provider failure.
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s: %s error (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// CountsAsFailure reports whether the error reflects provider
// unavailability and should feed the breaker.
func (e *ProviderError) CountsAsFailure() bool {
	return e.Kind != KindRequest && e.Kind != KindCanceled
}

// statusCoder is implemented by provider API errors carrying an HTTP status.
type statusCoder interface {
	HTTPStatus() int
}

// Classify maps any error returned by a provider client to a ProviderError.
func Classify(provider string, err error) *ProviderError {
	if err == nil {
		return nil
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}

	out := &ProviderError{Provider: provider, Err: err}

	var sc statusCoder
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		out.Kind = KindTimeout
	case errors.Is(err, context.Canceled):
		out.Kind = KindCanceled
	case errors.As(err, &sc):
		out.StatusCode = sc.HTTPStatus()
		out.Kind = kindForStatus(out.StatusCode)
	case isMalformed(err):
		out.Kind = KindMalformed
	case isTimeout(err):
		out.Kind = KindTimeout
	default:
		out.Kind = KindNetwork
	}
	return out
}

func kindForStatus(code int) ErrorKind {
	switch {
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return KindTimeout
	case code == http.StatusTooManyRequests:
		return KindServer
	case code >= 400 && code < 500:
		return KindRequest
	default:
		return KindServer
	}
}

func isMalformed(err error) bool {
	if errors.Is(err, ErrMalformedResponse) {
		return true
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "i/o timeout") || strings.Contains(msg, "tls handshake timeout")
}

// IsTransient returns true if the error matches common transient patterns
// (network timeouts, connection resets, DNS failures) or a 408/429/5xx
// status. Used to decide whether store writes are worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		return IsTransientHTTPStatus(sc.HTTPStatus())
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"conn closed",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true for statuses that are safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
