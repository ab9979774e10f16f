package openidclient

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error type constants carried in RequestError.Type.
const (
	// ErrorTypeValidation marks failures raised synchronously before any
	// socket is opened: malformed URL, missing mTLS material, unsupported
	// response type, conflicting body kinds.
	ErrorTypeValidation = "Validation"

	// ErrorTypeTimeout marks a request whose timeout won the race against
	// response arrival. No response is attached.
	ErrorTypeTimeout = "Timeout"

	// ErrorTypeTransport marks connection or stream level failures.
	ErrorTypeTransport = "Transport"

	// ErrorTypeDecode marks a structured-parse failure of collected body
	// bytes. The partial response is attached.
	ErrorTypeDecode = "Decode"
)

// RequestError is the error type for every failure the engine raises. Errors
// crossing the send/await/collect boundary carry whatever Response exists at
// that point (possibly nil).
type RequestError struct {
	Type      string
	Message   string
	Cause     error
	Method    string
	URL       string
	Timeout   time.Duration
	Response  *Response
	Timestamp time.Time
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.Type == ErrorTypeTimeout && e.Timeout > 0 {
		msg = fmt.Sprintf("%s after %v", msg, e.Timeout)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *RequestError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error types for errors.Is.
func (e *RequestError) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*RequestError); ok {
		return e.Type == targetErr.Type
	}
	return false
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *RequestError) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	info := fmt.Sprintf("Error Type: %s\n", e.Type)
	info += fmt.Sprintf("Message: %s\n", e.Message)
	if e.Method != "" {
		info += fmt.Sprintf("Method: %s\n", e.Method)
	}
	if e.URL != "" {
		info += fmt.Sprintf("URL: %s\n", e.URL)
	}
	if e.Timeout > 0 {
		info += fmt.Sprintf("Timeout: %v\n", e.Timeout)
	}
	if e.Response != nil {
		info += fmt.Sprintf("Status Code: %d\n", e.Response.StatusCode)
	}
	if !e.Timestamp.IsZero() {
		info += fmt.Sprintf("Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Cause != nil {
		info += fmt.Sprintf("Cause: %v\n", e.Cause)
	}
	return info
}

// IsTimeout reports whether err is a timeout raised by the engine.
func IsTimeout(err error) bool {
	var reqErr *RequestError
	return errors.As(err, &reqErr) && reqErr.Type == ErrorTypeTimeout
}

// AttachedResponse returns the response carried by err, if any. The engine
// attaches the in-flight response to transport and decode errors so callers
// can inspect status and headers of a failed exchange.
func AttachedResponse(err error) *Response {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Response
	}
	return nil
}

// NonceRequired reports whether resp indicates the server demands a fresh
// DPoP nonce (use_dpop_nonce challenge). The engine never retries on its own;
// callers observing this should re-invoke the request, which will pick up the
// nonce cached from this response.
func NonceRequired(resp *Response) bool {
	if resp == nil {
		return false
	}
	if resp.Headers.Get(HeaderDPoPNonce) == "" {
		return false
	}
	challenge := resp.Headers.Get("WWW-Authenticate")
	if strings.Contains(challenge, "use_dpop_nonce") {
		return true
	}
	return resp.StatusCode == 400 || resp.StatusCode == 401
}
