package openidclient

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Response is the outcome of a successful exchange: status code, headers and
// a lazily decoded body. The decode runs at most once; repeated Body calls
// return the same value.
type Response struct {
	StatusCode int
	Headers    http.Header

	mu         sync.Mutex
	raw        []byte
	mode       string
	decoded    any
	hasDecoded bool
}

func newResponse(statusCode int, headers http.Header, raw []byte, mode string) *Response {
	return &Response{
		StatusCode: statusCode,
		Headers:    headers,
		raw:        raw,
		mode:       mode,
	}
}

// Body returns the decoded body value. In "buffer" mode that is the raw
// []byte; in "json" mode the bytes are parsed once and the result memoized,
// so identity is stable across reads. A JSON parse failure raises a decode
// error with this response attached and does not memoize: a later call
// re-attempts the decode.
func (r *Response) Body() (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hasDecoded {
		return r.decoded, nil
	}

	switch r.mode {
	case ResponseTypeJSON:
		var v any
		if err := json.Unmarshal(r.raw, &v); err != nil {
			return nil, &RequestError{
				Type:      ErrorTypeDecode,
				Message:   "failed to parse response body as JSON",
				Cause:     err,
				Response:  r,
				Timestamp: time.Now(),
			}
		}
		r.decoded = v
	default:
		r.decoded = r.raw
	}

	r.hasDecoded = true
	return r.decoded, nil
}

// Bytes returns the raw collected body bytes without decoding.
func (r *Response) Bytes() []byte {
	return r.raw
}

// Header returns the value of the named response header.
func (r *Response) Header(key string) string {
	return r.Headers.Get(key)
}

// IsSuccess reports whether the status code is in the 2xx range.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}
