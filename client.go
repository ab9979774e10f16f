package openidclient

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Client is the HTTP request/response engine used by the OAuth/OIDC layers.
// Given declarative RequestOptions it dispatches over HTTP/1.1 or HTTP/2,
// injects a DPoP proof header backed by a per-origin nonce cache, races the
// response against a timeout and exposes the body through a lazily decoded
// accessor. It is safe for concurrent use.
type Client struct {
	defaultsMu sync.RWMutex
	defaults   Overrides

	customize       CustomizeFunc
	nonces          *nonceCache
	nonceCacheSize  int
	metrics         *MetricsCollector
	debug           *DebugConfig
	logger          Logger
	validationError error
}

// New constructs a Client using the provided functional options. A best
// effort validation is performed; call IsValid / ValidationError for errors.
func New(options ...Option) *Client {
	client := &Client{
		nonceCacheSize: NonceCacheSize,
		debug:          DefaultDebugConfig(),
	}

	for _, option := range options {
		option(client)
	}

	size := client.nonceCacheSize
	if size <= 0 {
		size = NonceCacheSize
	}
	client.nonces = newNonceCache(size, func(key string) {
		if client.metrics != nil {
			client.metrics.RecordNonceEviction()
		}
	})

	if err := client.ValidateConfiguration(); err != nil {
		client.validationError = err
	}

	return client
}

// DefaultClient backs the package-level Request and SetDefaults entry points.
var DefaultClient = New()

// Request performs an exchange using the package-level default client.
func Request(ctx context.Context, opts RequestOptions) (*Response, error) {
	return DefaultClient.Do(ctx, opts)
}

// SetDefaults merges the restricted override set into the package-level
// default client's process-wide defaults.
func SetDefaults(o Overrides) {
	DefaultClient.SetDefaults(o)
}

// Get performs a GET exchange decoding the body per responseType.
func (c *Client) Get(ctx context.Context, url, responseType string) (*Response, error) {
	return c.Do(ctx, RequestOptions{URL: url, Method: http.MethodGet, ResponseType: responseType})
}

// Post performs a POST exchange with a JSON payload.
func (c *Client) Post(ctx context.Context, url string, payload any) (*Response, error) {
	return c.Do(ctx, RequestOptions{URL: url, Method: http.MethodPost, JSON: payload})
}

// Do executes one exchange described by opts. The sequence is: resolve and
// validate options, inject the DPoP proof if requested, dispatch on the
// selected transport, race response arrival against the timeout, collect the
// body, and finally update the nonce cache from the response whether the
// exchange succeeded or failed. Errors crossing this boundary carry whatever
// Response exists at the time of failure. No retries happen here: a caller
// observing a nonce challenge re-invokes Do, which then uses the freshly
// cached value.
func (c *Client) Do(ctx context.Context, opts RequestOptions) (*Response, error) {
	start := time.Now()

	var requestID string
	if c.debugEnabled() && c.debug.RequestIDGen != nil {
		requestID = c.debug.RequestIDGen()
	}

	resolved, err := c.resolve(opts)
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordError(ErrorTypeValidation, opts.Method, endpointForRawURL(opts.URL))
		}
		return nil, err
	}

	method := resolveMethod(resolved.opts)
	endpoint := endpointForURL(resolved.u)

	if c.debugEnabled() && c.debug.LogRequests && c.logger != nil {
		c.logger.Debug("Starting request", "requestID", requestID, "method", method, "url", resolved.u.String(), "http2", resolved.opts.HTTP2)
	}

	if c.metrics != nil {
		c.metrics.RecordRequestStart(method, endpoint)
		defer c.metrics.RecordRequestEnd(method, endpoint)
	}

	cacheKey := nonceKey(resolved.u)
	if err := c.injectProof(resolved, method, cacheKey, requestID); err != nil {
		if c.metrics != nil {
			c.metrics.RecordError(ErrorTypeValidation, method, endpoint)
		}
		return nil, err
	}

	resp, err := c.dispatch(ctx, resolved, method, requestID)

	// Completion runs on success and failure alike: a valid replay-protection
	// nonce from the response is cached exactly once per attempt, even when
	// the body was never collected or decoding is still pending.
	c.complete(resp, err, cacheKey, requestID)

	duration := time.Since(start)
	statusCode := 0
	if resp != nil {
		statusCode = resp.StatusCode
	}
	if c.metrics != nil {
		c.metrics.RecordRequest(method, endpoint, statusCode, duration)
		if err != nil {
			if reqErr, ok := err.(*RequestError); ok {
				c.metrics.RecordError(reqErr.Type, method, endpoint)
				if reqErr.Type == ErrorTypeTimeout {
					c.metrics.RecordTimeout(method, endpoint)
				}
			}
		}
	}

	if err != nil {
		if c.debugEnabled() && c.debug.LogRequests && c.logger != nil {
			c.logger.Debug("Request failed", "requestID", requestID, "error", err.Error())
		}
		return nil, err
	}

	if c.debugEnabled() && c.debug.LogRequests && c.logger != nil {
		c.logger.Debug("Request completed", "requestID", requestID, "statusCode", resp.StatusCode, "duration", duration)
	}
	return resp, nil
}

// injectProof asks the host-provided proof capability for a DPoP value bound
// to the target URI, method and the currently cached nonce, and sets it as
// the request's DPoP header. Absent capability simply skips injection.
func (c *Client) injectProof(r *resolvedRequest, method, cacheKey, requestID string) error {
	d := r.opts.DPoP
	if d == nil || d.Proofer == nil {
		return nil
	}

	nonce, ok := c.nonces.Get(cacheKey)
	if c.metrics != nil {
		c.metrics.RecordNonceLookup(ok)
	}
	if c.debugEnabled() && c.debug.LogNonces && c.logger != nil {
		c.logger.Debug("Nonce lookup", "requestID", requestID, "key", cacheKey, "cached", ok)
	}

	proof, err := d.Proofer.Proof(ProofPayload{
		URL:    r.u.String(),
		Method: method,
		Nonce:  nonce,
	}, d.Key, d.AccessToken)
	if err != nil {
		return &RequestError{
			Type:      ErrorTypeValidation,
			Message:   "failed to generate DPoP proof",
			Cause:     err,
			Method:    method,
			URL:       r.u.String(),
			Timestamp: time.Now(),
		}
	}

	if r.opts.Headers == nil {
		r.opts.Headers = make(map[string]string, 1)
	}
	r.opts.Headers[HeaderDPoP] = proof
	return nil
}

// complete finalizes the nonce cache for one attempt. The update is
// unconditional on request outcome: a response carrying a valid DPoP-Nonce
// header refreshes the cache even when the exchange failed afterwards.
func (c *Client) complete(resp *Response, err error, cacheKey, requestID string) {
	if resp == nil && err != nil {
		resp = AttachedResponse(err)
	}
	if resp == nil {
		return
	}
	nonce := resp.Headers.Get(HeaderDPoPNonce)
	if nonce == "" {
		return
	}
	stored := c.nonces.Set(cacheKey, nonce)
	if c.metrics != nil && stored {
		c.metrics.RecordNonceStore()
	}
	if c.debugEnabled() && c.debug.LogNonces && c.logger != nil {
		c.logger.Debug("Nonce update", "requestID", requestID, "key", cacheKey, "stored", stored)
	}
}

func (c *Client) debugEnabled() bool {
	return c.debug != nil && c.debug.Enabled
}

// IsValid reports whether configuration validation passed at construction.
func (c *Client) IsValid() bool {
	return c.validationError == nil
}

// ValidationError returns the configuration validation error, if any.
func (c *Client) ValidationError() error {
	return c.validationError
}

// NonceCacheLen returns the number of cached nonces, for introspection.
func (c *Client) NonceCacheLen() int {
	return c.nonces.Len()
}

func resolveMethod(opts RequestOptions) string {
	if opts.Method != "" {
		return opts.Method
	}
	if opts.JSON != nil || len(opts.Form) > 0 || opts.Body != nil {
		return http.MethodPost
	}
	return http.MethodGet
}

func endpointForURL(u *url.URL) string {
	host := u.Host
	path := u.Path

	var builder strings.Builder
	builder.WriteString(host)

	if path != "" && path != "/" {
		builder.WriteString(path)
	} else {
		builder.WriteByte('/')
	}

	return builder.String()
}

func endpointForRawURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "unknown"
	}
	return endpointForURL(u)
}
