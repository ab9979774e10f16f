package openidclient

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// WithCustomize installs the per-call customization hook.
func WithCustomize(fn CustomizeFunc) Option {
	return func(c *Client) {
		c.customize = fn
	}
}

// WithDefaults seeds the process-wide default options snapshot.
func WithDefaults(o Overrides) Option {
	return func(c *Client) {
		c.mergeDefaults(o)
	}
}

// WithTimeout sets the default response-arrival timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.defaults.Timeout = d
	}
}

// WithNonceCacheSize overrides the DPoP nonce cache capacity.
func WithNonceCacheSize(n int) Option {
	return func(c *Client) {
		c.nonceCacheSize = n
	}
}

// WithMetrics enables Prometheus metrics collection.
func WithMetrics() Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector sets a custom metrics collector.
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = collector
	}
}

// WithDebug enables debug logging with default configuration.
func WithDebug() Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.Enabled = true
	}
}

// WithDebugConfig sets custom debug configuration.
func WithDebugConfig(config *DebugConfig) Option {
	return func(c *Client) {
		c.debug = config
	}
}

// WithLogger sets a custom logger for debug output.
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithSimpleLogger enables debug logging with a simple console logger.
func WithSimpleLogger() Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.Enabled = true
		c.logger = NewSimpleLogger()
	}
}

// WithRequestIDGenerator sets a custom function for generating request IDs.
func WithRequestIDGenerator(gen func() string) Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.RequestIDGen = gen
	}
}

// SetDefaults merges the restricted override set into the process-wide
// defaults snapshot. This is the single designated mutation entry point;
// it does not affect requests already in flight.
func (c *Client) SetDefaults(o Overrides) {
	c.defaultsMu.Lock()
	defer c.defaultsMu.Unlock()
	c.mergeDefaults(o)
}

func (c *Client) mergeDefaults(o Overrides) {
	if o.Agent != nil {
		c.defaults.Agent = o.Agent
	}
	if o.CA != nil {
		c.defaults.CA = o.CA
	}
	if o.Cert != nil {
		c.defaults.Cert = o.Cert
	}
	if o.CRL != nil {
		c.defaults.CRL = o.CRL
	}
	if o.Headers != nil {
		if c.defaults.Headers == nil {
			c.defaults.Headers = make(map[string]string, len(o.Headers))
		}
		for k, v := range o.Headers {
			c.defaults.Headers[k] = v
		}
	}
	if o.Key != nil {
		c.defaults.Key = o.Key
	}
	if o.Lookup != nil {
		c.defaults.Lookup = o.Lookup
	}
	if o.Passphrase != "" {
		c.defaults.Passphrase = o.Passphrase
	}
	if o.PFX != nil {
		c.defaults.PFX = o.PFX
	}
	if o.Timeout > 0 {
		c.defaults.Timeout = o.Timeout
	}
	if o.HTTP2 != nil {
		c.defaults.HTTP2 = o.HTTP2
	}
}

// resolvedRequest is the outcome of option resolution: everything dispatch
// needs, validated before any socket activity.
type resolvedRequest struct {
	opts    RequestOptions
	u       *url.URL
	timeout time.Duration
}

// resolve merges, in increasing precedence, the process-wide defaults, the
// customize hook's restricted overrides and the call-supplied options, then
// validates the result. Any validation failure is raised here, synchronously,
// before a socket is opened.
func (c *Client) resolve(opts RequestOptions) (*resolvedRequest, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, newValidationError("malformed URL", opts.Method, opts.URL, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, newValidationError("URL must be absolute", opts.Method, opts.URL, nil)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, newValidationError(fmt.Sprintf("unsupported URL scheme %q", u.Scheme), opts.Method, opts.URL, nil)
	}

	merged := opts
	c.defaultsMu.RLock()
	applyOverrides(&merged, &c.defaults, opts)
	c.defaultsMu.RUnlock()

	if c.customize != nil {
		// The hook sees a copy; only its returned Overrides feed back in.
		hookView := merged
		hookView.Headers = make(map[string]string, len(merged.Headers))
		for k, v := range merged.Headers {
			hookView.Headers[k] = v
		}
		if ov := c.customize(u, &hookView); ov != nil {
			// Call-supplied fields outrank the hook; applyOverrides skips
			// anything opts set explicitly.
			applyOverrides(&merged, ov, opts)
		}
	}

	if err := validateBodyKinds(merged); err != nil {
		return nil, err
	}
	if merged.MTLS && !hasMTLSMaterial(merged.TLS) {
		return nil, newValidationError("mutual TLS requested without a PFX bundle or certificate/key pair", merged.Method, merged.URL, nil)
	}
	switch merged.ResponseType {
	case "", ResponseTypeBuffer, ResponseTypeJSON:
	default:
		return nil, newValidationError(fmt.Sprintf("unsupported response type %q", merged.ResponseType), merged.Method, merged.URL, nil)
	}
	if merged.ResponseType == "" {
		merged.ResponseType = ResponseTypeBuffer
	}

	if len(merged.SearchParams) > 0 {
		mergeSearchParams(u, merged.SearchParams)
	}
	merged.Headers = pruneHeaders(merged.Headers)

	timeout := merged.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &resolvedRequest{opts: merged, u: u, timeout: timeout}, nil
}

// applyOverrides copies the restricted override fields into dst, skipping any
// field the original call options already set: call-supplied values keep the
// highest precedence.
func applyOverrides(dst *RequestOptions, ov *Overrides, call RequestOptions) {
	if ov.Agent != nil && call.Agent == nil {
		dst.Agent = ov.Agent
	}
	if ov.CA != nil && call.TLS.CA == nil {
		dst.TLS.CA = ov.CA
	}
	if ov.Cert != nil && call.TLS.Cert == nil {
		dst.TLS.Cert = ov.Cert
	}
	if ov.CRL != nil && call.TLS.CRL == nil {
		dst.TLS.CRL = ov.CRL
	}
	if ov.Headers != nil {
		headers := make(map[string]string, len(ov.Headers)+len(dst.Headers))
		for k, v := range dst.Headers {
			headers[k] = v
		}
		// The incoming override wins per key unless the call set that key
		// itself: defaults < hook < call.
		for k, v := range ov.Headers {
			if _, callSet := call.Headers[k]; !callSet {
				headers[k] = v
			}
		}
		dst.Headers = headers
	}
	if ov.Key != nil && call.TLS.Key == nil {
		dst.TLS.Key = ov.Key
	}
	if ov.Lookup != nil && call.Lookup == nil {
		dst.Lookup = ov.Lookup
	}
	if ov.Passphrase != "" && call.TLS.Passphrase == "" {
		dst.TLS.Passphrase = ov.Passphrase
	}
	if ov.PFX != nil && call.TLS.PFX == nil {
		dst.TLS.PFX = ov.PFX
	}
	if ov.Timeout > 0 && call.Timeout == 0 {
		dst.Timeout = ov.Timeout
	}
	if ov.HTTP2 != nil && !call.HTTP2 {
		dst.HTTP2 = *ov.HTTP2
	}
}

// validateBodyKinds enforces that at most one body serialization path exists.
func validateBodyKinds(opts RequestOptions) error {
	kinds := 0
	if opts.JSON != nil {
		kinds++
	}
	if len(opts.Form) > 0 {
		kinds++
	}
	if opts.Body != nil {
		kinds++
	}
	if kinds > 1 {
		return newValidationError("at most one of JSON, Form or Body may be set", opts.Method, opts.URL, nil)
	}
	return nil
}

func hasMTLSMaterial(m TLSMaterial) bool {
	if len(m.PFX) > 0 {
		return true
	}
	return len(m.Cert) > 0 && len(m.Key) > 0
}

// mergeSearchParams merges params into the URL query delete-then-set per key:
// existing pairs whose key is replaced are removed in place, untouched pairs
// keep their original order, and the new values are appended.
func mergeSearchParams(u *url.URL, params url.Values) {
	var kept []string
	for _, pair := range strings.Split(u.RawQuery, "&") {
		if pair == "" {
			continue
		}
		key := pair
		if i := strings.IndexByte(pair, '='); i >= 0 {
			key = pair[:i]
		}
		decoded, err := url.QueryUnescape(key)
		if err != nil {
			decoded = key
		}
		if _, replaced := params[decoded]; !replaced {
			kept = append(kept, pair)
		}
	}
	appended := params.Encode()
	switch {
	case len(kept) == 0:
		u.RawQuery = appended
	case appended == "":
		u.RawQuery = strings.Join(kept, "&")
	default:
		u.RawQuery = strings.Join(kept, "&") + "&" + appended
	}
}

// pruneHeaders drops entries with an empty value before send.
func pruneHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	pruned := make(map[string]string, len(headers))
	for k, v := range headers {
		if v == "" {
			continue
		}
		pruned[k] = v
	}
	return pruned
}

// ValidateConfiguration validates the client configuration and returns an
// error if invalid.
func (c *Client) ValidateConfiguration() error {
	var problems []string

	if c.nonceCacheSize <= 0 {
		problems = append(problems, "nonce cache size must be positive")
	}
	if c.debug != nil && c.debug.Enabled && c.logger == nil {
		problems = append(problems, "logger must be set when debug is enabled")
	}
	if c.defaults.Timeout < 0 {
		problems = append(problems, "default timeout must be non-negative")
	}

	if len(problems) > 0 {
		return &RequestError{
			Type:    ErrorTypeValidation,
			Message: "configuration validation failed",
			Cause:   fmt.Errorf("validation errors: %v", problems),
		}
	}
	return nil
}

func newValidationError(message, method, rawURL string, cause error) *RequestError {
	return &RequestError{
		Type:      ErrorTypeValidation,
		Message:   message,
		Cause:     cause,
		Method:    method,
		URL:       rawURL,
		Timestamp: time.Now(),
	}
}
