// Package openidclient provides the HTTP request/response engine used inside
// an OAuth/OIDC client:
//
//   - Declarative per-request options merged from process-wide defaults, an
//     optional per-call customization hook, and call-supplied values
//   - Transport selection per request: HTTP/1.1 or a dedicated HTTP/2
//     connection, both one-shot with no cross-call pooling
//   - DPoP proof-of-possession injection backed by a bounded per-origin
//     nonce cache (LRU, replay protection per RFC 9449)
//   - Response arrival raced against a timeout with deterministic teardown
//     of the losing side
//   - Lazily decoded, memoized response bodies ("buffer" or "json")
//   - Prometheus metrics and lightweight structured debug logging
//
// Design goals:
//   - Small surface area – functional options configure the client, one
//     RequestOptions value describes each call
//   - No hidden retries: nonce refresh-and-retry is the caller's decision
//   - Safe concurrent use of a single *Client instance
//
// Typical usage:
//
//	client := openidclient.New(
//	    openidclient.WithTimeout(5*time.Second),
//	    openidclient.WithMetrics(),
//	)
//	resp, err := client.Do(ctx, openidclient.RequestOptions{
//	    URL:          "https://issuer.example.com/token",
//	    Form:         url.Values{"grant_type": {"client_credentials"}},
//	    ResponseType: openidclient.ResponseTypeJSON,
//	})
//
// The library avoids opinionated logging: provide a Logger (e.g. via
// WithSimpleLogger) + enable debug flags selectively (WithDebug /
// WithDebugConfig) for insight without noise.
package openidclient
