package openidclient

import (
	"crypto"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Response decode modes accepted by RequestOptions.ResponseType.
const (
	ResponseTypeBuffer = "buffer"
	ResponseTypeJSON   = "json"
)

// Header names used by the DPoP proof-of-possession exchange (RFC 9449).
const (
	HeaderDPoP      = "DPoP"
	HeaderDPoPNonce = "DPoP-Nonce"
)

// DefaultTimeout bounds the response-arrival wait when RequestOptions.Timeout
// is zero and no default override is configured.
const DefaultTimeout = 3500 * time.Millisecond

// RequestOptions describes a single outgoing request declaratively. At most
// one of JSON, Form or Body may be set; the engine serializes exactly one of
// them (or none) and fails validation otherwise.
type RequestOptions struct {
	// URL must be absolute with an http or https scheme.
	URL string

	// Method defaults to GET, or POST when a body is present.
	Method string

	// Headers are sent verbatim except that entries with an empty value are
	// removed before dispatch.
	Headers map[string]string

	// JSON is encoded with encoding/json and sent as application/json.
	JSON any

	// Form is sent as application/x-www-form-urlencoded.
	Form url.Values

	// Body is sent as-is with only a Content-Length header.
	Body []byte

	// SearchParams are merged into the URL query delete-then-set per key:
	// same-named parameters are replaced, untouched keys keep their order.
	SearchParams url.Values

	// Timeout bounds the wait for response arrival. Zero means the client
	// default (DefaultTimeout unless overridden via SetDefaults).
	Timeout time.Duration

	// HTTP2 dispatches over a dedicated HTTP/2 connection instead of HTTP/1.1.
	HTTP2 bool

	// MTLS requires client credentials before any socket is opened: either
	// TLS.PFX or the TLS.Cert / TLS.Key pair.
	MTLS bool

	// TLS carries the TLS material applied when the scheme is https.
	TLS TLSMaterial

	// ResponseType selects how Response.Body decodes the collected bytes:
	// "buffer" (default) or "json". Anything else fails validation.
	ResponseType string

	// DPoP, when set together with a Proofer, injects a proof-of-possession
	// header bound to the per-origin nonce cache.
	DPoP *DPoPOptions

	// Agent substitutes the underlying round tripper. When set, transport
	// selection and TLS material are the agent's responsibility.
	Agent http.RoundTripper

	// Lookup overrides DNS resolution for this request.
	Lookup *net.Resolver
}

// TLSMaterial holds PEM-encoded client and trust material. PFX is a DER
// encoded PKCS#12 bundle combining certificate and key.
type TLSMaterial struct {
	Cert       []byte
	Key        []byte
	PFX        []byte
	Passphrase string
	CA         []byte
	CRL        []byte
}

// DPoPOptions requests proof-of-possession injection for a single call.
type DPoPOptions struct {
	// Proofer is the host-provided proof capability. When nil, injection is
	// skipped entirely.
	Proofer ProofGenerator

	// Key is the private key material handed to the Proofer.
	Key crypto.Signer

	// AccessToken, when present, is bound into the proof (ath claim).
	AccessToken string
}

// ProofPayload describes the request a proof must cover.
type ProofPayload struct {
	// URL is the absolute target URI.
	URL string

	// Method is the HTTP method, exact case.
	Method string

	// Nonce is the last server-issued nonce cached for the target's
	// origin+path, or empty when none has been seen.
	Nonce string
}

// ProofGenerator is the host capability that produces DPoP proof values.
// The dpop subpackage ships a ready-made implementation.
type ProofGenerator interface {
	Proof(payload ProofPayload, key crypto.Signer, accessToken string) (string, error)
}

// CustomizeFunc is the optional per-call hook invoked with the parsed target
// URL and the pre-merged options. Its return value may influence only the
// restricted Overrides field set; nil means no changes.
type CustomizeFunc func(u *url.URL, opts *RequestOptions) *Overrides

// Overrides is the restricted field set shared by SetDefaults and the
// customize hook: agent, ca, cert, crl, headers, key, lookup, passphrase,
// pfx, timeout and the transport flag. Nil / zero fields are left untouched.
type Overrides struct {
	Agent      http.RoundTripper
	CA         []byte
	Cert       []byte
	CRL        []byte
	Headers    map[string]string
	Key        []byte
	Lookup     *net.Resolver
	Passphrase string
	PFX        []byte
	Timeout    time.Duration
	HTTP2      *bool
}

// Option configures a Client at construction time.
type Option func(*Client)

// requestState tracks the per-request lifecycle for debug logging.
type requestState int

const (
	stateCreated requestState = iota
	stateSent
	stateResponseReceived
	stateTimedOut
	stateBodyCollected
	stateCompleted
	stateFailed
)

func (s requestState) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateSent:
		return "sent"
	case stateResponseReceived:
		return "response_received"
	case stateTimedOut:
		return "timed_out"
	case stateBodyCollected:
		return "body_collected"
	case stateCompleted:
		return "completed"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
