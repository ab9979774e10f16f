package openidclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"software.sslmate.com/src/go-pkcs12"
)

// dispatch sends the resolved request on the selected transport, races
// response arrival against the timeout, and collects the body. The losing
// side of the race is destroyed: a timeout cancels the request context,
// which tears down the underlying socket or stream before dispatch returns.
func (c *Client) dispatch(ctx context.Context, r *resolvedRequest, method, requestID string) (*Response, error) {
	body, contentType, err := serializeBody(r.opts)
	if err != nil {
		return nil, newValidationError("failed to encode request body", method, r.u.String(), err)
	}

	rt, teardown, err := c.transportFor(ctx, r)
	if err != nil {
		return nil, err
	}
	defer teardown()

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, r.u.String(), bodyReader)
	if err != nil {
		return nil, newValidationError("failed to build request", method, r.u.String(), err)
	}
	for k, v := range r.opts.Headers {
		req.Header.Set(k, v)
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}

	state := stateCreated
	c.logTransition(requestID, state)

	type roundTripResult struct {
		resp *http.Response
		err  error
	}
	resultCh := make(chan roundTripResult, 1)
	go func() {
		resp, err := rt.RoundTrip(req)
		resultCh <- roundTripResult{resp: resp, err: err}
	}()
	state = stateSent
	c.logTransition(requestID, state)

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	var httpResp *http.Response
	select {
	case res := <-resultCh:
		if res.err != nil {
			c.logTransition(requestID, stateFailed)
			return nil, &RequestError{
				Type:      ErrorTypeTransport,
				Message:   "request failed",
				Cause:     res.err,
				Method:    method,
				URL:       r.u.String(),
				Timestamp: time.Now(),
			}
		}
		httpResp = res.resp
		state = stateResponseReceived
		c.logTransition(requestID, state)
	case <-timer.C:
		cancel()
		res := <-resultCh // wait for the aborted round trip to release its socket
		if res.resp != nil {
			res.resp.Body.Close()
		}
		c.logTransition(requestID, stateTimedOut)
		return nil, &RequestError{
			Type:      ErrorTypeTimeout,
			Message:   "request timed out",
			Method:    method,
			URL:       r.u.String(),
			Timeout:   r.timeout,
			Timestamp: time.Now(),
		}
	case <-ctx.Done():
		res := <-resultCh
		if res.resp != nil {
			res.resp.Body.Close()
		}
		c.logTransition(requestID, stateFailed)
		return nil, &RequestError{
			Type:      ErrorTypeTransport,
			Message:   "request canceled",
			Cause:     ctx.Err(),
			Method:    method,
			URL:       r.u.String(),
			Timestamp: time.Now(),
		}
	}

	raw, readErr := io.ReadAll(httpResp.Body)
	httpResp.Body.Close()
	if readErr != nil {
		// Status and headers arrived; attach them so the caller can inspect
		// the partial exchange.
		partial := newResponse(httpResp.StatusCode, httpResp.Header.Clone(), nil, r.opts.ResponseType)
		c.logTransition(requestID, stateFailed)
		return nil, &RequestError{
			Type:      ErrorTypeTransport,
			Message:   "failed to collect response body",
			Cause:     readErr,
			Method:    method,
			URL:       r.u.String(),
			Response:  partial,
			Timestamp: time.Now(),
		}
	}
	state = stateBodyCollected
	c.logTransition(requestID, state)

	resp := newResponse(httpResp.StatusCode, httpResp.Header.Clone(), raw, r.opts.ResponseType)
	c.logTransition(requestID, stateCompleted)
	return resp, nil
}

func (c *Client) logTransition(requestID string, s requestState) {
	if c.debugEnabled() && c.debug.LogTransport && c.logger != nil {
		c.logger.Debug("Request state", "requestID", requestID, "state", s.String())
	}
}

// serializeBody encodes exactly one of the body kinds: JSON, form fields or
// raw bytes. Content type pairs with the chosen kind; raw bytes carry only a
// length.
func serializeBody(opts RequestOptions) ([]byte, string, error) {
	switch {
	case opts.JSON != nil:
		b, err := json.Marshal(opts.JSON)
		if err != nil {
			return nil, "", err
		}
		return b, "application/json", nil
	case len(opts.Form) > 0:
		return []byte(opts.Form.Encode()), "application/x-www-form-urlencoded", nil
	case opts.Body != nil:
		return opts.Body, "", nil
	}
	return nil, "", nil
}

// transportFor selects the round tripper for one call. Both branches are
// one-shot: HTTP/1.1 uses a keep-alive-disabled transport torn down after the
// call, HTTP/2 opens a dedicated connection to the request's origin and
// closes it after body drain. There is no cross-call pooling.
func (c *Client) transportFor(ctx context.Context, r *resolvedRequest) (http.RoundTripper, func(), error) {
	if r.opts.Agent != nil {
		return r.opts.Agent, func() {}, nil
	}

	var tlsConf *tls.Config
	if r.u.Scheme == "https" {
		var err error
		tlsConf, err = buildTLSConfig(r.opts.TLS)
		if err != nil {
			return nil, nil, newValidationError("invalid TLS material", r.opts.Method, r.u.String(), err)
		}
	}

	dialer := &net.Dialer{Resolver: r.opts.Lookup}

	if r.opts.HTTP2 {
		return c.http2Transport(ctx, r, tlsConf, dialer)
	}

	transport := &http.Transport{
		Proxy:             http.ProxyFromEnvironment,
		DialContext:       dialer.DialContext,
		DisableKeepAlives: true,
		ForceAttemptHTTP2: false,
		TLSClientConfig:   tlsConf,
	}
	return transport, transport.CloseIdleConnections, nil
}

// http2Transport opens a dedicated HTTP/2 connection scoped to the request's
// origin. For https the connection is negotiated via ALPN; for http a
// prior-knowledge cleartext connection is used.
func (c *Client) http2Transport(ctx context.Context, r *resolvedRequest, tlsConf *tls.Config, dialer *net.Dialer) (http.RoundTripper, func(), error) {
	addr := hostPort(r.u.Scheme, r.u.Host)

	var conn net.Conn
	var err error
	t2 := &http2.Transport{}

	if r.u.Scheme == "https" {
		if tlsConf == nil {
			tlsConf = &tls.Config{}
		}
		tlsConf.NextProtos = []string{http2.NextProtoTLS}
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: tlsConf}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		t2.AllowHTTP = true
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, nil, &RequestError{
			Type:      ErrorTypeTransport,
			Message:   "failed to open HTTP/2 connection",
			Cause:     err,
			Method:    r.opts.Method,
			URL:       r.u.String(),
			Timestamp: time.Now(),
		}
	}

	cc, err := t2.NewClientConn(conn)
	if err != nil {
		conn.Close()
		return nil, nil, &RequestError{
			Type:      ErrorTypeTransport,
			Message:   "failed to initialize HTTP/2 connection",
			Cause:     err,
			Method:    r.opts.Method,
			URL:       r.u.String(),
			Timestamp: time.Now(),
		}
	}

	teardown := func() {
		cc.Close()
		conn.Close()
	}
	return cc, teardown, nil
}

func hostPort(scheme, host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	if scheme == "https" {
		return net.JoinHostPort(host, "443")
	}
	return net.JoinHostPort(host, "80")
}

// buildTLSConfig assembles the tls.Config from declarative material: CA roots,
// a client credential (PFX bundle or certificate/key pair) and an optional
// revocation list enforced during peer verification.
func buildTLSConfig(m TLSMaterial) (*tls.Config, error) {
	conf := &tls.Config{}

	if len(m.CA) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(m.CA) {
			return nil, fmt.Errorf("no certificates found in CA material")
		}
		conf.RootCAs = pool
	}

	switch {
	case len(m.PFX) > 0:
		key, cert, caCerts, err := pkcs12.DecodeChain(m.PFX, m.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("failed to decode PFX bundle: %w", err)
		}
		chain := [][]byte{cert.Raw}
		for _, ca := range caCerts {
			chain = append(chain, ca.Raw)
		}
		conf.Certificates = []tls.Certificate{{Certificate: chain, PrivateKey: key}}
	case len(m.Cert) > 0 && len(m.Key) > 0:
		cert, err := tls.X509KeyPair(m.Cert, m.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate/key pair: %w", err)
		}
		conf.Certificates = []tls.Certificate{cert}
	}

	if len(m.CRL) > 0 {
		revoked, err := parseRevokedSerials(m.CRL)
		if err != nil {
			return nil, err
		}
		conf.VerifyPeerCertificate = func(_ [][]byte, verifiedChains [][]*x509.Certificate) error {
			for _, chain := range verifiedChains {
				for _, cert := range chain {
					if revoked[cert.SerialNumber.String()] {
						return fmt.Errorf("certificate %s is revoked", cert.SerialNumber)
					}
				}
			}
			return nil
		}
	}

	return conf, nil
}

func parseRevokedSerials(crlPEM []byte) (map[string]bool, error) {
	revoked := make(map[string]bool)
	rest := crlPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "X509 CRL" {
			continue
		}
		list, err := x509.ParseRevocationList(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse CRL: %w", err)
		}
		for _, entry := range list.RevokedCertificateEntries {
			revoked[entry.SerialNumber.String()] = true
		}
	}
	if len(revoked) == 0 && len(crlPEM) > 0 {
		// Accept DER input as well.
		list, err := x509.ParseRevocationList(crlPEM)
		if err != nil {
			return nil, fmt.Errorf("no CRL found in revocation material")
		}
		for _, entry := range list.RevokedCertificateEntries {
			revoked[entry.SerialNumber.String()] = true
		}
	}
	return revoked, nil
}
