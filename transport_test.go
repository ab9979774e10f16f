package openidclient

import (
	"context"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestSerializeBody(t *testing.T) {
	tests := []struct {
		name            string
		opts            RequestOptions
		wantBody        string
		wantContentType string
	}{
		{
			name:            "json",
			opts:            RequestOptions{JSON: map[string]string{"grant_type": "client_credentials"}},
			wantBody:        `{"grant_type":"client_credentials"}`,
			wantContentType: "application/json",
		},
		{
			name:            "form",
			opts:            RequestOptions{Form: url.Values{"grant_type": {"authorization_code"}}},
			wantBody:        "grant_type=authorization_code",
			wantContentType: "application/x-www-form-urlencoded",
		},
		{
			name:            "raw",
			opts:            RequestOptions{Body: []byte("opaque-bytes")},
			wantBody:        "opaque-bytes",
			wantContentType: "",
		},
		{
			name:            "none",
			opts:            RequestOptions{},
			wantBody:        "",
			wantContentType: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, contentType, err := serializeBody(tt.opts)
			if err != nil {
				t.Fatalf("serializeBody() error: %v", err)
			}
			if string(body) != tt.wantBody {
				t.Errorf("body = %q, want %q", body, tt.wantBody)
			}
			if contentType != tt.wantContentType {
				t.Errorf("content type = %q, want %q", contentType, tt.wantContentType)
			}
		})
	}
}

func TestSerializeBodyUnencodableJSON(t *testing.T) {
	_, _, err := serializeBody(RequestOptions{JSON: make(chan int)})
	if err == nil {
		t.Fatal("expected error for unencodable JSON value")
	}
}

func TestDispatchSendsSerializedBody(t *testing.T) {
	var gotBody string
	var gotContentType string
	var gotContentLength int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotContentType = r.Header.Get("Content-Type")
		gotContentLength = r.ContentLength
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := New()
	_, err := c.Do(context.Background(), RequestOptions{
		URL:  server.URL,
		Form: url.Values{"grant_type": {"refresh_token"}},
	})
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if gotBody != "grant_type=refresh_token" {
		t.Errorf("body = %q", gotBody)
	}
	if gotContentType != "application/x-www-form-urlencoded" {
		t.Errorf("content type = %q", gotContentType)
	}
	if gotContentLength != int64(len(gotBody)) {
		t.Errorf("content length = %d, want %d", gotContentLength, len(gotBody))
	}
}

func TestDispatchRawBodyCarriesNoContentType(t *testing.T) {
	var gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	_, err := New().Do(context.Background(), RequestOptions{
		URL:  server.URL,
		Body: []byte("opaque"),
	})
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if gotContentType != "" {
		t.Errorf("content type = %q, want empty for raw body", gotContentType)
	}
}

func TestDispatchCallerContentTypeWins(t *testing.T) {
	var gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	_, err := New().Do(context.Background(), RequestOptions{
		URL:     server.URL,
		JSON:    map[string]string{"a": "b"},
		Headers: map[string]string{"Content-Type": "application/secevent+jwt"},
	})
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if gotContentType != "application/secevent+jwt" {
		t.Errorf("content type = %q, caller header must win", gotContentType)
	}
}

func TestDispatchTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	start := time.Now()
	resp, err := New().Do(context.Background(), RequestOptions{
		URL:     server.URL,
		Timeout: 50 * time.Millisecond,
	})
	elapsed := time.Since(start)

	if resp != nil {
		t.Error("response must be nil on timeout")
	}
	if !IsTimeout(err) {
		t.Fatalf("err = %v, want timeout", err)
	}
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Timeout != 50*time.Millisecond {
		t.Errorf("timeout field = %v, want 50ms", reqErr.Timeout)
	}
	if elapsed > 2*time.Second {
		t.Errorf("timeout took %v, teardown must not wait for the server", elapsed)
	}
}

func TestDispatchContextCancellation(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := New().Do(ctx, RequestOptions{URL: server.URL, Timeout: 10 * time.Second})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	assertErrorType(t, err, ErrorTypeTransport)
	if IsTimeout(err) {
		t.Error("cancellation must not be reported as timeout")
	}
}

func TestDispatchTransportError(t *testing.T) {
	// Reserved TEST-NET-1 address; nothing listens there.
	_, err := New().Do(context.Background(), RequestOptions{
		URL:     "http://192.0.2.1:9/token",
		Timeout: 500 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected error")
	}
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("error %T is not *RequestError", err)
	}
	if reqErr.Type != ErrorTypeTransport && reqErr.Type != ErrorTypeTimeout {
		t.Errorf("error type = %q, want Transport or Timeout", reqErr.Type)
	}
}

func TestDispatchHTTP2(t *testing.T) {
	server := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Proto", r.Proto)
		w.Write([]byte("ok"))
	}))
	server.EnableHTTP2 = true
	server.StartTLS()
	defer server.Close()

	caPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: server.Certificate().Raw,
	})

	resp, err := New().Do(context.Background(), RequestOptions{
		URL:   server.URL,
		HTTP2: true,
		TLS:   TLSMaterial{CA: caPEM},
	})
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if got := resp.Header("X-Proto"); got != "HTTP/2.0" {
		t.Errorf("server saw %q, want HTTP/2.0", got)
	}
}

func TestDispatchHTTP2SendsSerializedBody(t *testing.T) {
	var gotMethod, gotProto, gotBody, gotContentType string
	var gotContentLength int64
	server := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotMethod = r.Method
		gotProto = r.Proto
		gotBody = string(b)
		gotContentType = r.Header.Get("Content-Type")
		gotContentLength = r.ContentLength
		w.WriteHeader(http.StatusOK)
	}))
	server.EnableHTTP2 = true
	server.StartTLS()
	defer server.Close()

	caPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: server.Certificate().Raw,
	})

	_, err := New().Do(context.Background(), RequestOptions{
		URL:   server.URL,
		JSON:  map[string]int{"x": 1},
		HTTP2: true,
		TLS:   TLSMaterial{CA: caPEM},
	})
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if gotProto != "HTTP/2.0" {
		t.Errorf("server saw %q, want HTTP/2.0", gotProto)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method = %q, want POST when a body is present", gotMethod)
	}
	// The receiver observes the same bytes the HTTP/1.1 path would send.
	if gotBody != `{"x":1}` {
		t.Errorf("body = %q, want %q", gotBody, `{"x":1}`)
	}
	if gotContentType != "application/json" {
		t.Errorf("content type = %q, want application/json", gotContentType)
	}
	if gotContentLength != int64(len(gotBody)) {
		t.Errorf("content length = %d, want %d", gotContentLength, len(gotBody))
	}
}

func TestDispatchHTTP11ByDefault(t *testing.T) {
	var gotProto string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotProto = r.Proto
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	if _, err := New().Do(context.Background(), RequestOptions{URL: server.URL}); err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if gotProto != "HTTP/1.1" {
		t.Errorf("server saw %q, want HTTP/1.1", gotProto)
	}
}

func TestDispatchNoConnectionReuse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := New()
	// Each call builds and tears down its own transport; keep-alives stay off
	// so successive calls cannot share a socket.
	for i := 0; i < 3; i++ {
		if _, err := c.Do(context.Background(), RequestOptions{URL: server.URL}); err != nil {
			t.Fatalf("Do() #%d error: %v", i, err)
		}
	}
}

type staticAgent struct {
	resp *http.Response
}

func (a *staticAgent) RoundTrip(req *http.Request) (*http.Response, error) {
	return a.resp, nil
}

func TestDispatchAgentPassthrough(t *testing.T) {
	agent := &staticAgent{
		resp: &http.Response{
			StatusCode: http.StatusTeapot,
			Header:     http.Header{"X-Agent": {"static"}},
			Body:       io.NopCloser(strings.NewReader("brewed")),
		},
	}

	resp, err := New().Do(context.Background(), RequestOptions{
		URL:   "https://unreachable.invalid/token",
		Agent: agent,
	})
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if resp.StatusCode != http.StatusTeapot {
		t.Errorf("status = %d, want 418", resp.StatusCode)
	}
	if resp.Header("X-Agent") != "static" {
		t.Error("agent response headers lost")
	}
	if string(resp.Bytes()) != "brewed" {
		t.Errorf("body = %q, want brewed", resp.Bytes())
	}
}

func TestBuildTLSConfigRejectsGarbageCA(t *testing.T) {
	_, err := buildTLSConfig(TLSMaterial{CA: []byte("not a certificate")})
	if err == nil {
		t.Fatal("expected error for garbage CA material")
	}
}

func TestBuildTLSConfigRejectsGarbageKeyPair(t *testing.T) {
	_, err := buildTLSConfig(TLSMaterial{Cert: []byte("x"), Key: []byte("y")})
	if err == nil {
		t.Fatal("expected error for garbage certificate/key pair")
	}
}

func TestBuildTLSConfigEmptyMaterial(t *testing.T) {
	conf, err := buildTLSConfig(TLSMaterial{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conf.RootCAs != nil || len(conf.Certificates) != 0 {
		t.Error("empty material must produce a plain config")
	}
}

func TestBuildTLSConfigLoadsServerCA(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	caPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: server.Certificate().Raw,
	})
	conf, err := buildTLSConfig(TLSMaterial{CA: caPEM})
	if err != nil {
		t.Fatalf("buildTLSConfig() error: %v", err)
	}
	if conf.RootCAs == nil {
		t.Fatal("RootCAs not populated")
	}

	// The trust material must actually verify the server.
	if _, err := New().Do(context.Background(), RequestOptions{
		URL: server.URL,
		TLS: TLSMaterial{CA: caPEM},
	}); err != nil {
		t.Fatalf("Do() with CA material error: %v", err)
	}

	// Without the CA the handshake fails.
	if _, err := New().Do(context.Background(), RequestOptions{URL: server.URL}); err == nil {
		t.Fatal("expected handshake failure without trust material")
	}
}

func TestHostPort(t *testing.T) {
	tests := []struct {
		scheme, host, want string
	}{
		{"https", "example.com", "example.com:443"},
		{"http", "example.com", "example.com:80"},
		{"https", "example.com:8443", "example.com:8443"},
		{"http", "127.0.0.1:8080", "127.0.0.1:8080"},
	}
	for _, tt := range tests {
		if got := hostPort(tt.scheme, tt.host); got != tt.want {
			t.Errorf("hostPort(%q, %q) = %q, want %q", tt.scheme, tt.host, got, tt.want)
		}
	}
}
