package openidclient

import "github.com/google/uuid"

// DebugConfig selects which request lifecycle stages emit debug logs.
type DebugConfig struct {
	Enabled      bool
	LogRequests  bool
	LogNonces    bool
	LogTransport bool
	RequestIDGen func() string
}

// DefaultDebugConfig returns a configuration with all stages enabled and a
// UUID-based request ID generator. Logging still requires Enabled plus a
// Logger on the client.
func DefaultDebugConfig() *DebugConfig {
	return &DebugConfig{
		LogRequests:  true,
		LogNonces:    true,
		LogTransport: true,
		RequestIDGen: func() string { return uuid.NewString() },
	}
}
