package transport

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/mcpwire/mcpwire/pkg/errors"
)

// OriginConfig is the cross-origin policy evaluated at every HTTP-based
// ingress (HTTP2, WebSocket upgrade, SSE) before a connection is accepted.
type OriginConfig struct {
	// AllowedOrigins is the origin allow-list. "*" allows everything.
	// Localhost entries match any port and both loopback literals.
	AllowedOrigins []string `json:"allowed_origins"`

	// AllowedMethods answers preflight Access-Control-Request-Method.
	AllowedMethods []string `json:"allowed_methods"`

	// AllowedHeaders answers preflight Access-Control-Request-Headers.
	AllowedHeaders []string `json:"allowed_headers,omitempty"`

	// ExposedHeaders lists response headers scripts may read.
	ExposedHeaders []string `json:"exposed_headers,omitempty"`

	// AllowCredentials permits cookies and authorization headers across
	// origins. Incompatible with a wildcard origin on the wire, so the
	// matched origin is echoed instead.
	AllowCredentials bool `json:"allow_credentials"`

	// MaxAge is the preflight cache lifetime in seconds.
	MaxAge int `json:"max_age"`
}

// DefaultOriginConfig allows everything. Deployments exposed beyond
// localhost should narrow the origin list.
func DefaultOriginConfig() OriginConfig {
	return OriginConfig{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		MaxAge:         86400,
	}
}

// OriginAllowed reports whether the Origin header value passes the policy.
// Non-browser clients send no Origin header; an empty origin is allowed.
func (c *OriginConfig) OriginAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range c.AllowedOrigins {
		if allowed == "*" {
			return true
		}
		if matchOrigin(allowed, origin) {
			return true
		}
	}
	return false
}

// matchOrigin compares one allow-list entry with an Origin value. Localhost
// entries match any port and both loopback address forms.
func matchOrigin(allowed, origin string) bool {
	if allowed == origin {
		return true
	}
	if isLocalhostPattern(allowed) && isLocalhostOrigin(origin) {
		return true
	}
	return false
}

func isLocalhostPattern(allowed string) bool {
	switch allowed {
	case "http://localhost", "https://localhost",
		"http://127.0.0.1", "https://127.0.0.1",
		"http://[::1]", "https://[::1]":
		return true
	}
	return false
}

func isLocalhostOrigin(origin string) bool {
	patterns := []string{
		"http://localhost", "https://localhost",
		"http://127.0.0.1", "https://127.0.0.1",
		"http://[::1]", "https://[::1]",
	}
	for _, pattern := range patterns {
		if origin == pattern || strings.HasPrefix(origin, pattern+":") {
			return true
		}
	}
	return false
}

// Apply enforces the policy for one request. It writes the CORS response
// headers, answers preflight OPTIONS with 204, and rejects disallowed
// origins with 403. The boolean reports whether the caller should continue
// handling the request; the error is the in-process record of a rejection.
func (c *OriginConfig) Apply(w http.ResponseWriter, r *http.Request) (bool, error) {
	origin := r.Header.Get("Origin")

	if !c.OriginAllowed(origin) {
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return false, errors.Forbidden(string(TransportTypeHTTP2), origin)
	}

	if origin != "" {
		if c.AllowCredentials {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		} else if len(c.AllowedOrigins) == 1 && c.AllowedOrigins[0] == "*" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		if len(c.ExposedHeaders) > 0 {
			w.Header().Set("Access-Control-Expose-Headers", strings.Join(c.ExposedHeaders, ", "))
		}
	}

	if r.Method == http.MethodOptions {
		if len(c.AllowedMethods) > 0 {
			w.Header().Set("Access-Control-Allow-Methods", strings.Join(c.AllowedMethods, ", "))
		}
		if len(c.AllowedHeaders) > 0 {
			w.Header().Set("Access-Control-Allow-Headers", strings.Join(c.AllowedHeaders, ", "))
		} else if requested := r.Header.Get("Access-Control-Request-Headers"); requested != "" {
			w.Header().Set("Access-Control-Allow-Headers", requested)
		}
		if c.MaxAge > 0 {
			w.Header().Set("Access-Control-Max-Age", fmt.Sprintf("%d", c.MaxAge))
		}
		w.WriteHeader(http.StatusNoContent)
		return false, nil
	}

	return true, nil
}

// CheckOrigin adapts the policy to the WebSocket upgrader's callback shape.
func (c *OriginConfig) CheckOrigin(r *http.Request) bool {
	return c.OriginAllowed(r.Header.Get("Origin"))
}
