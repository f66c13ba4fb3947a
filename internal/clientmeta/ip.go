// Package clientmeta resolves best-effort client metadata recorded at
// submission time. Lookups never block a submission: any failure simply
// reports that no metadata is available.
package clientmeta

import (
	"context"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"
)

const lookupTimeout = 3 * time.Second

// Resolver fetches the caller-visible public IP from an external echo
// service. A zero-value Resolver is unusable; use New.
type Resolver struct {
	url    string
	client *http.Client
}

// New creates a resolver against the given echo URL (e.g. api.ipify.org).
// An empty URL disables lookups.
func New(url string) *Resolver {
	return &Resolver{
		url:    url,
		client: &http.Client{Timeout: lookupTimeout},
	}
}

// LookupIP returns the public IP as seen by the echo service. The second
// return is false when the lookup failed or is disabled; callers proceed
// without metadata in that case.
func (r *Resolver) LookupIP(ctx context.Context) (string, bool) {
	if r == nil || r.url == "" {
		return "", false
	}

	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return "", false
	}

	resp, err := r.client.Do(req)
	if err != nil {
		log.Printf("clientmeta: ip lookup failed: %v", err)
		return "", false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("clientmeta: ip lookup status %d", resp.StatusCode)
		return "", false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return "", false
	}

	ip := strings.TrimSpace(string(body))
	if net.ParseIP(ip) == nil {
		return "", false
	}
	return ip, true
}

// FromRequest extracts the caller IP from an inbound HTTP request,
// preferring proxy headers over the socket address.
func FromRequest(req *http.Request) string {
	if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
		// First hop is the original client.
		parts := strings.Split(fwd, ",")
		ip := strings.TrimSpace(parts[0])
		if net.ParseIP(ip) != nil {
			return ip
		}
	}
	if real := strings.TrimSpace(req.Header.Get("X-Real-IP")); real != "" {
		if net.ParseIP(real) != nil {
			return real
		}
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
