// Package origin validates that telemetry submissions come from the website
// registered for the project. The ingestion endpoint is called cross-origin
// from arbitrary tenant pages, so the caller's declared origin is the only
// thing tying a request to a project.
package origin

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
)

var ErrNoOrigin = errors.New("request carries no origin or referer")

// HostFromRequest extracts the caller's host from the Origin header, falling
// back to Referer. The port is stripped; matching is host-only.
func HostFromRequest(r *http.Request) (string, error) {
	raw := r.Header.Get("Origin")
	if raw == "" {
		raw = r.Header.Get("Referer")
	}
	if raw == "" {
		return "", ErrNoOrigin
	}
	return HostOf(raw)
}

// HostOf parses a URL and returns its lowercase hostname.
func HostOf(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	host := u.Hostname()
	if host == "" {
		return "", errors.New("origin has no host: " + raw)
	}
	return strings.ToLower(host), nil
}

// Matches reports whether host belongs to the registered domain: an exact
// match or any subdomain of it. "app.example.com" matches "example.com";
// "evilexample.com" does not.
func Matches(host, domain string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	if host == "" || domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}
