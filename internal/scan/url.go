package scan

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidURL marks submissions rejected before enqueue.
var ErrInvalidURL = errors.New("invalid url")

// NormalizeTargetURL prepares a submitted URL for auditing. A missing scheme
// is defaulted to https, the scheme and host are lowercased, and the result
// must be an absolute http(s) URL with a host. Anything else is rejected
// with ErrInvalidURL.
func NormalizeTargetURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty input", ErrInvalidURL)
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	// Hosts with embedded spaces survive url.Parse; reject them explicitly.
	if strings.ContainsAny(u.Host, " \t") {
		return "", fmt.Errorf("%w: malformed host %q", ErrInvalidURL, u.Host)
	}

	return u.String(), nil
}
