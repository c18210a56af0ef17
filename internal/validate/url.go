package validate

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// URL validation errors
var (
	ErrInvalidURL       = errors.New("invalid URL format")
	ErrDisallowedScheme = errors.New("URL scheme not allowed")
	ErrDisallowedOrigin = errors.New("origin not allowed")
)

// MaxOriginLength bounds the return origin sent by clients.
const MaxOriginLength = 2048

// ReturnOrigin validates the origin a client wants to be redirected back to after
// checkout and returns it normalized as scheme://host[:port].
//
// Only http and https are accepted and the origin must be bare (no path or
// query). When allowed is non-empty the origin must match one entry exactly
// (case-insensitive); this keeps checkout from becoming an open redirect.
func ReturnOrigin(origin string, allowed []string) (string, error) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return "", ErrEmpty
	}
	if len(origin) > MaxOriginLength {
		return "", fmt.Errorf("%w: origin exceeds %d characters", ErrStringTooLong, MaxOriginLength)
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return "", fmt.Errorf("%w: got %q", ErrDisallowedScheme, parsed.Scheme)
	}
	if parsed.Host == "" || parsed.Hostname() == "" {
		return "", fmt.Errorf("%w: missing hostname", ErrInvalidURL)
	}
	if parsed.User != nil {
		return "", fmt.Errorf("%w: userinfo not allowed", ErrInvalidURL)
	}
	if (parsed.Path != "" && parsed.Path != "/") || parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", fmt.Errorf("%w: origin must not include a path, query or fragment", ErrInvalidURL)
	}

	normalized := strings.ToLower(parsed.Scheme + "://" + parsed.Host)

	if len(allowed) == 0 {
		return normalized, nil
	}
	for _, a := range allowed {
		if strings.ToLower(strings.TrimRight(strings.TrimSpace(a), "/")) == normalized {
			return normalized, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrDisallowedOrigin, normalized)
}
