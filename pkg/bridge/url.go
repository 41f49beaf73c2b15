package bridge

import (
	"fmt"
	"net/url"
	"strings"
)

const pushPath = "/rest/push"

// DerivePushURL maps an engine base URL to its push endpoint: the
// scheme flips to the websocket equivalent and the push path is
// appended.
func DerivePushURL(baseURL string) (string, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid engine URL %q: %w", baseURL, err)
	}

	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported engine URL scheme %q", parsed.Scheme)
	}

	parsed.Path = strings.TrimSuffix(parsed.Path, "/") + pushPath

	return parsed.String(), nil
}
