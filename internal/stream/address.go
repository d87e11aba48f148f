package stream

import (
	"fmt"
	"net/url"
)

// Key identifies the stream a session connects to.
type Key struct {
	Topic       string
	Provider    string
	Model       string
	PrincipalID string
}

// Address builds the stream URL for key. Existing query parameters on base
// are kept; the key's parameters replace any of the same name.
func Address(base string, key Key) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("stream: parse address: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("stream: address %q must be absolute", base)
	}
	q := u.Query()
	q.Set("user_topic", key.Topic)
	q.Set("provider", key.Provider)
	q.Set("model", key.Model)
	q.Set("user_id", key.PrincipalID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
