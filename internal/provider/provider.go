package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrMalformedPayload indicates the request body could not be parsed into the
// provider's payload shape.
var ErrMalformedPayload = errors.New("provider: malformed payload")

// SecretSource resolves the shared secret for a provider by name. An empty
// string means the provider is not configured.
type SecretSource interface {
	Secret(name string) string
}

// SecretMap is a static SecretSource, keyed by lowercase provider name.
type SecretMap map[string]string

// Secret returns the configured secret for name, or "".
func (m SecretMap) Secret(name string) string { return m[name] }

// Event is the canonical, provider-agnostic event shape delivered downstream.
// Empty strings stand in for absent values and are omitted on the wire.
type Event struct {
	Source         string         `json:"source"`
	EventType      string         `json:"event_type"`
	ExternalID     string         `json:"external_id,omitempty"`
	ResourceID     string         `json:"resource_id,omitempty"`
	OccurredAt     string         `json:"occurred_at,omitempty"`
	UserIdentifier string         `json:"user_identifier,omitempty"`
	OrganizationID string         `json:"organization_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Provider encapsulates everything source-specific about a webhook origin:
// authenticity check, payload extraction and canonical shaping.
//
// Verify must be timing-safe and must report false rather than fail when the
// signature header or the configured secret is absent. Parse returns an error
// wrapping ErrMalformedPayload on bad input. Normalize is total: missing
// fields map to empty values, it never fails.
type Provider interface {
	Name() string
	SignatureHeader() string
	Verify(header http.Header, body []byte) bool
	Parse(body []byte) (map[string]any, error)
	Normalize(raw map[string]any) Event
	Secret() string
}

func parseJSON(name string, body []byte) (map[string]any, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, name, err)
	}
	return raw, nil
}

// stringField digs a string out of a decoded JSON object, returning "" when
// the key is absent or not a string.
func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// mapField returns a nested JSON object, or nil when absent.
func mapField(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
