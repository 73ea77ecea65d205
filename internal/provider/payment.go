package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// paymentTimestampTolerance bounds how old (or how far in the future) a
// signed payment callback may be before it is rejected as a replay.
const paymentTimestampTolerance = 300 * time.Second

// Payment handles callbacks from the payment processor. The signature header
// is a compound string `t={unix},v1={hex}[,v1={hex}...]`; the signed payload
// is "{t}.{body}". Multiple v1 values are tolerated during secret rotation.
type Payment struct {
	Secrets SecretSource

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

func (p Payment) Name() string            { return "payment" }
func (p Payment) SignatureHeader() string { return "Payment-Signature" }
func (p Payment) Secret() string          { return p.Secrets.Secret(p.Name()) }

// Verify checks freshness first, then compares the computed HMAC against
// every v1 candidate. The timestamp check precedes the HMAC check so stale
// requests are rejected regardless of signature validity.
func (p Payment) Verify(header http.Header, body []byte) bool {
	sigHeader := strings.TrimSpace(header.Get(p.SignatureHeader()))
	secret := p.Secret()
	if sigHeader == "" || secret == "" {
		return false
	}

	timestamp, candidates := parseCompoundSignature(sigHeader)
	if timestamp == "" || len(candidates) == 0 {
		return false
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	age := now().Unix() - ts
	if age < 0 {
		age = -age
	}
	if time.Duration(age)*time.Second > paymentTimestampTolerance {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	valid := false
	for _, candidate := range candidates {
		if hmac.Equal([]byte(expected), []byte(candidate)) {
			valid = true
		}
	}
	return valid
}

// parseCompoundSignature splits "t=...,v1=...,v1=..." into the timestamp and
// the list of v1 signatures. Unknown keys are ignored.
func parseCompoundSignature(header string) (string, []string) {
	var timestamp string
	var candidates []string
	for _, item := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(item, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "t":
			timestamp = value
		case "v1":
			if value != "" {
				candidates = append(candidates, value)
			}
		}
	}
	return timestamp, candidates
}

func (p Payment) Parse(body []byte) (map[string]any, error) {
	return parseJSON(p.Name(), body)
}

// Normalize maps the processor's envelope ({id, type, created, data.object})
// onto the canonical event. The nested object id doubles as the
// payment-intent / subscription / invoice id depending on the event type.
func (p Payment) Normalize(raw map[string]any) Event {
	eventType := stringField(raw, "type")
	if eventType == "" {
		eventType = "unknown"
	}
	object := mapField(mapField(raw, "data"), "object")
	metadata := mapField(object, "metadata")

	customerEmail := firstNonEmpty(stringField(object, "receipt_email"), stringField(object, "customer_email"))
	objectID := stringField(object, "id")

	meta := map[string]any{
		"customer_id":   object["customer"],
		"amount":        object["amount"],
		"currency":      object["currency"],
		"status":        object["status"],
		"enrollment_id": metadata["enrollment_id"],
		"journey_id":    metadata["journey_id"],
		"step_id":       metadata["step_id"],
	}
	switch {
	case strings.HasPrefix(eventType, "payment_intent"):
		meta["payment_intent_id"] = objectID
	case strings.HasPrefix(eventType, "customer.subscription"):
		meta["subscription_id"] = objectID
	case strings.HasPrefix(eventType, "invoice"):
		meta["invoice_id"] = objectID
	}

	return Event{
		Source:         p.Name(),
		EventType:      eventType,
		ExternalID:     stringField(raw, "id"),
		ResourceID:     objectID,
		OccurredAt:     epochToRFC3339(raw["created"]),
		UserIdentifier: firstNonEmpty(stringField(metadata, "user_id"), customerEmail),
		OrganizationID: firstNonEmpty(stringField(metadata, "org_id"), stringField(metadata, "organization_id")),
		Metadata:       meta,
	}
}

// epochToRFC3339 renders a JSON number of unix seconds as RFC3339 UTC.
// Anything else comes back empty.
func epochToRFC3339(value any) string {
	seconds, ok := value.(float64)
	if !ok {
		return ""
	}
	return time.Unix(int64(seconds), 0).UTC().Format(time.RFC3339)
}
