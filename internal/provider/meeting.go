package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const meetingTimestampTolerance = 300 * time.Second

// Meeting handles callbacks from the video-conferencing platform. The
// platform signs "v0:{ts}:{body}" with HMAC-SHA256 and sends the hex digest
// as `v0={hex}` alongside a separate timestamp header. The platform does not
// mint event ids, so normalized events carry no external id.
type Meeting struct {
	Secrets SecretSource
	Now     func() time.Time
}

func (m Meeting) Name() string            { return "meeting" }
func (m Meeting) SignatureHeader() string { return "Meeting-Signature" }
func (m Meeting) Secret() string          { return m.Secrets.Secret(m.Name()) }

func (m Meeting) Verify(header http.Header, body []byte) bool {
	signature := strings.TrimSpace(header.Get(m.SignatureHeader()))
	timestamp := strings.TrimSpace(header.Get("Meeting-Timestamp"))
	secret := m.Secret()
	if signature == "" || timestamp == "" || secret == "" {
		return false
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	age := now().Unix() - ts
	if age < 0 {
		age = -age
	}
	if time.Duration(age)*time.Second > meetingTimestampTolerance {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%s:", timestamp)
	mac.Write(body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}

func (m Meeting) Parse(body []byte) (map[string]any, error) {
	return parseJSON(m.Name(), body)
}

// Normalize maps {event, event_ts, payload.object} onto the canonical event.
// event_ts is unix milliseconds.
func (m Meeting) Normalize(raw map[string]any) Event {
	eventType := stringField(raw, "event")
	if eventType == "" {
		eventType = "unknown"
	}
	object := mapField(mapField(raw, "payload"), "object")

	occurred := ""
	if millis, ok := raw["event_ts"].(float64); ok {
		occurred = time.UnixMilli(int64(millis)).UTC().Format(time.RFC3339)
	}

	return Event{
		Source:         m.Name(),
		EventType:      eventType,
		ResourceID:     stringField(object, "id"),
		OccurredAt:     occurred,
		UserIdentifier: firstNonEmpty(stringField(object, "host_email"), stringField(object, "host_id")),
		OrganizationID: stringField(mapField(raw, "payload"), "account_id"),
		Metadata: map[string]any{
			"topic":      object["topic"],
			"duration":   object["duration"],
			"start_time": object["start_time"],
			"uuid":       object["uuid"],
		},
	}
}
