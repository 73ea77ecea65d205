package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// Code handles callbacks from the code-hosting platform: HMAC-SHA256 over
// the raw body, hex-encoded under a sha256= scheme tag.
type Code struct {
	Secrets SecretSource
}

func (c Code) Name() string            { return "code" }
func (c Code) SignatureHeader() string { return "Code-Signature-256" }
func (c Code) Secret() string          { return c.Secrets.Secret(c.Name()) }

func (c Code) Verify(header http.Header, body []byte) bool {
	signature := strings.TrimSpace(header.Get(c.SignatureHeader()))
	secret := c.Secret()
	if signature == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}

func (c Code) Parse(body []byte) (map[string]any, error) {
	return parseJSON(c.Name(), body)
}

// Normalize handles push-style payloads. The head commit sha serves as the
// external id when present; pull-request style payloads fall back to the
// action name and carry no external id.
func (c Code) Normalize(raw map[string]any) Event {
	repository := mapField(raw, "repository")
	sender := mapField(raw, "sender")
	organization := mapField(raw, "organization")
	headCommit := mapField(raw, "head_commit")

	eventType := stringField(raw, "action")
	if eventType == "" {
		if _, ok := raw["ref"]; ok {
			eventType = "push"
		} else {
			eventType = "repository_event"
		}
	}

	occurred := ""
	if headCommit != nil {
		occurred = stringField(headCommit, "timestamp")
	}

	return Event{
		Source:         c.Name(),
		EventType:      eventType,
		ExternalID:     stringField(raw, "after"),
		ResourceID:     stringField(repository, "full_name"),
		OccurredAt:     occurred,
		UserIdentifier: stringField(sender, "login"),
		OrganizationID: stringField(organization, "login"),
		Metadata: map[string]any{
			"ref":           raw["ref"],
			"before":        raw["before"],
			"after":         raw["after"],
			"repository_id": repository["id"],
			"pusher":        mapField(raw, "pusher")["name"],
		},
	}
}
