package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strings"
)

// Form handles callbacks from the form-submission platform. The platform
// signs the raw body with HMAC-SHA256 and sends the base64 digest in the
// signature header prefixed with the scheme tag. Traceability context
// (user, org, enrollment) travels in the form's hidden fields.
type Form struct {
	Secrets SecretSource
}

func (f Form) Name() string            { return "form" }
func (f Form) SignatureHeader() string { return "Form-Signature" }
func (f Form) Secret() string          { return f.Secrets.Secret(f.Name()) }

// Verify checks the sha256={base64} signature over the raw body.
func (f Form) Verify(header http.Header, body []byte) bool {
	signature := strings.TrimSpace(header.Get(f.SignatureHeader()))
	secret := f.Secret()
	if signature == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}

func (f Form) Parse(body []byte) (map[string]any, error) {
	return parseJSON(f.Name(), body)
}

// Normalize extracts the submission identity and the trusted hidden fields.
func (f Form) Normalize(raw map[string]any) Event {
	response := mapField(raw, "form_response")
	hidden := mapField(response, "hidden")

	return Event{
		Source:         f.Name(),
		EventType:      "form_submission",
		ExternalID:     stringField(raw, "event_id"),
		ResourceID:     stringField(response, "form_id"),
		OccurredAt:     stringField(response, "submitted_at"),
		UserIdentifier: firstNonEmpty(stringField(hidden, "user_id"), stringField(hidden, "email")),
		OrganizationID: firstNonEmpty(stringField(hidden, "org_id"), stringField(hidden, "organization_id")),
		Metadata: map[string]any{
			"enrollment_id":  hidden["enrollment_id"],
			"journey_id":     hidden["journey_id"],
			"step_id":        hidden["step_id"],
			"response_token": response["token"],
			"form_id":        response["form_id"],
		},
	}
}
