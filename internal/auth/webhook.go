package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	svix "github.com/svix/svix-webhooks/go"
)

const (
	EventUserCreated = "user.created"
	EventUserUpdated = "user.updated"
	EventUserDeleted = "user.deleted"
)

var ErrMissingSignature = errors.New("missing webhook signature headers")

// IdentityEvent is a user lifecycle event from the identity provider.
type IdentityEvent struct {
	Type string            `json:"type"`
	Data IdentityEventData `json:"data"`
}

type IdentityEventData struct {
	ID             string `json:"id"`
	EmailAddresses []struct {
		EmailAddress string `json:"email_address"`
	} `json:"email_addresses"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
	ImageURL  string `json:"image_url"`
}

func (d IdentityEventData) PrimaryEmail() string {
	if len(d.EmailAddresses) == 0 {
		return ""
	}
	return d.EmailAddresses[0].EmailAddress
}

// DisplayName prefers "first last", then whichever single name is set.
func (d IdentityEventData) DisplayName() string {
	if d.FirstName != "" && d.LastName != "" {
		return strings.TrimSpace(d.FirstName + " " + d.LastName)
	}
	for _, n := range []string{d.FirstName, d.LastName, d.Username} {
		if n != "" {
			return n
		}
	}
	return ""
}

// WebhookVerifier authenticates identity provider webhooks signed with svix.
type WebhookVerifier struct {
	wh *svix.Webhook
}

func NewWebhookVerifier(secret string) (*WebhookVerifier, error) {
	wh, err := svix.NewWebhook(secret)
	if err != nil {
		return nil, fmt.Errorf("create webhook verifier: %w", err)
	}
	return &WebhookVerifier{wh: wh}, nil
}

// Verify checks the signature headers against the raw payload and decodes the
// event.
func (v *WebhookVerifier) Verify(payload []byte, headers http.Header) (*IdentityEvent, error) {
	if headers.Get("svix-id") == "" || headers.Get("svix-timestamp") == "" || headers.Get("svix-signature") == "" {
		return nil, ErrMissingSignature
	}
	if err := v.wh.Verify(payload, headers); err != nil {
		return nil, fmt.Errorf("verify webhook: %w", err)
	}
	var evt IdentityEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("decode webhook event: %w", err)
	}
	return &evt, nil
}
