package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	svix "github.com/svix/svix-webhooks/go"

	"github.com/civiclens/civiclens/internal/config"
	"github.com/civiclens/civiclens/internal/store"
)

var testWebhookSecret = "whsec_" + base64.StdEncoding.EncodeToString([]byte("civiclens-api-webhook-secret"))

func (f *apiFixture) sendWebhook(t *testing.T, msgID string, payload []byte, signed bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/identity", bytes.NewReader(payload))
	if signed {
		wh, err := svix.NewWebhook(testWebhookSecret)
		require.NoError(t, err)
		now := time.Now()
		sig, err := wh.Sign(msgID, now, payload)
		require.NoError(t, err)
		req.Header.Set("svix-id", msgID)
		req.Header.Set("svix-timestamp", strconv.FormatInt(now.Unix(), 10))
		req.Header.Set("svix-signature", sig)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestIdentityWebhook(t *testing.T) {
	f := newAPIFixture(t, func(c *config.Config) { c.WebhookSecret = testWebhookSecret })
	ctx := context.Background()

	created := []byte(`{"type":"user.created","data":{"id":"user_wh","email_addresses":[{"email_address":"admin@example.com"}],"first_name":"Meera","last_name":"Nair","image_url":"https://img/m.png"}}`)
	rec := f.sendWebhook(t, "msg_1", created, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	u, err := f.store.GetUserByExternalID(ctx, "user_wh")
	require.NoError(t, err)
	assert.Equal(t, "Meera Nair", u.Name)
	assert.Equal(t, "https://img/m.png", u.Avatar)
	assert.Equal(t, store.UserRoleAdmin, u.Role)

	updated := []byte(`{"type":"user.updated","data":{"id":"user_wh","email_addresses":[{"email_address":"meera@example.com"}],"username":"meera"}}`)
	require.Equal(t, http.StatusOK, f.sendWebhook(t, "msg_2", updated, true).Code)
	u, err = f.store.GetUserByExternalID(ctx, "user_wh")
	require.NoError(t, err)
	assert.Equal(t, "meera@example.com", u.Email)
	assert.Equal(t, "meera", u.Name)
	assert.Equal(t, store.UserRoleUser, u.Role)

	deleted := []byte(`{"type":"user.deleted","data":{"id":"user_wh"}}`)
	require.Equal(t, http.StatusOK, f.sendWebhook(t, "msg_3", deleted, true).Code)
	_, err = f.store.GetUserByExternalID(ctx, "user_wh")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Deleting again is harmless
	assert.Equal(t, http.StatusOK, f.sendWebhook(t, "msg_4", deleted, true).Code)

	noEmail := []byte(`{"type":"user.created","data":{"id":"user_x"}}`)
	assert.Equal(t, http.StatusBadRequest, f.sendWebhook(t, "msg_5", noEmail, true).Code)

	assert.Equal(t, http.StatusOK, f.sendWebhook(t, "msg_6", []byte(`{"type":"session.created","data":{}}`), true).Code)
}

func TestIdentityWebhook_Rejected(t *testing.T) {
	f := newAPIFixture(t, func(c *config.Config) { c.WebhookSecret = testWebhookSecret })
	payload := []byte(`{"type":"user.created","data":{"id":"user_wh","email_addresses":[{"email_address":"m@example.com"}]}}`)

	rec := f.sendWebhook(t, "msg_1", payload, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Missing svix headers"}`, rec.Body.String())

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/identity", bytes.NewReader(payload))
	req.Header.Set("svix-id", "msg_1")
	req.Header.Set("svix-timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	req.Header.Set("svix-signature", "v1,bm90IGEgc2lnbmF0dXJl")
	forged := httptest.NewRecorder()
	f.router.ServeHTTP(forged, req)
	assert.Equal(t, http.StatusBadRequest, forged.Code)
	assert.JSONEq(t, `{"error":"Invalid signature"}`, forged.Body.String())

	_, err := f.store.GetUserByExternalID(context.Background(), "user_wh")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIdentityWebhook_NotConfigured(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.sendWebhook(t, "msg_1", []byte(`{}`), false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
