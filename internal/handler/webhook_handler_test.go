package handler_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/stagerun-api/internal/dto"
	"github.com/noah-isme/stagerun-api/internal/handler"
	"github.com/noah-isme/stagerun-api/internal/service"
)

func newWebhookApp(pushes *mockPushService, notifications *mockWebhookService) *fiber.App {
	app := fiber.New()
	handler.NewWebhookHandler(pushes, notifications, zerolog.New(io.Discard)).Register(app.Group("/v1/webhooks"))
	return app
}

func TestWebhookHandler_GiteaPush(t *testing.T) {
	pushes := &mockPushService{outcome: service.PushTriggered}
	app := newWebhookApp(pushes, &mockWebhookService{})

	body := []byte(`{"ref":"refs/heads/main","repository":{"id":7,"name":"8a6e0804-2bd0-4672-b79d-d97027f9071a","full_name":"stackclass/8a6e0804-2bd0-4672-b79d-d97027f9071a","template":false,"owner":{"id":1,"login":"stackclass","username":"stackclass"}}}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/gitea", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	payload := decodeEnvelope(t, resp)
	var ack dto.WebhookAck
	require.NoError(t, json.Unmarshal(payload.Data, &ack))
	require.Equal(t, "triggered", ack.Outcome)
	require.Equal(t, "refs/heads/main", pushes.lastEvent.Ref)
	require.Equal(t, "8a6e0804-2bd0-4672-b79d-d97027f9071a", pushes.lastEvent.Repository.Name)
	require.Equal(t, "stackclass", pushes.lastEvent.Repository.Owner.Username)
}

func TestWebhookHandler_GiteaErrors(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		err    error
		status int
		code   string
	}{
		{name: "malformed body", body: `{"ref":`, status: fiber.StatusBadRequest, code: "invalid_payload"},
		{name: "unknown enrollment", body: `{"ref":"refs/heads/main","repository":{"name":"unknown"}}`, err: service.ErrEnrollmentNotFound, status: fiber.StatusNotFound, code: "enrollment_not_found"},
		{name: "platform down", body: `{"ref":"refs/heads/main","repository":{"name":"x"}}`, err: service.ErrPlatformUnavailable, status: fiber.StatusBadGateway, code: "platform_unavailable"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := newWebhookApp(&mockPushService{err: tc.err}, &mockWebhookService{})

			req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/gitea", bytes.NewReader([]byte(tc.body)))
			req.Header.Set("Content-Type", "application/json")

			resp, err := app.Test(req)
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			payload := decodeEnvelope(t, resp)
			require.False(t, payload.Success)
			require.Equal(t, tc.code, payload.Details.Code)
		})
	}
}

func TestWebhookHandler_TektonPassesRawBody(t *testing.T) {
	notifications := &mockWebhookService{outcome: service.NotificationCompleted}
	app := newWebhookApp(&mockPushService{}, notifications)

	body := []byte(`{"name":"run-1","status":"Succeeded"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/tekton", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.JSONEq(t, string(body), string(notifications.lastBody))

	payload := decodeEnvelope(t, resp)
	var ack dto.WebhookAck
	require.NoError(t, json.Unmarshal(payload.Data, &ack))
	require.Equal(t, "completed", ack.Outcome)
}

func TestWebhookHandler_TektonErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{name: "forged signature", err: service.ErrInvalidSignature, status: fiber.StatusUnauthorized},
		{name: "invalid body", err: service.ErrInvalidNotification, status: fiber.StatusBadRequest},
		{name: "unknown enrollment", err: service.ErrEnrollmentNotFound, status: fiber.StatusNotFound},
		{name: "store failure", err: io.ErrUnexpectedEOF, status: fiber.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := newWebhookApp(&mockPushService{}, &mockWebhookService{err: tc.err})

			req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/tekton", bytes.NewReader([]byte(`{}`)))
			req.Header.Set("Content-Type", "application/json")

			resp, err := app.Test(req)
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)
		})
	}
}
