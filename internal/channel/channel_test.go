package channel

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCloudAPI(serverURL string, retries int) *CloudAPI {
	return NewCloudAPI(CloudAPIConfig{
		BaseURL:       serverURL,
		Token:         "test-token",
		PhoneNumberID: "1000",
		Timeout:       2 * time.Second,
		MaxRetries:    retries,
		Backoff:       time.Millisecond,
	})
}

func TestCloudAPISendTextSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/1000/messages" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if payload["to"] != "5511999990000" || payload["type"] != "text" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messaging_product":"whatsapp","messages":[{"id":"wamid.abc"}]}`))
	}))
	defer server.Close()

	result := newTestCloudAPI(server.URL, 0).SendText(context.Background(), "+5511999990000", "olá")
	require.True(t, result.OK())
	assert.Equal(t, Sent{ProviderMessageID: "wamid.abc"}, result)
}

func TestCloudAPIRetriesOnRateLimit(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate_limited"}`))
			return
		}
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.retry"}]}`))
	}))
	defer server.Close()

	result := newTestCloudAPI(server.URL, 1).SendText(context.Background(), "+5511999990000", "oi")
	require.True(t, result.OK())
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCloudAPIDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid recipient"}}`))
	}))
	defer server.Close()

	result := newTestCloudAPI(server.URL, 3).SendText(context.Background(), "+5511999990000", "oi")
	require.False(t, result.OK())
	_, reason := Describe(result)
	assert.Contains(t, reason, "400")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCloudAPISendMediaUploadsFirst(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		switch r.URL.Path {
		case "/1000/media":
			if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`{"id":"media-1"}`))
		case "/1000/messages":
			raw, _ := io.ReadAll(r.Body)
			if !strings.Contains(string(raw), `"media-1"`) || !strings.Contains(string(raw), `"document"`) {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.media"}]}`))
		}
	}))
	defer server.Close()

	result := newTestCloudAPI(server.URL, 0).SendMedia(context.Background(), "+5511999990000", "catálogo", Media{
		Data:     []byte("%PDF-1.4"),
		MimeType: "application/pdf",
		Filename: "catalogo.pdf",
	})
	require.True(t, result.OK())
	assert.Equal(t, []string{"/1000/media", "/1000/messages"}, paths)
}

func TestCloudAPIUnconfiguredFails(t *testing.T) {
	client := NewCloudAPI(CloudAPIConfig{})
	assert.False(t, client.Available())
	assert.False(t, client.SendText(context.Background(), "+1", "x").OK())
}

func TestRecorderScriptedFailures(t *testing.T) {
	recorder := NewRecorder()
	recorder.FailNext("+1", 2)

	assert.False(t, recorder.SendText(context.Background(), "+1", "a").OK())
	assert.False(t, recorder.SendText(context.Background(), "+1", "b").OK())
	assert.True(t, recorder.SendText(context.Background(), "+1", "c").OK())
	assert.True(t, recorder.SendText(context.Background(), "+2", "d").OK())

	assert.Len(t, recorder.Messages(), 4)
	assert.Len(t, recorder.MessagesTo("+1"), 3)
}

func TestNoopAlwaysSends(t *testing.T) {
	result := NewNoop(nil).SendMedia(context.Background(), "+1", "", Media{MimeType: "image/png"})
	id, reason := Describe(result)
	assert.True(t, strings.HasPrefix(id, "noop-"))
	assert.Empty(t, reason)
}

const sampleWebhook = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "WABA",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "551130000000", "phone_number_id": "1000"},
        "contacts": [{"wa_id": "5511999990000", "profile": {"name": "Ana"}}],
        "messages": [
          {"from": "5511999990000", "id": "wamid.1", "timestamp": "1741608000", "type": "text", "text": {"body": "Quero saber o preço"}},
          {"from": "5511999990000", "id": "wamid.2", "timestamp": "1741608001", "type": "image", "image": {"caption": "foto"}},
          {"from": "5511888880000", "id": "wamid.3", "timestamp": "1741608002", "type": "interactive", "interactive": {"button_reply": {"title": "OK"}}}
        ]
      }
    }]
  }]
}`

func TestParseCloudWebhook(t *testing.T) {
	events, err := ParseCloudWebhook([]byte(sampleWebhook))
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, "5511999990000", events[0].FromChannelID)
	assert.Equal(t, "551130000000", events[0].ToChannelID)
	assert.Equal(t, "Quero saber o preço", events[0].Text)
	assert.Equal(t, "wamid.1", events[0].ProviderMessageID)
	assert.Equal(t, "Ana", events[0].DisplayName)
	assert.Equal(t, time.Unix(1741608000, 0).UTC(), events[0].ReceivedAt)

	assert.Equal(t, "foto", events[1].Text)
	assert.Equal(t, "OK", events[2].Text)
	assert.Empty(t, events[2].DisplayName)
}

func TestParseCloudWebhookStatusOnly(t *testing.T) {
	events, err := ParseCloudWebhook([]byte(`{"entry":[{"changes":[{"field":"messages","value":{"statuses":[{"id":"wamid.1","status":"read"}]}}]}]}`))
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = ParseCloudWebhook([]byte(`not json`))
	require.Error(t, err)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(sampleWebhook)
	header := Sign("app-secret", body)

	assert.True(t, VerifySignature("app-secret", body, header))
	assert.False(t, VerifySignature("other-secret", body, header))
	assert.False(t, VerifySignature("app-secret", body, "sha1=abc"))
	assert.False(t, VerifySignature("", body, header))
}
