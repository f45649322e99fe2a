package convsync

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testSecret = "test-webhook-secret-key"

func makeEnvelope(t *testing.T, typ string, ev FeedEvent) []byte {
	t.Helper()
	payload, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	body, err := json.Marshal(Envelope{Type: typ, Payload: payload})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return body
}

func newTestWebhook(t *testing.T) *WebhookTransport {
	t.Helper()
	wh, err := NewWebhookTransport(testSecret, zap.NewNop())
	if err != nil {
		t.Fatalf("NewWebhookTransport: %v", err)
	}
	return wh
}

// ============================================================================
// VerifySignature
// ============================================================================

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"type":"message.insert","payload":{}}`)

	t.Run("valid signature", func(t *testing.T) {
		if !VerifySignature(body, SignBody(body, testSecret), testSecret) {
			t.Fatal("expected valid signature")
		}
	})

	t.Run("valid without prefix", func(t *testing.T) {
		sig := strings.TrimPrefix(SignBody(body, testSecret), "sha256=")
		if !VerifySignature(body, sig, testSecret) {
			t.Fatal("expected valid signature without prefix")
		}
	})

	t.Run("wrong signature", func(t *testing.T) {
		if VerifySignature(body, "sha256="+strings.Repeat("0", 64), testSecret) {
			t.Fatal("expected invalid signature")
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		if VerifySignature(body, SignBody(body, "wrong-secret"), testSecret) {
			t.Fatal("expected invalid signature with wrong secret")
		}
	})

	t.Run("tampered body", func(t *testing.T) {
		sig := SignBody(body, testSecret)
		if VerifySignature(append(body, ' '), sig, testSecret) {
			t.Fatal("expected invalid for tampered body")
		}
	})

	t.Run("empty inputs", func(t *testing.T) {
		if VerifySignature(nil, "sha256=abc", testSecret) {
			t.Fatal("expected false for empty body")
		}
		if VerifySignature(body, "", testSecret) {
			t.Fatal("expected false for empty signature")
		}
		if VerifySignature(body, "sha256=", testSecret) {
			t.Fatal("expected false for bare prefix")
		}
		if VerifySignature(body, "sha256=abc", "") {
			t.Fatal("expected false for empty secret")
		}
	})
}

// ============================================================================
// WebhookTransport
// ============================================================================

func TestNewWebhookTransportRequiresSecret(t *testing.T) {
	if _, err := NewWebhookTransport("", nil); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestWebhookHandle(t *testing.T) {
	wh := newTestWebhook(t)
	var got []Message
	var deleted []string
	sub, _ := wh.Subscribe(context.Background(), testKey, Handlers{
		OnInsert: func(m Message) { got = append(got, m) },
		OnDelete: func(id string) { deleted = append(deleted, id) },
	})

	t.Run("delivers to subscriber", func(t *testing.T) {
		m := confirmed("a", 1)
		body := makeEnvelope(t, EventMessageInsert, FeedEvent{Conversation: testKey.String(), Message: &m})
		status, resp := wh.Handle(body, SignBody(body, testSecret))
		if status != http.StatusOK {
			t.Fatalf("status = %d, resp = %v", status, resp)
		}
		if len(got) != 1 || got[0].ID != "a" {
			t.Fatalf("delivered = %+v", got)
		}

		body = makeEnvelope(t, EventMessageDelete, FeedEvent{Conversation: testKey.String(), MessageID: "a"})
		wh.Handle(body, SignBody(body, testSecret))
		if len(deleted) != 1 || deleted[0] != "a" {
			t.Fatalf("deleted = %v", deleted)
		}
	})

	t.Run("other conversation", func(t *testing.T) {
		m := confirmed("b", 1)
		body := makeEnvelope(t, EventMessageInsert, FeedEvent{Conversation: "club:other", Message: &m})
		status, resp := wh.Handle(body, SignBody(body, testSecret))
		if status != http.StatusOK {
			t.Fatalf("status = %d", status)
		}
		if r := resp.(map[string]bool); r["delivered"] {
			t.Fatal("no subscriber should receive it")
		}
		if len(got) != 1 {
			t.Fatal("handler should not be called")
		}
	})

	t.Run("rejections", func(t *testing.T) {
		good := makeEnvelope(t, EventMessageDelete, FeedEvent{Conversation: testKey.String(), MessageID: "x"})
		unknown := makeEnvelope(t, "presence.update", FeedEvent{Conversation: testKey.String()})
		garbage := []byte("not json")
		badPayload := []byte(`{"type":"message.insert","payload":"nope"}`)

		tests := []struct {
			name   string
			body   []byte
			sig    string
			status int
		}{
			{"bad signature", good, SignBody(good, "other"), http.StatusUnauthorized},
			{"unknown event", unknown, SignBody(unknown, testSecret), http.StatusBadRequest},
			{"invalid json", garbage, SignBody(garbage, testSecret), http.StatusBadRequest},
			{"invalid payload", badPayload, SignBody(badPayload, testSecret), http.StatusBadRequest},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if status, _ := wh.Handle(tt.body, tt.sig); status != tt.status {
					t.Fatalf("status = %d, want %d", status, tt.status)
				}
			})
		}
		if len(deleted) != 1 {
			t.Fatal("rejected deliveries must not reach handlers")
		}
	})

	t.Run("unsubscribe", func(t *testing.T) {
		sub.Unsubscribe()
		m := confirmed("c", 3)
		body := makeEnvelope(t, EventMessageInsert, FeedEvent{Conversation: testKey.String(), Message: &m})
		wh.Handle(body, SignBody(body, testSecret))
		if len(got) != 1 {
			t.Fatal("unsubscribed handler was called")
		}
	})

	t.Run("stopped", func(t *testing.T) {
		wh.Stop()
		body := makeEnvelope(t, EventMessageDelete, FeedEvent{Conversation: testKey.String(), MessageID: "a"})
		if status, _ := wh.Handle(body, SignBody(body, testSecret)); status != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", status)
		}
	})
}

func TestWebhookServeHTTP(t *testing.T) {
	wh := newTestWebhook(t)

	t.Run("method not allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		wh.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hooks", nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("status = %d", rec.Code)
		}
	})

	t.Run("signed post", func(t *testing.T) {
		body := makeEnvelope(t, EventMessageDelete, FeedEvent{Conversation: testKey.String(), MessageID: "a"})
		req := httptest.NewRequest(http.MethodPost, "/hooks", bytes.NewReader(body))
		req.Header.Set(SignatureHeader, SignBody(body, testSecret))
		rec := httptest.NewRecorder()
		wh.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
			t.Fatalf("Content-Type = %q", ct)
		}
	})

	t.Run("unsigned post", func(t *testing.T) {
		body := makeEnvelope(t, EventMessageDelete, FeedEvent{Conversation: testKey.String(), MessageID: "a"})
		rec := httptest.NewRecorder()
		wh.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/hooks", bytes.NewReader(body)))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d", rec.Code)
		}
	})
}

// A session can run entirely on pushed events.
func TestWebhookDrivesSession(t *testing.T) {
	api := newFakeAPI(confirmed("a", 1))
	wh := newTestWebhook(t)
	s := NewSession(Options{UserID: "u-me", API: api, Transport: wh})
	defer s.Close()

	conv, err := s.Open(context.Background(), testKey)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer conv.Close()

	srv := httptest.NewServer(wh)
	defer srv.Close()
	post := func(body []byte) {
		t.Helper()
		req, _ := http.NewRequest(http.MethodPost, srv.URL, bytes.NewReader(body))
		req.Header.Set(SignatureHeader, SignBody(body, testSecret))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
	}

	b := confirmed("b", 2)
	post(makeEnvelope(t, EventMessageInsert, FeedEvent{Conversation: testKey.String(), Message: &b}))
	post(makeEnvelope(t, EventReactionInsert, FeedEvent{
		Conversation: testKey.String(),
		Reaction:     &Reaction{ID: "r1", MessageID: "b", UserID: "u-2", Type: "like"},
	}))
	equalIDs(t, conv.Messages(), "a", "b")
	if len(conv.Reactions("b")) != 1 {
		t.Fatal("reaction not applied")
	}

	// the receiver restarted and missed c
	api.setHistory(confirmed("a", 1), confirmed("b", 2), confirmed("c", 3))
	wh.Reconnected()
	equalIDs(t, conv.Messages(), "a", "b", "c")
}
