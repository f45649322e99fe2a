package convsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// SignatureHeader carries the HMAC-SHA256 of a webhook body.
const SignatureHeader = "X-Convsync-Signature"

// maxWebhookBody bounds a single pushed event.
const maxWebhookBody = 1 << 20

// ============================================================================
// Signatures
// ============================================================================

// SignBody returns the "sha256=<hex>" signature of body.
func SignBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an HMAC-SHA256 body signature in constant time.
// The "sha256=" prefix is optional.
func VerifySignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}
	expected := strings.TrimPrefix(SignBody(body, secret), "sha256=")
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ============================================================================
// WebhookTransport
// ============================================================================

// WebhookTransport is a Transport for clients that cannot hold a socket open
// (bots, server-side agents): the backend POSTs signed feed envelopes to
// its HTTP handler instead.
type WebhookTransport struct {
	secret string
	log    *zap.Logger
	router *feedRouter

	mu      sync.Mutex
	stopped bool
}

// NewWebhookTransport creates a webhook receiver verifying bodies with secret.
func NewWebhookTransport(secret string, log *zap.Logger) (*WebhookTransport, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WebhookTransport{secret: secret, log: log, router: newFeedRouter(log)}, nil
}

func (w *WebhookTransport) Subscribe(_ context.Context, conv ConversationKey, h Handlers) (Subscription, error) {
	sub, _ := w.router.add(conv, h, nil)
	return sub, nil
}

// Reconnected tells every subscriber that pushes may have been missed,
// e.g. after the receiving server restarted.
func (w *WebhookTransport) Reconnected() {
	w.router.reconnected()
}

// Stop makes the handler reject further deliveries with 503 so the backend
// retries them later.
func (w *WebhookTransport) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
}

// Handle verifies, parses and dispatches one delivery. It returns the status
// code and response body for the caller to write.
func (w *WebhookTransport) Handle(body []byte, signature string) (int, any) {
	w.mu.Lock()
	stopped := w.stopped
	w.mu.Unlock()
	if stopped {
		return http.StatusServiceUnavailable, map[string]string{"error": "receiver stopped"}
	}
	if !VerifySignature(body, signature, w.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "invalid signature"}
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid JSON in webhook body: %v", err)}
	}
	if !isFeedEvent(env.Type) {
		return http.StatusBadRequest, map[string]string{"error": "unknown event: " + env.Type}
	}
	delivered, err := w.router.dispatch(env)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	w.log.Debug("webhook_event", zap.String("type", env.Type), zap.Bool("delivered", delivered))
	return http.StatusOK, map[string]bool{"ok": true, "delivered": delivered}
}

// ServeHTTP processes webhook POSTs.
//
// Example:
//
//	wh, _ := convsync.NewWebhookTransport("secret", logger)
//	http.Handle("/hooks/convsync", wh)
func (w *WebhookTransport) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(rw).Encode(map[string]string{"error": "method not allowed"})
		return
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(rw).Encode(map[string]string{"error": "failed to read body"})
		return
	}

	status, data := w.Handle(body, r.Header.Get(SignatureHeader))
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(data)
}
