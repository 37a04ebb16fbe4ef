package bookingsync

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ============================================================================
// Webhook Types
// ============================================================================

// WebhookSource is the expected source of push webhooks.
const WebhookSource = "bookings"

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Bookingsync-Signature"

// WebhookPayload is a status-change notification POSTed by the server.
type WebhookPayload struct {
	Source    string         `json:"source"`
	Event     string         `json:"event"`
	Timestamp int64          `json:"timestamp"` // unix milliseconds
	Booking   WebhookBooking `json:"booking"`
}

// WebhookBooking is the booking part of a webhook payload.
type WebhookBooking struct {
	ID      string        `json:"id"`
	Status  BookingStatus `json:"status"`
	Version int64         `json:"version"`
}

// PushEvent converts the payload into the event the bridge consumes.
func (p *WebhookPayload) PushEvent() PushEvent {
	return PushEvent{
		BookingID: p.Booking.ID,
		NewStatus: p.Booking.Status,
		Version:   p.Booking.Version,
		Timestamp: time.UnixMilli(p.Timestamp).UTC(),
	}
}

// WebhookHandlerFunc is the callback for a verified webhook.
type WebhookHandlerFunc func(ev PushEvent) error

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature checks an HMAC-SHA256 signature in constant time.
// The signature may carry a "sha256=" prefix.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	expected := SignWebhookBody(body, secret)[len("sha256="):]
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// SignWebhookBody returns the header value a sender puts on body.
func SignWebhookBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ParseWebhookPayload parses and validates a raw webhook body.
func ParseWebhookPayload(body string) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}

	if payload.Source != WebhookSource {
		return nil, fmt.Errorf("unknown webhook source: %s", payload.Source)
	}
	if payload.Event == "" {
		return nil, fmt.Errorf("missing event field in webhook payload")
	}
	if payload.Event != wireStatusChanged {
		return nil, fmt.Errorf("unsupported webhook event: %s", payload.Event)
	}
	if payload.Booking.ID == "" || payload.Booking.Version <= 0 {
		return nil, fmt.Errorf("missing required booking fields in webhook payload")
	}
	if !payload.Booking.Status.Valid() {
		return nil, fmt.Errorf("unknown booking status in webhook payload: %q", payload.Booking.Status)
	}
	return &payload, nil
}

// ============================================================================
// PushWebhook
// ============================================================================

// PushWebhook receives signed status-change notifications and hands them to
// a handler, usually Engine.HandlePush.
type PushWebhook struct {
	secret string
	onPush WebhookHandlerFunc
}

// NewPushWebhook creates a receiver.
func NewPushWebhook(secret string, onPush WebhookHandlerFunc) (*PushWebhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if onPush == nil {
		return nil, fmt.Errorf("webhook handler is required")
	}
	return &PushWebhook{secret: secret, onPush: onPush}, nil
}

// EngineWebhook creates a receiver that feeds e.
func EngineWebhook(secret string, e *Engine) (*PushWebhook, error) {
	return NewPushWebhook(secret, func(ev PushEvent) error {
		_, err := e.HandlePush(ev)
		return err
	})
}

// Verify checks body against signature.
func (w *PushWebhook) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Handle verifies, parses and dispatches one request. It returns the status
// code and response body for the caller to write.
func (w *PushWebhook) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := ParseWebhookPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	if err := w.onPush(payload.PushEvent()); err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	wh, _ := bookingsync.EngineWebhook("secret", engine)
//	http.Handle("/webhooks/bookings", wh.HTTPHandler())
func (w *PushWebhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		defer r.Body.Close()
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(SignatureHeader))
		writeJSON(rw, statusCode, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
