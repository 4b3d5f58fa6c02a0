package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relicta-tech/rollout/internal/domain/rollout"
	"github.com/relicta-tech/rollout/internal/domain/rollout/ports"
	rerrors "github.com/relicta-tech/rollout/internal/errors"
)

// Webhook event names.
const (
	EventAnnounced = "message.announced"
	EventUpdated   = "message.updated"
	EventWhisper   = "message.whisper"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Rollout-Signature"

// WebhookEndpoint is a named receiver of signed JSON messages.
type WebhookEndpoint struct {
	Name       string
	URL        string
	Secret     string
	Headers    map[string]string
	Timeout    time.Duration
	RetryCount int
	RetryDelay time.Duration
}

func (e *WebhookEndpoint) timeout() time.Duration {
	if e.Timeout == 0 {
		return 10 * time.Second
	}
	return e.Timeout
}

func (e *WebhookEndpoint) retryCount() int {
	if e.RetryCount == 0 {
		return 3
	}
	return e.RetryCount
}

func (e *WebhookEndpoint) retryDelay() time.Duration {
	if e.RetryDelay == 0 {
		return time.Second
	}
	return e.RetryDelay
}

// WebhookPayload is the JSON body posted to endpoints.
type WebhookPayload struct {
	Event     string    `json:"event"`
	Delivery  string    `json:"delivery"`
	Timestamp time.Time `json:"timestamp"`
	// Ref identifies the message an update replaces.
	Ref     string          `json:"ref"`
	User    *rollout.Author `json:"user,omitempty"`
	Message ports.Message   `json:"message"`
}

// Webhook posts messages to HTTP endpoints. Channels name a configured
// endpoint, or are a bare http(s) URL posted to unsigned. Message handles
// have the form "<channel>#<delivery id>".
type Webhook struct {
	endpoints map[string]*WebhookEndpoint
	client    *http.Client
	logger    *slog.Logger
}

var _ ports.Notifier = (*Webhook)(nil)

// NewWebhook creates a Webhook notifier for endpoints.
func NewWebhook(endpoints []WebhookEndpoint, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{}
	}
	byName := make(map[string]*WebhookEndpoint, len(endpoints))
	for i := range endpoints {
		byName[endpoints[i].Name] = &endpoints[i]
	}
	return &Webhook{
		endpoints: byName,
		client:    client,
		logger:    slog.Default().With("component", "webhook_notifier"),
	}
}

func (w *Webhook) endpoint(channel string) (*WebhookEndpoint, error) {
	if ep, ok := w.endpoints[channel]; ok {
		return ep, nil
	}
	if strings.HasPrefix(channel, "https://") || strings.HasPrefix(channel, "http://") {
		return &WebhookEndpoint{Name: channel, URL: channel}, nil
	}
	return nil, rerrors.Config("webhook.endpoint", fmt.Sprintf("unknown webhook endpoint %q", channel))
}

// Announce posts msg to the endpoint named by channel.
func (w *Webhook) Announce(ctx context.Context, channel string, msg ports.Message) (string, error) {
	ep, err := w.endpoint(channel)
	if err != nil {
		return "", err
	}
	payload := newPayload(EventAnnounced, msg)
	payload.Ref = channel + "#" + payload.Delivery
	if err := w.sendWithRetry(ctx, ep, payload); err != nil {
		return "", err
	}
	return payload.Ref, nil
}

// Update posts a replacement for a previously announced message.
func (w *Webhook) Update(ctx context.Context, ref string, msg ports.Message) error {
	i := strings.LastIndex(ref, "#")
	if i <= 0 {
		return rerrors.Validation("webhook.Update", "malformed message reference "+ref)
	}
	ep, err := w.endpoint(ref[:i])
	if err != nil {
		return err
	}
	payload := newPayload(EventUpdated, msg)
	payload.Ref = ref
	return w.sendWithRetry(ctx, ep, payload)
}

// Whisper posts msg addressed to a single user.
func (w *Webhook) Whisper(ctx context.Context, channel string, user rollout.Author, msg ports.Message) error {
	ep, err := w.endpoint(channel)
	if err != nil {
		return err
	}
	payload := newPayload(EventWhisper, msg)
	payload.User = &user
	return w.sendWithRetry(ctx, ep, payload)
}

func newPayload(event string, msg ports.Message) *WebhookPayload {
	return &WebhookPayload{
		Event:     event,
		Delivery:  uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Message:   msg,
	}
}

// sendWithRetry delivers payload, retrying failures other than client errors.
func (w *Webhook) sendWithRetry(ctx context.Context, ep *WebhookEndpoint, payload *WebhookPayload) error {
	var lastErr error
	for attempt := 0; attempt <= ep.retryCount(); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(ep.retryDelay()):
			}
		}

		err := w.send(ctx, ep, payload)
		if err == nil {
			w.logger.Debug("webhook sent", "webhook", ep.Name, "event", payload.Event, "delivery", payload.Delivery)
			return nil
		}
		lastErr = err
		if !rerrors.IsRecoverable(err) {
			break
		}
		w.logger.Warn("webhook request failed",
			"webhook", ep.Name,
			"attempt", attempt+1,
			"max_attempts", ep.retryCount()+1,
			"error", err)
	}
	return lastErr
}

// send performs a single webhook request.
func (w *Webhook) send(ctx context.Context, ep *WebhookEndpoint, payload *WebhookPayload) error {
	const op = "webhook.send"
	body, err := json.Marshal(payload)
	if err != nil {
		return rerrors.InternalWrap(err, op, "failed to marshal payload")
	}

	ctx, cancel := context.WithTimeout(ctx, ep.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return rerrors.ConfigWrap(err, op, "invalid webhook url")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Rollout-Webhook/1.0")
	req.Header.Set("X-Rollout-Event", payload.Event)
	req.Header.Set("X-Rollout-Delivery", payload.Delivery)
	for key, value := range ep.Headers {
		req.Header.Set(key, value)
	}
	if ep.Secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(body, ep.Secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return rerrors.NetworkWrap(rerrors.RedactError(err), op, "request failed")
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return rerrors.NetworkWrap(fmt.Errorf("server returned %d: %s", resp.StatusCode, respBody), op, "delivery failed")
	case resp.StatusCode >= 400:
		return rerrors.WrapSafe(fmt.Errorf("server returned %d: %s", resp.StatusCode, respBody), rerrors.KindInternal, op, "delivery rejected")
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by Sign. The "sha256="
// prefix is optional.
func VerifySignature(payload []byte, signature, secret string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	expected := Sign(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
