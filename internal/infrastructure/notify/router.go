package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/relicta-tech/rollout/internal/domain/rollout"
	"github.com/relicta-tech/rollout/internal/domain/rollout/ports"
	rerrors "github.com/relicta-tech/rollout/internal/errors"
)

// Backend schemes.
const (
	SchemeSlack     = "slack"
	SchemeWebhook   = "webhook"
	SchemeDashboard = "dashboard"
)

// DeliveryRecorder observes notification deliveries.
type DeliveryRecorder interface {
	NotificationDelivered(backend, operation string, duration time.Duration, err error)
}

// Router dispatches on the scheme of a channel URI: "slack:#releases",
// "webhook:ops" or "dashboard". Channels without a known scheme go to the
// fallback backend. Handles returned by Announce carry the scheme so
// updates reach the same backend.
type Router struct {
	backends map[string]ports.Notifier
	fallback string
	recorder DeliveryRecorder
	logger   *slog.Logger
}

var _ ports.Notifier = (*Router)(nil)

// NewRouter creates a Router. recorder may be nil.
func NewRouter(fallback string, recorder DeliveryRecorder) *Router {
	return &Router{
		backends: make(map[string]ports.Notifier),
		fallback: fallback,
		recorder: recorder,
		logger:   slog.Default().With("component", "notify_router"),
	}
}

// Register adds the backend serving scheme.
func (r *Router) Register(scheme string, backend ports.Notifier) {
	r.backends[scheme] = backend
}

// Schemes returns the registered schemes.
func (r *Router) Schemes() []string {
	out := make([]string, 0, len(r.backends))
	for s := range r.backends {
		out = append(out, s)
	}
	return out
}

// route splits uri into its backend and the backend local channel.
func (r *Router) route(uri string) (string, ports.Notifier, string, error) {
	if _, ok := r.backends[uri]; ok {
		return uri, r.backends[uri], "", nil
	}
	if scheme, rest, ok := strings.Cut(uri, ":"); ok {
		if b, found := r.backends[scheme]; found {
			return scheme, b, rest, nil
		}
	}
	if b, ok := r.backends[r.fallback]; ok {
		return r.fallback, b, uri, nil
	}
	return "", nil, "", rerrors.Config("notify.Router", fmt.Sprintf("no notification backend for %q", uri))
}

func (r *Router) observe(scheme, operation string, start time.Time, err error) {
	if r.recorder != nil {
		r.recorder.NotificationDelivered(scheme, operation, time.Since(start), err)
	}
	if err != nil {
		r.logger.Debug("delivery failed", "backend", scheme, "operation", operation, "error", err)
	}
}

// Announce posts msg through the backend of channel.
func (r *Router) Announce(ctx context.Context, channel string, msg ports.Message) (string, error) {
	scheme, backend, local, err := r.route(channel)
	if err != nil {
		return "", err
	}
	start := time.Now()
	ref, err := backend.Announce(ctx, local, msg)
	r.observe(scheme, "announce", start, err)
	if err != nil {
		return "", err
	}
	return scheme + ":" + ref, nil
}

// Update edits a message announced through the Router.
func (r *Router) Update(ctx context.Context, ref string, msg ports.Message) error {
	scheme, local, ok := strings.Cut(ref, ":")
	backend, found := r.backends[scheme]
	if !ok || !found {
		return rerrors.Validation("notify.Router.Update", "message reference without backend: "+ref)
	}
	start := time.Now()
	err := backend.Update(ctx, local, msg)
	r.observe(scheme, "update", start, err)
	return err
}

// Whisper shows msg to user through the backend of channel.
func (r *Router) Whisper(ctx context.Context, channel string, user rollout.Author, msg ports.Message) error {
	scheme, backend, local, err := r.route(channel)
	if err != nil {
		return err
	}
	start := time.Now()
	err = backend.Whisper(ctx, local, user, msg)
	r.observe(scheme, "whisper", start, err)
	return err
}

// HandleIdentity resolves actors to themselves. It serves deployments
// without a chat backend able to look users up.
type HandleIdentity struct{}

var _ ports.IdentityResolver = HandleIdentity{}

// Resolve returns an author named after actor.
func (HandleIdentity) Resolve(_ context.Context, actor string) (rollout.Author, error) {
	if actor == "" {
		return rollout.Author{}, rerrors.Validation("notify.HandleIdentity", "actor is required")
	}
	return rollout.Author{ID: actor, Username: actor}, nil
}
