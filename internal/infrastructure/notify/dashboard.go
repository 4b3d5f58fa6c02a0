package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/relicta-tech/rollout/internal/domain/rollout"
	"github.com/relicta-tech/rollout/internal/domain/rollout/ports"
)

// Feed broadcasts typed payloads to live dashboard clients.
type Feed interface {
	Publish(kind string, payload any)
}

// Dashboard sends messages to the live dashboard feed. Delivery is fire and
// forget; clients that are not connected miss the message.
type Dashboard struct {
	feed Feed
}

var _ ports.Notifier = (*Dashboard)(nil)

// NewDashboard creates a Dashboard notifier on feed.
func NewDashboard(feed Feed) *Dashboard {
	return &Dashboard{feed: feed}
}

type dashboardMessage struct {
	Ref       string          `json:"ref"`
	Channel   string          `json:"channel,omitempty"`
	User      *rollout.Author `json:"user,omitempty"`
	Message   ports.Message   `json:"message"`
	Timestamp string          `json:"timestamp"`
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Announce publishes msg and returns a fresh handle for it.
func (d *Dashboard) Announce(_ context.Context, channel string, msg ports.Message) (string, error) {
	ref := uuid.NewString()
	d.feed.Publish(EventAnnounced, dashboardMessage{Ref: ref, Channel: channel, Message: msg, Timestamp: now()})
	return ref, nil
}

// Update publishes a replacement for ref.
func (d *Dashboard) Update(_ context.Context, ref string, msg ports.Message) error {
	d.feed.Publish(EventUpdated, dashboardMessage{Ref: ref, Message: msg, Timestamp: now()})
	return nil
}

// Whisper publishes msg tagged with its single recipient.
func (d *Dashboard) Whisper(_ context.Context, channel string, user rollout.Author, msg ports.Message) error {
	d.feed.Publish(EventWhisper, dashboardMessage{Channel: channel, User: &user, Message: msg, Timestamp: now()})
	return nil
}
