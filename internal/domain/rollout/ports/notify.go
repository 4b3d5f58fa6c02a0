package ports

import (
	"context"
	"time"

	"github.com/relicta-tech/rollout/internal/domain/rollout"
)

// Message is a rendered chat message.
type Message struct {
	// Title is a short headline, used by backends that show one.
	Title string `json:"title"`
	// Text is the message body in chat markdown.
	Text string `json:"text"`
	// Color hints the message accent, e.g. "good", "warning" or "danger".
	Color string `json:"color,omitempty"`
}

// Notifier delivers messages to chat channels.
type Notifier interface {
	// Announce posts msg to channel and returns an opaque handle to it.
	Announce(ctx context.Context, channel string, msg Message) (string, error)

	// Update replaces the content of a message previously announced.
	Update(ctx context.Context, ref string, msg Message) error

	// Whisper shows msg to a single user of channel only.
	Whisper(ctx context.Context, channel string, user rollout.Author, msg Message) error
}

// Renderer turns release data into chat messages.
type Renderer interface {
	// Release renders the release announcement carrying its changelog.
	Release(record *rollout.Record) Message

	// Transition renders one lifecycle transition of a release.
	Transition(record *rollout.Record, transition rollout.Transition) Message

	// Canceled renders the cancellation of a release by actor.
	Canceled(record *rollout.Record, actor rollout.Author) Message

	// Ended renders a release ended by actor with its final transitions.
	Ended(record *rollout.Record, actor rollout.Author, transitions []rollout.Transition) Message

	// Abandoned renders a release that could not start.
	Abandoned(record *rollout.Record, reason error) Message
}

// IdentityResolver resolves a chat actor into display metadata.
type IdentityResolver interface {
	// Resolve returns the author for a chat user handle.
	Resolve(ctx context.Context, actor string) (rollout.Author, error)
}

// Clock provides the current time.
// This abstraction enables testing with controlled time.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// RealClock implements Clock using the system time.
type RealClock struct{}

// Now returns the current system time.
func (RealClock) Now() time.Time {
	return time.Now()
}
