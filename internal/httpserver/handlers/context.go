package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/relicta-tech/rollout/internal/domain/rollout"
	"github.com/relicta-tech/rollout/internal/domain/rollout/app"
)

// ReleaseService is the part of the release controller the API drives.
type ReleaseService interface {
	Create(ctx context.Context, in app.CreateInput) (*rollout.Record, error)
	Cancel(ctx context.Context, key rollout.Key, actor string) error
	End(ctx context.Context, key rollout.Key, actor string) error
	List(ctx context.Context, project string) ([]*rollout.Record, error)
	HandleDeploymentEvent(ctx context.Context, event rollout.DeploymentEvent) error
}

// EventRecorder counts received deployment events.
type EventRecorder interface {
	DeploymentEventReceived(source string, outcome rollout.Outcome)
}

// Publisher pushes live updates to dashboard clients.
type Publisher interface {
	Publish(kind string, payload any)
}

// Context holds dependencies for HTTP handlers.
type Context struct {
	Releases ReleaseService
	Events   EventRecorder
	Feed     Publisher
	// HookToken must match the token GitLab sends with deployment hooks.
	// Empty accepts every hook.
	HookToken string
	// EventSecret verifies generic deployment events. Empty skips the check.
	EventSecret string
	Version     string
	Now         func() time.Time

	logger *slog.Logger
}

// NewContext fills the defaults of c.
func NewContext(c Context) *Context {
	if c.Events == nil {
		c.Events = noopRecorder{}
	}
	if c.Feed == nil {
		c.Feed = noopPublisher{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	c.logger = slog.Default().With("component", "http_api")
	return &c
}

type noopRecorder struct{}

func (noopRecorder) DeploymentEventReceived(string, rollout.Outcome) {}

type noopPublisher struct{}

func (noopPublisher) Publish(string, any) {}
