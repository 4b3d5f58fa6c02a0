package notify

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/slack-go/slack"

	"github.com/relicta-tech/rollout/internal/domain/rollout"
	"github.com/relicta-tech/rollout/internal/domain/rollout/ports"
	rerrors "github.com/relicta-tech/rollout/internal/errors"
	"github.com/relicta-tech/rollout/internal/infrastructure/resilience"
)

// SlackConfig configures the Slack Web API client.
type SlackConfig struct {
	Token string
	// APIURL overrides the Slack API endpoint, mostly for tests.
	APIURL     string
	Resilience resilience.Config
}

// Slack posts and edits messages through the Slack Web API. Message
// handles have the form "<channel id>:<ts>".
type Slack struct {
	api    *slack.Client
	res    *resilience.Resilience
	users  sync.Map
	logger *slog.Logger
}

var (
	_ ports.Notifier         = (*Slack)(nil)
	_ ports.IdentityResolver = (*Slack)(nil)
)

// NewSlack creates a Slack notifier.
func NewSlack(cfg SlackConfig) (*Slack, error) {
	if cfg.Token == "" {
		return nil, rerrors.Config("notify.NewSlack", "Slack token is required (set ROLLOUT_SLACK_TOKEN)")
	}
	opts := []slack.Option{}
	if cfg.APIURL != "" {
		u := cfg.APIURL
		if !strings.HasSuffix(u, "/") {
			u += "/"
		}
		opts = append(opts, slack.OptionAPIURL(u))
	}
	if cfg.Resilience.Name == "" {
		cfg.Resilience.Name = "slack"
	}
	return &Slack{
		api:    slack.New(cfg.Token, opts...),
		res:    resilience.New(cfg.Resilience),
		logger: slog.Default().With("component", "slack"),
	}, nil
}

// Close releases the client's rate limiter.
func (s *Slack) Close() error {
	return s.res.Close()
}

func slackOptions(msg ports.Message) []slack.MsgOption {
	fallback := msg.Text
	if msg.Title != "" {
		fallback = msg.Title + ": " + msg.Text
	}
	return []slack.MsgOption{
		slack.MsgOptionText(fallback, false),
		slack.MsgOptionAttachments(slack.Attachment{
			Color:      msg.Color,
			Title:      msg.Title,
			Text:       msg.Text,
			Fallback:   fallback,
			MarkdownIn: []string{"text"},
		}),
	}
}

// Announce posts msg to channel.
func (s *Slack) Announce(ctx context.Context, channel string, msg ports.Message) (string, error) {
	const op = "slack.Announce"
	var ref string
	err := s.res.Do(ctx, func(ctx context.Context) error {
		id, ts, err := s.api.PostMessageContext(ctx, channel, slackOptions(msg)...)
		if err != nil {
			return classifySlack(op, err)
		}
		ref = id + ":" + ts
		return nil
	})
	return ref, err
}

// Update edits a message posted by Announce.
func (s *Slack) Update(ctx context.Context, ref string, msg ports.Message) error {
	const op = "slack.Update"
	channel, ts, ok := strings.Cut(ref, ":")
	if !ok || channel == "" || ts == "" {
		return rerrors.Validation(op, "malformed message reference "+ref)
	}
	return s.res.Do(ctx, func(ctx context.Context) error {
		_, _, _, err := s.api.UpdateMessageContext(ctx, channel, ts, slackOptions(msg)...)
		return classifySlack(op, err)
	})
}

// Whisper posts an ephemeral message only user can see.
func (s *Slack) Whisper(ctx context.Context, channel string, user rollout.Author, msg ports.Message) error {
	const op = "slack.Whisper"
	if user.ID == "" {
		return rerrors.Validation(op, "user id is required")
	}
	return s.res.Do(ctx, func(ctx context.Context) error {
		_, err := s.api.PostEphemeralContext(ctx, channel, user.ID, slackOptions(msg)...)
		return classifySlack(op, err)
	})
}

// Resolve looks up a Slack user. Actors may be given as a raw user id or
// as a mention like <@U123|jdoe>. Lookups are cached for the process
// lifetime.
func (s *Slack) Resolve(ctx context.Context, actor string) (rollout.Author, error) {
	const op = "slack.Resolve"
	id := userID(actor)
	if id == "" {
		return rollout.Author{}, rerrors.Validation(op, "actor is required")
	}
	if cached, ok := s.users.Load(id); ok {
		return cached.(rollout.Author), nil
	}

	var user *slack.User
	err := s.res.Do(ctx, func(ctx context.Context) error {
		u, err := s.api.GetUserInfoContext(ctx, id)
		if err != nil {
			return classifySlack(op, err)
		}
		user = u
		return nil
	})
	if err != nil {
		return rollout.Author{}, err
	}

	author := rollout.Author{
		ID:          user.ID,
		Username:    user.Name,
		DisplayName: user.Profile.DisplayName,
		AvatarURL:   user.Profile.Image72,
	}
	if author.DisplayName == "" {
		author.DisplayName = user.RealName
	}
	s.users.Store(id, author)
	return author, nil
}

// userID extracts the user id from a mention.
func userID(actor string) string {
	actor = strings.TrimSpace(actor)
	if strings.HasPrefix(actor, "<@") && strings.HasSuffix(actor, ">") {
		actor = strings.TrimSuffix(strings.TrimPrefix(actor, "<@"), ">")
		actor, _, _ = strings.Cut(actor, "|")
	}
	return actor
}

func classifySlack(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var limited *slack.RateLimitedError
	if errors.As(err, &limited) {
		e := rerrors.WrapSafe(err, rerrors.KindNetwork, op, "rate limited")
		e.Recoverable = true
		return e.WithDetail("retry_after", limited.RetryAfter.String())
	}

	var apiErr slack.SlackErrorResponse
	if errors.As(err, &apiErr) {
		switch apiErr.Err {
		case "channel_not_found", "user_not_found", "message_not_found", "users_not_found":
			return rerrors.WrapSafe(err, rerrors.KindNotFound, op, "not found")
		case "not_authed", "invalid_auth", "account_inactive", "token_revoked", "missing_scope", "not_in_channel":
			return rerrors.WrapSafe(err, rerrors.KindConfig, op, "access denied, check the Slack token scopes")
		default:
			return rerrors.WrapSafe(err, rerrors.KindInternal, op, "slack rejected the request")
		}
	}

	var status slack.StatusCodeError
	if errors.As(err, &status) {
		if resilience.IsRetryableStatus(status.Code) {
			e := rerrors.WrapSafe(err, rerrors.KindNetwork, op, "request failed")
			e.Recoverable = true
			return e
		}
		return rerrors.WrapSafe(err, rerrors.KindInternal, op, "unexpected status "+status.Status)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		e := rerrors.WrapSafe(err, rerrors.KindNetwork, op, "request failed")
		e.Recoverable = true
		return e
	}
	return rerrors.WrapSafe(err, rerrors.KindInternal, op, "request failed")
}
