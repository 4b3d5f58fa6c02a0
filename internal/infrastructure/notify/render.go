// Package notify delivers release messages to Slack, signed webhooks and the
// dashboard feed.
package notify

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/relicta-tech/rollout/internal/domain/rollout"
	"github.com/relicta-tech/rollout/internal/domain/rollout/ports"
	rerrors "github.com/relicta-tech/rollout/internal/errors"
)

// Message colors understood by Slack attachments.
const (
	ColorGood    = "good"
	ColorWarning = "warning"
	ColorDanger  = "danger"
	ColorNeutral = "#439FE0"
)

// TextRenderer renders releases as chat markdown.
type TextRenderer struct {
	title cases.Caser
}

var _ ports.Renderer = (*TextRenderer)(nil)

// NewTextRenderer creates a TextRenderer.
func NewTextRenderer() *TextRenderer {
	return &TextRenderer{title: cases.Title(language.English, cases.NoLower)}
}

func (r *TextRenderer) stage(t rollout.Transition) string {
	return r.title.String(t.Name())
}

func headline(record *rollout.Record) string {
	return fmt.Sprintf("%s %s", record.Project, record.Tag)
}

// Release renders the announcement with the changelog.
func (r *TextRenderer) Release(record *rollout.Record) ports.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s* is releasing *%s*", record.Author.Name(), record.Tag)
	if record.Description != "" {
		b.WriteString("\n\n")
		b.WriteString(record.Description)
	} else {
		b.WriteString("\n\n_No changes found._")
	}
	return ports.Message{Title: headline(record), Text: b.String(), Color: ColorNeutral}
}

// Transition renders one lifecycle step.
func (r *TextRenderer) Transition(record *rollout.Record, t rollout.Transition) ports.Message {
	msg := ports.Message{Title: headline(record)}
	name := r.stage(t)
	switch t.Phase {
	case rollout.PhaseDeploying:
		msg.Text = fmt.Sprintf(":rocket: %s is deploying to *%s*", record.Tag, name)
		msg.Color = ColorNeutral
	case rollout.PhaseFailed:
		msg.Text = fmt.Sprintf(":x: %s failed to deploy to *%s*", record.Tag, name)
		msg.Color = ColorDanger
	case rollout.PhaseMonitoring:
		msg.Text = fmt.Sprintf(":eyes: %s is live on *%s*, monitoring", record.Tag, name)
		msg.Color = ColorWarning
	case rollout.PhaseCompleted:
		msg.Text = fmt.Sprintf(":white_check_mark: %s completed on *%s*", record.Tag, name)
		msg.Color = ColorGood
	default:
		msg.Text = fmt.Sprintf("%s: %s on %s", record.Tag, t.Phase, name)
	}
	if took := t.Took(); took != "" {
		msg.Text += " (" + took + ")"
	}
	return msg
}

// Canceled renders a canceled release.
func (r *TextRenderer) Canceled(record *rollout.Record, actor rollout.Author) ports.Message {
	return ports.Message{
		Title: headline(record),
		Text:  fmt.Sprintf(":no_entry: %s was canceled by *%s*", record.Tag, actor.Name()),
		Color: ColorDanger,
	}
}

// Ended renders a release ended by hand with its final state.
func (r *TextRenderer) Ended(record *rollout.Record, actor rollout.Author, transitions []rollout.Transition) ports.Message {
	var b strings.Builder
	fmt.Fprintf(&b, ":checkered_flag: %s was ended by *%s*", record.Tag, actor.Name())
	for _, t := range transitions {
		fmt.Fprintf(&b, "\n• %s %s", r.stage(t), t.Phase)
	}
	return ports.Message{Title: headline(record), Text: b.String(), Color: ColorGood}
}

// Abandoned renders a release that never started.
func (r *TextRenderer) Abandoned(record *rollout.Record, reason error) ports.Message {
	why := "it could not start"
	switch rerrors.GetKind(reason) {
	case rerrors.KindTimeout:
		why = "the main branch pipeline did not become ready in time"
	case rerrors.KindConflict:
		why = "it was changed while starting"
	}
	return ports.Message{
		Title: headline(record),
		Text:  fmt.Sprintf(":warning: %s was abandoned because %s", record.Tag, why),
		Color: ColorWarning,
	}
}
