// Package changelog resolves the commits shipped by a release into a
// deduplicated list of changes linked to their tickets and merge requests.
package changelog

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Entry is one shipped change.
type Entry struct {
	Title           string
	TicketID        string
	MergeRequestURL string
	MergeRequestIID int
	SourceCommitID  string
	// SourceCommitCreatedAt decides which duplicate survives.
	SourceCommitCreatedAt time.Time
	// key is the raw commit title entries are deduplicated on.
	key string
}

var ticketPattern = regexp.MustCompile(`\b[A-Za-z]+-\d+\b`)

// ExtractTicket returns the first ticket reference in message, upper-cased,
// or "" when there is none.
func ExtractTicket(message string) string {
	return strings.ToUpper(ticketPattern.FindString(message))
}

// stripTicket removes ticket from title and tidies the remaining text.
func stripTicket(title, ticket string) string {
	if ticket == "" {
		return strings.TrimSpace(title)
	}
	loc := regexp.MustCompile(`(?i)[\[(]?\b` + regexp.QuoteMeta(ticket) + `\b[\])]?:?`).FindStringIndex(title)
	if loc == nil {
		return strings.TrimSpace(title)
	}
	out := title[:loc[0]] + title[loc[1]:]
	out = strings.Join(strings.Fields(out), " ")
	return strings.TrimRight(strings.TrimSpace(out), " -:")
}

// TicketLinker builds the URL of a ticket.
type TicketLinker func(ticket string) string

// TemplateLinker substitutes {ticket} in template. An empty template yields
// links without a target.
func TemplateLinker(template string) TicketLinker {
	return func(ticket string) string {
		if template == "" {
			return ticket
		}
		return strings.ReplaceAll(template, "{ticket}", ticket)
	}
}

// Render formats entries one per line in the given order.
func Render(entries []Entry, link TicketLinker) string {
	if link == nil {
		link = TemplateLinker("")
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		var b strings.Builder
		b.WriteString("- ")
		b.WriteString(e.Title)
		if e.TicketID != "" {
			fmt.Fprintf(&b, " - [%s](%s)", e.TicketID, link(e.TicketID))
		}
		if e.MergeRequestURL != "" {
			fmt.Fprintf(&b, " - [!%d](%s)", e.MergeRequestIID, e.MergeRequestURL)
		}
		lines = append(lines, b.String())
	}
	return strings.Join(lines, "\n")
}

// Dedupe collapses entries sharing a commit title into the one created
// earliest. The survivor takes the position of the first occurrence.
func Dedupe(entries []Entry) []Entry {
	pos := make(map[string]int, len(entries))
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		i, seen := pos[e.key]
		if !seen {
			pos[e.key] = len(out)
			out = append(out, e)
			continue
		}
		if e.SourceCommitCreatedAt.Before(out[i].SourceCommitCreatedAt) {
			out[i] = e
		}
	}
	return out
}
