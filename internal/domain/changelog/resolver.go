package changelog

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/relicta-tech/rollout/internal/domain/rollout/ports"
	rerrors "github.com/relicta-tech/rollout/internal/errors"
)

// DefaultMaxDepth bounds nested merge request resolution.
const DefaultMaxDepth = 32

var (
	mergeTitlePattern = regexp.MustCompile(`(?i)^merge branch '[^']+' into '([^']+)'`)
	mergeRefPattern   = regexp.MustCompile(`(?i)see merge request\s+(\S+)`)
	mergeIIDPattern   = regexp.MustCompile(`!(\d+)\b`)
)

// Resolver turns the commits of a project into changelog entries.
type Resolver struct {
	source   ports.CommitSource
	link     TicketLinker
	maxDepth int
	logger   *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTicketLinker sets how ticket links are built.
func WithTicketLinker(link TicketLinker) Option {
	return func(r *Resolver) { r.link = link }
}

// WithMaxDepth bounds nested merge resolution.
func WithMaxDepth(depth int) Option {
	return func(r *Resolver) { r.maxDepth = depth }
}

// NewResolver creates a resolver reading from source.
func NewResolver(source ports.CommitSource, opts ...Option) *Resolver {
	r := &Resolver{
		source:   source,
		link:     TemplateLinker(""),
		maxDepth: DefaultMaxDepth,
		logger:   slog.Default().With("component", "changelog"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Filter decides whether a commit belongs in the changelog.
type Filter func(ports.Commit) bool

// Generate renders the changes shipped since previousTag, or since the
// beginning of history when previousTag is empty.
func (r *Resolver) Generate(ctx context.Context, project, previousTag string, filter Filter) (string, error) {
	entries, err := r.Resolve(ctx, project, previousTag, filter)
	if err != nil {
		return "", err
	}
	return Render(entries, r.link), nil
}

// Resolve lists the changes shipped since previousTag.
//
// Merge commits into the default branch that reference a merge request are
// resolved to the merge request's changes and deduplicated by title. When
// the project has no such merge commits every commit is its own entry.
func (r *Resolver) Resolve(ctx context.Context, project, previousTag string, filter Filter) ([]Entry, error) {
	const op = "changelog.Resolve"

	var since *time.Time
	if previousTag != "" {
		tag, err := r.source.GetTag(ctx, project, previousTag)
		if err != nil {
			return nil, rerrors.NotFoundWrap(err, op, fmt.Sprintf("previous tag %q", previousTag))
		}
		t := tag.CommitCreatedAt.Add(time.Second)
		since = &t
	}

	commits, err := r.source.ListCommits(ctx, project, since)
	if err != nil {
		return nil, err
	}
	branch, err := r.source.DefaultBranch(ctx, project)
	if err != nil {
		return nil, err
	}

	var merges []ports.Commit
	for _, c := range commits {
		if isMergeInto(c, branch) {
			merges = append(merges, c)
		}
	}

	if len(merges) == 0 {
		r.logger.Debug("no merge commits, listing raw commits", "project", project, "commits", len(commits))
		entries := make([]Entry, 0, len(commits))
		for _, c := range commits {
			if filter != nil && !filter(c) {
				continue
			}
			entries = append(entries, newEntry(c, 0, ""))
		}
		return entries, nil
	}

	var entries []Entry
	for _, m := range merges {
		resolved, err := r.resolveMerge(ctx, project, m, nil)
		if err != nil {
			return nil, err
		}
		for _, e := range resolved {
			if filter != nil && !filter(e.commit) {
				continue
			}
			entries = append(entries, e.Entry)
		}
	}
	deduped := Dedupe(entries)
	r.logger.Debug("resolved changelog", "project", project, "merges", len(merges), "entries", len(entries), "unique", len(deduped))
	return deduped, nil
}

// resolved keeps the source commit next to its entry for filtering.
type resolved struct {
	Entry
	commit ports.Commit
}

// resolveMerge resolves a merge commit to the changes of its merge request.
// chain holds the merge requests being resolved above this one.
func (r *Resolver) resolveMerge(ctx context.Context, project string, merge ports.Commit, chain []int) ([]resolved, error) {
	const op = "changelog.resolveMerge"

	iid, err := mergeRequestIID(merge)
	if err != nil {
		return nil, err
	}
	for _, seen := range chain {
		if seen == iid {
			return nil, rerrors.UpstreamContract(op, fmt.Sprintf("merge request !%d resolves back to itself via %v", iid, chain))
		}
	}
	if len(chain) >= r.maxDepth {
		return nil, rerrors.UpstreamContract(op, fmt.Sprintf("merge requests nested deeper than %d at !%d", r.maxDepth, iid))
	}
	chain = append(chain[:len(chain):len(chain)], iid)

	mr, err := r.source.GetMergeRequest(ctx, project, iid)
	if err != nil {
		return nil, err
	}

	if mr.Squash {
		if mr.SquashCommitSHA == "" {
			return nil, rerrors.UpstreamContract(op, fmt.Sprintf("squashed merge request !%d has no squash commit", iid)).
				WithDetail("project", project)
		}
		c, err := r.source.GetCommit(ctx, project, mr.SquashCommitSHA)
		if err != nil {
			return nil, err
		}
		return []resolved{{Entry: newEntry(c, iid, mr.WebURL), commit: c}}, nil
	}

	commits, err := r.source.ListMergeRequestCommits(ctx, project, iid)
	if err != nil {
		return nil, err
	}
	var out []resolved
	for _, c := range commits {
		if isNestedMerge(c) {
			nested, err := r.resolveMerge(ctx, project, c, chain)
			if err != nil {
				return nil, err
			}
			out = append(out, nested...)
			continue
		}
		out = append(out, resolved{Entry: newEntry(c, iid, mr.WebURL), commit: c})
	}
	return out, nil
}

// isMergeInto reports whether c merged a merge request into branch.
func isMergeInto(c ports.Commit, branch string) bool {
	m := mergeTitlePattern.FindStringSubmatch(title(c))
	return m != nil && strings.EqualFold(m[1], branch) && mergeRefPattern.MatchString(c.Message)
}

// isNestedMerge reports whether a merge request commit is itself a merge of
// another merge request, whatever branch it targeted.
func isNestedMerge(c ports.Commit) bool {
	return mergeTitlePattern.MatchString(title(c)) && mergeRefPattern.MatchString(c.Message)
}

func mergeRequestIID(c ports.Commit) (int, error) {
	const op = "changelog.mergeRequestIID"
	ref := mergeRefPattern.FindStringSubmatch(c.Message)
	if ref == nil {
		return 0, rerrors.UpstreamContract(op, fmt.Sprintf("commit %s has no merge request reference", c.ID))
	}
	m := mergeIIDPattern.FindStringSubmatch(ref[1])
	if m == nil {
		return 0, rerrors.UpstreamContract(op, fmt.Sprintf("cannot parse merge request from %q in commit %s", ref[1], c.ID))
	}
	iid, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, rerrors.Wrap(err, rerrors.KindUpstream, op, "invalid merge request number")
	}
	return iid, nil
}

func title(c ports.Commit) string {
	if c.Title != "" {
		return c.Title
	}
	first, _, _ := strings.Cut(c.Message, "\n")
	return strings.TrimSpace(first)
}

func newEntry(c ports.Commit, iid int, url string) Entry {
	raw := title(c)
	ticket := ExtractTicket(c.Message)
	if ticket == "" {
		ticket = ExtractTicket(raw)
	}
	return Entry{
		Title:                 stripTicket(raw, ticket),
		TicketID:              ticket,
		MergeRequestURL:       url,
		MergeRequestIID:       iid,
		SourceCommitID:        c.ID,
		SourceCommitCreatedAt: c.CreatedAt,
		key:                   raw,
	}
}
