package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relicta-tech/rollout/internal/domain/changelog"
	"github.com/relicta-tech/rollout/internal/domain/rollout"
	"github.com/relicta-tech/rollout/internal/domain/rollout/policy"
	"github.com/relicta-tech/rollout/internal/domain/rollout/ports"
	rerrors "github.com/relicta-tech/rollout/internal/errors"
)

// memStore is an in-memory Store. afterGet runs after every successful Get
// and lets tests race a concurrent writer.
type memStore struct {
	mu       sync.Mutex
	records  map[rollout.Key]*rollout.Record
	gets     int
	puts     []rollout.State
	afterGet func(n int)
}

func newMemStore(records ...*rollout.Record) *memStore {
	s := &memStore{records: map[rollout.Key]*rollout.Record{}}
	for _, r := range records {
		s.records[r.Key()] = r.Clone()
	}
	return s
}

func (s *memStore) Get(_ context.Context, key rollout.Key) (*rollout.Record, error) {
	s.mu.Lock()
	r, ok := s.records[key]
	s.gets++
	n := s.gets
	hook := s.afterGet
	s.mu.Unlock()
	if !ok {
		return nil, rollout.ErrReleaseNotFound
	}
	if hook != nil {
		hook(n)
	}
	return r.Clone(), nil
}

func (s *memStore) Put(_ context.Context, r *rollout.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.Key()] = r.Clone()
	s.puts = append(s.puts, r.State)
	return nil
}

func (s *memStore) Delete(_ context.Context, key rollout.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

func (s *memStore) List(_ context.Context, filter func(*rollout.Record) bool) ([]*rollout.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*rollout.Record
	for _, r := range s.records {
		if filter == nil || filter(r) {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (s *memStore) set(key rollout.Key, mutate func(*rollout.Record)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(s.records[key])
}

func (s *memStore) has(key rollout.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[key]
	return ok
}

func (s *memStore) peek(key rollout.Key) *rollout.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[key].Clone()
}

// stubPolicy answers readiness from a list of results, repeating the last.
type stubPolicy struct {
	mu      sync.Mutex
	kind    policy.Kind
	results []bool
	checks  int
	onReady func()
	tracked bool
}

func (p *stubPolicy) Kind() policy.Kind { return p.kind }
func (p *stubPolicy) Tracked() bool     { return p.tracked }

func (p *stubPolicy) IsReadyToRelease(context.Context, *rollout.Record, int) (bool, error) {
	p.mu.Lock()
	i := p.checks
	p.checks++
	p.mu.Unlock()
	if len(p.results) == 0 {
		return false, nil
	}
	if i >= len(p.results) {
		i = len(p.results) - 1
	}
	ready := p.results[i]
	if ready && p.onReady != nil {
		p.onReady()
	}
	return ready, nil
}

func (p *stubPolicy) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checks
}

func (p *stubPolicy) DeriveTransitions(rollout.History, *rollout.DeploymentEvent) ([]rollout.Transition, error) {
	return nil, nil
}

func (p *stubPolicy) FilterChangelog(ports.Commit, string) bool { return true }

func (p *stubPolicy) FilterStaleReleases(release *rollout.Record, candidates []*rollout.Record) []*rollout.Record {
	var out []*rollout.Record
	for _, c := range candidates {
		if c.Tag != release.Tag {
			out = append(out, c)
		}
	}
	return out
}

type policyMap map[string]policy.Policy

func (m policyMap) Lookup(project string) (policy.Policy, error) {
	p, ok := m[project]
	if !ok {
		return nil, rerrors.Config("test.Lookup", "no policy for "+project)
	}
	return p, nil
}

// fakePipelines records release side effects.
type fakePipelines struct {
	mu        sync.Mutex
	main      ports.Pipeline
	tagPipes  []ports.Pipeline
	created   []string
	renamed   []string
	canceled  []int
	renameErr error
	cancelErr error
	createErr error
}

func (f *fakePipelines) GetMainBranchPipeline(context.Context, string) (ports.Pipeline, error) {
	return f.main, nil
}

func (f *fakePipelines) ListPipelineJobs(context.Context, string, int) ([]ports.Job, error) {
	return nil, nil
}

func (f *fakePipelines) ListPipelineBridges(context.Context, string, int) ([]ports.Bridge, error) {
	return nil, nil
}

func (f *fakePipelines) ListPipelinesForRef(context.Context, string, string) ([]ports.Pipeline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tagPipes, nil
}

func (f *fakePipelines) CancelPipeline(_ context.Context, _ string, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, id)
	return f.cancelErr
}

func (f *fakePipelines) CreateRelease(_ context.Context, _ string, tag, sha, _ string) (ports.Release, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return ports.Release{}, f.createErr
	}
	f.created = append(f.created, tag+"@"+sha)
	return ports.Release{Tag: tag}, nil
}

func (f *fakePipelines) RenameRelease(_ context.Context, _ string, _ string, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renamed = append(f.renamed, name)
	return f.renameErr
}

// fakeNotifier records deliveries.
type fakeNotifier struct {
	mu        sync.Mutex
	announced map[string][]string
	updated   []string
	whispers  []string
	failOn    string
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{announced: map[string][]string{}}
}

func (n *fakeNotifier) Announce(_ context.Context, channel string, msg ports.Message) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if channel == n.failOn {
		return "", errors.New("channel unavailable")
	}
	n.announced[channel] = append(n.announced[channel], msg.Text)
	return fmt.Sprintf("%s:%d", channel, len(n.announced[channel])), nil
}

func (n *fakeNotifier) Update(_ context.Context, ref string, msg ports.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updated = append(n.updated, ref+" "+msg.Text)
	return nil
}

func (n *fakeNotifier) Whisper(_ context.Context, channel string, user rollout.Author, msg ports.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.whispers = append(n.whispers, channel+" "+user.Username+" "+msg.Text)
	return nil
}

func (n *fakeNotifier) messages(channel string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.announced[channel]...)
}

// textRenderer renders compact test strings.
type textRenderer struct{}

func (textRenderer) Release(r *rollout.Record) ports.Message {
	return ports.Message{Text: "release " + r.Tag}
}

func (textRenderer) Transition(_ *rollout.Record, t rollout.Transition) ports.Message {
	return ports.Message{Text: string(t.Phase) + "(" + t.Name() + ")"}
}

func (textRenderer) Canceled(r *rollout.Record, actor rollout.Author) ports.Message {
	return ports.Message{Text: "canceled " + r.Tag + " by " + actor.Username}
}

func (textRenderer) Ended(r *rollout.Record, actor rollout.Author, ts []rollout.Transition) ports.Message {
	return ports.Message{Text: fmt.Sprintf("ended %s by %s with %d", r.Tag, actor.Username, len(ts))}
}

func (textRenderer) Abandoned(r *rollout.Record, reason error) ports.Message {
	return ports.Message{Text: "abandoned " + r.Tag + ": " + rerrors.GetKind(reason).String()}
}

type fakeIdentity struct{}

func (fakeIdentity) Resolve(_ context.Context, actor string) (rollout.Author, error) {
	if actor == "" {
		return rollout.Author{}, errors.New("unknown user")
	}
	return rollout.Author{ID: "U-" + actor, Username: actor, DisplayName: actor + " (display)"}, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type fakeChangelog struct {
	previous string
	text     string
	err      error
}

func (f *fakeChangelog) Generate(_ context.Context, _ string, previous string, _ changelog.Filter) (string, error) {
	f.previous = previous
	return f.text, f.err
}

// fakeCommits serves tags for previous tag discovery.
type fakeCommits struct {
	ports.CommitSource
	tags []string
}

func (f fakeCommits) ListTags(context.Context, string) ([]string, error) {
	return f.tags, nil
}
