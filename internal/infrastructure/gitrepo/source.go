// Package gitrepo serves commits, tags and merge requests from a local
// clone so changelogs can be generated without API access.
package gitrepo

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"github.com/relicta-tech/rollout/internal/domain/rollout/ports"
	rerrors "github.com/relicta-tech/rollout/internal/errors"
)

// maxMergeWalk bounds the commits collected for one merge request.
const maxMergeWalk = 5000

var mergeRequestRef = regexp.MustCompile(`(?i)see merge request\s+\S*!(\d+)\b`)

// Source implements ports.CommitSource over a local repository. Merge
// requests are reconstructed from the merge commits GitLab writes.
type Source struct {
	repo   *git.Repository
	branch string

	mu     sync.Mutex
	merges map[int]plumbing.Hash
}

var _ ports.CommitSource = (*Source)(nil)

// Open opens the repository at path. An empty branch means the branch HEAD
// points to.
func Open(path, branch string) (*Source, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, rerrors.ConfigWrap(err, "gitrepo.Open", fmt.Sprintf("failed to open repository %s", path))
	}
	return New(repo, branch), nil
}

// New wraps an open repository.
func New(repo *git.Repository, branch string) *Source {
	return &Source{repo: repo, branch: branch}
}

func toCommit(c *object.Commit) ports.Commit {
	return ports.Commit{
		ID:        c.Hash.String(),
		Title:     title(c.Message),
		Message:   c.Message,
		CreatedAt: c.Committer.When,
	}
}

func title(message string) string {
	for i, r := range message {
		if r == '\n' {
			return message[:i]
		}
	}
	return message
}

// DefaultBranch returns the configured branch, HEAD's branch, or the first
// of main and master that exists.
func (s *Source) DefaultBranch(_ context.Context, _ string) (string, error) {
	if s.branch != "" {
		return s.branch, nil
	}
	if head, err := s.repo.Head(); err == nil && head.Name().IsBranch() {
		return head.Name().Short(), nil
	}
	for _, name := range []string{"main", "master"} {
		if _, err := s.repo.Reference(plumbing.NewBranchReferenceName(name), true); err == nil {
			return name, nil
		}
	}
	return "", rerrors.NotFound("gitrepo.DefaultBranch", "no default branch found")
}

func (s *Source) branchHead(ctx context.Context) (plumbing.Hash, error) {
	branch, err := s.DefaultBranch(ctx, "")
	if err != nil {
		return plumbing.ZeroHash, err
	}
	ref, err := s.repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return plumbing.ZeroHash, rerrors.NotFoundWrap(err, "gitrepo.branchHead", fmt.Sprintf("branch %s not found", branch))
	}
	return ref.Hash(), nil
}

// ListCommits lists commits reachable from the default branch, newest
// first, committed at or after since.
func (s *Source) ListCommits(ctx context.Context, _ string, since *time.Time) ([]ports.Commit, error) {
	const op = "gitrepo.ListCommits"
	head, err := s.branchHead(ctx)
	if err != nil {
		return nil, err
	}
	iter, err := s.repo.Log(&git.LogOptions{From: head, Order: git.LogOrderCommitterTime, Since: since})
	if err != nil {
		return nil, rerrors.InternalWrap(err, op, "failed to read log")
	}
	defer iter.Close()

	var out []ports.Commit
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		out = append(out, toCommit(c))
		return nil
	})
	if err != nil {
		return nil, rerrors.InternalWrap(err, op, "failed to iterate commits")
	}
	return out, nil
}

// GetCommit returns a commit by hash.
func (s *Source) GetCommit(_ context.Context, _ string, sha string) (ports.Commit, error) {
	c, err := s.repo.CommitObject(plumbing.NewHash(sha))
	if err != nil {
		return ports.Commit{}, rerrors.NotFoundWrap(err, "gitrepo.GetCommit", fmt.Sprintf("commit %s not found", sha))
	}
	return toCommit(c), nil
}

// mergeCommit finds the merge commit of merge request iid.
func (s *Source) mergeCommit(ctx context.Context, iid int) (*object.Commit, error) {
	const op = "gitrepo.mergeCommit"
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.merges == nil {
		head, err := s.branchHead(ctx)
		if err != nil {
			return nil, err
		}
		iter, err := s.repo.Log(&git.LogOptions{From: head})
		if err != nil {
			return nil, rerrors.InternalWrap(err, op, "failed to read log")
		}
		merges := map[int]plumbing.Hash{}
		err = iter.ForEach(func(c *object.Commit) error {
			if c.NumParents() < 2 {
				return nil
			}
			m := mergeRequestRef.FindStringSubmatch(c.Message)
			if m == nil {
				return nil
			}
			n, err := strconv.Atoi(m[1])
			if err != nil {
				return nil
			}
			if _, seen := merges[n]; !seen {
				merges[n] = c.Hash
			}
			return nil
		})
		iter.Close()
		if err != nil {
			return nil, rerrors.InternalWrap(err, op, "failed to index merge commits")
		}
		s.merges = merges
	}

	hash, ok := s.merges[iid]
	if !ok {
		return nil, rerrors.NotFound(op, fmt.Sprintf("no merge commit for !%d", iid))
	}
	c, err := s.repo.CommitObject(hash)
	if err != nil {
		return nil, rerrors.InternalWrap(err, op, "failed to load merge commit")
	}
	return c, nil
}

// GetMergeRequest returns the merge request merged by a merge commit.
// Local history cannot tell squash merges apart, so they are reported as
// regular merges.
func (s *Source) GetMergeRequest(ctx context.Context, _ string, iid int) (ports.MergeRequest, error) {
	if _, err := s.mergeCommit(ctx, iid); err != nil {
		return ports.MergeRequest{}, err
	}
	return ports.MergeRequest{IID: iid}, nil
}

// ListMergeRequestCommits lists the commits a merge commit brought in: those
// reachable from its second parent but not from the merge base.
func (s *Source) ListMergeRequestCommits(ctx context.Context, _ string, iid int) ([]ports.Commit, error) {
	const op = "gitrepo.ListMergeRequestCommits"
	merge, err := s.mergeCommit(ctx, iid)
	if err != nil {
		return nil, err
	}
	target, err := merge.Parent(0)
	if err != nil {
		return nil, rerrors.InternalWrap(err, op, "failed to load first parent")
	}
	source, err := merge.Parent(1)
	if err != nil {
		return nil, rerrors.InternalWrap(err, op, "failed to load second parent")
	}
	bases, err := target.MergeBase(source)
	if err != nil {
		return nil, rerrors.InternalWrap(err, op, "failed to compute merge base")
	}
	// Walking stops at the merge bases: the iterator never enters them.
	base := map[plumbing.Hash]bool{}
	for _, b := range bases {
		base[b.Hash] = true
	}

	var out []ports.Commit
	iter := object.NewCommitPreorderIter(source, base, nil)
	defer iter.Close()
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		out = append(out, toCommit(c))
		if len(out) >= maxMergeWalk {
			return storer.ErrStop
		}
		return nil
	})
	if err != nil {
		return nil, rerrors.InternalWrap(err, op, "failed to walk merge request commits")
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// GetTag returns a tag and the commit it points to.
func (s *Source) GetTag(_ context.Context, _ string, name string) (ports.Tag, error) {
	const op = "gitrepo.GetTag"
	ref, err := s.repo.Tag(name)
	if err != nil {
		return ports.Tag{}, rerrors.NotFoundWrap(err, op, fmt.Sprintf("tag %s not found", name))
	}
	var commit *object.Commit
	if tagObj, err := s.repo.TagObject(ref.Hash()); err == nil {
		commit, err = tagObj.Commit()
		if err != nil {
			return ports.Tag{}, rerrors.InternalWrap(err, op, "failed to resolve annotated tag")
		}
	} else {
		commit, err = s.repo.CommitObject(ref.Hash())
		if err != nil {
			return ports.Tag{}, rerrors.InternalWrap(err, op, "failed to resolve tag")
		}
	}
	return ports.Tag{Name: name, CommitID: commit.Hash.String(), CommitCreatedAt: commit.Committer.When}, nil
}

// ListTags returns all tag names.
func (s *Source) ListTags(_ context.Context, _ string) ([]string, error) {
	iter, err := s.repo.Tags()
	if err != nil {
		return nil, rerrors.InternalWrap(err, "gitrepo.ListTags", "failed to list tags")
	}
	var out []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		out = append(out, ref.Name().Short())
		return nil
	})
	if err != nil {
		return nil, rerrors.InternalWrap(err, "gitrepo.ListTags", "failed to iterate tags")
	}
	return out, nil
}
