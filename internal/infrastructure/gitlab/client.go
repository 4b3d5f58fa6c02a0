// Package gitlab reads commits and pipelines from GitLab and manages
// releases through its REST API.
package gitlab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	gl "gitlab.com/gitlab-org/api/client-go"

	"github.com/relicta-tech/rollout/internal/domain/rollout/ports"
	rerrors "github.com/relicta-tech/rollout/internal/errors"
	"github.com/relicta-tech/rollout/internal/infrastructure/resilience"
)

const (
	defaultBaseURL = "https://gitlab.com"
	perPage        = 100
	// maxPages bounds list calls so a wrong since bound cannot walk the
	// whole history of a large project.
	maxPages = 50
)

// Config configures the GitLab client.
type Config struct {
	BaseURL string
	Token   string
	// Timeout bounds a single HTTP request. Zero means no limit.
	Timeout    time.Duration
	Resilience resilience.Config
}

// Client implements ports.CommitSource and ports.PipelineSource.
type Client struct {
	api      *gl.Client
	res      *resilience.Resilience
	branches sync.Map
	logger   *slog.Logger
}

var (
	_ ports.CommitSource   = (*Client)(nil)
	_ ports.PipelineSource = (*Client)(nil)
)

// New creates a Client.
func New(cfg Config) (*Client, error) {
	const op = "gitlab.New"
	if cfg.Token == "" {
		return nil, rerrors.Config(op, "GitLab token is required (set ROLLOUT_GITLAB_TOKEN)")
	}
	api, err := gl.NewClient(cfg.Token,
		gl.WithBaseURL(apiURL(cfg.BaseURL)),
		gl.WithCustomRetryMax(0),
		gl.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	)
	if err != nil {
		return nil, rerrors.ConfigWrap(err, op, "invalid GitLab client configuration")
	}
	if cfg.Resilience.Name == "" {
		cfg.Resilience.Name = "gitlab"
	}
	return &Client{
		api:    api,
		res:    resilience.New(cfg.Resilience),
		logger: slog.Default().With("component", "gitlab"),
	}, nil
}

// apiURL makes sure the base URL ends with /api/v4/.
func apiURL(base string) string {
	if base == "" {
		base = defaultBaseURL
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	if !strings.HasSuffix(base, "api/v4/") {
		base += "api/v4/"
	}
	return base
}

// Close releases the client's rate limiter.
func (c *Client) Close() error {
	return c.res.Close()
}

// call runs fn through the resilience wrapper and classifies its error.
func (c *Client) call(ctx context.Context, op string, fn func(opts ...gl.RequestOptionFunc) (*gl.Response, error)) error {
	return c.res.Do(ctx, func(ctx context.Context) error {
		resp, err := fn(gl.WithContext(ctx))
		return classify(op, resp, err)
	})
}

func classify(op string, resp *gl.Response, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	status := 0
	if resp != nil && resp.Response != nil {
		status = resp.StatusCode
	}
	switch {
	case status == http.StatusNotFound:
		return rerrors.WrapSafe(err, rerrors.KindNotFound, op, "not found")
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return rerrors.WrapSafe(err, rerrors.KindConfig, op, "access denied, check the GitLab token scopes")
	case status == 0 || resilience.IsRetryableStatus(status):
		e := rerrors.WrapSafe(err, rerrors.KindNetwork, op, "request failed")
		e.Recoverable = true
		return e
	default:
		return rerrors.WrapSafe(err, rerrors.KindInternal, op, fmt.Sprintf("unexpected status %d", status))
	}
}

func nextPage(resp *gl.Response, page int) int {
	if resp == nil || resp.NextPage == 0 || page >= maxPages {
		return 0
	}
	return resp.NextPage
}

func toCommit(c *gl.Commit) ports.Commit {
	out := ports.Commit{ID: c.ID, Title: c.Title, Message: c.Message}
	switch {
	case c.CreatedAt != nil:
		out.CreatedAt = *c.CreatedAt
	case c.CommittedDate != nil:
		out.CreatedAt = *c.CommittedDate
	}
	return out
}

// ListCommits lists commits of the default branch created after since.
func (c *Client) ListCommits(ctx context.Context, project string, since *time.Time) ([]ports.Commit, error) {
	opt := &gl.ListCommitsOptions{Since: since}
	opt.PerPage = perPage

	var out []ports.Commit
	for page := 1; page != 0; {
		opt.Page = page
		var commits []*gl.Commit
		var resp *gl.Response
		err := c.call(ctx, "gitlab.ListCommits", func(o ...gl.RequestOptionFunc) (*gl.Response, error) {
			var err error
			commits, resp, err = c.api.Commits.ListCommits(project, opt, o...)
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, commit := range commits {
			out = append(out, toCommit(commit))
		}
		page = nextPage(resp, page)
	}
	return out, nil
}

// GetCommit returns a single commit.
func (c *Client) GetCommit(ctx context.Context, project, sha string) (ports.Commit, error) {
	var commit *gl.Commit
	err := c.call(ctx, "gitlab.GetCommit", func(o ...gl.RequestOptionFunc) (*gl.Response, error) {
		var (
			resp *gl.Response
			err  error
		)
		commit, resp, err = c.api.Commits.GetCommit(project, sha, nil, o...)
		return resp, err
	})
	if err != nil {
		return ports.Commit{}, err
	}
	return toCommit(commit), nil
}

// GetMergeRequest returns a merge request.
func (c *Client) GetMergeRequest(ctx context.Context, project string, iid int) (ports.MergeRequest, error) {
	var mr *gl.MergeRequest
	err := c.call(ctx, "gitlab.GetMergeRequest", func(o ...gl.RequestOptionFunc) (*gl.Response, error) {
		var (
			resp *gl.Response
			err  error
		)
		mr, resp, err = c.api.MergeRequests.GetMergeRequest(project, iid, nil, o...)
		return resp, err
	})
	if err != nil {
		return ports.MergeRequest{}, err
	}
	return ports.MergeRequest{
		IID:             mr.IID,
		WebURL:          mr.WebURL,
		Squash:          mr.Squash,
		SquashCommitSHA: mr.SquashCommitSHA,
	}, nil
}

// ListMergeRequestCommits lists the commits of a merge request.
func (c *Client) ListMergeRequestCommits(ctx context.Context, project string, iid int) ([]ports.Commit, error) {
	opt := &gl.GetMergeRequestCommitsOptions{}
	opt.PerPage = perPage

	var out []ports.Commit
	for page := 1; page != 0; {
		opt.Page = page
		var commits []*gl.Commit
		var resp *gl.Response
		err := c.call(ctx, "gitlab.ListMergeRequestCommits", func(o ...gl.RequestOptionFunc) (*gl.Response, error) {
			var err error
			commits, resp, err = c.api.MergeRequests.GetMergeRequestCommits(project, iid, opt, o...)
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, commit := range commits {
			out = append(out, toCommit(commit))
		}
		page = nextPage(resp, page)
	}
	return out, nil
}

// GetTag returns a tag and the creation time of its commit.
func (c *Client) GetTag(ctx context.Context, project, name string) (ports.Tag, error) {
	const op = "gitlab.GetTag"
	var tag *gl.Tag
	err := c.call(ctx, op, func(o ...gl.RequestOptionFunc) (*gl.Response, error) {
		var (
			resp *gl.Response
			err  error
		)
		tag, resp, err = c.api.Tags.GetTag(project, name, o...)
		return resp, err
	})
	if err != nil {
		return ports.Tag{}, err
	}
	if tag.Commit == nil {
		return ports.Tag{}, rerrors.UpstreamContract(op, fmt.Sprintf("tag %s has no commit", name))
	}
	commit := toCommit(tag.Commit)
	return ports.Tag{Name: tag.Name, CommitID: commit.ID, CommitCreatedAt: commit.CreatedAt}, nil
}

// ListTags returns tag names, newest first.
func (c *Client) ListTags(ctx context.Context, project string) ([]string, error) {
	opt := &gl.ListTagsOptions{}
	opt.PerPage = perPage

	var out []string
	for page := 1; page != 0; {
		opt.Page = page
		var tags []*gl.Tag
		var resp *gl.Response
		err := c.call(ctx, "gitlab.ListTags", func(o ...gl.RequestOptionFunc) (*gl.Response, error) {
			var err error
			tags, resp, err = c.api.Tags.ListTags(project, opt, o...)
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, t := range tags {
			out = append(out, t.Name)
		}
		page = nextPage(resp, page)
	}
	return out, nil
}

// DefaultBranch returns the project's default branch. Results are cached
// for the life of the client.
func (c *Client) DefaultBranch(ctx context.Context, project string) (string, error) {
	if v, ok := c.branches.Load(project); ok {
		return v.(string), nil
	}
	var p *gl.Project
	err := c.call(ctx, "gitlab.DefaultBranch", func(o ...gl.RequestOptionFunc) (*gl.Response, error) {
		var (
			resp *gl.Response
			err  error
		)
		p, resp, err = c.api.Projects.GetProject(project, nil, o...)
		return resp, err
	})
	if err != nil {
		return "", err
	}
	c.branches.Store(project, p.DefaultBranch)
	return p.DefaultBranch, nil
}

func toPipeline(p *gl.Pipeline) ports.Pipeline {
	return ports.Pipeline{ID: p.ID, SHA: p.SHA, Ref: p.Ref, Status: p.Status, WebURL: p.WebURL}
}

func fromInfo(p *gl.PipelineInfo, project string) ports.Pipeline {
	return ports.Pipeline{ID: p.ID, Project: project, SHA: p.SHA, Ref: p.Ref, Status: p.Status, WebURL: p.WebURL}
}

// GetMainBranchPipeline returns the latest pipeline of the default branch.
func (c *Client) GetMainBranchPipeline(ctx context.Context, project string) (ports.Pipeline, error) {
	branch, err := c.DefaultBranch(ctx, project)
	if err != nil {
		return ports.Pipeline{}, err
	}
	var p *gl.Pipeline
	err = c.call(ctx, "gitlab.GetMainBranchPipeline", func(o ...gl.RequestOptionFunc) (*gl.Response, error) {
		var (
			resp *gl.Response
			err  error
		)
		p, resp, err = c.api.Pipelines.GetLatestPipeline(project, &gl.GetLatestPipelineOptions{Ref: gl.Ptr(branch)}, o...)
		return resp, err
	})
	if err != nil {
		return ports.Pipeline{}, err
	}
	return toPipeline(p), nil
}

// ListPipelineJobs lists the jobs of a pipeline, retried runs included.
func (c *Client) ListPipelineJobs(ctx context.Context, project string, pipelineID int) ([]ports.Job, error) {
	opt := &gl.ListJobsOptions{IncludeRetried: gl.Ptr(true)}
	opt.PerPage = perPage

	var out []ports.Job
	for page := 1; page != 0; {
		opt.Page = page
		var jobs []*gl.Job
		var resp *gl.Response
		err := c.call(ctx, "gitlab.ListPipelineJobs", func(o ...gl.RequestOptionFunc) (*gl.Response, error) {
			var err error
			jobs, resp, err = c.api.Jobs.ListPipelineJobs(project, pipelineID, opt, o...)
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, j := range jobs {
			out = append(out, ports.Job{ID: j.ID, Name: j.Name, Stage: j.Stage, Status: j.Status})
		}
		page = nextPage(resp, page)
	}
	return out, nil
}

// ListPipelineBridges lists the trigger jobs of a pipeline.
func (c *Client) ListPipelineBridges(ctx context.Context, project string, pipelineID int) ([]ports.Bridge, error) {
	opt := &gl.ListJobsOptions{}
	opt.PerPage = perPage

	var out []ports.Bridge
	for page := 1; page != 0; {
		opt.Page = page
		var bridges []*gl.Bridge
		var resp *gl.Response
		err := c.call(ctx, "gitlab.ListPipelineBridges", func(o ...gl.RequestOptionFunc) (*gl.Response, error) {
			var err error
			bridges, resp, err = c.api.Jobs.ListPipelineBridges(project, pipelineID, opt, o...)
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, b := range bridges {
			bridge := ports.Bridge{ID: b.ID, Name: b.Name}
			if d := b.DownstreamPipeline; d != nil {
				downstream := fromInfo(d, strconv.Itoa(d.ProjectID))
				bridge.Downstream = &downstream
			}
			out = append(out, bridge)
		}
		page = nextPage(resp, page)
	}
	return out, nil
}

// ListPipelinesForRef lists the pipelines of a branch or tag, newest first.
func (c *Client) ListPipelinesForRef(ctx context.Context, project, ref string) ([]ports.Pipeline, error) {
	opt := &gl.ListProjectPipelinesOptions{Ref: gl.Ptr(ref)}
	opt.PerPage = perPage

	var pipelines []*gl.PipelineInfo
	err := c.call(ctx, "gitlab.ListPipelinesForRef", func(o ...gl.RequestOptionFunc) (*gl.Response, error) {
		var (
			resp *gl.Response
			err  error
		)
		pipelines, resp, err = c.api.Pipelines.ListProjectPipelines(project, opt, o...)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	out := make([]ports.Pipeline, 0, len(pipelines))
	for _, p := range pipelines {
		out = append(out, fromInfo(p, ""))
	}
	return out, nil
}

// CancelPipeline cancels a pipeline.
func (c *Client) CancelPipeline(ctx context.Context, project string, pipelineID int) error {
	return c.call(ctx, "gitlab.CancelPipeline", func(o ...gl.RequestOptionFunc) (*gl.Response, error) {
		_, resp, err := c.api.Pipelines.CancelPipelineBuild(project, pipelineID, o...)
		return resp, err
	})
}

// CreateRelease creates tag at commitID together with its release.
func (c *Client) CreateRelease(ctx context.Context, project, tag, commitID, description string) (ports.Release, error) {
	opt := &gl.CreateReleaseOptions{
		Name:        gl.Ptr(tag),
		TagName:     gl.Ptr(tag),
		Ref:         gl.Ptr(commitID),
		Description: gl.Ptr(description),
	}
	var rel *gl.Release
	err := c.call(ctx, "gitlab.CreateRelease", func(o ...gl.RequestOptionFunc) (*gl.Response, error) {
		var (
			resp *gl.Response
			err  error
		)
		rel, resp, err = c.api.Releases.CreateRelease(project, opt, o...)
		return resp, err
	})
	if err != nil {
		return ports.Release{}, err
	}
	c.logger.Info("release created", "project", project, "tag", tag, "commit", commitID)
	return ports.Release{Tag: rel.TagName, Name: rel.Name, WebURL: rel.Links.Self}, nil
}

// RenameRelease changes the display name of a release.
func (c *Client) RenameRelease(ctx context.Context, project, tag, name string) error {
	return c.call(ctx, "gitlab.RenameRelease", func(o ...gl.RequestOptionFunc) (*gl.Response, error) {
		_, resp, err := c.api.Releases.UpdateRelease(project, tag, &gl.UpdateReleaseOptions{Name: gl.Ptr(name)}, o...)
		return resp, err
	})
}
