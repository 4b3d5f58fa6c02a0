package ports

import (
	"context"
	"time"
)

// Commit is a commit as seen by the changelog resolver.
type Commit struct {
	ID        string
	Title     string
	Message   string
	CreatedAt time.Time
}

// MergeRequest is the subset of a merge request the resolver needs.
type MergeRequest struct {
	IID             int
	WebURL          string
	Squash          bool
	SquashCommitSHA string
}

// Tag is a git tag and the creation time of the commit it points to.
type Tag struct {
	Name            string
	CommitID        string
	CommitCreatedAt time.Time
}

// CommitSource reads commits, tags and merge requests of a project.
type CommitSource interface {
	// ListCommits lists commits on the default branch, newest first. A nil
	// since lists the whole history.
	ListCommits(ctx context.Context, project string, since *time.Time) ([]Commit, error)

	// GetCommit returns a single commit.
	GetCommit(ctx context.Context, project, sha string) (Commit, error)

	// GetMergeRequest returns a merge request by its project-scoped number.
	GetMergeRequest(ctx context.Context, project string, iid int) (MergeRequest, error)

	// ListMergeRequestCommits lists the commits of a merge request.
	ListMergeRequestCommits(ctx context.Context, project string, iid int) ([]Commit, error)

	// GetTag returns a tag by name.
	GetTag(ctx context.Context, project, name string) (Tag, error)

	// ListTags returns the names of all tags of the project.
	ListTags(ctx context.Context, project string) ([]string, error)

	// DefaultBranch returns the branch merge requests target.
	DefaultBranch(ctx context.Context, project string) (string, error)
}

// Pipeline is a CI pipeline.
type Pipeline struct {
	ID int
	// Project is set when the pipeline belongs to another project, as for
	// downstream pipelines.
	Project string
	SHA     string
	Ref     string
	Status  string
	WebURL  string
}

// Job is a CI job of a pipeline.
type Job struct {
	ID     int
	Name   string
	Stage  string
	Status string
}

// Bridge is a trigger job that starts a downstream pipeline.
type Bridge struct {
	ID   int
	Name string
	// Downstream is nil until the downstream pipeline exists.
	Downstream *Pipeline
}

// Release is a remote release created for a tag.
type Release struct {
	Tag    string
	Name   string
	WebURL string
}

// PipelineSource reads pipelines and manages remote releases.
type PipelineSource interface {
	// GetMainBranchPipeline returns the latest pipeline of the default branch.
	GetMainBranchPipeline(ctx context.Context, project string) (Pipeline, error)

	// ListPipelineJobs lists the jobs of a pipeline.
	ListPipelineJobs(ctx context.Context, project string, pipelineID int) ([]Job, error)

	// ListPipelineBridges lists the trigger jobs of a pipeline.
	ListPipelineBridges(ctx context.Context, project string, pipelineID int) ([]Bridge, error)

	// ListPipelinesForRef lists pipelines running for a branch or tag.
	ListPipelinesForRef(ctx context.Context, project, ref string) ([]Pipeline, error)

	// CancelPipeline cancels a running pipeline.
	CancelPipeline(ctx context.Context, project string, pipelineID int) error

	// CreateRelease creates the tag at commitID and a release describing it.
	CreateRelease(ctx context.Context, project, tag, commitID, description string) (Release, error)

	// RenameRelease changes the display name of an existing release.
	RenameRelease(ctx context.Context, project, tag, name string) error
}
