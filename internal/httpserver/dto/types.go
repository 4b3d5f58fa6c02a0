// Package dto provides data transfer objects for the release API.
package dto

import (
	"slices"
	"strings"
	"time"

	"github.com/relicta-tech/rollout/internal/domain/rollout"
)

// ErrorResponse is an API error response.
type ErrorResponse struct {
	Error string `json:"error" yaml:"error"`
	Code  string `json:"code,omitempty" yaml:"code,omitempty"`
}

// CreateReleaseRequest asks for a release to be tracked.
type CreateReleaseRequest struct {
	Project     string `json:"project" yaml:"project"`
	Tag         string `json:"tag" yaml:"tag"`
	PreviousTag string `json:"previous_tag,omitempty" yaml:"previous_tag,omitempty"`
	Actor       string `json:"actor" yaml:"actor"`
	Channel     string `json:"channel,omitempty" yaml:"channel,omitempty"`
}

// ReleaseCommand targets a tracked release on behalf of an actor.
type ReleaseCommand struct {
	Project string `json:"project" yaml:"project"`
	Tag     string `json:"tag" yaml:"tag"`
	Actor   string `json:"actor" yaml:"actor"`
}

// Key returns the release key the command targets.
func (c ReleaseCommand) Key() rollout.Key {
	return rollout.Key{Project: c.Project, Tag: c.Tag}
}

// CommandResponse acknowledges a cancel or end command.
type CommandResponse struct {
	Project string `json:"project" yaml:"project"`
	Tag     string `json:"tag" yaml:"tag"`
	Status  string `json:"status" yaml:"status"`
}

// AuthorDTO is the API representation of a release author.
type AuthorDTO struct {
	ID          string `json:"id" yaml:"id"`
	Username    string `json:"username" yaml:"username"`
	DisplayName string `json:"display_name,omitempty" yaml:"display_name,omitempty"`
}

// EnvironmentDTO reports when a deployment outcome was observed.
type EnvironmentDTO struct {
	Environment string    `json:"environment" yaml:"environment"`
	At          time.Time `json:"at" yaml:"at"`
}

// ReleaseDTO is the API representation of a tracked release.
type ReleaseDTO struct {
	Project       string           `json:"project" yaml:"project"`
	Tag           string           `json:"tag" yaml:"tag"`
	State         string           `json:"state" yaml:"state"`
	Author        AuthorDTO        `json:"author" yaml:"author"`
	Description   string           `json:"description" yaml:"description"`
	Channel       string           `json:"channel,omitempty" yaml:"channel,omitempty"`
	CreatedAt     time.Time        `json:"created_at" yaml:"created_at"`
	TagPipelineID int              `json:"tag_pipeline_id,omitempty" yaml:"tag_pipeline_id,omitempty"`
	Started       []EnvironmentDTO `json:"started" yaml:"started"`
	Failed        []EnvironmentDTO `json:"failed" yaml:"failed"`
	Succeeded     []EnvironmentDTO `json:"succeeded" yaml:"succeeded"`
}

// ListResponse wraps a list of releases.
type ListResponse struct {
	Data  []ReleaseDTO `json:"data" yaml:"data"`
	Total int          `json:"total" yaml:"total"`
}

// FromRecord converts a record for the API.
func FromRecord(r *rollout.Record) ReleaseDTO {
	return ReleaseDTO{
		Project: r.Project,
		Tag:     r.Tag,
		State:   r.State.String(),
		Author: AuthorDTO{
			ID:          r.Author.ID,
			Username:    r.Author.Username,
			DisplayName: r.Author.DisplayName,
		},
		Description:   r.Description,
		Channel:       r.Channel,
		CreatedAt:     r.CreatedAt,
		TagPipelineID: r.TagPipelineID,
		Started:       environments(r.History.Started),
		Failed:        environments(r.History.Failed),
		Succeeded:     environments(r.History.Succeeded),
	}
}

// FromRecords converts records for the API, keeping their order.
func FromRecords(records []*rollout.Record) []ReleaseDTO {
	out := make([]ReleaseDTO, 0, len(records))
	for _, r := range records {
		out = append(out, FromRecord(r))
	}
	return out
}

// environments lists a history collection ordered by time, then name.
func environments(m map[string]time.Time) []EnvironmentDTO {
	out := make([]EnvironmentDTO, 0, len(m))
	for env, at := range m {
		out = append(out, EnvironmentDTO{Environment: env, At: at})
	}
	sortEnvironments(out)
	return out
}

func sortEnvironments(envs []EnvironmentDTO) {
	slices.SortFunc(envs, func(a, b EnvironmentDTO) int {
		if c := a.At.Compare(b.At); c != 0 {
			return c
		}
		return strings.Compare(a.Environment, b.Environment)
	})
}
