package handlers

import (
	"context"
	"net/http"

	"github.com/relicta-tech/rollout/internal/domain/rollout"
	"github.com/relicta-tech/rollout/internal/domain/rollout/app"
	rerrors "github.com/relicta-tech/rollout/internal/errors"
	"github.com/relicta-tech/rollout/internal/httpserver/dto"
)

// ListReleases returns the tracked releases, optionally of one project.
func (c *Context) ListReleases(w http.ResponseWriter, r *http.Request) {
	records, err := c.Releases.List(r.Context(), r.URL.Query().Get("project"))
	if err != nil {
		c.respondFailure(w, r, err)
		return
	}
	data := dto.FromRecords(records)
	respondJSON(w, http.StatusOK, dto.ListResponse{Data: data, Total: len(data)})
}

// CreateRelease starts tracking a release.
func (c *Context) CreateRelease(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.CreateRelease"

	var req dto.CreateReleaseRequest
	if err := decode(w, r, &req); err != nil {
		c.respondFailure(w, r, err)
		return
	}
	if req.Actor == "" {
		c.respondFailure(w, r, rerrors.Validation(op, "actor is required"))
		return
	}

	record, err := c.Releases.Create(r.Context(), app.CreateInput{
		Project:     req.Project,
		Tag:         req.Tag,
		PreviousTag: req.PreviousTag,
		Actor:       req.Actor,
		Channel:     req.Channel,
	})
	if err != nil {
		c.respondFailure(w, r, err)
		return
	}
	release := dto.FromRecord(record)
	c.Feed.Publish("release.created", release)
	respondJSON(w, http.StatusCreated, release)
}

// CancelRelease cancels a release that is not monitored yet.
func (c *Context) CancelRelease(w http.ResponseWriter, r *http.Request) {
	c.command(w, r, "canceled", c.Releases.Cancel)
}

// EndRelease ends a monitored release.
func (c *Context) EndRelease(w http.ResponseWriter, r *http.Request) {
	c.command(w, r, "ended", c.Releases.End)
}

func (c *Context) command(w http.ResponseWriter, r *http.Request, status string, run func(ctx context.Context, key rollout.Key, actor string) error) {
	const op = "handlers.command"

	var cmd dto.ReleaseCommand
	if err := decode(w, r, &cmd); err != nil {
		c.respondFailure(w, r, err)
		return
	}
	if !cmd.Key().Valid() || cmd.Actor == "" {
		c.respondFailure(w, r, rerrors.Validation(op, "project, tag and actor are required"))
		return
	}

	if err := run(r.Context(), cmd.Key(), cmd.Actor); err != nil {
		c.respondFailure(w, r, err)
		return
	}
	resp := dto.CommandResponse{Project: cmd.Project, Tag: cmd.Tag, Status: status}
	c.Feed.Publish("release."+status, resp)
	respondJSON(w, http.StatusOK, resp)
}
