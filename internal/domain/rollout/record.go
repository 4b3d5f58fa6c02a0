package rollout

import (
	"time"
)

// Key identifies a release. A project tracks at most one release per tag.
type Key struct {
	Project string `json:"project"`
	Tag     string `json:"tag"`
}

// String renders the key as project@tag.
func (k Key) String() string {
	return k.Project + "@" + k.Tag
}

// Valid reports whether both key parts are set.
func (k Key) Valid() bool {
	return k.Project != "" && k.Tag != ""
}

// Author is the chat identity that requested a release.
type Author struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Name returns the display name, falling back to the username.
func (a Author) Name() string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.Username
}

// Record is a release in flight. It is the aggregate persisted by the store.
type Record struct {
	Project     string    `json:"project"`
	Tag         string    `json:"tag"`
	State       State     `json:"state"`
	Description string    `json:"description"`
	Author      Author    `json:"author"`
	Channel     string    `json:"channel,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	MessageRef  string    `json:"message_ref,omitempty"`
	// TagPipelineID is the pipeline CI registered for the release tag, zero until found.
	TagPipelineID int     `json:"tag_pipeline_id,omitempty"`
	History       History `json:"history"`
}

// NewRecord creates a release waiting for its main branch build.
func NewRecord(key Key, author Author, description string, createdAt time.Time) (*Record, error) {
	if !key.Valid() {
		return nil, ErrInvalidKey
	}
	return &Record{
		Project:     key.Project,
		Tag:         key.Tag,
		State:       StateNotYetReady,
		Description: description,
		Author:      author,
		CreatedAt:   createdAt,
		History:     NewHistory(),
	}, nil
}

// Key returns the record's key.
func (r *Record) Key() Key {
	return Key{Project: r.Project, Tag: r.Tag}
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.History = r.History.Clone()
	return &c
}
