package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	rerrors "github.com/relicta-tech/rollout/internal/errors"
	"github.com/relicta-tech/rollout/internal/httpserver/dto"
)

// apiClient talks to the /api/v1 surface of a running server. Releases are
// tracked by the server process, so commands never touch the store.
type apiClient struct {
	base  *url.URL
	token string
	http  *http.Client
}

func newAPIClient(server, token string, timeout time.Duration) (*apiClient, error) {
	const op = "cli.newAPIClient"
	base, err := url.Parse(strings.TrimSuffix(server, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, rerrors.Config(op, fmt.Sprintf("invalid server URL %q", server))
	}
	return &apiClient{base: base, token: token, http: &http.Client{Timeout: timeout}}, nil
}

func (c *apiClient) Create(ctx context.Context, req dto.CreateReleaseRequest) (dto.ReleaseDTO, error) {
	var out dto.ReleaseDTO
	err := c.do(ctx, http.MethodPost, "/api/v1/commands/create", nil, req, &out)
	return out, err
}

func (c *apiClient) Cancel(ctx context.Context, cmd dto.ReleaseCommand) (dto.CommandResponse, error) {
	var out dto.CommandResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/commands/cancel", nil, cmd, &out)
	return out, err
}

func (c *apiClient) End(ctx context.Context, cmd dto.ReleaseCommand) (dto.CommandResponse, error) {
	var out dto.CommandResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/commands/end", nil, cmd, &out)
	return out, err
}

func (c *apiClient) List(ctx context.Context, project string) (dto.ListResponse, error) {
	var out dto.ListResponse
	query := url.Values{}
	if project != "" {
		query.Set("project", project)
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/releases", query, nil, &out)
	return out, err
}

func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	const op = "cli.apiClient"

	u := c.base.JoinPath(path)
	u.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return rerrors.InternalWrap(err, op, "failed to encode request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return rerrors.InternalWrap(err, op, "failed to build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return rerrors.NetworkWrap(err, op, fmt.Sprintf("%s %s failed", method, path))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return responseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return rerrors.Wrap(err, rerrors.KindUpstream, op, "malformed server response")
	}
	return nil
}

var errorKinds = []rerrors.Kind{
	rerrors.KindConfig, rerrors.KindNotFound, rerrors.KindConflict, rerrors.KindTimeout,
	rerrors.KindTooLate, rerrors.KindUpstream, rerrors.KindPolicy, rerrors.KindValidation,
	rerrors.KindNetwork, rerrors.KindState, rerrors.KindStore, rerrors.KindInternal,
}

// responseError rebuilds the server's error with its kind.
func responseError(resp *http.Response) error {
	var payload dto.ErrorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&payload)
	if payload.Error == "" {
		payload.Error = http.StatusText(resp.StatusCode)
	}

	kind := rerrors.KindInternal
	if resp.StatusCode == http.StatusUnauthorized {
		kind = rerrors.KindConfig
		payload.Error = "unauthorized, check --token"
	}
	for _, k := range errorKinds {
		if k.String() == payload.Code {
			kind = k
		}
	}
	return rerrors.New(kind, fmt.Sprintf("server returned %d: %s", resp.StatusCode, payload.Error))
}
