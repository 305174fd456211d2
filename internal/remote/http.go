package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/lexisync/lexisync/internal/model"
)

// HTTPClient talks JSON over HTTP to the sync backend:
//
//	POST {base}/v1/sync/push
//	GET  {base}/v1/sync/pull?since={checkpoint}
//	GET  {base}/v1/health
//
// Transient failures (network errors, 5xx, 429) are retried in place with
// exponential backoff; 4xx responses are permanent and bubble up
// immediately. A 401 becomes [ErrUnauthorized] and is never retried; the
// credential provider must hand out a fresh token first.
type HTTPClient struct {
	base  *url.URL
	creds CredentialProvider
	http  *http.Client

	maxTries uint
}

// NewHTTPClient creates a client for the backend at baseURL.
func NewHTTPClient(baseURL string, creds CredentialProvider) (*HTTPClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL %q: %w", baseURL, err)
	}
	return &HTTPClient{
		base:     u,
		creds:    creds,
		http:     &http.Client{Timeout: 30 * time.Second},
		maxTries: 3,
	}, nil
}

// wireOp is the push request representation of a queued operation. Refs are
// the remote IDs resolved at dequeue time; temporary local IDs never cross
// the wire.
type wireOp struct {
	OpID       string            `json:"op_id"`
	Kind       string            `json:"kind"`
	EntityType string            `json:"entity_type"`
	RemoteID   string            `json:"remote_id,omitempty"`
	Version    int64             `json:"version"`
	BaseETag   string            `json:"base_etag,omitempty"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
	Refs       map[string]string `json:"refs,omitempty"`
}

type pushRequest struct {
	Operations []wireOp `json:"operations"`
}

type pushResponse struct {
	Results []PushResult `json:"results"`
}

type pullResponse struct {
	Deltas     []Delta `json:"deltas"`
	Checkpoint string  `json:"checkpoint"`
}

// Push implements [Client].
func (c *HTTPClient) Push(ctx context.Context, ops []*model.Operation) ([]PushResult, error) {
	req := pushRequest{Operations: make([]wireOp, 0, len(ops))}
	for _, op := range ops {
		req.Operations = append(req.Operations, wireOp{
			OpID:       op.OpID,
			Kind:       string(op.Kind),
			EntityType: op.EntityType,
			RemoteID:   op.RemoteID,
			Version:    op.Version,
			BaseETag:   op.BaseETag,
			Payload:    op.Payload,
			Refs:       op.RemoteRefs,
		})
	}

	var resp pushResponse
	if err := c.do(ctx, http.MethodPost, "/v1/sync/push", nil, req, &resp); err != nil {
		return nil, fmt.Errorf("pushing %d ops: %w", len(ops), err)
	}
	return resp.Results, nil
}

// Pull implements [Client].
func (c *HTTPClient) Pull(ctx context.Context, checkpoint string) ([]Delta, string, error) {
	q := url.Values{}
	if checkpoint != "" {
		q.Set("since", checkpoint)
	}

	var resp pullResponse
	if err := c.do(ctx, http.MethodGet, "/v1/sync/pull", q, nil, &resp); err != nil {
		return nil, "", fmt.Errorf("pulling since %q: %w", checkpoint, err)
	}
	return resp.Deltas, resp.Checkpoint, nil
}

// Ping checks reachability without authentication side effects. Used by the
// engine's offline probe.
func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/v1/health", nil, nil, nil)
}

// do executes one request with retry. Request bodies are re-encoded per
// attempt, so retries are safe.
func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := *c.base
	u.Path, _ = url.JoinPath(u.Path, path)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	attempt := func() (struct{}, error) {
		var body io.Reader
		if in != nil {
			buf, err := json.Marshal(in)
			if err != nil {
				return struct{}{}, backoff.Permanent(fmt.Errorf("encoding request: %w", err))
			}
			body = bytes.NewReader(buf)
		}

		req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		token, err := c.creds.Token(ctx)
		if err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("obtaining credential: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.http.Do(req)
		if err != nil {
			return struct{}{}, err // network error: retryable
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return struct{}{}, backoff.Permanent(ErrUnauthorized)
		case resp.StatusCode == http.StatusTooManyRequests:
			return struct{}{}, fmt.Errorf("remote throttled: %s", resp.Status)
		case resp.StatusCode >= 500:
			return struct{}{}, fmt.Errorf("remote error: %s", resp.Status)
		case resp.StatusCode >= 400:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return struct{}{}, backoff.Permanent(fmt.Errorf("%w: %s: %s", ErrRejected, resp.Status, msg))
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return struct{}{}, backoff.Permanent(fmt.Errorf("decoding response: %w", err))
			}
		}
		return struct{}{}, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	_, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(c.maxTries),
	)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return nil
}
