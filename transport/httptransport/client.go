// Package httptransport implements the remote gateway client over HTTP JSON:
// the batch-upsert RPC and the paginated change-feed query, both carrying the
// caller's bearer credential.
package httptransport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/quizlight/studysync/cursor"
	syncErrors "github.com/quizlight/studysync/errors"
	"github.com/quizlight/studysync/identity"
	"github.com/quizlight/studysync/record"
)

// Limits bounds response handling.
type Limits struct {
	// MaxBodyBytes caps how much of a response body is read.
	MaxBodyBytes int64
}

// Client talks to the sync backend. Create it with NewClient.
type Client struct {
	baseURL string
	http    *http.Client
	token   identity.TokenSource
	limits  Limits
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(cl *http.Client) Option {
	return func(c *Client) { c.http = cl }
}

// WithLimits sets response size limits.
func WithLimits(l Limits) Option {
	return func(c *Client) { c.limits = l }
}

// NewClient creates a gateway client. token supplies the bearer credential
// attached to every request; the server rejects a credential that does not
// match the identity being synced.
func NewClient(baseURL string, token identity.TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		limits:  Limits{MaxBodyBytes: 8 << 20},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type batchUpsertRequest struct {
	Records []record.Record `json:"records"`
}

type batchUpsertResponse struct {
	Accepted []string `json:"accepted"`
}

// BatchUpsert submits one push batch. The server performs its own LWW
// resolution and returns the ids it accepted; everything else was rejected in
// favor of a newer server copy and stays dirty locally.
func (c *Client) BatchUpsert(ctx context.Context, entity record.Entity, records []record.Record) ([]string, error) {
	if len(records) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(batchUpsertRequest{Records: records})
	if err != nil {
		return nil, syncErrors.E(syncErrors.OpPush, syncErrors.KindBadRequest, "gateway", err)
	}

	endpoint := fmt.Sprintf("%s/v1/sync/%s/batch", c.baseURL, entity)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, syncErrors.E(syncErrors.OpPush, syncErrors.KindBadRequest, "gateway", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var resp batchUpsertResponse
	if err := c.do(req, syncErrors.OpPush, &resp); err != nil {
		return nil, err
	}
	return resp.Accepted, nil
}

type pullPageResponse struct {
	Items []record.FeedItem `json:"items"`
}

// PullPage queries the change feed for records strictly after the given
// cursor, ordered by (position, id) ascending, at most limit items.
func (c *Client) PullPage(ctx context.Context, entity record.Entity, identityID string, after cursor.Cursor, limit int) ([]record.FeedItem, error) {
	q := url.Values{}
	q.Set("identity", identityID)
	q.Set("after", strconv.FormatInt(after.Position, 10))
	q.Set("after_id", after.TiebreakID)
	q.Set("limit", strconv.Itoa(limit))

	endpoint := fmt.Sprintf("%s/v1/sync/%s/changes?%s", c.baseURL, entity, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, syncErrors.E(syncErrors.OpPull, syncErrors.KindBadRequest, "gateway", err)
	}

	var resp pullPageResponse
	if err := c.do(req, syncErrors.OpPull, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (c *Client) do(req *http.Request, op syncErrors.Operation, out any) error {
	tok, err := c.token(req.Context())
	if err != nil {
		return syncErrors.E(op, syncErrors.KindAuth, "gateway", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return syncErrors.NewTransient(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.statusError(op, resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.limits.MaxBodyBytes))
	if err != nil {
		return syncErrors.NewTransient(op, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return syncErrors.E(op, syncErrors.KindServer, "gateway",
			fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// statusError maps an HTTP status onto the engine's failure taxonomy.
func (c *Client) statusError(op syncErrors.Operation, resp *http.Response) error {
	// Read a snippet of the body for the error message; discard the rest.
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	cause := fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(snippet))

	var kind syncErrors.Kind
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		kind = syncErrors.KindAuth
	case resp.StatusCode == http.StatusTooManyRequests:
		kind = syncErrors.KindRateLimit
	case resp.StatusCode >= 500:
		kind = syncErrors.KindServer
	case resp.StatusCode >= 400:
		kind = syncErrors.KindBadRequest
	default:
		kind = syncErrors.KindTransient
	}
	return syncErrors.E(op, kind, "gateway", cause)
}
