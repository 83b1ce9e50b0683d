// Package httpapi fetches job snapshots from the backend REST API.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/progress-reconciler/internal/jsonid"
	"github.com/JakeFAU/progress-reconciler/internal/policy/ratelimit"
	"github.com/JakeFAU/progress-reconciler/internal/progress"
)

// ErrUnexpectedStatus is returned when the backend answers with a non-2xx code.
var ErrUnexpectedStatus = errors.New("unexpected status from progress API")

const maxBodyBytes = 4 << 20

// Config describes how to reach the backend.
//   - BaseURL: API root, e.g. https://api.example.com/v1.
//   - Resource: collection path under BaseURL (default "jobs").
//   - Token: optional bearer token.
//   - Kind: job kind stamped on snapshots that do not carry one.
//   - BatchSize: ids per batch request; values <= 1 fetch one job per request.
//   - Concurrency: parallel requests per round (default 4).
//   - RPS, Burst: client-side rate limit (disabled when RPS <= 0).
//   - HTTPClient: optional client (default 10s timeout).
type Config struct {
	BaseURL     string
	Resource    string
	Token       string
	Kind        progress.JobKind
	BatchSize   int
	Concurrency int
	RPS         float64
	Burst       int
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// Client implements poll.Fetcher over HTTP.
type Client struct {
	base     *url.URL
	resource string
	token    string
	kind     progress.JobKind
	batch    int
	parallel int
	http     *http.Client
	limiter  *ratelimit.Limiter
	logger   *zap.Logger
}

// New validates cfg and builds a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("httpapi: base url is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("httpapi: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("httpapi: unsupported scheme %q", base.Scheme)
	}
	if cfg.Resource == "" {
		cfg.Resource = "jobs"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:     base,
		resource: strings.Trim(cfg.Resource, "/"),
		token:    cfg.Token,
		kind:     cfg.Kind,
		batch:    cfg.BatchSize,
		parallel: cfg.Concurrency,
		http:     httpClient,
		limiter:  ratelimit.New(ratelimit.Config{RPS: cfg.RPS, Burst: cfg.Burst}),
		logger:   logger,
	}, nil
}

// FetchSnapshots fetches every job in jobIDs. Any request failure fails the
// whole call so that a round is applied all-or-nothing.
func (c *Client) FetchSnapshots(ctx context.Context, jobIDs []string) ([]progress.Update, error) {
	var (
		mu  sync.Mutex
		out = make([]progress.Update, 0, len(jobIDs))
	)
	collect := func(updates []progress.Update) {
		mu.Lock()
		out = append(out, updates...)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallel)
	if c.batch > 1 {
		for _, chunk := range chunks(jobIDs, c.batch) {
			g.Go(func() error {
				updates, err := c.fetchBatch(gctx, chunk)
				if err != nil {
					return err
				}
				collect(updates)
				return nil
			})
		}
	} else {
		for _, id := range jobIDs {
			g.Go(func() error {
				u, ok, err := c.fetchOne(gctx, id)
				if err != nil {
					return err
				}
				if ok {
					collect([]progress.Update{u})
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) fetchBatch(ctx context.Context, ids []string) ([]progress.Update, error) {
	u := c.base.JoinPath(c.resource)
	q := u.Query()
	q.Set("ids", strings.Join(ids, ","))
	u.RawQuery = q.Encode()

	body, status, err := c.get(ctx, u.String())
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, fmt.Errorf("%w: GET %s returned %d", ErrUnexpectedStatus, u.Redacted(), status)
	}
	records, err := decodeList(body)
	if err != nil {
		return nil, err
	}
	updates := make([]progress.Update, 0, len(records))
	for _, rec := range records {
		if upd, ok := c.toUpdate(rec, ""); ok {
			updates = append(updates, upd)
		}
	}
	return updates, nil
}

func (c *Client) fetchOne(ctx context.Context, id string) (progress.Update, bool, error) {
	u := c.base.JoinPath(c.resource, id)
	body, status, err := c.get(ctx, u.String())
	if err != nil {
		return progress.Update{}, false, err
	}
	if status == http.StatusNotFound {
		c.logger.Debug("job unknown to backend", zap.String("job_id", id))
		return progress.Update{}, false, nil
	}
	if status < 200 || status > 299 {
		return progress.Update{}, false, fmt.Errorf("%w: GET %s returned %d", ErrUnexpectedStatus, u.Redacted(), status)
	}
	var rec snapshot
	if err := json.Unmarshal(body, &rec); err != nil {
		return progress.Update{}, false, fmt.Errorf("decode snapshot %s: %w", id, err)
	}
	upd, ok := c.toUpdate(rec, id)
	return upd, ok, nil
}

func (c *Client) get(ctx context.Context, target string) ([]byte, int, error) {
	if err := c.limiter.Wait(ctx, target); err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("GET snapshots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read snapshots: %w", err)
	}
	return body, resp.StatusCode, nil
}

func (c *Client) toUpdate(rec snapshot, fallbackID string) (progress.Update, bool) {
	id := jsonid.First(rec.ID, rec.JobID, jsonid.ID(fallbackID))
	if id == "" {
		return progress.Update{}, false
	}
	upd := progress.NewSnapshot(id)
	upd.Kind = c.kind
	if rec.Kind != "" {
		upd.Kind = progress.JobKind(rec.Kind)
	}
	upd.Total = firstInt(rec.Total, rec.TotalRecords)
	upd.Processed = firstInt(rec.Processed, rec.ProcessedRecords)
	upd.Matched = firstInt(rec.Matched, rec.MatchedRecords)
	upd.ETASeconds = rec.ETASeconds
	upd.Failed = progress.FailureStatus(rec.Status)
	return upd, true
}

type snapshot struct {
	ID               jsonid.ID `json:"id"`
	JobID            jsonid.ID `json:"job_id"`
	Kind             string    `json:"kind"`
	Total            *int64    `json:"total"`
	TotalRecords     *int64    `json:"total_records"`
	Processed        *int64    `json:"processed"`
	ProcessedRecords *int64    `json:"processed_records"`
	Matched          *int64    `json:"matched"`
	MatchedRecords   *int64    `json:"matched_records"`
	ETASeconds       *float64  `json:"eta_seconds"`
	Status           string    `json:"status"`
}

func decodeList(body []byte) ([]snapshot, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var list []snapshot
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("decode snapshot list: %w", err)
		}
		return list, nil
	}
	var envelope struct {
		Items []snapshot `json:"items"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("decode snapshot envelope: %w", err)
	}
	return envelope.Items, nil
}

func firstInt(values ...*int64) *int64 {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func chunks(ids []string, size int) [][]string {
	var out [][]string
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		out = append(out, ids[start:end])
	}
	return out
}
