// Package sse implements the push transport over server-sent events.
package sse

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/progress-reconciler/internal/push"
)

const maxEventSize = 1 << 20

// ErrUnexpectedResponse is returned when the server does not answer with an
// event stream.
var ErrUnexpectedResponse = errors.New("sse: unexpected response")

// Config configures the SSE dialer.
type Config struct {
	URL   string
	Token string
	// TokenInQuery sends the token as ?token= instead of a bearer header.
	TokenInQuery bool
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

// Dialer opens event streams against one URL. It remembers the last event id
// so reconnects resume where the previous stream stopped.
type Dialer struct {
	url    string
	token  string
	query  bool
	client *http.Client
	logger *zap.Logger

	mu          sync.Mutex
	lastEventID string
}

// New validates cfg and returns a Dialer.
func New(cfg Config) (*Dialer, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("sse: invalid url %q", cfg.URL)
	}
	client := cfg.HTTPClient
	if client == nil {
		// Streams are long-lived; ctx bounds them, not a client timeout.
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dialer{
		url:    cfg.URL,
		token:  cfg.Token,
		query:  cfg.TokenInQuery,
		client: client,
		logger: logger.Named("sse"),
	}, nil
}

// Name implements push.Dialer.
func (d *Dialer) Name() string { return "sse" }

// Dial implements push.Dialer.
func (d *Dialer) Dial(ctx context.Context) (push.Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.requestURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("build sse request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if d.token != "" && !d.query {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}
	if id := d.resumeID(); id != "" {
		req.Header.Set("Last-Event-ID", id)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sse connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnexpectedResponse, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mediaType != "text/event-stream" {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: content type %q", ErrUnexpectedResponse, resp.Header.Get("Content-Type"))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	return &stream{body: resp.Body, scanner: scanner, dialer: d}, nil
}

func (d *Dialer) requestURL() string {
	if d.token == "" || !d.query {
		return d.url
	}
	u, err := url.Parse(d.url)
	if err != nil {
		return d.url
	}
	q := u.Query()
	q.Set("token", d.token)
	u.RawQuery = q.Encode()
	return u.String()
}

func (d *Dialer) resumeID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastEventID
}

func (d *Dialer) setResumeID(id string) {
	d.mu.Lock()
	d.lastEventID = id
	d.mu.Unlock()
}

type stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	dialer  *Dialer
	retry   time.Duration
}

// Next returns the data of the next event. Comments and heartbeat events are
// skipped; multi-line data is joined with newlines.
func (s *stream) Next(ctx context.Context) ([]byte, error) {
	var (
		data    strings.Builder
		hasData bool
		event   string
	)
	for s.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := strings.TrimSuffix(s.scanner.Text(), "\r")
		if line == "" {
			if hasData && !heartbeat(event) {
				return []byte(data.String()), nil
			}
			data.Reset()
			hasData, event = false, ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "event":
			event = value
		case "id":
			if !strings.ContainsRune(value, 0) {
				s.dialer.setResumeID(value)
			}
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				s.retry = time.Duration(ms) * time.Millisecond
			}
		}
	}
	if err := s.scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("sse read: %w", err)
	}
	return nil, io.EOF
}

// RetryHint implements push.RetryHinter.
func (s *stream) RetryHint() time.Duration { return s.retry }

func (s *stream) Close() error {
	return s.body.Close()
}

func heartbeat(event string) bool {
	switch event {
	case "ping", "heartbeat", "keepalive":
		return true
	default:
		return false
	}
}
