// Package websocket implements the push transport over a WebSocket
// connection.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/progress-reconciler/internal/push"
)

const (
	defaultReadTimeout = 60 * time.Second
	writeWait          = 5 * time.Second
)

// Config configures the WebSocket dialer.
type Config struct {
	URL          string
	Token        string
	TokenInQuery bool
	// ReadTimeout closes connections that stay silent, pings included,
	// for longer than this.
	ReadTimeout time.Duration
	Dialer      *websocket.Dialer
	Logger      *zap.Logger
}

// Dialer opens WebSocket streams.
type Dialer struct {
	url         string
	header      http.Header
	readTimeout time.Duration
	dialer      *websocket.Dialer
	logger      *zap.Logger
}

// New validates cfg and returns a Dialer.
func New(cfg Config) (*Dialer, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return nil, fmt.Errorf("websocket: invalid url %q", cfg.URL)
	}
	header := http.Header{}
	if cfg.Token != "" {
		if cfg.TokenInQuery {
			q := u.Query()
			q.Set("token", cfg.Token)
			u.RawQuery = q.Encode()
		} else {
			header.Set("Authorization", "Bearer "+cfg.Token)
		}
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dialer{
		url:         u.String(),
		header:      header,
		readTimeout: cfg.ReadTimeout,
		dialer:      dialer,
		logger:      logger.Named("websocket"),
	}, nil
}

// Name implements push.Dialer.
func (d *Dialer) Name() string { return "websocket" }

// Dial implements push.Dialer.
func (d *Dialer) Dial(ctx context.Context) (push.Stream, error) {
	conn, resp, err := d.dialer.DialContext(ctx, d.url, d.header.Clone())
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	s := &stream{conn: conn, readTimeout: d.readTimeout}
	s.extend()
	conn.SetPingHandler(func(data string) error {
		s.extend()
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		s.extend()
		return nil
	})
	s.stop = context.AfterFunc(ctx, func() { _ = conn.Close() })
	d.logger.Debug("websocket connected", zap.String("remote", conn.RemoteAddr().String()))
	return s, nil
}

type stream struct {
	conn        *websocket.Conn
	readTimeout time.Duration
	stop        func() bool
	writeMu     sync.Mutex
	closeOnce   sync.Once
}

func (s *stream) extend() {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
}

// Next returns the next text or binary frame. A normal close from the server
// is reported as io.EOF.
func (s *stream) Next(ctx context.Context) ([]byte, error) {
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("websocket read: %w", err)
		}
		s.extend()
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.stop()
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		s.writeMu.Unlock()
		if cerr := s.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	})
	return err
}
