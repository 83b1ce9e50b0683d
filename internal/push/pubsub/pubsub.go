// Package pubsub implements the push transport over a Google Cloud Pub/Sub
// subscription.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/progress-reconciler/internal/push"
)

// Config configures the Pub/Sub dialer.
type Config struct {
	ProjectID      string
	SubscriptionID string
	// MaxOutstanding caps unacknowledged messages held by the client.
	MaxOutstanding int
	Logger         *zap.Logger
}

// Dialer receives push payloads from one subscription.
type Dialer struct {
	client         *pubsub.Client
	ownsClient     bool
	subscriptionID string
	maxOutstanding int
	logger         *zap.Logger
}

// New creates a Pub/Sub client using Application Default Credentials, or the
// supplied client options.
func New(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Dialer, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("pubsub: project id is required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	d, err := NewWithClient(client, cfg)
	if err != nil {
		if cerr := client.Close(); cerr != nil {
			cfg.logger().Warn("failed to close pubsub client", zap.Error(cerr))
		}
		return nil, err
	}
	d.ownsClient = true
	return d, nil
}

// NewWithClient wraps an existing client. The caller keeps ownership of it.
func NewWithClient(client *pubsub.Client, cfg Config) (*Dialer, error) {
	if client == nil {
		return nil, errors.New("pubsub: client is required")
	}
	if cfg.SubscriptionID == "" {
		return nil, errors.New("pubsub: subscription id is required")
	}
	if cfg.MaxOutstanding <= 0 {
		cfg.MaxOutstanding = 100
	}
	return &Dialer{
		client:         client,
		subscriptionID: cfg.SubscriptionID,
		maxOutstanding: cfg.MaxOutstanding,
		logger:         cfg.logger().Named("pubsub"),
	}, nil
}

func (cfg Config) logger() *zap.Logger {
	if cfg.Logger == nil {
		return zap.NewNop()
	}
	return cfg.Logger
}

// Name implements push.Dialer.
func (d *Dialer) Name() string { return "pubsub" }

// Dial verifies the subscription and starts a Receive loop feeding the
// returned stream.
func (d *Dialer) Dial(ctx context.Context) (push.Stream, error) {
	sub := d.client.Subscription(d.subscriptionID)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check pubsub subscription %q: %w", d.subscriptionID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub subscription %q does not exist", d.subscriptionID)
	}
	sub.ReceiveSettings.MaxOutstandingMessages = d.maxOutstanding

	recvCtx, cancel := context.WithCancel(ctx)
	s := &stream{
		msgs:   make(chan []byte),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go func() {
		defer close(s.done)
		s.err = sub.Receive(recvCtx, func(ctx context.Context, msg *pubsub.Message) {
			select {
			case s.msgs <- msg.Data:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
			}
		})
	}()
	return s, nil
}

// Close releases the client when the dialer created it.
func (d *Dialer) Close() error {
	if !d.ownsClient {
		return nil
	}
	if err := d.client.Close(); err != nil {
		return fmt.Errorf("failed to close pubsub client: %w", err)
	}
	return nil
}

type stream struct {
	msgs   chan []byte
	done   chan struct{}
	err    error
	cancel context.CancelFunc
}

// Next hands over one message; it is acknowledged once received here.
func (s *stream) Next(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.msgs:
		return data, nil
	case <-s.done:
		if s.err != nil {
			return nil, fmt.Errorf("pubsub receive: %w", s.err)
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *stream) Close() error {
	s.cancel()
	<-s.done
	return nil
}
