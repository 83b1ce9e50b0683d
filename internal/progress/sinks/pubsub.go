package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/progress-reconciler/internal/progress"
)

// Topic is the subset of *pubsub.Topic used by PubSubSink.
type Topic interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
	Stop()
}

// PubSubSinkConfig configures where terminal transitions are announced.
type PubSubSinkConfig struct {
	ProjectID string
	TopicID   string
	Logger    *zap.Logger
}

// PubSubSink publishes a JSON message for every job that reaches a terminal
// status. Intermediate updates are not published.
type PubSubSink struct {
	topic  Topic
	client *pubsub.Client
	logger *zap.Logger
}

// NewPubSubSink creates a Pub/Sub client for cfg.ProjectID and publishes to
// cfg.TopicID. The sink owns the client and closes it in Close.
func NewPubSubSink(ctx context.Context, cfg PubSubSinkConfig, opts ...option.ClientOption) (*PubSubSink, error) {
	if cfg.ProjectID == "" || cfg.TopicID == "" {
		return nil, errors.New("pubsub sink: project id and topic id are required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	sink := NewPubSubSinkWithTopic(client.Topic(cfg.TopicID), cfg.Logger)
	sink.client = client
	return sink, nil
}

// NewPubSubSinkWithTopic publishes to an existing topic handle.
func NewPubSubSinkWithTopic(topic Topic, logger *zap.Logger) *PubSubSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PubSubSink{topic: topic, logger: logger}
}

// Consume publishes terminal transitions and waits for the server to accept
// them. Publish failures are joined into the returned error.
func (s *PubSubSink) Consume(ctx context.Context, batch []progress.Change) error {
	type pending struct {
		jobID  string
		result *pubsub.PublishResult
	}
	var results []pending
	for _, change := range batch {
		// Terminal records absorb later updates, so each job qualifies once.
		if change.Type != progress.ChangeUpdated || !change.Record.Status.Terminal() {
			continue
		}
		rec := change.Record
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal job %s: %w", rec.JobID, err)
		}
		msg := &pubsub.Message{
			Data: data,
			Attributes: map[string]string{
				"job_id": rec.JobID,
				"status": string(rec.Status),
			},
		}
		if rec.Kind != "" {
			msg.Attributes["kind"] = string(rec.Kind)
		}
		results = append(results, pending{jobID: rec.JobID, result: s.topic.Publish(ctx, msg)})
	}

	var errs []error
	for _, p := range results {
		id, err := p.result.Get(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish job %s: %w", p.jobID, err))
			continue
		}
		s.logger.Debug("terminal progress published", zap.String("job_id", p.jobID), zap.String("message_id", id))
	}
	return errors.Join(errs...)
}

// Close flushes outstanding publishes and releases the client when the sink
// created it.
func (s *PubSubSink) Close(context.Context) error {
	s.topic.Stop()
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
