package sinks

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/progress-reconciler/internal/progress"
)

func newFakeTopic(t *testing.T, topicID string) (*pstest.Server, *pubsub.Topic) {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, topicID)
	require.NoError(t, err)
	return srv, topic
}

// TestPubSubSinkPublishesTerminalOnly ensures only terminal transitions leave the process.
func TestPubSubSinkPublishesTerminalOnly(t *testing.T) {
	srv, topic := newFakeTopic(t, "progress-terminal")
	sink := NewPubSubSinkWithTopic(topic, nil)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	running := progress.JobProgress{JobID: "build-1", Kind: progress.KindAudienceBuild, Status: progress.StatusProcessing, Processed: 4, LastUpdatedAt: at}
	done := running
	done.Processed = 8
	done.Total = progress.Int64(8)
	done.Status = progress.StatusComplete
	done.TerminalAt = at

	batch := []progress.Change{
		{Type: progress.ChangeUpdated, Outcome: progress.OutcomeCreated, Channel: progress.ChannelPush, Record: running},
		{Type: progress.ChangeDiscarded, Outcome: progress.OutcomeUnchanged, Channel: progress.ChannelPoll, Record: running},
		{Type: progress.ChangeUpdated, Outcome: progress.OutcomeTerminated, Channel: progress.ChannelPoll, Record: done},
		{Type: progress.ChangeEvicted, Record: done},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "build-1", msgs[0].Attributes["job_id"])
	require.Equal(t, "complete", msgs[0].Attributes["status"])
	require.Equal(t, "audience_build", msgs[0].Attributes["kind"])

	var got progress.JobProgress
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, int64(8), got.Processed)
	require.Equal(t, progress.StatusComplete, got.Status)

	require.NoError(t, sink.Close(context.Background()))
}

// TestPubSubSinkPublishesJobsCreatedTerminal covers jobs whose first report
// already finishes them.
func TestPubSubSinkPublishesJobsCreatedTerminal(t *testing.T) {
	srv, topic := newFakeTopic(t, "progress-terminal")
	sink := NewPubSubSinkWithTopic(topic, nil)
	engine := progress.NewEngine(progress.Config{}, sink)
	ctx := context.Background()

	require.NoError(t, engine.Submit(ctx, progress.NewDelta("src-1").WithTotal(3).WithProcessed(3)))
	require.NoError(t, engine.Submit(ctx, progress.NewSnapshot("src-2").WithTotal(0)))
	require.NoError(t, engine.Submit(ctx, progress.NewSnapshot("src-2").WithTotal(0)))
	require.NoError(t, engine.Close(ctx))

	msgs := srv.Messages()
	require.Len(t, msgs, 2)
	got := map[string]string{}
	for _, msg := range msgs {
		got[msg.Attributes["job_id"]] = msg.Attributes["status"]
	}
	require.Equal(t, map[string]string{"src-1": "complete", "src-2": "complete"}, got)
}

func TestPubSubSinkReportsPublishFailure(t *testing.T) {
	_, topic := newFakeTopic(t, "progress-terminal")
	sink := NewPubSubSinkWithTopic(topic, nil)
	topic.Stop()

	failed := progress.JobProgress{JobID: "src-9", Status: progress.StatusFailed}
	err := sink.Consume(context.Background(), []progress.Change{
		{Type: progress.ChangeUpdated, Outcome: progress.OutcomeTerminated, Channel: progress.ChannelPush, Record: failed},
	})
	require.ErrorContains(t, err, "publish job src-9")
}

func TestNewPubSubSinkValidates(t *testing.T) {
	_, err := NewPubSubSink(context.Background(), PubSubSinkConfig{ProjectID: "p"})
	require.Error(t, err)
}
