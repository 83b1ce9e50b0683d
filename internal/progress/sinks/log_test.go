package sinks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/progress-reconciler/internal/progress"
)

func TestLogSinkConsume(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core))

	rec := progress.JobProgress{JobID: "src-9", Status: progress.StatusProcessing, Processed: 3, Total: progress.Int64(9)}
	batch := []progress.Change{
		{Type: progress.ChangeUpdated, Outcome: progress.OutcomeUpdated, Channel: progress.ChannelPush, Record: rec},
		{Type: progress.ChangeDiscarded, Outcome: progress.OutcomeUnchanged, Channel: progress.ChannelPoll, Record: rec},
		{Type: progress.ChangeEvicted, Record: rec, Reason: progress.EvictRemoved},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.All()
	require.Len(t, entries, 3)
	require.Equal(t, "progress record updated", entries[0].Message)
	require.Equal(t, zapcore.DebugLevel, entries[1].Level)
	require.Equal(t, "progress record evicted", entries[2].Message)
	require.Equal(t, "removed", entries[2].ContextMap()["reason"])
	require.Equal(t, int64(9), entries[0].ContextMap()["total"])
}

func TestNewLogSinkNilLogger(t *testing.T) {
	t.Parallel()

	sink := NewLogSink(nil)
	require.NoError(t, sink.Consume(context.Background(), []progress.Change{{Record: progress.JobProgress{JobID: "x"}}}))
}
