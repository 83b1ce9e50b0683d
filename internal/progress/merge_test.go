package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time {
	return t0.Add(time.Duration(sec) * time.Second)
}

// TestMergeProcessedIsMonotonic replays push and poll reports out of order.
func TestMergeProcessedIsMonotonic(t *testing.T) {
	t.Parallel()

	var rec *JobProgress
	steps := []struct {
		in        Update
		processed int64
		outcome   Outcome
	}{
		{NewDelta("job").WithProcessed(10), 10, OutcomeCreated},
		{NewSnapshot("job").WithProcessed(10).WithTotal(100), 10, OutcomeUpdated},
		{NewDelta("job").WithProcessed(20), 20, OutcomeUpdated},
		{NewSnapshot("job").WithProcessed(15).WithTotal(100), 20, OutcomeUnchanged},
		{NewDelta("job").WithProcessed(5), 20, OutcomeUnchanged},
	}
	for i, step := range steps {
		next, outcome := Merge(rec, step.in, at(i))
		require.Equal(t, step.processed, next.Processed, "step %d", i)
		require.Equal(t, step.outcome, outcome, "step %d", i)
		require.Equal(t, at(i), next.LastUpdatedAt, "step %d", i)
		rec = &next
	}
	require.Equal(t, StatusProcessing, rec.Status)
}

// TestMergeMatchedIsMonotonic ensures matched only grows once observed.
func TestMergeMatchedIsMonotonic(t *testing.T) {
	t.Parallel()

	first, _ := Merge(nil, NewDelta("job").WithMatched(7), at(0))
	require.Equal(t, int64(7), *first.Matched)
	require.Equal(t, StatusProcessing, first.Status)

	second, outcome := Merge(&first, NewSnapshot("job").WithMatched(3), at(1))
	require.Equal(t, int64(7), *second.Matched)
	require.Equal(t, OutcomeUnchanged, outcome)

	third, outcome := Merge(&second, NewDelta("job"), at(2))
	require.Equal(t, int64(7), *third.Matched)
	require.Equal(t, OutcomeUnchanged, outcome)
}

// TestMergePollIsAuthoritativeOnTotal checks push totals never override poll totals.
func TestMergePollIsAuthoritativeOnTotal(t *testing.T) {
	t.Parallel()

	rec, _ := Merge(nil, NewDelta("job").WithTotal(500).WithProcessed(1), at(0))
	require.Equal(t, int64(500), *rec.Total)

	rec, outcome := Merge(&rec, NewSnapshot("job").WithTotal(400), at(1))
	require.Equal(t, int64(400), *rec.Total)
	require.Equal(t, OutcomeUpdated, outcome)

	rec, outcome = Merge(&rec, NewDelta("job").WithTotal(500), at(2))
	require.Equal(t, int64(400), *rec.Total)
	require.Equal(t, OutcomeUnchanged, outcome)
}

// TestMergeTerminalIsAbsorbing ensures late reports never move a finished job.
func TestMergeTerminalIsAbsorbing(t *testing.T) {
	t.Parallel()

	rec, outcome := Merge(nil, NewSnapshot("job").WithTotal(10).WithProcessed(10), at(0))
	require.Equal(t, OutcomeCreated, outcome)
	require.Equal(t, StatusComplete, rec.Status)
	require.Equal(t, at(0), rec.TerminalAt)

	late, outcome := Merge(&rec, NewDelta("job").WithProcessed(11).AsFailed(), at(5))
	require.Equal(t, OutcomeAbsorbed, outcome)
	require.Equal(t, rec, late)
}

// TestMergeFailureSignal ensures explicit failures are terminal.
func TestMergeFailureSignal(t *testing.T) {
	t.Parallel()

	rec, _ := Merge(nil, NewDelta("job").WithProcessed(3), at(0))
	rec, outcome := Merge(&rec, NewSnapshot("job").AsFailed(), at(1))
	require.Equal(t, OutcomeTerminated, outcome)
	require.Equal(t, StatusFailed, rec.Status)
	require.Equal(t, int64(3), rec.Processed)
	require.Equal(t, at(1), rec.TerminalAt)
}

// TestMergeZeroTotal covers the empty-job completion rules.
func TestMergeZeroTotal(t *testing.T) {
	t.Parallel()

	pushed, _ := Merge(nil, NewDelta("job").WithTotal(0), at(0))
	require.Equal(t, StatusPending, pushed.Status)

	polled, outcome := Merge(&pushed, NewSnapshot("job").WithTotal(0).WithProcessed(0), at(1))
	require.Equal(t, OutcomeTerminated, outcome)
	require.Equal(t, StatusComplete, polled.Status)
	require.Equal(t, int64(0), polled.Processed)
}

// TestMergeCompletesWhenProcessedReachesTotal covers processed overshooting total.
func TestMergeCompletesWhenProcessedReachesTotal(t *testing.T) {
	t.Parallel()

	rec, _ := Merge(nil, NewDelta("job").WithProcessed(12), at(0))
	rec, outcome := Merge(&rec, NewSnapshot("job").WithTotal(10), at(1))
	require.Equal(t, OutcomeTerminated, outcome)
	require.Equal(t, StatusComplete, rec.Status)
	require.Equal(t, int64(12), rec.Processed)
}

// TestMergeETAIsVolatile ensures ETA follows the latest report without notifying.
func TestMergeETAIsVolatile(t *testing.T) {
	t.Parallel()

	rec, _ := Merge(nil, NewDelta("job").WithProcessed(1).WithETA(120), at(0))
	rec, outcome := Merge(&rec, NewDelta("job").WithETA(300), at(1))
	require.Equal(t, OutcomeUnchanged, outcome)
	require.InDelta(t, 300.0, *rec.ETASeconds, 1e-9)
	require.Equal(t, at(1), rec.LastUpdatedAt)
}

// TestMergeKindSticks keeps the first reported kind.
func TestMergeKindSticks(t *testing.T) {
	t.Parallel()

	rec, _ := Merge(nil, NewDelta("job").WithKind(KindAudienceBuild), at(0))
	rec, _ = Merge(&rec, NewSnapshot("job").WithKind(KindSource), at(1))
	require.Equal(t, KindAudienceBuild, rec.Kind)
}

// TestMergeDoesNotMutateCurrent guards against aliasing between records.
func TestMergeDoesNotMutateCurrent(t *testing.T) {
	t.Parallel()

	rec, _ := Merge(nil, NewDelta("job").WithMatched(1).WithTotal(9), at(0))
	before := *rec.Matched
	next, _ := Merge(&rec, NewSnapshot("job").WithMatched(4).WithTotal(8), at(1))
	require.Equal(t, before, *rec.Matched)
	require.Equal(t, int64(9), *rec.Total)
	require.Equal(t, int64(4), *next.Matched)
}

// TestMergeRecordsSource tracks which channel last touched the record.
func TestMergeRecordsSource(t *testing.T) {
	t.Parallel()

	rec, _ := Merge(nil, NewDelta("job"), at(0))
	require.Equal(t, ChannelPush, rec.source)
	rec, _ = Merge(&rec, NewSnapshot("job"), at(1))
	require.Equal(t, ChannelPoll, rec.source)
}

// TestMergeLastUpdatedNeverMovesBack tolerates a clock stepping backwards.
func TestMergeLastUpdatedNeverMovesBack(t *testing.T) {
	t.Parallel()

	rec, _ := Merge(nil, NewDelta("job").WithProcessed(1), at(10))
	rec, _ = Merge(&rec, NewDelta("job").WithProcessed(2), at(5))
	require.Equal(t, at(10), rec.LastUpdatedAt)
}
