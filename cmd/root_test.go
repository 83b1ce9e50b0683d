package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/progress-reconciler/internal/config"
	"github.com/JakeFAU/progress-reconciler/internal/progress"
)

type fakeApp struct {
	started bool
	ran     bool
	closed  bool
	watched string
	kind    progress.JobKind
	records []progress.JobProgress
	err     error
}

func (f *fakeApp) Start(context.Context) { f.started = true }

func (f *fakeApp) Run(context.Context) error {
	f.ran = true
	return f.err
}

func (f *fakeApp) Watch(_ context.Context, jobID string, kind progress.JobKind, fn func(progress.JobProgress)) error {
	f.watched, f.kind = jobID, kind
	for _, rec := range f.records {
		fn(rec)
	}
	return f.err
}

func (f *fakeApp) Close(context.Context) error {
	f.closed = true
	return nil
}

func withFakeApp(t *testing.T, app *fakeApp) {
	t.Helper()
	orig := newApp
	newApp = func(context.Context, *config.Config) (App, error) { return app, nil }
	t.Cleanup(func() { newApp = orig })
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestServeRunsApp(t *testing.T) {
	app := &fakeApp{}
	withFakeApp(t, app)

	_, err := execute(t, "serve")
	require.NoError(t, err)
	require.True(t, app.ran)
}

func TestWatchPrintsProgress(t *testing.T) {
	app := &fakeApp{records: []progress.JobProgress{
		{JobID: "job-1", Status: progress.StatusPending},
		{JobID: "job-1", Status: progress.StatusProcessing, Total: progress.Int64(8), Processed: 2, ETASeconds: ptr(30.0)},
		{JobID: "job-1", Status: progress.StatusComplete, Total: progress.Int64(8), Processed: 8, Matched: progress.Int64(5)},
	}}
	withFakeApp(t, app)

	out, err := execute(t, "watch", "job-1", "--kind", "source")
	require.NoError(t, err)
	require.Equal(t, "job-1 pending 0/?\n"+
		"job-1 processing 2/8 (25%) eta=30s\n"+
		"job-1 complete 8/8 (100%) matched=5\n", out)
	require.True(t, app.started)
	require.True(t, app.closed)
	require.Equal(t, "job-1", app.watched)
	require.Equal(t, progress.KindSource, app.kind)
}

func TestWatchReportsFailure(t *testing.T) {
	app := &fakeApp{err: errors.New("job job-1 failed")}
	withFakeApp(t, app)

	_, err := execute(t, "watch", "job-1")
	require.ErrorContains(t, err, "failed")
	require.True(t, app.closed)
}

func TestWatchRequiresJobID(t *testing.T) {
	withFakeApp(t, &fakeApp{})
	_, err := execute(t, "watch")
	require.Error(t, err)
}

func TestRootRejectsMissingConfigFile(t *testing.T) {
	withFakeApp(t, &fakeApp{})
	_, err := execute(t, "serve", "--config", "/does/not/exist.yaml")
	require.ErrorContains(t, err, "load config")
}

func ptr[T any](v T) *T { return &v }
