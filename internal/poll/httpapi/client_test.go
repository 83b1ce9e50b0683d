package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/progress-reconciler/internal/progress"
)

func byID(updates []progress.Update) map[string]progress.Update {
	out := make(map[string]progress.Update, len(updates))
	for _, u := range updates {
		out[u.JobID] = u
	}
	return out
}

func TestClientBatchArray(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.URL.Path != "/v1/sources" || r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("unexpected request %s auth=%q", r.URL.Path, r.Header.Get("Authorization"))
		}
		ids := strings.Split(r.URL.Query().Get("ids"), ",")
		var rows []string
		for _, id := range ids {
			switch id {
			case "1":
				rows = append(rows, `{"id":1,"total_records":100,"processed_records":40,"matched_records":12,"eta_seconds":30}`)
			case "2":
				rows = append(rows, `{"id":"2","status":"FAILED"}`)
			}
		}
		fmt.Fprintf(w, "[%s]", strings.Join(rows, ","))
	}))
	defer srv.Close()

	client, err := New(Config{
		BaseURL:   srv.URL + "/v1",
		Resource:  "sources",
		Token:     "secret",
		Kind:      progress.KindSource,
		BatchSize: 2,
	})
	require.NoError(t, err)

	updates, err := client.FetchSnapshots(context.Background(), []string{"1", "2", "3"})
	require.NoError(t, err)
	require.Equal(t, int32(2), requests.Load())

	got := byID(updates)
	require.Len(t, got, 2)
	one := got["1"]
	require.Equal(t, progress.ChannelPoll, one.Channel)
	require.Equal(t, progress.FormSnapshot, one.Form)
	require.Equal(t, progress.KindSource, one.Kind)
	require.Equal(t, int64(100), *one.Total)
	require.Equal(t, int64(40), *one.Processed)
	require.Equal(t, int64(12), *one.Matched)
	require.InDelta(t, 30.0, *one.ETASeconds, 1e-9)
	require.False(t, one.Failed)
	require.True(t, got["2"].Failed)
}

func TestClientBatchEnvelope(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"items":[{"job_id":"aud-1","kind":"audience_build","total":0,"processed":0}]}`))
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL, BatchSize: 10})
	require.NoError(t, err)

	updates, err := client.FetchSnapshots(context.Background(), []string{"aud-1"})
	require.NoError(t, err)
	require.Len(t, updates, 1)
	require.Equal(t, progress.KindAudienceBuild, updates[0].Kind)
	require.Equal(t, int64(0), *updates[0].Total)
}

func TestClientPerJobRequests(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/jobs/a":
			_, _ = w.Write([]byte(`{"processed":5,"total":9}`))
		case "/jobs/gone":
			http.NotFound(w, r)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	updates, err := client.FetchSnapshots(context.Background(), []string{"a", "gone"})
	require.NoError(t, err)
	require.Len(t, updates, 1)
	require.Equal(t, "a", updates[0].JobID)
	require.Equal(t, int64(5), *updates[0].Processed)
}

func TestClientFailsWholeRoundOnServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/jobs/bad" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"processed":1}`))
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL, Concurrency: 1})
	require.NoError(t, err)

	updates, err := client.FetchSnapshots(context.Background(), []string{"ok", "bad"})
	require.ErrorIs(t, err, ErrUnexpectedStatus)
	require.Nil(t, updates)
}

func TestClientRejectsMalformedBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"items": "nope"}`))
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL, BatchSize: 5})
	require.NoError(t, err)
	_, err = client.FetchSnapshots(context.Background(), []string{"x"})
	require.Error(t, err)
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
	_, err = New(Config{BaseURL: "ftp://example.com"})
	require.Error(t, err)
}

func TestChunks(t *testing.T) {
	t.Parallel()

	require.Equal(t, [][]string{{"a", "b"}, {"c"}}, chunks([]string{"a", "b", "c"}, 2))
	require.Nil(t, chunks(nil, 2))
}
