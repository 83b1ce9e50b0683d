package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeHost(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://api.example.com/path", "api.example.com"},
		{"standard https", "https://API.example.com/path", "api.example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeHost(tc.input); got != tc.expected {
				t.Errorf("SanitizeHost(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if httpRequestsTotal == nil || pollRoundsTotal == nil || pushMessagesTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestPushObservers(t *testing.T) {
	Init()
	before := testutil.ToFloat64(pushMessagesTotal.WithLabelValues("test-transport", "progress"))
	ObservePushMessage("test-transport", "progress")
	if got := testutil.ToFloat64(pushMessagesTotal.WithLabelValues("test-transport", "progress")); got != before+1 {
		t.Errorf("expected push messages to grow by 1, got %f -> %f", before, got)
	}

	ObservePushDecodeError("test-transport")
	if got := testutil.ToFloat64(pushDecodeErrorsTotal.WithLabelValues("test-transport")); got < 1 {
		t.Errorf("expected decode errors to be counted, got %f", got)
	}

	SetPushConnected("test-transport", true)
	if got := testutil.ToFloat64(pushConnected.WithLabelValues("test-transport")); got != 1 {
		t.Errorf("expected connected gauge 1, got %f", got)
	}
	SetPushConnected("test-transport", false)
	if got := testutil.ToFloat64(pushConnected.WithLabelValues("test-transport")); got != 0 {
		t.Errorf("expected connected gauge 0, got %f", got)
	}
}

func TestPollObservers(t *testing.T) {
	Init()
	before := testutil.ToFloat64(pollRoundsTotal.WithLabelValues("test-result"))
	ObservePollRound("test-result", 30*time.Millisecond)
	if got := testutil.ToFloat64(pollRoundsTotal.WithLabelValues("test-result")); got != before+1 {
		t.Errorf("expected poll rounds to grow by 1, got %f -> %f", before, got)
	}
	ObserveRateLimitDelay("api.example.com", 10*time.Millisecond)
	if got := testutil.CollectAndCount(pollRateLimitDelaySeconds); got < 1 {
		t.Errorf("expected rate limit delay observation, got %d series", got)
	}
}

// Fuzz test for SanitizeHost.
func FuzzSanitizeHost(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeHost(orig) == "" {
			t.Errorf("SanitizeHost(%q) returned empty string", orig)
		}
	})
}
