package verifier

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// testMode keeps retries fast so tests stay well under a second each.
var testMode = Mode{
	Name:           "test",
	ConnectTimeout: 500 * time.Millisecond,
	ReadTimeout:    500 * time.Millisecond,
	WarmupTries:    1,
	CheckTries:     3,
	Backoff:        5 * time.Millisecond,
	TotalDeadline:  2 * time.Second,
}

func newTestServer(t *testing.T, check http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/check", check)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestCheckAccessAllow(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("bad request payload: %v", err)
		}
		if payload["token"] != "AAAA-BBBB-CCCC" || payload["machine_id"] != "m1" {
			t.Errorf("unexpected payload: %v", payload)
		}
		json.NewEncoder(w).Encode(Verdict{Allow: true, Reason: "OK", TTLSeconds: 60})
	})

	client := New(srv.URL, testMode, zerolog.Nop())
	verdict := client.CheckAccess("AAAA-BBBB-CCCC", "m1", "1.0.0")

	if !verdict.Allow {
		t.Fatalf("expected allow, got %q", verdict.Reason)
	}
	if verdict.TTLSeconds != 60 {
		t.Errorf("TTLSeconds = %d, want 60", verdict.TTLSeconds)
	}
}

func TestCheckAccessCleanDenyNotRetried(t *testing.T) {
	var calls int32
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(Verdict{Allow: false, Reason: "Invalid token", TTLSeconds: 3600})
	})

	client := New(srv.URL, testMode, zerolog.Nop())
	verdict := client.CheckAccess("BAD", "m1", "1.0.0")

	if verdict.Allow {
		t.Fatal("expected deny")
	}
	if verdict.Reason != "Invalid token" {
		t.Errorf("Reason = %q", verdict.Reason)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("check called %d times, a clean deny must not be retried", n)
	}
}

func TestCheckAccessRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(Verdict{Allow: true, Reason: "OK", TTLSeconds: 60})
	})

	client := New(srv.URL, testMode, zerolog.Nop())
	verdict := client.CheckAccess("AAAA-BBBB-CCCC", "m1", "1.0.0")

	if !verdict.Allow {
		t.Fatalf("expected allow after retries, got %q", verdict.Reason)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("check called %d times, want 3", n)
	}
}

func TestCheckAccessBadJSONIsRetryableFailure(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	})

	client := New(srv.URL, testMode, zerolog.Nop())
	verdict := client.CheckAccess("AAAA-BBBB-CCCC", "m1", "1.0.0")

	if verdict.Allow {
		t.Fatal("expected deny")
	}
	if verdict.Reason != "Bad JSON from server" {
		t.Errorf("Reason = %q", verdict.Reason)
	}
	if verdict.TTLSeconds != 5 {
		t.Errorf("TTLSeconds = %d, want 5", verdict.TTLSeconds)
	}
}

func TestCheckAccessUnreachableServer(t *testing.T) {
	mode := testMode
	mode.CheckTries = 1
	mode.WarmupTries = 0

	// Nothing listens here.
	client := New("http://127.0.0.1:1", mode, zerolog.Nop())
	verdict := client.CheckAccess("AAAA-BBBB-CCCC", "m1", "1.0.0")

	if verdict.Allow {
		t.Fatal("expected deny when the server is unreachable")
	}
	if !strings.HasPrefix(verdict.Reason, "Network error") {
		t.Errorf("Reason = %q, want a network error", verdict.Reason)
	}
}

func TestCheckAccessDeadlineExhausted(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(150 * time.Millisecond)
		w.WriteHeader(http.StatusInternalServerError)
	})

	mode := testMode
	mode.TotalDeadline = 100 * time.Millisecond
	mode.CheckTries = 5

	client := New(srv.URL, mode, zerolog.Nop())
	verdict := client.CheckAccess("AAAA-BBBB-CCCC", "m1", "1.0.0")

	if verdict.Allow {
		t.Fatal("expected deny on deadline exhaustion")
	}
	if !strings.HasPrefix(verdict.Reason, "Timed out") {
		t.Errorf("Reason = %q, want a timeout", verdict.Reason)
	}
}

func TestModeByName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"fast", "fast"},
		{"BALANCED", "balanced"},
		{" tolerant ", "tolerant"},
		{"", "fast"},
		{"bogus", "fast"},
	}
	for _, tt := range tests {
		if got := ModeByName(tt.in).Name; got != tt.want {
			t.Errorf("ModeByName(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
