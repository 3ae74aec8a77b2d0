// Package verifier is the client-side access check: a warm-up ping followed
// by bounded-deadline validation attempts against the licensing server. Any
// state still unresolved when the deadline runs out denies access locally.
package verifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Verdict mirrors the server's check response.
type Verdict struct {
	Allow      bool   `json:"allow"`
	Reason     string `json:"reason"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// Mode bounds one full access check: per-attempt timeouts, attempt budgets,
// backoff base and the total wall-clock deadline.
type Mode struct {
	Name           string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WarmupTries    int
	CheckTries     int
	Backoff        time.Duration
	TotalDeadline  time.Duration
}

// Fast fails in roughly 4-6s when the server is unreachable; Balanced is a
// bit more patient; Tolerant rides out cold starts on free-tier hosting.
var (
	Fast = Mode{
		Name: "fast", ConnectTimeout: 2 * time.Second, ReadTimeout: 3 * time.Second,
		WarmupTries: 1, CheckTries: 1, Backoff: 400 * time.Millisecond, TotalDeadline: 6 * time.Second,
	}
	Balanced = Mode{
		Name: "balanced", ConnectTimeout: 3 * time.Second, ReadTimeout: 5 * time.Second,
		WarmupTries: 2, CheckTries: 2, Backoff: 800 * time.Millisecond, TotalDeadline: 12 * time.Second,
	}
	Tolerant = Mode{
		Name: "tolerant", ConnectTimeout: 4 * time.Second, ReadTimeout: 8 * time.Second,
		WarmupTries: 3, CheckTries: 2, Backoff: 1100 * time.Millisecond, TotalDeadline: 20 * time.Second,
	}
)

// ModeByName resolves a mode name, defaulting to Fast.
func ModeByName(name string) Mode {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "balanced":
		return Balanced
	case "tolerant":
		return Tolerant
	default:
		return Fast
	}
}

// ModeFromEnv picks the mode from MAYA_VERIFY_MODE.
func ModeFromEnv() Mode {
	return ModeByName(os.Getenv("MAYA_VERIFY_MODE"))
}

// Client performs the access check against a licensing server.
type Client struct {
	baseURL    string
	mode       Mode
	httpClient *http.Client
	logger     zerolog.Logger
}

// New creates a verification client. The HTTP client timeout covers connect
// plus read for a single attempt; overall timing is governed by the mode's
// total deadline.
func New(baseURL string, mode Mode, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		mode:    mode,
		httpClient: &http.Client{
			Timeout: mode.ConnectTimeout + mode.ReadTimeout,
		},
		logger: logger,
	}
}

// CheckAccess runs the full warm-up plus check sequence and always returns a
// verdict: a denial with a timeout reason when the deadline is exhausted,
// the last failure otherwise.
func (c *Client) CheckAccess(token, machineID, version string) Verdict {
	start := time.Now()

	c.warmup(start)

	payload := map[string]string{
		"token":      token,
		"machine_id": machineID,
		"version":    version,
	}

	last := Verdict{Allow: false, Reason: "Timeout", TTLSeconds: 5}
	for i := 0; i < c.mode.CheckTries; i++ {
		if c.remaining(start) <= 0 {
			break
		}
		verdict, ok := c.postCheck(payload)
		if ok {
			// A clean deny is a final answer, not a failure to retry.
			return verdict
		}
		last = verdict
		c.sleepBackoff(i, start)
	}

	if c.remaining(start) <= 0 {
		c.logger.Warn().Dur("deadline", c.mode.TotalDeadline).Msg("access check deadline exhausted")
		return Verdict{
			Allow:      false,
			Reason:     fmt.Sprintf("Timed out after ~%ds", int(c.mode.TotalDeadline.Seconds())),
			TTLSeconds: 5,
		}
	}
	return last
}

// warmup pings /health to wake the server. Failures are non-fatal and never
// produce a verdict on their own.
func (c *Client) warmup(start time.Time) {
	url := c.baseURL + "/health"
	for i := 0; i < c.mode.WarmupTries; i++ {
		if c.remaining(start) <= 0 {
			return
		}
		resp, err := c.httpClient.Get(url)
		if err == nil {
			resp.Body.Close()
			// Any response at all means the server is awake.
			return
		}
		c.logger.Debug().Err(err).Int("attempt", i+1).Msg("warm-up ping failed")
		c.sleepBackoff(i, start)
	}
}

// postCheck performs one validation attempt. The bool reports structural
// success: a parsed 200 response, allow or deny. Network errors, non-200
// statuses and malformed bodies are retryable failures.
func (c *Client) postCheck(payload map[string]string) (Verdict, bool) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Verdict{Allow: false, Reason: fmt.Sprintf("Encode error: %v", err), TTLSeconds: 5}, false
	}

	resp, err := c.httpClient.Post(c.baseURL+"/check", "application/json", bytes.NewReader(body))
	if err != nil {
		return Verdict{Allow: false, Reason: fmt.Sprintf("Network error: %v", err), TTLSeconds: 5}, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Verdict{Allow: false, Reason: fmt.Sprintf("Server error: %d", resp.StatusCode), TTLSeconds: 5}, false
	}

	var verdict Verdict
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return Verdict{Allow: false, Reason: "Bad JSON from server", TTLSeconds: 5}, false
	}
	if verdict.Reason == "" && !verdict.Allow {
		return Verdict{Allow: false, Reason: "Bad JSON from server", TTLSeconds: 5}, false
	}

	return verdict, true
}

func (c *Client) remaining(start time.Time) time.Duration {
	left := c.mode.TotalDeadline - time.Since(start)
	if left < 0 {
		return 0
	}
	return left
}

// sleepBackoff sleeps for an exponentially growing interval, clamped to the
// remaining deadline.
func (c *Client) sleepBackoff(attempt int, start time.Time) {
	sleep := c.mode.Backoff * (1 << attempt)
	if left := c.remaining(start); sleep > left {
		sleep = left
	}
	if sleep > 0 {
		time.Sleep(sleep)
	}
}
