package stage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastPolicy() Policy {
	return Policy{
		AttemptTimeout: 50 * time.Millisecond,
		Deadline:       2 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

type fakeRecorder struct {
	mu       sync.Mutex
	attempts int
	retries  int
	outcomes []string
}

func (r *fakeRecorder) RecordStageAttempt(stage string, retry bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	if retry {
		r.retries++
	}
}

func (r *fakeRecorder) RecordStageResult(stage, outcome string, attempts int, durationSeconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func TestClientSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	call := func(ctx context.Context, req string) (string, error) {
		calls++
		if calls <= 2 {
			return "", Failf(ReasonServiceUnavailable, "upstream returned 503")
		}
		return "ok:" + req, nil
	}

	rec := &fakeRecorder{}
	client, err := NewClient(Analysis, fastPolicy(), call, testLogger(), rec)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	got, err := client.Call(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if got != "ok:hello" {
		t.Errorf("Expected ok:hello, got %q", got)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
	if rec.attempts != 3 || rec.retries != 2 {
		t.Errorf("Expected 3 attempts with 2 retries, got %d/%d", rec.attempts, rec.retries)
	}
	if len(rec.outcomes) != 1 || rec.outcomes[0] != "success" {
		t.Errorf("Expected a single success outcome, got %v", rec.outcomes)
	}
}

func TestClientExhaustsRetriesOnTimeout(t *testing.T) {
	calls := 0
	call := func(ctx context.Context, req string) (string, error) {
		calls++
		<-ctx.Done()
		return "", ctx.Err()
	}

	client, err := NewClient(Analysis, fastPolicy(), call, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	_, err = client.Call(context.Background(), "hello")

	var serr *Error
	if !errors.As(err, &serr) {
		t.Fatalf("Expected *Error, got %T: %v", err, err)
	}
	if serr.Stage != Analysis {
		t.Errorf("Expected stage %s, got %s", Analysis, serr.Stage)
	}
	if serr.Reason != ReasonTimeout {
		t.Errorf("Expected reason %s, got %s", ReasonTimeout, serr.Reason)
	}
	if serr.Attempts != 3 || calls != 3 {
		t.Errorf("Expected 3 attempts, got %d (calls %d)", serr.Attempts, calls)
	}
}

func TestClientDoesNotRetryPermanentFailures(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason Reason
	}{
		{name: "content rejected", err: Failf(ReasonContentRejected, "blocked"), reason: ReasonContentRejected},
		{name: "unintelligible", err: Failf(ReasonUnintelligible, "no speech"), reason: ReasonUnintelligible},
		{name: "unclassified error", err: errors.New("bad payload"), reason: ReasonRejected},
		{name: "forced no retry", err: NoRetry(Failf(ReasonServiceUnavailable, "stream broke")), reason: ReasonServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			call := func(ctx context.Context, req int) (int, error) {
				calls++
				return 0, tt.err
			}

			client, err := NewClient(Lyrics, fastPolicy(), call, testLogger(), nil)
			if err != nil {
				t.Fatalf("NewClient failed: %v", err)
			}

			_, err = client.Call(context.Background(), 1)
			var serr *Error
			if !errors.As(err, &serr) {
				t.Fatalf("Expected *Error, got %v", err)
			}
			if serr.Reason != tt.reason {
				t.Errorf("Expected reason %s, got %s", tt.reason, serr.Reason)
			}
			if calls != 1 {
				t.Errorf("Expected a single attempt, got %d", calls)
			}
		})
	}
}

func TestClientCancellation(t *testing.T) {
	started := make(chan struct{})
	call := func(ctx context.Context, req string) (string, error) {
		close(started)
		<-ctx.Done()
		return "late result", nil
	}

	policy := fastPolicy()
	policy.AttemptTimeout = 5 * time.Second
	policy.Deadline = 10 * time.Second
	client, err := NewClient(Synthesis, policy, call, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	begin := time.Now()
	got, err := client.Call(ctx, "song")

	if got != "" {
		t.Errorf("Expected no result after cancellation, got %q", got)
	}
	var serr *Error
	if !errors.As(err, &serr) || serr.Reason != ReasonCancelled {
		t.Fatalf("Expected Cancelled error, got %v", err)
	}
	if time.Since(begin) > time.Second {
		t.Errorf("Cancellation took too long: %v", time.Since(begin))
	}
}

func TestClientOverallDeadline(t *testing.T) {
	calls := 0
	call := func(ctx context.Context, req string) (string, error) {
		calls++
		time.Sleep(30 * time.Millisecond)
		return "", Failf(ReasonServiceUnavailable, "busy")
	}

	policy := Policy{
		AttemptTimeout: 50 * time.Millisecond,
		Deadline:       100 * time.Millisecond,
		MaxAttempts:    50,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
	}
	client, err := NewClient(Transcription, policy, call, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	_, err = client.Call(context.Background(), "x")
	var serr *Error
	if !errors.As(err, &serr) {
		t.Fatalf("Expected *Error, got %v", err)
	}
	if serr.Reason != ReasonTimeout && serr.Reason != ReasonServiceUnavailable {
		t.Errorf("Expected Timeout or ServiceUnavailable, got %s", serr.Reason)
	}
	if calls >= 50 {
		t.Errorf("Expected deadline to stop retries early, got %d calls", calls)
	}
}

func TestNewClientValidation(t *testing.T) {
	call := func(ctx context.Context, req string) (string, error) { return req, nil }

	if _, err := NewClient[string, string]("", fastPolicy(), call, testLogger(), nil); err == nil {
		t.Error("Expected error for empty stage name")
	}
	if _, err := NewClient[string, string](Analysis, fastPolicy(), nil, testLogger(), nil); err == nil {
		t.Error("Expected error for nil call")
	}
	bad := fastPolicy()
	bad.MaxAttempts = 0
	if _, err := NewClient(Analysis, bad, call, testLogger(), nil); err == nil {
		t.Error("Expected error for invalid policy")
	}
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(*Policy)
		expectErr bool
	}{
		{name: "valid", modify: func(p *Policy) {}, expectErr: false},
		{name: "zero attempt timeout", modify: func(p *Policy) { p.AttemptTimeout = 0 }, expectErr: true},
		{name: "deadline shorter than attempt", modify: func(p *Policy) { p.Deadline = 10 * time.Millisecond }, expectErr: true},
		{name: "zero attempts", modify: func(p *Policy) { p.MaxAttempts = 0 }, expectErr: true},
		{name: "zero backoff", modify: func(p *Policy) { p.InitialBackoff = 0 }, expectErr: true},
		{name: "cap below initial", modify: func(p *Policy) { p.MaxBackoff = time.Microsecond }, expectErr: true},
		{name: "cap not below deadline", modify: func(p *Policy) { p.MaxBackoff = 2 * time.Second }, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := fastPolicy()
			tt.modify(&p)
			err := p.Validate()
			if tt.expectErr && err == nil {
				t.Error("Expected error but got none")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestPolicyWorstCase(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		want   time.Duration
	}{
		{
			name:   "single attempt",
			policy: Policy{AttemptTimeout: time.Second, Deadline: 2 * time.Second, MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
			want:   time.Second,
		},
		{
			name:   "doubling backoff",
			policy: Policy{AttemptTimeout: time.Second, Deadline: 5 * time.Second, MaxAttempts: 3, InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second},
			want:   3*time.Second + 300*time.Millisecond,
		},
		{
			name:   "capped backoff",
			policy: Policy{AttemptTimeout: time.Second, Deadline: 10 * time.Second, MaxAttempts: 4, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 600 * time.Millisecond},
			want:   4*time.Second + 500*time.Millisecond + 600*time.Millisecond + 600*time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.WorstCase(); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}
