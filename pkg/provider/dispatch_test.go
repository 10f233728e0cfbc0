package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/seapen/seapen/pkg/credential"
)

// fakeCompleter scripts per-secret outcomes and counts calls.
type fakeCompleter struct {
	calls    int
	bySecret map[string][]error // popped per call; nil entry means success
}

func (f *fakeCompleter) Complete(_ context.Context, _ CompletionRequest, secret string) (*CompletionResponse, error) {
	f.calls++
	queue := f.bySecret[secret]
	if len(queue) == 0 {
		return &CompletionResponse{Text: "ok from " + secret}, nil
	}
	err := queue[0]
	f.bySecret[secret] = queue[1:]
	if err == nil {
		return &CompletionResponse{Text: "ok from " + secret}, nil
	}
	return nil, err
}

func noSleep(_ context.Context, _ time.Duration) error { return nil }

func newTestDispatcher(client Completer, secrets ...string) (*Dispatcher, *credential.Pool) {
	pool := credential.NewPool()
	for _, s := range secrets {
		pool.Add(s)
	}
	d := NewDispatcher(pool, client, WithBackoff(BackoffLinear, time.Millisecond), withSleep(noSleep))
	return d, pool
}

func TestDispatch_FailoverWithinRound(t *testing.T) {
	client := &fakeCompleter{bySecret: map[string][]error{
		"k1": {&RateLimitedError{Status: 429, Cooldown: 30 * time.Second}},
	}}
	d, pool := newTestDispatcher(client, "k1", "k2")

	resp, err := d.Dispatch(context.Background(), CompletionRequest{Model: "m", Prompt: "p"}, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "ok from k2" {
		t.Errorf("expected slot 2 success, got %q", resp.Text)
	}
	if client.calls != 2 {
		t.Errorf("expected 2 calls, got %d", client.calls)
	}

	snap := pool.Snapshot()
	if !snap[0].RateLimited || snap[0].FailureCount != 1 {
		t.Errorf("slot 1 should be rate-limited with one failure: %+v", snap[0])
	}
	if snap[1].UsageCount != 1 {
		t.Errorf("slot 2 should record the successful use: %+v", snap[1])
	}
}

func TestDispatch_StopsAtFirstSuccess(t *testing.T) {
	client := &fakeCompleter{bySecret: map[string][]error{}}
	d, _ := newTestDispatcher(client, "k1", "k2", "k3")

	if _, err := d.Dispatch(context.Background(), CompletionRequest{Model: "m", Prompt: "p"}, 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.calls != 1 {
		t.Errorf("no further candidates may be tried after a success, got %d calls", client.calls)
	}
}

func TestDispatch_ExhaustedAfterMaxRounds(t *testing.T) {
	client := &fakeCompleter{bySecret: map[string][]error{
		"k1": {&GenericError{Status: 500}, &GenericError{Status: 500}},
		"k2": {&GenericError{Status: 502}, &GenericError{Status: 502}},
	}}
	d, _ := newTestDispatcher(client, "k1", "k2")

	_, err := d.Dispatch(context.Background(), CompletionRequest{Model: "m", Prompt: "p"}, 2)
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if ex.Rounds != 2 {
		t.Errorf("expected 2 rounds recorded, got %d", ex.Rounds)
	}
	if len(ex.Attempts) != 4 {
		t.Errorf("expected 4 attempts (2 candidates x 2 rounds), got %d", len(ex.Attempts))
	}
	if client.calls > 2*2 {
		t.Errorf("endpoint called more than candidates x rounds: %d", client.calls)
	}
}

func TestDispatch_NoCredentials(t *testing.T) {
	d, _ := newTestDispatcher(&fakeCompleter{bySecret: map[string][]error{}})
	_, err := d.Dispatch(context.Background(), CompletionRequest{Model: "m", Prompt: "p"}, 2)
	var nc *NoCredentialsError
	if !errors.As(err, &nc) {
		t.Fatalf("expected NoCredentialsError, got %v", err)
	}
}

func TestDispatch_NoCredentialsWhenPoolExhaustsMidDispatch(t *testing.T) {
	client := &fakeCompleter{bySecret: map[string][]error{
		"k1": {&RateLimitedError{Status: 429, Cooldown: 30 * time.Second}},
	}}
	d, _ := newTestDispatcher(client, "k1")

	_, err := d.Dispatch(context.Background(), CompletionRequest{Model: "m", Prompt: "p"}, 3)
	var nc *NoCredentialsError
	if !errors.As(err, &nc) {
		t.Fatalf("an empty round must fail with NoCredentials, got %v", err)
	}
	if client.calls != 1 {
		t.Errorf("no calls may follow an empty selection, got %d", client.calls)
	}
}

func TestDispatch_AuthFailureDisablesCredential(t *testing.T) {
	client := &fakeCompleter{bySecret: map[string][]error{
		"k1": {&AuthError{Status: 401}},
	}}
	d, pool := newTestDispatcher(client, "k1", "k2")

	if _, err := d.Dispatch(context.Background(), CompletionRequest{Model: "m", Prompt: "p"}, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap := pool.Snapshot(); snap[0].Valid {
		t.Error("auth failure should invalidate slot 1")
	}
}

func TestDispatch_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d, _ := newTestDispatcher(&fakeCompleter{bySecret: map[string][]error{}}, "k1")
	_, err := d.Dispatch(ctx, CompletionRequest{Model: "m", Prompt: "p"}, 1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	base := time.Second
	cases := []struct {
		strategy BackoffStrategy
		round    int
		want     time.Duration
	}{
		{BackoffLinear, 0, time.Second},
		{BackoffLinear, 2, 3 * time.Second},
		{BackoffExponential, 0, time.Second},
		{BackoffExponential, 3, 8 * time.Second},
		{BackoffFibonacci, 0, time.Second},
		{BackoffFibonacci, 1, time.Second},
		{BackoffFibonacci, 4, 5 * time.Second},
	}
	for _, tc := range cases {
		if got := tc.strategy.Delay(base, tc.round); got != tc.want {
			t.Errorf("%s round %d: got %v, want %v", tc.strategy, tc.round, got, tc.want)
		}
	}
}
