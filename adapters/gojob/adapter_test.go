package gojob

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	jobsql "github.com/goliatone/go-job/queue/adapters/postgres"
	"github.com/goliatone/go-job/queue/worker"
	"github.com/goliatone/go-shopify/adapters/gologger"
	"github.com/goliatone/go-shopify/command"
	"github.com/goliatone/go-shopify/core"
	"github.com/goliatone/go-shopify/ratelimit"
	_ "github.com/mattn/go-sqlite3"
)

func TestRetryPolicyDecide(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute}

	out := policy.Decide(1, errors.New("  platform unavailable "))
	if out.Disposition != queue.NackDispositionRetry || out.Delay != time.Second || out.Reason != "platform unavailable" {
		t.Fatalf("unexpected first attempt options: %#v", out)
	}
	if err := queue.ValidateNackOptions(out); err != nil {
		t.Fatalf("expected valid nack options: %v", err)
	}

	out = policy.Decide(3, errors.New("boom"))
	if out.Disposition != queue.NackDispositionDeadLetter {
		t.Fatalf("expected dead letter at max attempts, got %#v", out)
	}

	missing := goerrors.New("session not found", goerrors.CategoryNotFound).WithCode(http.StatusNotFound)
	if out = policy.Decide(1, missing); out.Disposition != queue.NackDispositionDeadLetter {
		t.Fatalf("expected missing session to dead letter, got %#v", out)
	}

	terminal := job.NewTerminalError(terminalInvalidMessage, "bad message", nil)
	if out = policy.Decide(1, terminal); out.Disposition != queue.NackDispositionDeadLetter || out.Reason != "bad message" {
		t.Fatalf("expected terminal error to dead letter, got %#v", out)
	}

	limited := goerrors.New("transport: admin api rate limited", goerrors.CategoryRateLimit).
		WithCode(http.StatusTooManyRequests).
		WithMetadata(map[string]any{"retry_after": "30"})
	if out = policy.Decide(1, limited); out.Disposition != queue.NackDispositionRetry || out.Delay != 30*time.Second {
		t.Fatalf("expected retry-after hint to raise the delay, got %#v", out)
	}

	throttled := ratelimit.ThrottledError{Shop: "test-shop.myshopify.com", RetryAfter: 2 * time.Minute}
	if out = policy.Decide(10, throttled); out.Disposition != queue.NackDispositionRetry || out.Delay != 2*time.Minute {
		t.Fatalf("expected throttled shop to retry past max attempts, got %#v", out)
	}
}

func TestRetryPolicyBackoffDoublesAndCaps(t *testing.T) {
	policy := RetryPolicy{BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	cases := map[int]time.Duration{0: 0, 1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second, 4: 5 * time.Second, 10: 5 * time.Second}
	for attempt, want := range cases {
		if got := policy.Backoff(attempt); got != want {
			t.Fatalf("attempt %d: expected %s, got %s", attempt, want, got)
		}
	}
	if got := (RetryPolicy{}).Backoff(3); got != 0 {
		t.Fatalf("expected zero backoff without base delay, got %s", got)
	}
}

func TestRegistrationMessageRoundTrip(t *testing.T) {
	msg, err := RegistrationMessage("Test-Shop")
	if err != nil {
		t.Fatalf("registration message: %v", err)
	}
	if msg.JobID != JobIDRegisterWebhooks || msg.IdempotencyKey != JobIDRegisterWebhooks+":test-shop.myshopify.com" {
		t.Fatalf("unexpected message %#v", msg)
	}
	if msg.DedupPolicy != job.DedupPolicyIgnore {
		t.Fatalf("expected retries to bypass the dedup tracker, got %q", msg.DedupPolicy)
	}
	if err := msg.Validate(); err != nil {
		t.Fatalf("expected valid execution message: %v", err)
	}
	shop, err := ShopFromMessage(msg)
	if err != nil || shop != "test-shop.myshopify.com" {
		t.Fatalf("expected sanitized shop, got %q err=%v", shop, err)
	}

	if _, err := RegistrationMessage("evil.example.com"); err == nil {
		t.Fatalf("expected invalid shop to be rejected")
	}
	if _, err := ShopFromMessage(&job.ExecutionMessage{JobID: "other"}); err == nil {
		t.Fatalf("expected unexpected job id to be rejected")
	}
	if _, err := ShopFromMessage(&job.ExecutionMessage{JobID: JobIDRegisterWebhooks}); err == nil {
		t.Fatalf("expected missing shop parameter to be rejected")
	}
}

func TestRegistrationJobsEnqueue(t *testing.T) {
	enqueuer := &stubEnqueuer{}
	jobs := NewRegistrationJobs(enqueuer, &stubCommander{})
	receipt, err := jobs.Enqueue(context.Background(), "test-shop.myshopify.com")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if receipt.DispatchID != "dispatch-1" {
		t.Fatalf("expected enqueue receipt, got %#v", receipt)
	}
	if enqueuer.last == nil || enqueuer.last.Parameters[ParamShop] != "test-shop.myshopify.com" {
		t.Fatalf("expected enqueued registration message, got %#v", enqueuer.last)
	}
	if _, err := NewRegistrationJobs(nil, &stubCommander{}).Enqueue(context.Background(), "test-shop"); err == nil {
		t.Fatalf("expected error without enqueuer")
	}
}

func TestRegistrationJobsExecute(t *testing.T) {
	commander := &stubCommander{}
	metrics := &recordingMetrics{}
	jobs := NewRegistrationJobs(nil, commander, WithObserver(core.NewObserver(nil, metrics)))

	msg, err := RegistrationMessage("test-shop")
	if err != nil {
		t.Fatalf("registration message: %v", err)
	}
	if err := jobs.Execute(context.Background(), msg); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(commander.shops) != 1 || commander.shops[0] != "test-shop.myshopify.com" {
		t.Fatalf("unexpected commander calls %#v", commander.shops)
	}
	if metrics.counter("shopify.jobs.register_webhooks.total") != 1 {
		t.Fatalf("expected job operation to be observed, got %#v", metrics.counters)
	}

	err = jobs.Execute(context.Background(), &job.ExecutionMessage{JobID: JobIDRegisterWebhooks})
	var terminal job.NonRetryableError
	if !errors.As(err, &terminal) || !terminal.NonRetryable() {
		t.Fatalf("expected malformed message to be terminal, got %v", err)
	}
}

func TestRegistrationJobsReschedulesThrottledShop(t *testing.T) {
	throttle := ratelimit.NewShopThrottle(nil)
	now := time.Unix(1_700_000_000, 0).UTC()
	throttle.Now = func() time.Time { return now }

	limited := goerrors.New("transport: admin api rate limited", goerrors.CategoryRateLimit).
		WithCode(http.StatusTooManyRequests).
		WithMetadata(map[string]any{"retry_after": "30"})
	commander := &stubCommander{err: limited}
	scheduler := &stubEnqueuer{}
	jobs := NewRegistrationJobs(scheduler, commander, WithThrottle(throttle))

	msg, err := RegistrationMessage("test-shop")
	if err != nil {
		t.Fatalf("registration message: %v", err)
	}
	if err := jobs.Execute(context.Background(), msg); !ratelimit.IsRateLimited(err) {
		t.Fatalf("expected rate limit error, got %v", err)
	}

	if err := jobs.Execute(context.Background(), msg); err != nil {
		t.Fatalf("expected throttled shop to be rescheduled, got %v", err)
	}
	if len(commander.shops) != 1 {
		t.Fatalf("expected throttled shop to skip the command, got %d calls", len(commander.shops))
	}
	if scheduler.delayed != 30*time.Second || scheduler.last == nil || scheduler.last.Parameters[ParamShop] != "test-shop.myshopify.com" {
		t.Fatalf("expected a fresh message delayed for the open window, got delay=%s msg=%#v", scheduler.delayed, scheduler.last)
	}

	plain := NewRegistrationJobs(plainEnqueuer{}, commander, WithThrottle(throttle))
	err = plain.Execute(context.Background(), msg)
	var throttled ratelimit.ThrottledError
	if !errors.As(err, &throttled) {
		t.Fatalf("expected throttled error without a scheduler, got %v", err)
	}
	if opts := plain.Policy().Decide(1, err); opts.Delay != 30*time.Second {
		t.Fatalf("expected retry for the open window, got %#v", opts)
	}

	now = now.Add(time.Minute)
	commander.setErr(nil)
	if err := jobs.Execute(context.Background(), msg); err != nil {
		t.Fatalf("expected registration after the window, got %v", err)
	}
	if len(commander.shops) != 2 {
		t.Fatalf("expected command to run once the window closed, got %d calls", len(commander.shops))
	}
}

func TestRegistrationWorkerAcksThroughSQLQueue(t *testing.T) {
	ctx := context.Background()
	q := newTestSQLQueue(t)
	commander := &stubCommander{}
	jobs := NewRegistrationJobs(q, commander)

	receipt, err := jobs.Enqueue(ctx, "test-shop")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if pending, err := q.Pending(ctx); err != nil || pending != 1 {
		t.Fatalf("expected one pending message, got %d err=%v", pending, err)
	}

	if outcome := waitOutcome(t, startWorker(t, jobs, q)); outcome != "success" {
		t.Fatalf("expected success, got %s", outcome)
	}
	waitDispatch(t, q, receipt.DispatchID, queue.DispatchStateSucceeded)
	if shops := commander.calls(); len(shops) != 1 || shops[0] != "test-shop.myshopify.com" {
		t.Fatalf("unexpected commander calls %#v", shops)
	}
	if pending, _ := q.Pending(ctx); pending != 0 {
		t.Fatalf("expected acked message to leave the queue, got %d", pending)
	}
}

func TestRegistrationWorkerDeadLettersPermanentFailure(t *testing.T) {
	ctx := context.Background()
	q := newTestSQLQueue(t)
	missing := goerrors.New("session not found", goerrors.CategoryNotFound).WithCode(http.StatusNotFound)
	jobs := NewRegistrationJobs(q, &stubCommander{err: missing})

	receipt, err := jobs.Enqueue(ctx, "test-shop")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if outcome := waitOutcome(t, startWorker(t, jobs, q)); outcome != "failure" {
		t.Fatalf("expected failure, got %s", outcome)
	}
	status := waitDispatch(t, q, receipt.DispatchID, queue.DispatchStateDeadLetter)
	if !strings.Contains(status.TerminalReason, "session not found") {
		t.Fatalf("expected dead-letter reason, got %#v", status)
	}
	if dead, err := q.DeadLettered(ctx); err != nil || dead != 1 {
		t.Fatalf("expected one dead letter, got %d err=%v", dead, err)
	}
}

func TestRegistrationWorkerRetriesTransientFailure(t *testing.T) {
	ctx := context.Background()
	q := newTestSQLQueue(t)
	jobs := NewRegistrationJobs(q, &stubCommander{err: errors.New("platform unavailable")},
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour}))

	receipt, err := jobs.Enqueue(ctx, "test-shop")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if outcome := waitOutcome(t, startWorker(t, jobs, q)); outcome != "retry" {
		t.Fatalf("expected retry, got %s", outcome)
	}
	status := waitDispatch(t, q, receipt.DispatchID, queue.DispatchStateRetrying)
	if status.Attempt != 1 || status.NextRunAt == nil {
		t.Fatalf("expected retry scheduled after one attempt, got %#v", status)
	}
	if pending, _ := q.Pending(ctx); pending != 1 {
		t.Fatalf("expected message kept for retry, got %d", pending)
	}
}

func TestObserverHookLogsWorkerEvents(t *testing.T) {
	logger := &recordingLogger{}
	hook := NewObserverHook(core.NewObserver(logger, nil))
	msg, err := RegistrationMessage("test-shop")
	if err != nil {
		t.Fatalf("registration message: %v", err)
	}
	event := worker.Event{
		Message:   msg,
		Attempt:   2,
		Delay:     time.Second,
		Err:       errors.New("boom"),
		StartedAt: time.Now(),
	}
	hook.OnStart(context.Background(), event)
	hook.OnRetry(context.Background(), event)
	hook.OnFailure(context.Background(), event)
	hook.OnSuccess(context.Background(), worker.Event{Message: msg})

	for _, level := range []string{"debug", "warn", "error", "info"} {
		if logger.count(level) != 1 {
			t.Fatalf("expected one %s record, got %#v", level, logger.levels)
		}
	}
	fields := eventFields(event)
	if fields["shop"] != "test-shop.myshopify.com" || fields["delay_ms"] != int64(1000) || fields["error"] != "boom" {
		t.Fatalf("unexpected event fields %#v", fields)
	}
}

func newTestSQLQueue(t *testing.T) *SQLQueue {
	t.Helper()
	dsn := fmt.Sprintf("file:gojob-%s-%d?mode=memory&cache=shared", t.Name(), time.Now().UnixNano())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	q, err := NewSQLQueue(context.Background(), db, jobsql.DialectSQLite)
	if err != nil {
		t.Fatalf("new sql queue: %v", err)
	}
	return q
}

// startWorker runs a registration worker against q until the test ends and
// returns the first settled outcome: success, failure or retry.
func startWorker(t *testing.T, jobs *RegistrationJobs, q *SQLQueue) <-chan string {
	t.Helper()
	settled := make(chan string, 1)
	report := func(outcome string) func(context.Context, worker.Event) {
		return func(context.Context, worker.Event) {
			select {
			case settled <- outcome:
			default:
			}
		}
	}
	w, err := jobs.NewWorker(q,
		worker.WithIdleDelay(5*time.Millisecond),
		worker.WithLogger(gologger.JobLogger(nil, nil, "jobs")),
		worker.WithHooks(worker.HookFuncs{
			OnSuccessFunc: report("success"),
			OnFailureFunc: report("failure"),
			OnRetryFunc:   report("retry"),
		}),
	)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start worker: %v", err)
	}
	t.Cleanup(func() {
		if err := w.Stop(context.Background()); err != nil {
			t.Errorf("stop worker: %v", err)
		}
	})
	return settled
}

func waitOutcome(t *testing.T, settled <-chan string) string {
	t.Helper()
	select {
	case outcome := <-settled:
		return outcome
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for the worker")
		return ""
	}
}

// waitDispatch polls until the dispatch reaches state. Hooks fire before the
// worker settles the delivery in storage.
func waitDispatch(t *testing.T, q *SQLQueue, dispatchID string, state queue.DispatchState) queue.DispatchStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		status, err := q.GetDispatchStatus(context.Background(), dispatchID)
		if err == nil && status.State == state {
			return status
		}
		if time.Now().After(deadline) {
			t.Fatalf("dispatch %s never reached %s: %#v err=%v", dispatchID, state, status, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type stubCommander struct {
	mu    sync.Mutex
	shops []string
	err   error
}

func (s *stubCommander) Execute(_ context.Context, msg command.RegisterShopWebhooksMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shops = append(s.shops, msg.Shop)
	return s.err
}

func (s *stubCommander) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.shops...)
}

func (s *stubCommander) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

type stubEnqueuer struct {
	last    *job.ExecutionMessage
	delayed time.Duration
}

func (s *stubEnqueuer) Enqueue(_ context.Context, msg *job.ExecutionMessage) (queue.EnqueueReceipt, error) {
	s.last = msg
	return queue.EnqueueReceipt{DispatchID: "dispatch-1", EnqueuedAt: time.Now()}, nil
}

func (s *stubEnqueuer) EnqueueAt(ctx context.Context, msg *job.ExecutionMessage, at time.Time) (queue.EnqueueReceipt, error) {
	return s.EnqueueAfter(ctx, msg, time.Until(at))
}

func (s *stubEnqueuer) EnqueueAfter(ctx context.Context, msg *job.ExecutionMessage, delay time.Duration) (queue.EnqueueReceipt, error) {
	s.delayed = delay
	return s.Enqueue(ctx, msg)
}

type plainEnqueuer struct{}

func (plainEnqueuer) Enqueue(context.Context, *job.ExecutionMessage) (queue.EnqueueReceipt, error) {
	return queue.EnqueueReceipt{}, nil
}

type recordingMetrics struct {
	mu       sync.Mutex
	counters map[string]int64
}

func (m *recordingMetrics) IncCounter(_ context.Context, name string, value int64, _ map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters == nil {
		m.counters = map[string]int64{}
	}
	m.counters[name] += value
}

func (m *recordingMetrics) ObserveHistogram(context.Context, string, float64, map[string]string) {}

func (m *recordingMetrics) counter(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

type recordingLogger struct {
	mu     sync.Mutex
	levels []string
}

func (l *recordingLogger) Trace(string, ...any) { l.record("trace") }
func (l *recordingLogger) Debug(string, ...any) { l.record("debug") }
func (l *recordingLogger) Info(string, ...any)  { l.record("info") }
func (l *recordingLogger) Warn(string, ...any)  { l.record("warn") }
func (l *recordingLogger) Error(string, ...any) { l.record("error") }
func (l *recordingLogger) Fatal(string, ...any) { l.record("fatal") }

func (l *recordingLogger) WithContext(context.Context) core.Logger { return l }

func (l *recordingLogger) record(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.levels = append(l.levels, level)
}

func (l *recordingLogger) count(level string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for _, got := range l.levels {
		if got == level {
			count++
		}
	}
	return count
}
