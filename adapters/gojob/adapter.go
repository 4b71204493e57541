package gojob

import (
	"context"
	"fmt"
	"strings"
	"time"

	gocmd "github.com/goliatone/go-command"
	goerrors "github.com/goliatone/go-errors"
	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
	"github.com/goliatone/go-shopify/command"
	"github.com/goliatone/go-shopify/core"
	"github.com/goliatone/go-shopify/ratelimit"
)

const (
	JobIDRegisterWebhooks = "shopify.webhooks.register"
	ParamShop             = "shop"

	terminalInvalidMessage job.TerminalErrorCode = "invalid_registration_message"
)

// RetryPolicy decides how the worker settles a failed registration. It
// satisfies worker.RetryPolicy.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   5 * time.Second,
		MaxDelay:    5 * time.Minute,
	}
}

// Decide dead-letters terminal and permanent failures and anything past
// MaxAttempts. Throttled shops are always retried once their window closes.
func (p RetryPolicy) Decide(attempt int, err error) queue.NackOptions {
	reason := ""
	if err != nil {
		reason = strings.TrimSpace(err.Error())
	}

	var throttled ratelimit.ThrottledError
	if goerrors.As(err, &throttled) {
		return queue.NackOptions{
			Disposition: queue.NackDispositionRetry,
			Delay:       throttled.RetryAfter,
			Reason:      reason,
		}
	}

	var terminal job.NonRetryableError
	if goerrors.As(err, &terminal) && terminal.NonRetryable() {
		return queue.NackOptions{Disposition: queue.NackDispositionDeadLetter, Reason: terminal.NonRetryableReason()}
	}
	if permanent(err) {
		return queue.NackOptions{Disposition: queue.NackDispositionDeadLetter, Reason: reason}
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		return queue.NackOptions{Disposition: queue.NackDispositionDeadLetter, Reason: reason}
	}

	delay := p.Backoff(attempt)
	if wait, ok := ratelimit.RetryAfter(err); ok && wait > delay {
		delay = wait
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return queue.NackOptions{Disposition: queue.NackDispositionRetry, Delay: delay, Reason: reason}
}

// Backoff doubles BaseDelay per attempt, capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 || attempt <= 0 {
		return 0
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return delay
}

// RegistrationMessage builds the job message that re-registers webhooks for
// shop. Reconciling is idempotent, so repeated messages for one shop are
// left to run.
func RegistrationMessage(shop string) (*job.ExecutionMessage, error) {
	sanitized, err := core.SanitizeShop(shop)
	if err != nil {
		return nil, fmt.Errorf("gojob: %w", err)
	}
	return &job.ExecutionMessage{
		JobID:          JobIDRegisterWebhooks,
		ScriptPath:     JobIDRegisterWebhooks,
		Parameters:     map[string]any{ParamShop: sanitized},
		IdempotencyKey: JobIDRegisterWebhooks + ":" + sanitized,
		DedupPolicy:    job.DedupPolicyIgnore,
	}, nil
}

func ShopFromMessage(msg *job.ExecutionMessage) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("gojob: execution message is required")
	}
	if strings.TrimSpace(msg.JobID) != JobIDRegisterWebhooks {
		return "", fmt.Errorf("gojob: unexpected job id %q", msg.JobID)
	}
	shop, _ := msg.Parameters[ParamShop].(string)
	if strings.TrimSpace(shop) == "" {
		return "", fmt.Errorf("gojob: %s parameter is required", ParamShop)
	}
	return core.SanitizeShop(shop)
}

type Option func(*RegistrationJobs)

// Throttle holds registrations back for shops the Admin API rate limited.
type Throttle interface {
	BeforeCall(ctx context.Context, shop string) error
	AfterCall(ctx context.Context, shop string, callErr error) error
}

func WithRetryPolicy(policy RetryPolicy) Option {
	return func(j *RegistrationJobs) {
		j.policy = policy
	}
}

func WithThrottle(throttle Throttle) Option {
	return func(j *RegistrationJobs) {
		j.throttle = throttle
	}
}

func WithObserver(observer *core.Observer) Option {
	return func(j *RegistrationJobs) {
		if observer != nil {
			j.observer = observer
		}
	}
}

// RegistrationJobs enqueues webhook registration for single shops and runs
// it as a go-job task.
type RegistrationJobs struct {
	enqueuer  queue.Enqueuer
	commander gocmd.Commander[command.RegisterShopWebhooksMessage]
	policy    RetryPolicy
	throttle  Throttle
	observer  *core.Observer
}

func NewRegistrationJobs(
	enqueuer queue.Enqueuer,
	commander gocmd.Commander[command.RegisterShopWebhooksMessage],
	opts ...Option,
) *RegistrationJobs {
	j := &RegistrationJobs{
		enqueuer:  enqueuer,
		commander: commander,
		policy:    DefaultRetryPolicy(),
		observer:  core.NewObserver(nil, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(j)
		}
	}
	return j
}

func (j *RegistrationJobs) Enqueue(ctx context.Context, shop string) (queue.EnqueueReceipt, error) {
	if j == nil || j.enqueuer == nil {
		return queue.EnqueueReceipt{}, fmt.Errorf("gojob: enqueuer is not configured")
	}
	msg, err := RegistrationMessage(shop)
	if err != nil {
		return queue.EnqueueReceipt{}, err
	}
	return j.enqueuer.Enqueue(ctx, msg)
}

func (j *RegistrationJobs) Policy() RetryPolicy {
	return j.policy
}

// Task exposes the registration as a go-job task for a worker registry.
func (j *RegistrationJobs) Task() job.Task {
	return registrationTask{jobs: j}
}

// NewWorker builds a go-job worker that runs registrations from dequeuer
// under the retry policy and reports lifecycle events to the observer.
func (j *RegistrationJobs) NewWorker(dequeuer queue.Dequeuer, opts ...worker.Option) (*worker.Worker, error) {
	if j == nil || j.commander == nil {
		return nil, fmt.Errorf("gojob: registration command is not configured")
	}
	base := []worker.Option{
		worker.WithRetryPolicy(j.policy),
		worker.WithHooks(NewObserverHook(j.observer)),
	}
	w := worker.NewWorker(dequeuer, append(base, opts...)...)
	if err := w.Register(j.Task()); err != nil {
		return nil, fmt.Errorf("gojob: register task: %w", err)
	}
	return w, nil
}

// Execute runs the registration command for one message. A throttled shop
// is rescheduled as a fresh message when the enqueuer supports delays, so
// the wait does not count against the retry budget.
func (j *RegistrationJobs) Execute(ctx context.Context, msg *job.ExecutionMessage) (err error) {
	if j == nil || j.commander == nil {
		return fmt.Errorf("gojob: registration command is not configured")
	}
	startedAt := time.Now()
	fields := map[string]any{"job_id": JobIDRegisterWebhooks}
	defer func() {
		j.observer.ObserveOperation(ctx, startedAt, "jobs.register_webhooks", err, fields)
	}()

	shop, err := ShopFromMessage(msg)
	if err != nil {
		return job.NewTerminalError(terminalInvalidMessage, err.Error(), err)
	}
	fields["shop"] = shop

	if j.throttle != nil {
		if throttleErr := j.throttle.BeforeCall(ctx, shop); throttleErr != nil {
			fields["throttled"] = true
			return j.reschedule(ctx, msg, throttleErr, fields)
		}
	}

	runErr := j.commander.Execute(ctx, command.RegisterShopWebhooksMessage{Shop: shop})
	if j.throttle != nil {
		if throttleErr := j.throttle.AfterCall(ctx, shop, runErr); throttleErr != nil {
			j.observer.Log(ctx, "warn", "jobs: record throttle state failed", map[string]any{"shop": shop, "error": throttleErr.Error()})
		}
	}
	return runErr
}

func (j *RegistrationJobs) reschedule(ctx context.Context, msg *job.ExecutionMessage, throttleErr error, fields map[string]any) error {
	scheduler, ok := j.enqueuer.(queue.ScheduledEnqueuer)
	if !ok {
		return throttleErr
	}
	wait, _ := ratelimit.RetryAfter(throttleErr)
	next := *msg
	next.Result = nil
	receipt, err := scheduler.EnqueueAfter(ctx, &next, wait)
	if err != nil {
		return throttleErr
	}
	fields["rescheduled_dispatch_id"] = receipt.DispatchID
	fields["rescheduled_in_ms"] = wait.Milliseconds()
	return nil
}

// permanent reports failures a retry cannot fix: bad input, a missing
// session, or a token the platform rejected.
func permanent(err error) bool {
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		return false
	}
	switch rich.Category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation, goerrors.CategoryNotFound,
		goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return true
	default:
		return false
	}
}

type registrationTask struct {
	jobs *RegistrationJobs
}

func (t registrationTask) GetID() string   { return JobIDRegisterWebhooks }
func (t registrationTask) GetPath() string { return JobIDRegisterWebhooks }

func (t registrationTask) GetHandler() func() error {
	return func() error {
		return fmt.Errorf("gojob: %s runs from queue deliveries only", JobIDRegisterWebhooks)
	}
}

func (t registrationTask) GetHandlerConfig() job.HandlerOptions { return job.HandlerOptions{} }
func (t registrationTask) GetConfig() job.Config                { return job.Config{} }
func (t registrationTask) GetEngine() job.Engine                { return nil }

func (t registrationTask) Execute(ctx context.Context, msg *job.ExecutionMessage) error {
	return t.jobs.Execute(ctx, msg)
}

// ObserverHook reports go-job worker lifecycle events through a
// core.Observer.
type ObserverHook struct {
	observer *core.Observer
}

func NewObserverHook(observer *core.Observer) *ObserverHook {
	if observer == nil {
		observer = core.NewObserver(nil, nil)
	}
	return &ObserverHook{observer: observer}
}

func (h *ObserverHook) OnStart(ctx context.Context, event worker.Event) {
	h.log(ctx, "debug", "jobs: worker started delivery", event)
}

func (h *ObserverHook) OnSuccess(ctx context.Context, event worker.Event) {
	h.log(ctx, "info", "jobs: worker completed delivery", event)
}

func (h *ObserverHook) OnFailure(ctx context.Context, event worker.Event) {
	h.log(ctx, "error", "jobs: worker dead-lettered delivery", event)
}

func (h *ObserverHook) OnRetry(ctx context.Context, event worker.Event) {
	h.log(ctx, "warn", "jobs: worker retrying delivery", event)
}

func (h *ObserverHook) log(ctx context.Context, level string, message string, event worker.Event) {
	if h == nil || h.observer == nil {
		return
	}
	h.observer.Log(ctx, level, message, eventFields(event))
}

func eventFields(event worker.Event) map[string]any {
	fields := map[string]any{
		"attempt":     event.Attempt,
		"delay_ms":    event.Delay.Milliseconds(),
		"duration_ms": event.Duration.Milliseconds(),
	}
	message := event.Message
	if message == nil && event.Delivery != nil {
		message = event.Delivery.Message()
	}
	if message != nil {
		fields["job_id"] = message.JobID
		if shop, ok := message.Parameters[ParamShop].(string); ok {
			fields["shop"] = shop
		}
	}
	if !event.StartedAt.IsZero() {
		fields["started_at"] = event.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if event.Err != nil {
		fields["error"] = event.Err.Error()
	}
	return fields
}

var (
	_ worker.Hook        = (*ObserverHook)(nil)
	_ worker.RetryPolicy = RetryPolicy{}
	_ job.Task           = registrationTask{}
	_ Throttle           = (*ratelimit.ShopThrottle)(nil)

	_ gocmd.Commander[command.RegisterShopWebhooksMessage] = (*command.RegisterShopWebhooksCommand)(nil)
)
