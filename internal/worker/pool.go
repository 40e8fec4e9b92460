package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/reach-scheduler/internal/mailer"
	"github.com/ignite/reach-scheduler/internal/queue"
	"github.com/ignite/reach-scheduler/internal/ratelimit"
	"github.com/ignite/reach-scheduler/internal/store"
)

// =============================================================================
// DELIVERY WORKER POOL
// =============================================================================
// A pool of concurrent consumers over the shared durable queue. Each reserved
// task runs the delivery state machine: replay guard, SENDING transition,
// admission, inter-send spacing, transport call, terminal transition. Every
// branch writes the dispatch row before yielding so crash recovery can resume
// from the row's state.

// DefaultPollInterval is how long an idle consumer waits before checking the
// queue again.
const DefaultPollInterval = 100 * time.Millisecond

// DispatchStore is the relational surface the pool needs.
type DispatchStore interface {
	GetDispatch(ctx context.Context, id uuid.UUID) (*store.Dispatch, error)
	MarkDispatchSending(ctx context.Context, id uuid.UUID) error
	MarkDispatchSent(ctx context.Context, id uuid.UUID, messageID string, sentAt time.Time) error
	MarkDispatchFailed(ctx context.Context, id uuid.UUID, errMsg string) error
	MarkDispatchRateLimited(ctx context.Context, id uuid.UUID, resetAt time.Time) error
	ActiveSenderAccount(ctx context.Context) (*store.SenderAccount, error)
}

// Admitter is the rate-limit surface the pool needs.
type Admitter interface {
	TryAdmit(ctx context.Context, senderID string) (ratelimit.Admission, error)
}

// TaskQueue is the queue surface the pool needs.
type TaskQueue interface {
	Reserve(ctx context.Context) (*queue.Task, error)
	Ack(ctx context.Context, task *queue.Task) error
	Reschedule(ctx context.Context, task *queue.Task, delay time.Duration) error
	Fail(ctx context.Context, task *queue.Task, taskErr error) error
}

// Config holds pool settings.
type Config struct {
	Concurrency  int
	MinDelay     time.Duration
	PollInterval time.Duration
}

// Pool is the delivery worker pool.
type Pool struct {
	queue   TaskQueue
	store   DispatchStore
	limiter Admitter
	sender  mailer.MailSender

	concurrency  int
	minDelay     time.Duration
	pollInterval time.Duration

	now func() time.Time

	// Stats
	sent        int64
	failed      int64
	rateLimited int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
}

// NewPool creates a delivery worker pool.
func NewPool(q TaskQueue, st DispatchStore, limiter Admitter, sender mailer.MailSender, cfg Config) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	return &Pool{
		queue:        q,
		store:        st,
		limiter:      limiter,
		sender:       sender,
		concurrency:  cfg.Concurrency,
		minDelay:     cfg.MinDelay,
		pollInterval: cfg.PollInterval,
		now:          time.Now,
	}
}

// Start begins the consumer goroutines.
func (p *Pool) Start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("pool already running")
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	log.Printf("[DeliveryWorker] Starting %d workers (min_delay=%s)", p.concurrency, p.minDelay)

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return nil
}

// Stop performs a graceful drain: consumers stop reserving new tasks and
// in-flight tasks finish their state machine before Stop returns.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	log.Println("[DeliveryWorker] Draining...")
	p.wg.Wait()

	log.Printf("[DeliveryWorker] Stopped. sent=%d failed=%d rate_limited=%d",
		atomic.LoadInt64(&p.sent),
		atomic.LoadInt64(&p.failed),
		atomic.LoadInt64(&p.rateLimited))
}

// Stats returns processing counters.
func (p *Pool) Stats() map[string]int64 {
	return map[string]int64{
		"sent":         atomic.LoadInt64(&p.sent),
		"failed":       atomic.LoadInt64(&p.failed),
		"rate_limited": atomic.LoadInt64(&p.rateLimited),
	}
}

// worker is the consume loop for one pool slot.
func (p *Pool) worker(workerNum int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
			task, err := p.queue.Reserve(p.ctx)
			if err == queue.ErrEmpty {
				time.Sleep(p.pollInterval)
				continue
			}
			if err != nil {
				if p.ctx.Err() != nil {
					return
				}
				log.Printf("[DeliveryWorker %d] Reserve error: %v", workerNum, err)
				time.Sleep(time.Second)
				continue
			}

			// In-flight tasks run to the end of their state machine even
			// during a drain; the background context decouples them from
			// the pool's cancellation.
			if err := p.Process(context.Background(), task); err != nil {
				log.Printf("[DeliveryWorker %d] Task %s: %v", workerNum, task.ID, err)
			}
		}
	}
}

// Process runs the delivery state machine for one reserved task.
func (p *Pool) Process(ctx context.Context, task *queue.Task) error {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	dispatchID := task.Payload.DispatchID

	dispatch, err := p.store.GetDispatch(ctx, dispatchID)
	if err == store.ErrNotFound {
		// Race with campaign deletion: nothing left to deliver.
		log.Printf("[DeliveryWorker] Dispatch %s not found, dropping task", dispatchID)
		return p.queue.Ack(ctx, task)
	}
	if err != nil {
		// Persistence errors are transient; the retry policy takes over.
		return p.failTask(ctx, task, err)
	}

	// Idempotent replay guard: a SENT dispatch is never re-delivered.
	if dispatch.Status == store.DispatchSent {
		log.Printf("[DeliveryWorker] Dispatch %s already sent, acking", dispatchID)
		return p.queue.Ack(ctx, task)
	}

	if err := p.store.MarkDispatchSending(ctx, dispatchID); err != nil {
		return p.failTask(ctx, task, err)
	}

	admission, err := p.limiter.TryAdmit(ctx, task.Payload.SenderID)
	if err != nil {
		return p.failTask(ctx, task, err)
	}

	if !admission.Allowed {
		// A rejection is not a failure: reschedule into the next hour
		// window without advancing the attempt counter.
		atomic.AddInt64(&p.rateLimited, 1)
		if err := p.store.MarkDispatchRateLimited(ctx, dispatchID, admission.ResetAt); err != nil {
			log.Printf("[DeliveryWorker] Failed to mark dispatch %s rate-limited: %v", dispatchID, err)
		}
		delay := admission.ResetAt.Sub(p.now())
		log.Printf("[DeliveryWorker] Dispatch %s rate limited, rescheduling in %s", dispatchID, delay)
		return p.queue.Reschedule(ctx, task, delay)
	}

	// Inter-send spacing applies after admission: it throttles outbound
	// SMTP conversations, not admission throughput.
	if p.minDelay > 0 {
		time.Sleep(p.minDelay)
	}

	msg := mailer.Message{
		To:      task.Payload.RecipientEmail,
		Subject: task.Payload.Subject,
		Body:    task.Payload.Body,
	}
	if account, err := p.store.ActiveSenderAccount(ctx); err == nil && account != nil {
		msg.Account = &mailer.Account{
			Email:    account.Email,
			Password: account.Password,
			Host:     account.SMTPHost,
			Port:     account.SMTPPort,
		}
	}

	result, err := p.sender.Send(ctx, msg)
	if err != nil {
		// The admission charge is NOT rolled back: a failed send still
		// consumed its slot, so retries cannot bypass the budget.
		atomic.AddInt64(&p.failed, 1)
		return p.failTask(ctx, task, err)
	}

	if err := p.store.MarkDispatchSent(ctx, dispatchID, result.MessageID, p.now()); err != nil {
		// Transport accepted the message; keep the task out of the retry
		// path so the dispatch can never be re-sent.
		log.Printf("[DeliveryWorker] Sent dispatch %s but failed to record it: %v", dispatchID, err)
	}

	atomic.AddInt64(&p.sent, 1)
	return p.queue.Ack(ctx, task)
}

// failTask records the failure on the dispatch row before handing the task to
// the queue's retry policy. The row is written on every failed attempt so it
// can never rest in a non-terminal state once the attempt budget runs out; a
// retry moves it back through SENDING.
func (p *Pool) failTask(ctx context.Context, task *queue.Task, taskErr error) error {
	if err := p.store.MarkDispatchFailed(ctx, task.Payload.DispatchID, taskErr.Error()); err != nil {
		log.Printf("[DeliveryWorker] Failed to mark dispatch %s failed: %v", task.Payload.DispatchID, err)
	}
	return p.queue.Fail(ctx, task, taskErr)
}
