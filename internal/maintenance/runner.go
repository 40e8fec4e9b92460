package maintenance

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// StaleReservationAge is how long a task may sit reserved before we assume
// its worker crashed and return it to the ready list.
const StaleReservationAge = 5 * time.Minute

// QueueMaintainer is the queue surface the runner needs.
type QueueMaintainer interface {
	RequeueStuck(ctx context.Context, age time.Duration) (int, error)
	Sweep(ctx context.Context) error
}

// CampaignCompleter marks campaigns with no remaining work COMPLETED.
type CampaignCompleter interface {
	CompleteIdleCampaigns(ctx context.Context) (int64, error)
}

// Runner drives the periodic housekeeping jobs: stuck-task recovery,
// retention sweeps and the advisory campaign-completion transition.
type Runner struct {
	queue QueueMaintainer
	store CampaignCompleter
	cron  *cron.Cron
}

// New creates a maintenance runner.
func New(q QueueMaintainer, st CampaignCompleter) *Runner {
	return &Runner{
		queue: q,
		store: st,
		cron:  cron.New(),
	}
}

// Start registers and starts the jobs. Schedules follow the recovery
// cadence of the send pipeline: stuck reclaim every 2 minutes, retention
// hourly, completion check every 10 minutes.
func (r *Runner) Start() error {
	if _, err := r.cron.AddFunc("@every 2m", r.requeueStuck); err != nil {
		return err
	}
	if _, err := r.cron.AddFunc("@hourly", r.sweep); err != nil {
		return err
	}
	if _, err := r.cron.AddFunc("@every 10m", r.completeCampaigns); err != nil {
		return err
	}

	r.cron.Start()
	log.Println("[Maintenance] Started (stuck=2m, retention=1h, completion=10m)")
	return nil
}

// Stop halts scheduling and waits for running jobs.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	log.Println("[Maintenance] Stopped")
}

func (r *Runner) requeueStuck() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := r.queue.RequeueStuck(ctx, StaleReservationAge); err != nil {
		log.Printf("[Maintenance] Stuck-task recovery error: %v", err)
	}
}

func (r *Runner) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := r.queue.Sweep(ctx); err != nil {
		log.Printf("[Maintenance] Retention sweep error: %v", err)
	}
}

func (r *Runner) completeCampaigns() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := r.store.CompleteIdleCampaigns(ctx)
	if err != nil {
		log.Printf("[Maintenance] Campaign completion error: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[Maintenance] Marked %d campaigns completed", n)
	}
}
