package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeMaintainer struct {
	requeueCalls int32
	sweepCalls   int32
	requeueAge   time.Duration
	sweepErr     error
}

func (f *fakeMaintainer) RequeueStuck(_ context.Context, age time.Duration) (int, error) {
	atomic.AddInt32(&f.requeueCalls, 1)
	f.requeueAge = age
	return 2, nil
}

func (f *fakeMaintainer) Sweep(context.Context) error {
	atomic.AddInt32(&f.sweepCalls, 1)
	return f.sweepErr
}

type fakeCompleter struct {
	calls int32
	err   error
}

func (f *fakeCompleter) CompleteIdleCampaigns(context.Context) (int64, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return 0, f.err
	}
	return 1, nil
}

func TestRunnerJobs(t *testing.T) {
	q := &fakeMaintainer{}
	st := &fakeCompleter{}
	r := New(q, st)

	r.requeueStuck()
	if q.requeueCalls != 1 {
		t.Errorf("requeue calls = %d, want 1", q.requeueCalls)
	}
	if q.requeueAge != StaleReservationAge {
		t.Errorf("requeue age = %v, want %v", q.requeueAge, StaleReservationAge)
	}

	r.sweep()
	if q.sweepCalls != 1 {
		t.Errorf("sweep calls = %d, want 1", q.sweepCalls)
	}

	r.completeCampaigns()
	if st.calls != 1 {
		t.Errorf("completion calls = %d, want 1", st.calls)
	}
}

func TestRunnerJobs_ErrorsDoNotPanic(t *testing.T) {
	q := &fakeMaintainer{sweepErr: errors.New("redis down")}
	st := &fakeCompleter{err: errors.New("db down")}
	r := New(q, st)

	r.sweep()
	r.completeCampaigns()
}

func TestRunnerStartStop(t *testing.T) {
	r := New(&fakeMaintainer{}, &fakeCompleter{})

	if err := r.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return within 2s")
	}
}
