package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MimeLyc/procmap-orchestrator/internal/jobs"
	"github.com/MimeLyc/procmap-orchestrator/pkg/log"
)

// Advancer starts a pipeline step on the processing service.
type Advancer interface {
	Advance(ctx context.Context, runID, step string) error
}

// Decide inspects a job right after a merge and returns the stages whose
// advance-request should be sent, bottlenecks before improvements. The
// returned stages are already marked Requested on next; the caller must
// commit next before sending anything.
//
// A stage fires when its precondition result is present, the stage is
// Pending, and that result differs from the value of the last automatic
// attempt. A failed send leaves the attempt value in place, so an
// unchanged remote state does not fire again.
func Decide(prev, next *jobs.JobRecord) []jobs.Stage {
	if next == nil || next.Status.IsTerminal() {
		return nil
	}

	var fire []jobs.Stage
	for _, s := range []jobs.Stage{jobs.StageBottlenecks, jobs.StageImprovements} {
		p, _ := s.Prev()
		precondition := next.Result(p)
		if precondition == "" || next.State(s) != jobs.StatePending {
			continue
		}
		if precondition == next.Attempted(s) {
			continue
		}
		if prev != nil && prev.Result(p) == precondition {
			log.Debug("Job %s: retrying %s after precondition guard changed", next.ID, s)
		}
		next.MarkRequested(s, precondition)
		fire = append(fire, s)
	}
	return fire
}

// Trigger sends advance-requests and rolls the stage back on failure.
type Trigger struct {
	registry *jobs.Registry
	remote   Advancer
	notices  *Notices
	delay    time.Duration

	mu      sync.Mutex
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewTrigger(registry *jobs.Registry, remote Advancer, notices *Notices, delay time.Duration) *Trigger {
	if delay < 0 {
		delay = 0
	}
	return &Trigger{
		registry: registry,
		remote:   remote,
		notices:  notices,
		delay:    delay,
		stopCh:   make(chan struct{}),
	}
}

// Dispatch sends the request for an already Requested stage after the
// debounce delay. It returns immediately.
func (t *Trigger) Dispatch(ctx context.Context, jobID string, stage jobs.Stage) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		log.Warn("Trigger stopped, dropping %s request for job %s", stage, jobID)
		t.release(jobID, stage)
		return
	}
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()

		timer := time.NewTimer(t.delay)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-t.stopCh:
			t.release(jobID, stage)
			return
		case <-ctx.Done():
			t.release(jobID, stage)
			return
		}

		err := SafeExecute(func() error {
			return t.Send(ctx, jobID, stage)
		})
		if err != nil && !IsErrorType(err, ErrAdvanceRequest) && !IsErrorType(err, ErrNotFound) {
			log.Error("Advance dispatch for job %s stage %s failed: %v", jobID, stage, err)
		}
	}()
}

// Send issues the advance-request now. The stage must already be Requested.
// On failure the stage goes back to Pending and a notice is posted.
func (t *Trigger) Send(ctx context.Context, jobID string, stage jobs.Stage) error {
	if _, ok := t.registry.Get(jobID); !ok {
		log.Debug("Job %s removed before %s request was sent", jobID, stage)
		return NewError(ErrNotFound, "job not found").WithContext("job_id", jobID)
	}

	log.Info("Requesting %s for job %s", stage, jobID)
	if err := t.remote.Advance(ctx, jobID, stage.String()); err != nil {
		pErr := WrapError(err, ErrAdvanceRequest, fmt.Sprintf("Failed to start %s", stage)).
			WithContext("job_id", jobID).
			WithContext("stage", stage.String())
		// the notice is visible before the stage reads as Pending again
		t.notices.Report(jobID, pErr)
		t.release(jobID, stage)
		return pErr
	}
	return nil
}

// release rolls a Requested stage back to Pending. A removed job or a stage
// that already completed is left alone.
func (t *Trigger) release(jobID string, stage jobs.Stage) {
	t.registry.Update(jobID, func(job *jobs.JobRecord) bool {
		return job.ReleaseRequest(stage)
	})
}

// Stop cancels pending dispatches and waits for in-flight sends.
func (t *Trigger) Stop() {
	t.mu.Lock()
	if !t.stopped {
		t.stopped = true
		close(t.stopCh)
	}
	t.mu.Unlock()
	t.wg.Wait()
}
