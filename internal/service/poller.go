package service

import (
	"context"
	"strings"
	"sync"

	"github.com/MimeLyc/procmap-orchestrator/internal/jobs"
	"github.com/MimeLyc/procmap-orchestrator/internal/remote"
	"github.com/MimeLyc/procmap-orchestrator/pkg/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Fetcher reads the authoritative state of a run.
type Fetcher interface {
	FetchRun(ctx context.Context, runID string) (*remote.RunState, error)
}

// CycleResult summarizes one poll cycle.
type CycleResult struct {
	ID        string
	Polled    int
	Failed    int
	Changed   int
	Requested int
}

// Poller refreshes every non-terminal job and drives the trigger.
type Poller struct {
	registry    *jobs.Registry
	remote      Fetcher
	trigger     *Trigger
	concurrency int

	mu sync.Mutex
}

func NewPoller(registry *jobs.Registry, remote Fetcher, trigger *Trigger, concurrency int) *Poller {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Poller{
		registry:    registry,
		remote:      remote,
		trigger:     trigger,
		concurrency: concurrency,
	}
}

type pollOutcome struct {
	id    string
	state *remote.RunState
}

// Cycle runs one poll cycle. Cycles never overlap: a new one waits until the
// previous merge is committed.
func (p *Poller) Cycle(ctx context.Context) CycleResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := CycleResult{ID: uuid.NewString()[:8]}

	var active []string
	for _, job := range p.registry.All() {
		if job.Status.IsTerminal() {
			continue
		}
		active = append(active, job.ID)
	}
	if len(active) == 0 {
		return result
	}
	result.Polled = len(active)

	outcomes := make([]pollOutcome, len(active))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, id := range active {
		g.Go(func() error {
			state, err := p.remote.FetchRun(gctx, id)
			if err != nil {
				fetchErr := WrapError(err, ErrTransientFetch, "Failed to fetch run state").
					WithContext("job_id", id).
					WithContext("cycle", result.ID)
				log.Warn("%v", fetchErr)
				return nil
			}
			outcomes[i] = pollOutcome{id: id, state: state}
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		log.Debug("Poll cycle %s cancelled before merge", result.ID)
		return result
	}

	requests := make(map[string][]jobs.Stage)
	patches := make(map[string]jobs.Patch)
	for _, outcome := range outcomes {
		if outcome.state == nil {
			result.Failed++
			continue
		}
		id, state := outcome.id, outcome.state
		patches[id] = func(job *jobs.JobRecord) bool {
			prev := job.Clone()
			if !Merge(job, state) {
				return false
			}
			if fire := Decide(prev, job); len(fire) > 0 {
				requests[id] = fire
			}
			return true
		}
	}

	result.Changed = p.registry.UpdateMany(patches)

	for id, stages := range requests {
		for _, stage := range stages {
			result.Requested++
			p.trigger.Dispatch(ctx, id, stage)
		}
	}

	if result.Changed > 0 || result.Failed > 0 {
		log.Info("Poll cycle %s: polled=%d changed=%d failed=%d requested=%d",
			result.ID, result.Polled, result.Changed, result.Failed, result.Requested)
	}
	return result
}

// Merge folds authoritative state into job. Non-empty remote values win;
// empty ones never clear local results. Returns true when job changed.
func Merge(job *jobs.JobRecord, state *remote.RunState) bool {
	if job == nil || state == nil {
		return false
	}

	changed := false
	if state.Status != "" && jobs.Status(state.Status) != job.Status {
		job.Status = jobs.Status(state.Status)
		changed = true
	}

	results := [...]string{state.Transcription, state.Bottlenecks, state.Improvements}
	for _, s := range jobs.Stages {
		if job.Complete(s, results[s]) {
			changed = true
		}
	}

	// a stage that failed remotely can be requested again by hand
	if s, ok := failedStage(job.Status); ok && job.ReleaseRequest(s) {
		changed = true
	}
	return changed
}

// failedStage maps "<stage>_failed" to the stage it names.
func failedStage(status jobs.Status) (jobs.Stage, bool) {
	name, ok := strings.CutSuffix(string(status), "_failed")
	if !ok {
		return 0, false
	}
	s, err := jobs.ParseStage(name)
	if err != nil {
		return 0, false
	}
	return s, true
}
