package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MimeLyc/procmap-orchestrator/pkg/icron"
	"github.com/MimeLyc/procmap-orchestrator/pkg/log"
	"github.com/robfig/cron/v3"
)

// Cycler runs one poll cycle.
type Cycler interface {
	Cycle(ctx context.Context) CycleResult
}

// Scheduler owns the poll entry on a cron engine. The entry exists only
// while there are jobs to poll.
type Scheduler struct {
	cron     *cron.Cron
	poller   Cycler
	interval time.Duration

	mu      sync.Mutex
	ctx     context.Context
	entryID cron.EntryID
	active  bool
}

// NewCron builds the engine shared by the poll and inbox entries.
func NewCron() *cron.Cron {
	logger := icron.Logger{}
	return cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger)),
	)
}

func NewScheduler(engine *cron.Cron, poller Cycler, interval time.Duration) *Scheduler {
	return &Scheduler{
		cron:     engine,
		poller:   poller,
		interval: interval,
		ctx:      context.Background(),
	}
}

// Bind sets the context handed to every cycle.
func (s *Scheduler) Bind(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
}

func (s *Scheduler) boundContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Start registers the poll entry. Calling it again is a no-op.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active {
		return nil
	}
	schedule, err := icron.Every(s.interval)
	if err != nil {
		return fmt.Errorf("poll schedule: %w", err)
	}

	job := cron.NewChain(cron.SkipIfStillRunning(icron.Logger{})).Then(cron.FuncJob(func() {
		ctx := s.boundContext()
		if ctx.Err() != nil {
			return
		}
		s.poller.Cycle(ctx)
	}))
	s.entryID = s.cron.Schedule(schedule, job)
	s.active = true
	log.Info("Polling started every %s", s.interval)
	return nil
}

// Stop removes the poll entry. Calling it again is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return
	}
	s.cron.Remove(s.entryID)
	s.active = false
	log.Info("Polling suspended")
}

// Sync starts polling when there are jobs and stops it when there are none.
func (s *Scheduler) Sync(jobCount int) error {
	if jobCount > 0 {
		return s.Start()
	}
	s.Stop()
	return nil
}

func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Shutdown removes the poll entry, stops the engine and waits for running
// jobs to return.
func (s *Scheduler) Shutdown() {
	s.Stop()
	<-s.cron.Stop().Done()
}
