package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MimeLyc/procmap-orchestrator/internal/jobs"
	"github.com/MimeLyc/procmap-orchestrator/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pollFixture struct {
	registry *jobs.Registry
	fake     *fakeRemote
	notices  *Notices
	trigger  *Trigger
	poller   *Poller
}

func newPollFixture(t *testing.T) *pollFixture {
	t.Helper()
	f := &pollFixture{
		registry: jobs.NewRegistry(),
		fake:     newFakeRemote(),
		notices:  NewNotices(10),
	}
	f.trigger = NewTrigger(f.registry, f.fake, f.notices, 0)
	f.poller = NewPoller(f.registry, f.fake, f.trigger, 4)
	t.Cleanup(f.trigger.Stop)
	return f
}

func (f *pollFixture) track(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, f.registry.Add(jobs.NewJobRecord(id, id+".png", time.Now())))
		f.fake.setRun(id, remote.RunState{Status: "transcribing"})
	}
}

func (f *pollFixture) job(t *testing.T, id string) *jobs.JobRecord {
	t.Helper()
	job, ok := f.registry.Get(id)
	require.True(t, ok)
	return job
}

func (f *pollFixture) waitAdvances(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.fake.advanceCalls()) >= n
	}, time.Second, 5*time.Millisecond)
}

func TestPoller_TranscriptionTriggersBottlenecks(t *testing.T) {
	f := newPollFixture(t)
	f.track(t, "r1")
	assert.Equal(t, 15, jobs.Progress(f.job(t, "r1")))
	assert.Equal(t, 1, f.job(t, "r1").CurrentStep)

	f.fake.setRun("r1", remote.RunState{Status: "processing", Transcription: "Map: A->B->C"})
	result := f.poller.Cycle(context.Background())
	assert.Equal(t, 1, result.Changed)
	assert.Equal(t, 1, result.Requested)

	job := f.job(t, "r1")
	assert.Equal(t, 48, jobs.Progress(job))
	assert.Equal(t, 2, job.CurrentStep)
	assert.True(t, job.Requested(jobs.StageBottlenecks))

	f.waitAdvances(t, 1)
	assert.Equal(t, []string{"r1/bottlenecks"}, f.fake.advanceCalls())

	// the next cycles see the same state and stay quiet
	f.poller.Cycle(context.Background())
	f.poller.Cycle(context.Background())
	f.trigger.Stop()
	assert.Len(t, f.fake.advanceCalls(), 1)
}

func TestPoller_FailedAdvanceDoesNotRefire(t *testing.T) {
	f := newPollFixture(t)
	f.track(t, "r1")
	f.fake.setAdvanceErr(errServer)
	f.fake.setRun("r1", remote.RunState{Status: "transcribed", Transcription: "T"})

	f.poller.Cycle(context.Background())
	f.waitAdvances(t, 1)
	require.Eventually(t, func() bool {
		return f.job(t, "r1").State(jobs.StageBottlenecks) == jobs.StatePending
	}, time.Second, 5*time.Millisecond)
	require.Len(t, f.notices.Since(0), 1)

	for range 3 {
		f.poller.Cycle(context.Background())
	}
	f.fake.setRun("r1", remote.RunState{Status: "bottlenecks_pending", Transcription: "T"})
	f.poller.Cycle(context.Background())

	f.trigger.Stop()
	assert.Len(t, f.fake.advanceCalls(), 1, "unchanged transcription must not refire")
	assert.False(t, f.job(t, "r1").Requested(jobs.StageBottlenecks))
}

func TestPoller_OneFailingFetchDoesNotStarveOthers(t *testing.T) {
	f := newPollFixture(t)
	f.track(t, "r1", "r2")

	f.fake.setRun("r1", remote.RunState{Status: "transcribed", Transcription: "T1"})
	f.fake.setRun("r2", remote.RunState{Status: "transcribed", Transcription: "T2"})
	f.poller.Cycle(context.Background())
	f.waitAdvances(t, 2)

	before := f.job(t, "r1")
	f.fake.failFetch("r1", errServer)
	f.fake.setRun("r2", remote.RunState{Status: "bottlenecks_complete", Transcription: "T2", Bottlenecks: "B2"})

	result := f.poller.Cycle(context.Background())
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Changed)

	f.waitAdvances(t, 3)
	assert.Contains(t, f.fake.advanceCalls(), "r2/improvements")

	after := f.job(t, "r1")
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.Stages, after.Stages)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)

	r2 := f.job(t, "r2")
	assert.Equal(t, "B2", r2.Result(jobs.StageBottlenecks))
	assert.Equal(t, 3, r2.CurrentStep)
	assert.True(t, r2.Requested(jobs.StageImprovements))
	assert.Empty(t, f.notices.Since(0), "fetch failures are logged only")

	// retried on the next cycle
	f.fake.failFetch("r1", nil)
	f.poller.Cycle(context.Background())
	assert.Equal(t, 3, f.fake.fetchCount("r1"))
}

func TestPoller_TerminalJobsAreNotPolled(t *testing.T) {
	f := newPollFixture(t)
	f.track(t, "done", "failed", "live")
	f.fake.setRun("done", remote.RunState{Status: "complete", Transcription: "T", Bottlenecks: "B", Improvements: "I"})
	f.fake.setRun("failed", remote.RunState{Status: "transcribe_failed"})

	f.poller.Cycle(context.Background())
	require.True(t, f.job(t, "done").Status.IsTerminal())
	require.True(t, f.job(t, "failed").Status.IsTerminal())

	for range 3 {
		f.poller.Cycle(context.Background())
	}
	assert.Equal(t, 1, f.fake.fetchCount("done"))
	assert.Equal(t, 1, f.fake.fetchCount("failed"))
	assert.Equal(t, 4, f.fake.fetchCount("live"))
	assert.Equal(t, 100, jobs.Progress(f.job(t, "done")))
}

func TestPoller_NoChangeKeepsVersion(t *testing.T) {
	f := newPollFixture(t)
	f.track(t, "r1")
	f.fake.setRun("r1", remote.RunState{Status: "transcribing"})

	f.poller.Cycle(context.Background())
	version := f.registry.Version()

	result := f.poller.Cycle(context.Background())
	assert.Zero(t, result.Changed)
	assert.Equal(t, version, f.registry.Version())
}

func TestPoller_RemovedDuringFetchIsIgnored(t *testing.T) {
	f := newPollFixture(t)
	f.track(t, "r1")
	f.fake.setRun("r1", remote.RunState{Status: "transcribed", Transcription: "T"})

	var once sync.Once
	f.fake.fetchHook = func(runID string) {
		once.Do(func() { f.registry.Remove(runID) })
	}

	result := f.poller.Cycle(context.Background())
	assert.Zero(t, result.Changed)
	assert.Zero(t, result.Requested)
	assert.Zero(t, f.registry.Len())

	f.trigger.Stop()
	assert.Empty(t, f.fake.advanceCalls())
}

func TestPoller_CancelledContextSkipsMerge(t *testing.T) {
	f := newPollFixture(t)
	f.track(t, "r1")
	f.fake.setRun("r1", remote.RunState{Status: "transcribed", Transcription: "T"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := f.poller.Cycle(ctx)
	assert.Zero(t, result.Changed)
	assert.Empty(t, f.job(t, "r1").Result(jobs.StageTranscription))
}

func TestMerge(t *testing.T) {
	job := jobs.NewJobRecord("r1", "map.png", time.Now())
	job.Complete(jobs.StageTranscription, "T")

	assert.False(t, Merge(job, &remote.RunState{}), "empty remote values never clear local state")
	assert.Equal(t, "T", job.Result(jobs.StageTranscription))

	assert.True(t, Merge(job, &remote.RunState{Status: "improvements", Bottlenecks: "B"}))
	assert.Equal(t, jobs.Status("improvements"), job.Status)
	assert.Equal(t, jobs.StateComplete, job.State(jobs.StageBottlenecks))
	assert.Equal(t, 3, job.CurrentStep)

	assert.False(t, Merge(job, &remote.RunState{Status: "improvements", Transcription: "T", Bottlenecks: "B"}))
	assert.False(t, Merge(nil, &remote.RunState{}))
}

func TestMerge_RemoteStageFailureReleasesRequest(t *testing.T) {
	job := jobs.NewJobRecord("r1", "map.png", time.Now())
	job.Complete(jobs.StageTranscription, "T")
	require.True(t, job.MarkRequested(jobs.StageBottlenecks, "T"))

	assert.True(t, Merge(job, &remote.RunState{Status: "bottlenecks_failed", Transcription: "T"}))
	assert.Equal(t, jobs.StatePending, job.State(jobs.StageBottlenecks))
	assert.Equal(t, "T", job.Attempted(jobs.StageBottlenecks), "automatic retry stays guarded")

	failed := jobs.NewJobRecord("r2", "map.png", time.Now())
	assert.True(t, Merge(failed, &remote.RunState{Status: "transcribe_failed"}))
	assert.Equal(t, jobs.StateRequested, failed.State(jobs.StageTranscription))
}

func TestPoller_CyclesDoNotOverlap(t *testing.T) {
	f := newPollFixture(t)
	f.track(t, "r1")

	var (
		mu      sync.Mutex
		active  int
		overlap bool
	)
	f.fake.fetchHook = func(string) {
		mu.Lock()
		active++
		if active > 1 {
			overlap = true
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
	}

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.poller.Cycle(context.Background())
		}()
	}
	wg.Wait()

	assert.False(t, overlap)
	assert.Equal(t, 5, f.fake.fetchCount("r1"))
}
