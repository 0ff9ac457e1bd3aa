package jobs

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addJobs(t *testing.T, r *Registry, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, r.Add(NewJobRecord(id, id+".png", time.Now())))
	}
}

func TestRegistry_AddSelectsFirst(t *testing.T) {
	r := NewRegistry()
	addJobs(t, r, "a", "b")

	assert.Equal(t, "a", r.SelectedID())
	assert.Equal(t, 2, r.Len())
	assert.ErrorIs(t, r.Add(NewJobRecord("a", "dup", time.Now())), ErrDuplicateJob)

	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, "b", all[1].ID)
}

func TestRegistry_RemoveSelectedFallsBackToFirst(t *testing.T) {
	r := NewRegistry()
	addJobs(t, r, "a", "b", "c")
	require.NoError(t, r.Select("b"))

	require.True(t, r.Remove("b"))
	assert.Equal(t, "a", r.SelectedID())

	require.True(t, r.Remove("a"))
	assert.Equal(t, "c", r.SelectedID())

	require.True(t, r.Remove("c"))
	assert.Empty(t, r.SelectedID())
	_, ok := r.Selected()
	assert.False(t, ok)

	assert.False(t, r.Remove("c"))
}

func TestRegistry_RemoveUnselectedKeepsSelection(t *testing.T) {
	r := NewRegistry()
	addJobs(t, r, "a", "b", "c")
	require.NoError(t, r.Select("c"))

	require.True(t, r.Remove("a"))
	assert.Equal(t, "c", r.SelectedID())
}

func TestRegistry_SelectUnknown(t *testing.T) {
	r := NewRegistry()
	addJobs(t, r, "a")

	assert.ErrorIs(t, r.Select("zzz"), ErrJobNotFound)
	assert.Equal(t, "a", r.SelectedID())
}

func TestRegistry_ReadersGetClones(t *testing.T) {
	r := NewRegistry()
	addJobs(t, r, "a")

	job, ok := r.Get("a")
	require.True(t, ok)
	job.Complete(StageTranscription, "local edit")

	stored, _ := r.Get("a")
	assert.Empty(t, stored.Result(StageTranscription))
}

func TestRegistry_UpdateMany(t *testing.T) {
	r := NewRegistry()
	addJobs(t, r, "a", "b")
	before := r.Version()

	changed := r.UpdateMany(map[string]Patch{
		"a":       func(j *JobRecord) bool { return j.Complete(StageTranscription, "T") },
		"b":       func(j *JobRecord) bool { return false },
		"removed": func(j *JobRecord) bool { return true },
	})
	assert.Equal(t, 1, changed)
	assert.Equal(t, before+1, r.Version())

	a, _ := r.Get("a")
	assert.Equal(t, "T", a.Result(StageTranscription))

	assert.Equal(t, 0, r.UpdateMany(map[string]Patch{
		"a": func(j *JobRecord) bool { return j.Complete(StageTranscription, "T") },
	}))
	assert.Equal(t, before+1, r.Version(), "no change, no version bump")
}

func TestRegistry_UpdateMissingIsNoop(t *testing.T) {
	r := NewRegistry()
	called := false
	assert.False(t, r.Update("nope", func(j *JobRecord) bool {
		called = true
		return true
	}))
	assert.False(t, called)
}

func TestRegistry_BatchAtomicity(t *testing.T) {
	r := NewRegistry()
	ids := []string{"a", "b", "c", "d"}
	addJobs(t, r, ids...)

	const cycles = 200
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for cycle := 1; cycle <= cycles; cycle++ {
			patches := make(map[string]Patch, len(ids))
			for _, id := range ids {
				step := cycle
				patches[id] = func(j *JobRecord) bool {
					j.Status = Status(time.Duration(step).String())
					return true
				}
			}
			r.UpdateMany(patches)
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		all := r.All()
		for _, job := range all[1:] {
			require.Equal(t, all[0].Status, job.Status, "mixed cycles observed")
		}
		select {
		case <-done:
			return
		default:
		}
	}
}
