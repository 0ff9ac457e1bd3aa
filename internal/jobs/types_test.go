package jobs

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStage_Names(t *testing.T) {
	assert.Equal(t, "transcription", StageTranscription.String())
	assert.Equal(t, "Bottlenecks", StageBottlenecks.Title())
	assert.Equal(t, 2, StageImprovements.Index())

	prev, ok := StageImprovements.Prev()
	require.True(t, ok)
	assert.Equal(t, StageBottlenecks, prev)

	_, ok = StageTranscription.Prev()
	assert.False(t, ok)
}

func TestParseStage(t *testing.T) {
	s, err := ParseStage(" Improvements ")
	require.NoError(t, err)
	assert.Equal(t, StageImprovements, s)

	_, err = ParseStage("summary")
	assert.Error(t, err)
}

func TestStage_JSON(t *testing.T) {
	data, err := json.Marshal(map[string]Stage{"stage": StageBottlenecks})
	require.NoError(t, err)
	assert.JSONEq(t, `{"stage":"bottlenecks"}`, string(data))

	var got struct {
		Stage Stage `json:"stage"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"stage":"improvements"}`), &got))
	assert.Equal(t, StageImprovements, got.Stage)
}

func TestStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{"processing", false},
		{"transcribing", false},
		{"bottlenecks_complete", false},
		{"complete", true},
		{"transcribe_failed", true},
		{"improvements_failed", true},
		{"failed", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.IsTerminal(), string(tt.status))
	}
}

func TestNewJobRecord(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	job := NewJobRecord("r1", "map.png", now)

	assert.Equal(t, StatusProcessing, job.Status)
	assert.Equal(t, 1, job.CurrentStep)
	assert.Equal(t, StateRequested, job.State(StageTranscription))
	assert.Equal(t, StatePending, job.State(StageBottlenecks))
	assert.Equal(t, StatePending, job.State(StageImprovements))
	assert.Equal(t, now, job.CreatedAt)
}

func TestJobRecord_Complete(t *testing.T) {
	job := NewJobRecord("r1", "map.png", time.Now())

	assert.False(t, job.Complete(StageTranscription, ""), "empty result is ignored")
	assert.Equal(t, StateRequested, job.State(StageTranscription))

	require.True(t, job.Complete(StageTranscription, "A->B"))
	assert.Equal(t, StateComplete, job.State(StageTranscription))
	assert.Equal(t, 2, job.CurrentStep)

	assert.False(t, job.Complete(StageTranscription, "A->B"), "same result is not a change")

	require.True(t, job.Complete(StageImprovements, "do X"))
	assert.Equal(t, 4, job.CurrentStep)

	require.True(t, job.Complete(StageBottlenecks, "slow"))
	assert.Equal(t, 4, job.CurrentStep, "step never decreases")
}

func TestJobRecord_RequestLifecycle(t *testing.T) {
	job := NewJobRecord("r1", "map.png", time.Now())

	require.True(t, job.MarkRequested(StageBottlenecks, "T1"))
	assert.False(t, job.MarkRequested(StageBottlenecks, "T1"), "only from pending")
	assert.True(t, job.Requested(StageBottlenecks))
	assert.Equal(t, "T1", job.Attempted(StageBottlenecks))

	require.True(t, job.ReleaseRequest(StageBottlenecks))
	assert.Equal(t, StatePending, job.State(StageBottlenecks))
	assert.Equal(t, "T1", job.Attempted(StageBottlenecks), "guard survives rollback")

	assert.False(t, job.ReleaseRequest(StageTranscription))

	job.ClearAttempt(StageBottlenecks)
	assert.Empty(t, job.Attempted(StageBottlenecks))
}

func TestJobRecord_Clone(t *testing.T) {
	job := NewJobRecord("r1", "map.png", time.Now())
	job.MarkRequested(StageBottlenecks, "T1")

	cloned := job.Clone()
	cloned.Complete(StageTranscription, "changed")

	assert.Empty(t, job.Result(StageTranscription))
	assert.Equal(t, "T1", cloned.Attempted(StageBottlenecks))

	var nilJob *JobRecord
	assert.Nil(t, nilJob.Clone())
}
