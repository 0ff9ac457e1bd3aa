package jobs

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Stage is one of the three sequential pipeline phases.
type Stage int

const (
	StageTranscription Stage = iota
	StageBottlenecks
	StageImprovements
)

// Stages lists every stage in pipeline order.
var Stages = [...]Stage{StageTranscription, StageBottlenecks, StageImprovements}

var stageNames = [...]string{"transcription", "bottlenecks", "improvements"}

var titleCaser = cases.Title(language.English)

func (s Stage) Valid() bool {
	return s >= StageTranscription && s <= StageImprovements
}

// Index is the zero-based pipeline position.
func (s Stage) Index() int { return int(s) }

// String returns the wire name used in remote paths and payloads.
func (s Stage) String() string {
	if !s.Valid() {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// Title returns the display name, e.g. "Bottlenecks".
func (s Stage) Title() string {
	return titleCaser.String(s.String())
}

// Prev returns the stage whose result gates s. Transcription has none.
func (s Stage) Prev() (Stage, bool) {
	if s <= StageTranscription || !s.Valid() {
		return 0, false
	}
	return s - 1, true
}

func (s Stage) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid stage %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Stage) UnmarshalText(text []byte) error {
	parsed, err := ParseStage(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStage accepts a wire name, case-insensitively.
func ParseStage(name string) (Stage, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range stageNames {
		if n == name {
			return Stage(i), nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", name)
}

// StageState is the per-stage tagged state.
type StageState string

const (
	StatePending   StageState = "pending"
	StateRequested StageState = "requested"
	StateComplete  StageState = "complete"
)

// StageRecord holds one stage's state and result. A Complete stage always
// carries a non-empty Result.
//
// attempted is the precondition result for which an automatic
// advance-request was last issued.
type StageRecord struct {
	State  StageState `json:"state"`
	Result string     `json:"result,omitempty"`

	attempted string
}

// Status mirrors the remote run status.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
)

// IsTerminal reports whether the remote pipeline has stopped for good:
// "complete" or any failure variant such as "transcribe_failed".
func (s Status) IsTerminal() bool {
	return s == StatusComplete || strings.Contains(string(s), "failed")
}

// JobRecord tracks one remote pipeline run.
type JobRecord struct {
	ID          string         `json:"id"`
	DisplayName string         `json:"display_name"`
	SourcePath  string         `json:"source_path,omitempty"`
	Status      Status         `json:"status"`
	Stages      [3]StageRecord `json:"stages"`
	CurrentStep int            `json:"current_step"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// NewJobRecord builds the record for a freshly uploaded run. Transcription
// starts on upload, so it is Requested from the beginning.
func NewJobRecord(id, displayName string, now time.Time) *JobRecord {
	job := &JobRecord{
		ID:          id,
		DisplayName: displayName,
		Status:      StatusProcessing,
		CurrentStep: 1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for i := range job.Stages {
		job.Stages[i].State = StatePending
	}
	job.Stages[StageTranscription].State = StateRequested
	return job
}

func (j *JobRecord) Result(s Stage) string {
	if j == nil || !s.Valid() {
		return ""
	}
	return j.Stages[s].Result
}

func (j *JobRecord) State(s Stage) StageState {
	if j == nil || !s.Valid() {
		return StatePending
	}
	return j.Stages[s].State
}

// Requested reports whether an advance-request is outstanding or already
// satisfied for s.
func (j *JobRecord) Requested(s Stage) bool {
	state := j.State(s)
	return state == StateRequested || state == StateComplete
}

// Attempted returns the precondition value of the last automatic request for s.
func (j *JobRecord) Attempted(s Stage) string {
	if j == nil || !s.Valid() {
		return ""
	}
	return j.Stages[s].attempted
}

// Complete stores an authoritative result. Empty results are ignored so a
// stage never goes back to empty. Returns true when the record changed.
func (j *JobRecord) Complete(s Stage, result string) bool {
	if !s.Valid() || result == "" {
		return false
	}
	rec := &j.Stages[s]
	if rec.State == StateComplete && rec.Result == result {
		return false
	}
	rec.State = StateComplete
	rec.Result = result
	j.AdvanceStep(s.Index() + 2)
	return true
}

// MarkRequested moves a Pending stage to Requested and remembers the
// precondition value that caused it.
func (j *JobRecord) MarkRequested(s Stage, precondition string) bool {
	if !s.Valid() || j.Stages[s].State != StatePending {
		return false
	}
	j.Stages[s].State = StateRequested
	j.Stages[s].attempted = precondition
	return true
}

// ReleaseRequest rolls a Requested stage back to Pending after a failed send.
// The attempted value is kept.
func (j *JobRecord) ReleaseRequest(s Stage) bool {
	if !s.Valid() || s == StageTranscription || j.Stages[s].State != StateRequested {
		return false
	}
	j.Stages[s].State = StatePending
	return true
}

// ClearAttempt forgets the last automatic attempt for s.
func (j *JobRecord) ClearAttempt(s Stage) {
	if s.Valid() {
		j.Stages[s].attempted = ""
	}
}

// AdvanceStep raises CurrentStep to step; it never lowers it.
func (j *JobRecord) AdvanceStep(step int) bool {
	if step > 4 {
		step = 4
	}
	if step <= j.CurrentStep {
		return false
	}
	j.CurrentStep = step
	return true
}

// Clone returns a deep copy safe to hand to readers.
func (j *JobRecord) Clone() *JobRecord {
	if j == nil {
		return nil
	}
	cloned := *j
	return &cloned
}
