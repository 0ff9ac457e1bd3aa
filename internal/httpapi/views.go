package httpapi

import (
	"time"

	"github.com/MimeLyc/procmap-orchestrator/internal/jobs"
	"github.com/MimeLyc/procmap-orchestrator/internal/persistence"
)

type stageView struct {
	Stage  jobs.Stage      `json:"stage"`
	Title  string          `json:"title"`
	State  jobs.StageState `json:"state"`
	Phase  jobs.StepPhase  `json:"phase"`
	Label  string          `json:"label"`
	Result string          `json:"result,omitempty"`
}

type jobView struct {
	ID          string      `json:"id"`
	DisplayName string      `json:"display_name"`
	SourcePath  string      `json:"source_path,omitempty"`
	Status      jobs.Status `json:"status"`
	Terminal    bool        `json:"terminal"`
	Progress    int         `json:"progress"`
	CurrentStep int         `json:"current_step"`
	Stages      []stageView `json:"stages"`
	Selected    bool        `json:"selected"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

func newJobView(job *jobs.JobRecord, selectedID string) jobView {
	stages := make([]stageView, 0, len(jobs.Stages))
	for _, stage := range jobs.Stages {
		stages = append(stages, stageView{
			Stage:  stage,
			Title:  stage.Title(),
			State:  job.State(stage),
			Phase:  jobs.StepStatus(job, stage),
			Label:  jobs.StepLabel(job, stage),
			Result: job.Result(stage),
		})
	}
	return jobView{
		ID:          job.ID,
		DisplayName: job.DisplayName,
		SourcePath:  job.SourcePath,
		Status:      job.Status,
		Terminal:    job.Status.IsTerminal(),
		Progress:    jobs.Progress(job),
		CurrentStep: job.CurrentStep,
		Stages:      stages,
		Selected:    job.ID == selectedID,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
	}
}

func newJobViews(list []*jobs.JobRecord, selectedID string) []jobView {
	views := make([]jobView, 0, len(list))
	for _, job := range list {
		views = append(views, newJobView(job, selectedID))
	}
	return views
}

// jobsSnapshot is one frame of the job stream.
type jobsSnapshot struct {
	Version  uint64    `json:"version"`
	Selected string    `json:"selected,omitempty"`
	Jobs     []jobView `json:"jobs"`
}

type artifactView struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	Kind       string    `json:"kind"`
	Filename   string    `json:"filename"`
	Content    string    `json:"content"`
	Language   string    `json:"language,omitempty"`
	OutputPath string    `json:"output_path,omitempty"`
	ExportedAt time.Time `json:"exported_at"`
}

func newArtifactView(a *persistence.Artifact) artifactView {
	return artifactView{
		ID:         a.ID,
		RunID:      a.RunID,
		Kind:       a.Kind,
		Filename:   a.Filename,
		Content:    a.Content,
		Language:   a.Language,
		OutputPath: a.OutputPath,
		ExportedAt: a.ExportedAt,
	}
}
