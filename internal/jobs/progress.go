package jobs

// Stage weights sum to 100. A stage that is requested but not complete
// contributes partialCredit instead.
var stageWeights = [...]int{33, 33, 34}

const partialCredit = 15

// Progress maps a job to a completion percentage in [0,100].
func Progress(job *JobRecord) int {
	if job == nil {
		return 0
	}
	total := 0
	for _, s := range Stages {
		switch StepStatus(job, s) {
		case PhaseComplete:
			total += stageWeights[s]
		case PhaseProcessing:
			total += partialCredit
		}
	}
	if total > 100 {
		return 100
	}
	return total
}

// StepPhase is the display phase of one stage.
type StepPhase string

const (
	PhasePending    StepPhase = "pending"
	PhaseProcessing StepPhase = "processing"
	PhaseComplete   StepPhase = "complete"
)

func StepStatus(job *JobRecord, s Stage) StepPhase {
	if job == nil || !s.Valid() {
		return PhasePending
	}
	switch {
	case job.Result(s) != "":
		return PhaseComplete
	case s == StageTranscription || job.Requested(s):
		return PhaseProcessing
	default:
		return PhasePending
	}
}

// StepLabels holds the human readable text for every stage and phase.
var StepLabels = map[Stage]map[StepPhase]string{
	StageTranscription: {
		PhasePending:    "Waiting to start...",
		PhaseProcessing: "Analyzing process map...",
		PhaseComplete:   "Process map analyzed",
	},
	StageBottlenecks: {
		PhasePending:    "Waiting for process map...",
		PhaseProcessing: "Identifying bottlenecks...",
		PhaseComplete:   "Bottlenecks identified",
	},
	StageImprovements: {
		PhasePending:    "Waiting for bottlenecks...",
		PhaseProcessing: "Generating improvement suggestions...",
		PhaseComplete:   "Improvements generated",
	},
}

func StepLabel(job *JobRecord, s Stage) string {
	return StepLabels[s][StepStatus(job, s)]
}
