package persistence

import "time"

// Artifact is one exported stage result.
type Artifact struct {
	ID         int64
	RunID      string
	Kind       string
	Filename   string
	Content    string
	Language   string
	OutputPath string
	ExportedAt time.Time
}
