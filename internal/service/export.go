package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/MimeLyc/procmap-orchestrator/internal/jobs"
	"github.com/MimeLyc/procmap-orchestrator/internal/persistence"
	"github.com/MimeLyc/procmap-orchestrator/pkg/file"
	"github.com/MimeLyc/procmap-orchestrator/pkg/log"
	"github.com/abadojack/whatlanggo"
	"golang.org/x/text/language"
)

// Export fetches a stage result as markdown, archives it and, when an
// output directory is configured, writes <display-name>.<stage>.md there.
func (s *Service) Export(ctx context.Context, id string, stage jobs.Stage) (*persistence.Artifact, error) {
	job, ok := s.registry.Get(id)
	if !ok {
		return nil, NewError(ErrNotFound, "job not found").WithContext("job_id", id)
	}

	export, err := s.remote.Export(ctx, id, stage.String())
	if err != nil {
		pErr := WrapError(err, ErrExport, fmt.Sprintf("Failed to export %s", stage)).
			WithContext("job_id", id).
			WithContext("stage", stage.String())
		s.notices.Report(id, pErr)
		return nil, pErr
	}

	artifact := &persistence.Artifact{
		RunID:    id,
		Kind:     stage.String(),
		Filename: export.Filename,
		Content:  *export.Content,
		Language: detectLanguage(*export.Content),
	}

	if dir := s.cfg.System.OutputDir; dir != "" {
		path, err := writeArtifact(dir, job.DisplayName, stage, artifact.Content)
		if err != nil {
			pErr := WrapError(err, ErrExport, "Failed to write export").WithContext("job_id", id).WithContext("dir", dir)
			s.notices.Report(id, pErr)
			return nil, pErr
		}
		artifact.OutputPath = path
		log.Info("Exported %s of run %s to %s", stage, id, path)
	}

	if s.store != nil {
		if err := s.store.SaveArtifact(ctx, artifact); err != nil {
			log.Error("Failed to archive %s of run %s: %v", stage, id, err)
		}
	}
	return artifact, nil
}

// Artifacts lists the archived exports of a job.
func (s *Service) Artifacts(ctx context.Context, id string) ([]*persistence.Artifact, error) {
	if s.store == nil {
		return []*persistence.Artifact{}, nil
	}
	return s.store.ListArtifacts(ctx, id)
}

func writeArtifact(dir, displayName string, stage jobs.Stage, content string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := strings.TrimSpace(displayName)
	if name == "" {
		name = "process-map"
	}
	path := filepath.Join(dir, file.ReplaceExt(filepath.Base(name), stage.String()+".md"))

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(content), 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", err
	}
	return path, nil
}

// detectLanguage returns a BCP 47 tag for the prose in a markdown
// artifact, or "" when nothing was detected.
func detectLanguage(content string) string {
	var prose strings.Builder
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "#*->|0123456789. "))
		if line == "" {
			continue
		}
		prose.WriteString(line)
		prose.WriteString("\n")
	}
	if prose.Len() == 0 {
		return ""
	}

	code := whatlanggo.DetectLang(prose.String()).Iso6391()
	if code == "" {
		return ""
	}
	tag, err := language.Parse(code)
	if err != nil {
		return ""
	}
	return tag.String()
}
