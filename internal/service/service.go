package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MimeLyc/procmap-orchestrator/internal/chat"
	"github.com/MimeLyc/procmap-orchestrator/internal/config"
	"github.com/MimeLyc/procmap-orchestrator/internal/jobs"
	"github.com/MimeLyc/procmap-orchestrator/internal/persistence"
	"github.com/MimeLyc/procmap-orchestrator/internal/remote"
	"github.com/MimeLyc/procmap-orchestrator/pkg/log"
	"github.com/robfig/cron/v3"
)

// MaxUploadSize matches the processing service's request limit.
const MaxUploadSize = 20 << 20

// SupportedExtensions are the process map formats the service accepts.
var SupportedExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".pdf"}

// Remote is the processing service as seen by the orchestrator.
type Remote interface {
	Fetcher
	Advancer
	chat.Responder
	Upload(ctx context.Context, filename string, content io.Reader) (string, error)
	Export(ctx context.Context, runID, kind string) (*remote.Export, error)
}

// ArtifactStore archives exported results.
type ArtifactStore interface {
	SaveArtifact(ctx context.Context, a *persistence.Artifact) error
	ListArtifacts(ctx context.Context, runID string) ([]*persistence.Artifact, error)
}

// Service tracks submitted jobs, keeps them in sync with the processing
// service and exposes the user operations.
type Service struct {
	cfg      config.Config
	remote   Remote
	store    ArtifactStore
	cron     *cron.Cron
	registry *jobs.Registry
	notices  *Notices

	trigger   *Trigger
	poller    *Poller
	scheduler *Scheduler
	inbox     *Inbox

	mu       sync.Mutex
	sessions map[string]*chat.Session
	now      func() time.Time
}

// New wires the orchestrator. store may be nil, in which case exports are
// not archived.
func New(cfg config.Config, client Remote, store ArtifactStore, engine *cron.Cron) *Service {
	if engine == nil {
		engine = NewCron()
	}
	registry := jobs.NewRegistry()
	notices := NewNotices(0)
	trigger := NewTrigger(registry, client, notices, cfg.Pipeline.AdvanceDelay)
	poller := NewPoller(registry, client, trigger, cfg.Pipeline.PollConcurrency)

	svc := &Service{
		cfg:       cfg,
		remote:    client,
		store:     store,
		cron:      engine,
		registry:  registry,
		notices:   notices,
		trigger:   trigger,
		poller:    poller,
		scheduler: NewScheduler(engine, poller, cfg.Pipeline.PollInterval),
		sessions:  make(map[string]*chat.Session),
		now:       time.Now,
	}
	if cfg.Inbox.Dir != "" {
		svc.inbox = NewInbox(cfg.Inbox.Dir, cfg.Inbox.CronExpr, time.Now(), func(ctx context.Context, path string) error {
			_, err := svc.SubmitFile(ctx, path)
			return err
		})
	}
	return svc
}

func (s *Service) Registry() *jobs.Registry { return s.registry }

func (s *Service) Notices() *Notices { return s.notices }

func (s *Service) Polling() bool { return s.scheduler.Active() }

// Schedule binds ctx to background work and registers the cron entries.
// The engine itself is started by the caller.
func (s *Service) Schedule(ctx context.Context) error {
	log.Info("Scheduling orchestrator")
	s.scheduler.Bind(ctx)
	if s.inbox != nil {
		if err := s.inbox.Schedule(ctx, s.cron); err != nil {
			return WrapError(err, ErrConfig, "Failed to schedule inbox")
		}
	}
	return s.scheduler.Sync(s.registry.Len())
}

// Run schedules, starts the engine and blocks until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Schedule(ctx); err != nil {
		return err
	}
	s.cron.Start()
	<-ctx.Done()
	s.scheduler.Shutdown()
	s.Close()
	return nil
}

// Close stops polling, drops pending advance-requests and aborts chats.
func (s *Service) Close() {
	s.scheduler.Stop()
	s.trigger.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		sess.Cancel()
	}
}

// PollOnce runs a poll cycle outside the schedule.
func (s *Service) PollOnce(ctx context.Context) CycleResult {
	return s.poller.Cycle(ctx)
}

// Submit uploads a process map and starts tracking it. Nothing is tracked
// when the upload fails.
func (s *Service) Submit(ctx context.Context, name string, content io.Reader) (*jobs.JobRecord, error) {
	runID, err := s.remote.Upload(ctx, name, content)
	if err != nil {
		pErr := WrapError(err, ErrUpload, fmt.Sprintf("Failed to upload %s", name)).WithContext("file", name)
		s.notices.Report("", pErr)
		return nil, pErr
	}

	job := jobs.NewJobRecord(runID, name, s.now())
	if err := s.registry.Add(job); err != nil {
		pErr := WrapError(err, ErrUpload, fmt.Sprintf("Run %s is already tracked", runID)).WithContext("run_id", runID)
		s.notices.Report(runID, pErr)
		return nil, pErr
	}
	log.Info("Tracking run %s for %s", runID, name)

	if err := s.scheduler.Sync(s.registry.Len()); err != nil {
		log.Error("Failed to start polling: %v", err)
	}
	return job, nil
}

// SubmitFile checks type and size locally before uploading path.
func (s *Service) SubmitFile(ctx context.Context, path string) (*jobs.JobRecord, error) {
	name := filepath.Base(path)
	if err := validateUpload(path); err != nil {
		s.notices.Report("", err)
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		pErr := WrapError(err, ErrUpload, fmt.Sprintf("Failed to open %s", name)).WithContext("path", path)
		s.notices.Report("", pErr)
		return nil, pErr
	}
	defer f.Close()

	job, err := s.Submit(ctx, name, f)
	if err != nil {
		return nil, err
	}
	s.registry.Update(job.ID, func(j *jobs.JobRecord) bool {
		j.SourcePath = path
		return true
	})
	job.SourcePath = path
	return job, nil
}

// CheckUpload rejects names and sizes the processing service would refuse.
func CheckUpload(name string, size int64) error {
	ext := strings.ToLower(filepath.Ext(name))
	if !slices.Contains(SupportedExtensions, ext) {
		return NewError(ErrValidation, "File type not allowed").
			WithContext("file", name).
			WithContext("allowed", strings.Join(SupportedExtensions, " "))
	}
	if size > MaxUploadSize {
		return NewError(ErrValidation, "File too large").
			WithContext("file", name).
			WithContext("size", size)
	}
	return nil
}

func validateUpload(path string) error {
	if err := CheckUpload(filepath.Base(path), 0); err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return WrapError(err, ErrValidation, "Cannot read file").WithContext("path", path)
	}
	if info.IsDir() {
		return NewError(ErrValidation, "Path is a directory").WithContext("path", path)
	}
	return CheckUpload(filepath.Base(path), info.Size())
}

// Remove stops tracking a job. Fetches already in flight for it are ignored.
func (s *Service) Remove(id string) bool {
	if !s.registry.Remove(id) {
		return false
	}
	s.mu.Lock()
	if sess, ok := s.sessions[id]; ok {
		sess.Cancel()
		delete(s.sessions, id)
		log.Debug("Closed chat about run %s", sess.RunID())
	}
	s.mu.Unlock()

	log.Info("Stopped tracking run %s", id)
	if err := s.scheduler.Sync(s.registry.Len()); err != nil {
		log.Error("Failed to sync polling: %v", err)
	}
	return true
}

// Select changes the selected job. Leaving a job aborts its pending chat.
func (s *Service) Select(id string) error {
	prev := s.registry.SelectedID()
	if err := s.registry.Select(id); err != nil {
		return WrapError(err, ErrNotFound, "Cannot select job").WithContext("job_id", id)
	}
	if prev != "" && prev != id {
		s.mu.Lock()
		if sess, ok := s.sessions[prev]; ok {
			sess.Cancel()
			log.Debug("Left chat about run %s", sess.RunID())
		}
		s.mu.Unlock()
	}
	return nil
}

// Advance requests a stage by hand, e.g. after an automatic request failed
// or the stage failed remotely. The previous stage must be complete and the
// stage must be Pending. The request is sent right away.
func (s *Service) Advance(ctx context.Context, id string, stage jobs.Stage) error {
	prevStage, ok := stage.Prev()
	if !ok {
		return NewError(ErrValidation, fmt.Sprintf("%s cannot be requested", stage)).WithContext("job_id", id)
	}
	if _, found := s.registry.Get(id); !found {
		return NewError(ErrNotFound, "job not found").WithContext("job_id", id)
	}

	var reason string
	s.registry.Update(id, func(job *jobs.JobRecord) bool {
		precondition := job.Result(prevStage)
		switch {
		case precondition == "":
			reason = fmt.Sprintf("%s has no result yet", prevStage)
			return false
		case job.State(stage) != jobs.StatePending:
			reason = fmt.Sprintf("%s is already %s", stage, job.State(stage))
			return false
		}
		job.ClearAttempt(stage)
		if !job.MarkRequested(stage, precondition) {
			return false
		}
		// polling resumes after a remote stage failure
		if job.Status.IsTerminal() && job.Status != jobs.StatusComplete {
			job.Status = jobs.StatusProcessing
		}
		return true
	})
	if reason != "" {
		return NewError(ErrValidation, reason).WithContext("job_id", id).WithContext("stage", stage.String())
	}
	return s.trigger.Send(ctx, id, stage)
}

// Chat sends text in the job's conversation.
func (s *Service) Chat(ctx context.Context, id, text string) (chat.Message, error) {
	sess, err := s.session(id)
	if err != nil {
		return chat.Message{}, err
	}
	reply, err := sess.Send(ctx, text)
	if err != nil {
		if errors.Is(err, chat.ErrEmptyMessage) {
			return chat.Message{}, WrapError(err, ErrValidation, "Message is empty").WithContext("job_id", id)
		}
		pErr := WrapError(err, ErrChat, "Chat request failed").WithContext("job_id", id)
		if !errors.Is(err, chat.ErrCancelled) {
			s.notices.Report(id, pErr)
		}
		return chat.Message{}, pErr
	}
	return reply, nil
}

// ChatHistory returns the job's conversation, starting with the greeting.
func (s *Service) ChatHistory(id string) ([]chat.Message, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}
	return sess.History(), nil
}

func (s *Service) session(id string) (*chat.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.registry.Get(id); !ok {
		return nil, NewError(ErrNotFound, "job not found").WithContext("job_id", id)
	}
	sess, ok := s.sessions[id]
	if !ok {
		sess = chat.NewSession(id, s.remote, s.cfg.Pipeline.ChatTimeout)
		s.sessions[id] = sess
		log.Debug("Opened chat about run %s", sess.RunID())
	}
	return sess, nil
}
