package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MimeLyc/procmap-orchestrator/internal/jobs"
	"github.com/MimeLyc/procmap-orchestrator/internal/remote"
	"github.com/MimeLyc/procmap-orchestrator/internal/service"
	"github.com/MimeLyc/procmap-orchestrator/pkg/log"
	"github.com/spf13/cobra"
)

type submitOptions struct {
	export    bool
	outputDir string
	refresh   time.Duration
}

func newSubmitCommand(load configLoader) *cobra.Command {
	opts := submitOptions{}
	cmd := &cobra.Command{
		Use:   "submit FILE...",
		Short: "Upload process maps and follow them until the analysis is done",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if opts.outputDir != "" {
				cfg.System.OutputDir = opts.outputDir
			}
			if opts.export && cfg.System.OutputDir == "" {
				cfg.System.OutputDir = "."
			}
			client, err := remote.NewClient(&remote.Config{BaseURL: cfg.Remote.BaseURL, Timeout: cfg.Remote.Timeout})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			engine := service.NewCron()
			svc := service.New(*cfg, client, nil, engine)
			defer svc.Close()

			return followSubmissions(ctx, svc, engine, args, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().BoolVar(&opts.export, "export", false, "Write every stage result as markdown when done")
	cmd.Flags().StringVarP(&opts.outputDir, "output", "o", "", "Directory for exported markdown (default OUTPUT_DIR or .)")
	cmd.Flags().DurationVar(&opts.refresh, "refresh", 500*time.Millisecond, "How often progress is checked")
	return cmd
}

// followSubmissions uploads paths, prints the job table on every change and
// returns once each job is terminal or has all three results.
func followSubmissions(ctx context.Context, svc *service.Service, engine cronEngine, paths []string, opts submitOptions, out, errOut io.Writer) error {
	for _, path := range paths {
		job, err := svc.SubmitFile(ctx, path)
		if err != nil {
			continue
		}
		log.Info("Submitted %s as run %s", path, job.ID)
	}

	var lastNotice int64
	printNotices := func() {
		for _, n := range svc.Notices().Since(lastNotice) {
			fmt.Fprintf(errOut, "! %s\n", n.Message)
			if n.Advice != "" {
				fmt.Fprintf(errOut, "  %s\n", n.Advice)
			}
			lastNotice = n.Seq
		}
	}
	printNotices()

	if svc.Registry().Len() == 0 {
		return errors.New("no file was accepted")
	}

	if err := svc.Schedule(ctx); err != nil {
		return err
	}
	engine.Start()
	defer func() { <-engine.Stop().Done() }()

	refresh := opts.refresh
	if refresh <= 0 {
		refresh = 500 * time.Millisecond
	}
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	pretty := isTerminal(out)
	var shown uint64
	for {
		list, selected, version := svc.Registry().Snapshot()
		if version != shown {
			fmt.Fprintln(out, renderJobs(list, selected, pretty))
			shown = version
		}
		printNotices()
		if finished(list) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	printNotices()

	list, _, _ := svc.Registry().Snapshot()
	var errs []error
	for _, job := range list {
		if stage, ok := stuckStage(job); ok {
			errs = append(errs, fmt.Errorf("run %s (%s): %s could not be started", job.ID, job.DisplayName, stage))
		}
	}

	if opts.export {
		var failed int
		for _, job := range list {
			for _, stage := range jobs.Stages {
				if job.Result(stage) == "" {
					continue
				}
				artifact, err := svc.Export(ctx, job.ID, stage)
				if err != nil {
					failed++
					continue
				}
				fmt.Fprintf(out, "%s %s -> %s\n", job.ID, stage, artifact.OutputPath)
			}
		}
		printNotices()
		if failed > 0 {
			errs = append(errs, fmt.Errorf("%d exports failed", failed))
		}
	}
	return errors.Join(errs...)
}

// finished reports whether every job is terminal, fully analyzed, or stuck.
func finished(list []*jobs.JobRecord) bool {
	for _, job := range list {
		if job.Status.IsTerminal() || job.Result(jobs.StageImprovements) != "" {
			continue
		}
		if _, ok := stuckStage(job); ok {
			continue
		}
		return false
	}
	return true
}

// stuckStage finds a stage whose automatic request failed for the current
// precondition result. Polling will not request it again.
func stuckStage(job *jobs.JobRecord) (jobs.Stage, bool) {
	if job.Status.IsTerminal() {
		return 0, false
	}
	for _, s := range []jobs.Stage{jobs.StageBottlenecks, jobs.StageImprovements} {
		p, _ := s.Prev()
		precondition := job.Result(p)
		if precondition != "" && job.State(s) == jobs.StatePending && job.Attempted(s) == precondition {
			return s, true
		}
	}
	return 0, false
}
