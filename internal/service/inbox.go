package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MimeLyc/procmap-orchestrator/pkg/file"
	"github.com/MimeLyc/procmap-orchestrator/pkg/icron"
	"github.com/MimeLyc/procmap-orchestrator/pkg/log"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"
)

// Inbox picks up process maps dropped into a directory and submits them.
type Inbox struct {
	dir      string
	cronExpr string
	submit   func(ctx context.Context, path string) error

	group singleflight.Group

	mu       sync.Mutex
	lastScan time.Time
	seen     map[string]time.Time
}

// NewInbox only considers files modified after since.
func NewInbox(dir, cronExpr string, since time.Time, submit func(ctx context.Context, path string) error) *Inbox {
	return &Inbox{
		dir:      dir,
		cronExpr: cronExpr,
		submit:   submit,
		lastScan: since,
		seen:     make(map[string]time.Time),
	}
}

// Schedule adds the scan entry to the engine.
func (in *Inbox) Schedule(ctx context.Context, engine *cron.Cron) error {
	schedule, err := icron.ParseSchedule(in.cronExpr)
	if err != nil {
		return fmt.Errorf("inbox schedule: %w", err)
	}
	if info, err := icron.GetTriggerInfo(in.cronExpr, time.Now()); err == nil {
		log.Info("Watching inbox %s (%s), first scan in %s", in.dir, in.cronExpr, info.TimeUntilNext.Round(time.Second))
	}
	engine.Schedule(schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := in.Scan(ctx); err != nil {
			log.Error("Inbox scan of %s failed: %v", in.dir, err)
		}
	}))
	return nil
}

// Scan submits every supported file modified since the previous scan.
// Concurrent calls share one scan.
func (in *Inbox) Scan(ctx context.Context) (int, error) {
	v, err, _ := in.group.Do("scan", func() (any, error) {
		return in.scan(ctx)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (in *Inbox) scan(ctx context.Context) (int, error) {
	in.mu.Lock()
	since := in.lastScan
	in.mu.Unlock()

	started := time.Now()
	paths, err := file.FindRecentAfter(in.dir, since, SupportedExtensions...)
	if err != nil {
		return 0, err
	}

	submitted, failed := 0, 0
	for _, path := range paths {
		if ctx.Err() != nil {
			return submitted, ctx.Err()
		}
		if in.alreadySubmitted(path) {
			continue
		}
		if err := in.submit(ctx, path); err != nil {
			log.Error("Inbox submit %s failed: %v", path, err)
			if IsErrorType(err, ErrValidation) {
				// resubmitting cannot fix a rejected file
				in.markSubmitted(path)
				continue
			}
			failed++
			continue
		}
		in.markSubmitted(path)
		submitted++
	}

	// files that failed to upload stay inside the next scan window
	if failed == 0 {
		in.mu.Lock()
		in.lastScan = started
		in.mu.Unlock()
	}

	if submitted > 0 {
		log.Info("Inbox %s: submitted %d file(s)", in.dir, submitted)
	}
	return submitted, nil
}

func (in *Inbox) alreadySubmitted(path string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	_, ok := in.seen[path]
	return ok
}

func (in *Inbox) markSubmitted(path string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.seen[path] = time.Now()
}
