package icron

import (
	"fmt"
	"strings"
	"time"

	"github.com/MimeLyc/procmap-orchestrator/pkg/log"
	"github.com/robfig/cron/v3"
)

type TriggerInfo struct {
	Next       time.Time
	Expression string

	TimeUntilNext time.Duration
}

var parser = cron.NewParser(cron.Minute | cron.Hour |
	cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule accepts standard five-field expressions and descriptors
// such as "@every 30s" or "@hourly".
func ParseSchedule(expr string) (cron.Schedule, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("empty cron expression")
	}
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// Every builds a fixed-period schedule. cron rounds periods below one
// second up to one second.
func Every(d time.Duration) (cron.Schedule, error) {
	if d <= 0 {
		return nil, fmt.Errorf("invalid period %s", d)
	}
	return cron.Every(d), nil
}

func GetTriggerInfo(cronExpr string, refTime time.Time) (*TriggerInfo, error) {
	schedule, err := ParseSchedule(cronExpr)
	if err != nil {
		return nil, err
	}

	next := schedule.Next(refTime)
	return &TriggerInfo{
		Expression:    cronExpr,
		Next:          next,
		TimeUntilNext: next.Sub(refTime),
	}, nil
}

// Logger routes cron engine messages through pkg/log.
type Logger struct{}

func (Logger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug("cron: %s %s", msg, formatKV(keysAndValues))
}

func (Logger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error("cron: %s: %v %s", msg, err, formatKV(keysAndValues))
}

func formatKV(kv []interface{}) string {
	if len(kv) == 0 {
		return ""
	}
	parts := make([]string, 0, len(kv)/2+1)
	for i := 0; i < len(kv); i += 2 {
		if i+1 < len(kv) {
			parts = append(parts, fmt.Sprintf("%v=%v", kv[i], kv[i+1]))
		} else {
			parts = append(parts, fmt.Sprintf("%v", kv[i]))
		}
	}
	return strings.Join(parts, " ")
}
