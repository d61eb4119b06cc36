package scheduler

import (
	"fmt"
	"math"
	"time"

	"github.com/robfig/cron/v3"
)

// ComputePollingIntervalWithBackoff returns base * 2^attempts seconds,
// capped at maxSeconds. maxSeconds <= 0 disables the cap.
func ComputePollingIntervalWithBackoff(base, attempts, maxSeconds int) int {
	if base <= 0 {
		base = DefaultPollIntervalSeconds
	}
	if attempts < 0 {
		attempts = 0
	}
	interval := float64(base) * math.Pow(2, float64(attempts))
	if maxSeconds > 0 && interval > float64(maxSeconds) {
		return maxSeconds
	}
	if interval > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(interval)
}

// cronParser accepts standard five-field expressions and @every/@daily
// style descriptors.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// CalculateNextRun computes the next fire time of a cron expression.
func CalculateNextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}
