package timer

import (
	"fmt"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/xraph/jobservice"
	"github.com/xraph/jobservice/job"
)

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// maxCatchUpSteps bounds the walk over missed occurrences of a timer
// that fell far behind a fine-grained schedule.
const maxCatchUpSteps = 100_000

var (
	parsedMu sync.RWMutex
	parsed   = make(map[string]cronlib.Schedule)
)

// ParseRepeat parses a repeat expression: a 5-field cron expression, a
// descriptor such as "@hourly" or "@every 5m", or the bare form
// "every 5m". Parsed schedules are cached.
func ParseRepeat(expr string) (cronlib.Schedule, error) {
	expr = normalize(expr)

	parsedMu.RLock()
	sched, ok := parsed[expr]
	parsedMu.RUnlock()
	if ok {
		return sched, nil
	}

	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", jobservice.ErrInvalidRepeat, expr, err)
	}

	parsedMu.Lock()
	parsed[expr] = sched
	parsedMu.Unlock()
	return sched, nil
}

func normalize(expr string) string {
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, "every ") {
		return "@" + expr
	}
	return expr
}

// FirstOccurrence returns when a new repeating timer first fires: the
// next occurrence after now, or nil if the bounds already exclude it.
func FirstOccurrence(sched cronlib.Schedule, now time.Time, endDate *time.Time) *time.Time {
	first := next(sched, now)
	if endDate != nil && first.After(*endDate) {
		return nil
	}
	return &first
}

// Plan is the outcome of firing one repeating timer.
type Plan struct {
	// Missed are extra occurrences to fire as executable jobs, oldest
	// first. Empty unless the policy is MissedFireEach.
	Missed []time.Time

	// Next is the due date of the following timer, or nil when the
	// timer has reached its iteration or end-date bound.
	Next *time.Time

	// Iteration is the fire count after this promotion.
	Iteration int
}

// PlanFire computes what promoting timer t at now produces.
func PlanFire(sched cronlib.Schedule, t *job.Job, now time.Time, policy jobservice.MissedPolicy, maxMissed int) Plan {
	plan := Plan{Iteration: t.Iteration + 1}

	due := now
	if t.DueDate != nil {
		due = *t.DueDate
	}

	budget := -1
	if t.MaxIterations > 0 {
		budget = t.MaxIterations - plan.Iteration
	}
	keep := 0
	if policy == jobservice.MissedFireEach && maxMissed > 0 {
		keep = maxMissed
	}
	if budget >= 0 && keep > budget {
		keep = budget
	}

	missed := newRing(keep)
	occ := next(sched, due)
	steps := 0
	for !occ.IsZero() && !occ.After(now) {
		if t.EndDate != nil && occ.After(*t.EndDate) {
			break
		}
		missed.push(occ)
		occ = next(sched, occ)
		if steps++; steps >= maxCatchUpSteps {
			occ = nextAfter(sched, occ, now)
			break
		}
	}
	plan.Missed = missed.items()
	plan.Iteration += len(plan.Missed)

	if occ.IsZero() {
		return plan
	}
	if t.MaxIterations > 0 && plan.Iteration >= t.MaxIterations {
		return plan
	}
	if t.EndDate != nil && occ.After(*t.EndDate) {
		return plan
	}
	plan.Next = &occ
	return plan
}

// next returns the occurrence following t. Fixed-interval schedules
// keep t's sub-second part so the timer stays on its due-date grid;
// robfig's ConstantDelaySchedule rounds down to whole seconds.
func next(sched cronlib.Schedule, t time.Time) time.Time {
	if d, ok := constantDelay(sched); ok {
		return t.Add(d)
	}
	return sched.Next(t)
}

// nextAfter returns the first occurrence on anchor's grid after now.
func nextAfter(sched cronlib.Schedule, anchor, now time.Time) time.Time {
	d, ok := constantDelay(sched)
	if !ok {
		return sched.Next(now)
	}
	if anchor.After(now) {
		return anchor
	}
	steps := now.Sub(anchor)/d + 1
	return anchor.Add(steps * d)
}

func constantDelay(sched cronlib.Schedule) (time.Duration, bool) {
	switch s := sched.(type) {
	case cronlib.ConstantDelaySchedule:
		return s.Delay, s.Delay > 0
	case *cronlib.ConstantDelaySchedule:
		return s.Delay, s.Delay > 0
	}
	return 0, false
}

// ring keeps the last n values pushed.
type ring struct {
	buf   []time.Time
	start int
	full  bool
}

func newRing(n int) *ring { return &ring{buf: make([]time.Time, 0, n)} }

func (r *ring) push(t time.Time) {
	n := cap(r.buf)
	if n == 0 {
		return
	}
	if !r.full {
		r.buf = append(r.buf, t)
		r.full = len(r.buf) == n
		return
	}
	r.buf[r.start] = t
	r.start = (r.start + 1) % n
}

func (r *ring) items() []time.Time {
	if len(r.buf) == 0 {
		return nil
	}
	out := make([]time.Time, 0, len(r.buf))
	out = append(out, r.buf[r.start:]...)
	return append(out, r.buf[:r.start]...)
}
