package scheduling

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// FireFunc runs when an armed timer elapses
type FireFunc func(ctx context.Context, jobID string) error

// ArmedJob describes a timer that has not fired yet
type ArmedJob struct {
	JobID string    `json:"job_id"`
	DueAt time.Time `json:"due_at"`
}

type timerEntry struct {
	timer *time.Timer
	dueAt time.Time
}

// firedRetention bounds how many fired job ids are remembered for
// reschedule conflict detection
const firedRetention = 1000

// TimerStore keeps one single-fire timer per job id in memory.
// Timers do not survive a process restart.
type TimerStore struct {
	mu      sync.Mutex
	entries map[string]*timerEntry
	fired   map[string]struct{}
	order   []string
	logger  *slog.Logger
	now     func() time.Time
}

// NewTimerStore creates an empty timer store
func NewTimerStore(logger *slog.Logger) *TimerStore {
	return &TimerStore{
		entries: make(map[string]*timerEntry),
		fired:   make(map[string]struct{}),
		logger:  logger,
		now:     time.Now,
	}
}

// Schedule arms a timer for jobID, replacing any timer already armed for it
func (s *TimerStore) Schedule(jobID string, dueAt time.Time, onFire FireFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delay := dueAt.Sub(s.now())
	if delay <= 0 {
		return ErrInvalidScheduleTime
	}

	s.cancelLocked(jobID)
	s.armLocked(jobID, dueAt, delay, onFire)
	return nil
}

// Reschedule moves jobID to a new due time. Validation happens before the
// current timer is touched, and the swap is done under a single lock so a
// concurrent Cancel or fire never sees the job missing.
// The returned bool reports whether a timer was armed before the call.
func (s *TimerStore) Reschedule(jobID string, dueAt time.Time, onFire FireFunc) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delay := dueAt.Sub(s.now())
	if delay <= 0 {
		return false, ErrInvalidScheduleTime
	}

	if _, ok := s.fired[jobID]; ok {
		return false, ErrAlreadyCompleted
	}

	existed := s.cancelLocked(jobID)
	s.armLocked(jobID, dueAt, delay, onFire)
	return existed, nil
}

// Cancel stops the timer for jobID. Returns false if nothing was armed.
func (s *TimerStore) Cancel(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cancelLocked(jobID)
}

// List returns the armed jobs ordered by due time
func (s *TimerStore) List() []ArmedJob {
	s.mu.Lock()
	jobs := make([]ArmedJob, 0, len(s.entries))
	for id, entry := range s.entries {
		jobs = append(jobs, ArmedJob{JobID: id, DueAt: entry.dueAt})
	}
	s.mu.Unlock()

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].DueAt.Equal(jobs[j].DueAt) {
			return jobs[i].JobID < jobs[j].JobID
		}
		return jobs[i].DueAt.Before(jobs[j].DueAt)
	})
	return jobs
}

// Clear stops every armed timer and returns how many were stopped
func (s *TimerStore) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.entries)
	for id, entry := range s.entries {
		entry.timer.Stop()
		delete(s.entries, id)
	}
	return n
}

// Len returns the number of armed timers
func (s *TimerStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries)
}

// HasFired reports whether jobID fired recently and was not armed again since
func (s *TimerStore) HasFired(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.fired[jobID]
	return ok
}

func (s *TimerStore) armLocked(jobID string, dueAt time.Time, delay time.Duration, onFire FireFunc) {
	s.forgetFiredLocked(jobID)

	entry := &timerEntry{dueAt: dueAt}
	entry.timer = time.AfterFunc(delay, func() {
		s.fire(jobID, entry, onFire)
	})
	s.entries[jobID] = entry
}

func (s *TimerStore) cancelLocked(jobID string) bool {
	entry, ok := s.entries[jobID]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(s.entries, jobID)
	return true
}

// fire runs on the timer goroutine. An entry that was cancelled or replaced
// after its timer elapsed is skipped.
func (s *TimerStore) fire(jobID string, entry *timerEntry, onFire FireFunc) {
	s.mu.Lock()
	if current, ok := s.entries[jobID]; !ok || current != entry {
		s.mu.Unlock()
		return
	}
	delete(s.entries, jobID)
	s.rememberFiredLocked(jobID)
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Timer callback panicked",
				slog.String("job_id", jobID),
				slog.Any("panic", r),
			)
		}
	}()

	if err := onFire(context.Background(), jobID); err != nil {
		s.logger.Error("Timer callback failed",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}
}

func (s *TimerStore) rememberFiredLocked(jobID string) {
	if _, ok := s.fired[jobID]; ok {
		return
	}
	s.fired[jobID] = struct{}{}
	s.order = append(s.order, jobID)

	for len(s.order) > firedRetention {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.fired, oldest)
	}
}

func (s *TimerStore) forgetFiredLocked(jobID string) {
	if _, ok := s.fired[jobID]; !ok {
		return
	}
	delete(s.fired, jobID)
	for i, id := range s.order {
		if id == jobID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}
