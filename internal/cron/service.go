// Package cron runs the gateway's housekeeping jobs on robfig/cron
// schedules and records the outcome of every run.
package cron

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	rcron "github.com/robfig/cron/v3"

	"github.com/stellarlinkco/clawpool/internal/errs"
	"github.com/stellarlinkco/clawpool/internal/logging"
)

const (
	StatusOK    = "ok"
	StatusError = "error"

	stopTimeout = 5 * time.Second
)

// JobFunc is one housekeeping step. The returned summary is logged.
type JobFunc func(ctx context.Context) (string, error)

type JobState struct {
	Runs       int       `json:"runs"`
	LastRunAt  time.Time `json:"lastRunAt,omitempty"`
	LastStatus string    `json:"lastStatus,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
	LastResult string    `json:"lastResult,omitempty"`
}

type Job struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next,omitempty"`
	State    JobState  `json:"state"`
}

type job struct {
	name     string
	schedule string
	fn       JobFunc
	entry    rcron.EntryID
	state    JobState
}

type Options struct {
	Logger   *slog.Logger
	Location *time.Location
	Now      func() time.Time
}

type Service struct {
	mu      sync.Mutex
	jobs    map[string]*job
	cron    *rcron.Cron
	log     *slog.Logger
	now     func() time.Time
	runCtx  context.Context
	cancel  context.CancelFunc
	stopCh  chan struct{}
	running bool
}

// parser accepts five or six fields plus descriptors such as "@every 1h".
var parser = rcron.NewParser(
	rcron.SecondOptional | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor,
)

func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Component("cron")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	adapter := cronLogger{log: logger}
	return &Service{
		jobs: make(map[string]*job),
		cron: rcron.New(
			rcron.WithParser(parser),
			rcron.WithLocation(loc),
			rcron.WithLogger(adapter),
			rcron.WithChain(rcron.Recover(adapter), rcron.SkipIfStillRunning(adapter)),
		),
		log:    logger,
		now:    now,
		runCtx: context.Background(),
	}
}

// ValidateSchedule reports whether schedule parses with the service's parser.
func ValidateSchedule(schedule string) error {
	if _, err := parser.Parse(schedule); err != nil {
		return goerr.Wrap(errs.ErrValidation, "invalid schedule",
			goerr.V("schedule", schedule), goerr.V("cause", err.Error()))
	}
	return nil
}

// AddFunc registers a named job. Jobs may be added before or after Start.
func (s *Service) AddFunc(name, schedule string, fn JobFunc) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return goerr.Wrap(errs.ErrValidation, "job name is required")
	}
	if fn == nil {
		return goerr.Wrap(errs.ErrValidation, "job function is required", goerr.V("job", name))
	}
	if err := ValidateSchedule(schedule); err != nil {
		return goerr.Wrap(err, "add job", goerr.V("job", name))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return goerr.Wrap(errs.ErrAlreadyRegistered, "job already registered", goerr.V("job", name))
	}

	j := &job{name: name, schedule: schedule, fn: fn}
	id, err := s.cron.AddFunc(schedule, func() { s.executeJob(name) })
	if err != nil {
		return goerr.Wrap(err, "register job", goerr.V("job", name), goerr.V("schedule", schedule))
	}
	j.entry = id
	s.jobs[name] = j
	s.log.Debug("job registered", "job", name, "schedule", schedule)
	return nil
}

func (s *Service) RemoveJob(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	s.cron.Remove(j.entry)
	delete(s.jobs, name)
	return true
}

// Start begins firing scheduled jobs. Cancelling ctx stops the service.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return goerr.New("cron service already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})
	s.runCtx = runCtx
	s.cancel = cancel
	s.stopCh = stopCh
	s.running = true
	count := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.log.Info("cron started", "jobs", count)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()
	return nil
}

// Stop halts the scheduler and waits briefly for running jobs. Safe to call
// more than once.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	stopCh := s.stopCh
	s.cancel = nil
	s.stopCh = nil
	s.running = false
	s.mu.Unlock()

	close(stopCh)
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(stopTimeout):
		s.log.Warn("stop timed out waiting for running jobs")
	}
	cancel()
	s.log.Info("cron stopped")
}

// RunNow executes a job immediately on the caller's goroutine.
func (s *Service) RunNow(ctx context.Context, name string) (JobState, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return JobState{}, goerr.Wrap(errs.ErrNotFound, "job not found", goerr.V("job", name))
	}
	return s.run(ctx, j), nil
}

func (s *Service) executeJob(name string) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	ctx := s.runCtx
	s.mu.Unlock()
	if !ok {
		return
	}
	s.run(ctx, j)
}

func (s *Service) run(ctx context.Context, j *job) JobState {
	started := s.now()
	s.log.Debug("executing job", "job", j.name)
	result, err := j.fn(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	j.state.Runs++
	j.state.LastRunAt = started
	if err != nil {
		j.state.LastStatus = StatusError
		j.state.LastError = err.Error()
		j.state.LastResult = ""
		s.log.Warn("job failed", "job", j.name, "error", err)
	} else {
		j.state.LastStatus = StatusOK
		j.state.LastError = ""
		j.state.LastResult = truncate(result, 200)
		s.log.Debug("job finished", "job", j.name, "result", truncate(result, 100),
			"elapsed", s.now().Sub(started))
	}
	return j.state
}

// ListJobs returns every job sorted by name.
func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, Job{
			Name:     j.name,
			Schedule: j.schedule,
			Next:     s.cron.Entry(j.entry).Next,
			State:    j.state,
		})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// cronLogger routes robfig/cron's internal logging through slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
