// Package recurring enqueues periodic provider work on cron schedules.
// Every worker process may run the same schedules: each tick's jobs carry a
// dedupe key derived from the tick minute, so concurrent producers collapse
// into one job per account.
package recurring

import (
	"context"
	"encoding/json"
	"github.com/benjhiman/remember-me-sub000/client"
	"github.com/benjhiman/remember-me-sub000/internal/logger"
	"github.com/benjhiman/remember-me-sub000/internal/store"
	"github.com/benjhiman/remember-me-sub000/types"
	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"sort"
	"sync"
	"time"
)

const defaultLookback = 30 * 24 * time.Hour

// Task is one recurring producer.
type Task struct {
	Name      string
	Spec      string
	JobType   types.JobType
	Providers []types.Provider
	// Payload builds the job payload for a tick. Nil means an empty object.
	Payload func(at time.Time, account types.ConnectedAccount) json.RawMessage
}

type Scheduler struct {
	cron     *cron.Cron
	parser   cron.Parser
	queue    client.QueueAdapter
	accounts store.AccountLister
	lookback time.Duration
	now      func() time.Time

	mu    sync.Mutex
	tasks map[string]Task

	log *zap.SugaredLogger
}

type Option func(*Scheduler)

// WithLookback sets how far back an account's last job may be for the
// account to count as active.
func WithLookback(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.lookback = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

func NewScheduler(queue client.QueueAdapter, accounts store.AccountLister, opts ...Option) *Scheduler {
	log := logger.ComponentLogger("recurring")
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s := &Scheduler{
		cron:     cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cronLogger{log}))),
		parser:   parser,
		queue:    queue,
		accounts: accounts,
		lookback: defaultLookback,
		now:      time.Now,
		tasks:    make(map[string]Task),
		log:      log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers task on its cron spec.
func (s *Scheduler) Add(task Task) error {
	if task.Name == "" {
		return errors.New("recurring task needs a name")
	}
	if _, err := s.parser.Parse(task.Spec); err != nil {
		return errors.Wrapf(err, "invalid cron expression %q for %s", task.Spec, task.Name)
	}

	s.mu.Lock()
	if _, exists := s.tasks[task.Name]; exists {
		s.mu.Unlock()
		return errors.Newf("recurring task %s already registered", task.Name)
	}
	s.tasks[task.Name] = task
	s.mu.Unlock()

	_, err := s.cron.AddFunc(task.Spec, func() {
		if _, err := s.Run(context.Background(), task.Name); err != nil {
			s.log.Warnw("recurring task finished with errors", logger.FieldTask, task.Name, logger.FieldError, err)
		}
	})
	return err
}

// Tasks returns the registered tasks ordered by name.
func (s *Scheduler) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := make([]Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Name < tasks[j].Name })
	return tasks
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for running ticks until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// Run fires task name once and returns how many jobs were enqueued.
func (s *Scheduler) Run(ctx context.Context, name string) (int, error) {
	s.mu.Lock()
	task, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return 0, errors.Newf("unknown recurring task %s", name)
	}

	at := s.now().UTC().Truncate(time.Minute)
	since := at.Add(-s.lookback)
	// jobs produced by recurring tasks would otherwise keep an account active forever
	exclude := s.producedJobTypes()

	var runErr error
	enqueued := 0
	for _, provider := range task.Providers {
		accounts, err := s.accounts.ActiveAccounts(ctx, provider, since, exclude)
		if err != nil {
			runErr = errors.CombineErrors(runErr, errors.Wrapf(err, "list %s accounts", provider))
			continue
		}
		for _, account := range accounts {
			params := types.EnqueueParams{
				JobType:            task.JobType,
				Provider:           provider,
				Payload:            payloadFor(task, at, account),
				OrganizationID:     account.OrganizationID,
				ConnectedAccountID: account.ConnectedAccountID,
				DedupeKey:          DedupeKey(task.Name, at, account.ConnectedAccountID),
			}
			if _, err := s.queue.Enqueue(ctx, params); err != nil {
				runErr = errors.CombineErrors(runErr, err)
				continue
			}
			enqueued++
		}
	}

	s.log.Infow("recurring task fired", logger.FieldTask, name, logger.FieldCount, enqueued)
	return enqueued, runErr
}

func (s *Scheduler) producedJobTypes() []types.JobType {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[types.JobType]bool, len(s.tasks))
	jobTypes := make([]types.JobType, 0, len(s.tasks))
	for _, task := range s.tasks {
		if !seen[task.JobType] {
			seen[task.JobType] = true
			jobTypes = append(jobTypes, task.JobType)
		}
	}
	sort.Slice(jobTypes, func(i, j int) bool { return jobTypes[i] < jobTypes[j] })
	return jobTypes
}

// NextRun returns the first activation of spec after from.
func (s *Scheduler) NextRun(spec string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(from), nil
}

// DedupeKey identifies one tick of a task for one account.
func DedupeKey(task string, at time.Time, connectedAccountID string) string {
	return task + ":" + at.UTC().Format("200601021504") + ":" + connectedAccountID
}

func payloadFor(task Task, at time.Time, account types.ConnectedAccount) json.RawMessage {
	if task.Payload == nil {
		return json.RawMessage("{}")
	}
	return task.Payload(at, account)
}

type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, logger.FieldError, err)...)
}
