// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

// Package jobqueue runs background jobs with per-type retry policies.
// Jobs are queued on a durable backend; when no backend is available
// the queue degrades to synchronous in-process execution.
package jobqueue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"keystorm.io/keystorm/internal/keyid"
	"keystorm.io/keystorm/internal/sync2"
	"keystorm.io/keystorm/pkg/scoredb"
	"keystorm.io/keystorm/pkg/utils"
)

var (
	mon = monkit.Package()
	// Error is the default jobqueue error class.
	Error = errs.Class("jobqueue error")
	// ErrUnknownType is returned when no handler is registered.
	ErrUnknownType = errs.Class("unknown job type")
)

// job types
const (
	TypeRaceCompletion    = "race-completion"
	TypeLeaderboardUpdate = "leaderboard-update"
	TypeAchievementCheck  = "achievement-check"
)

// Policy is a per-type retry schedule.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Fixed       bool
}

// Delay returns the wait before the given 1-based retry attempt.
func (policy Policy) Delay(attempt int) time.Duration {
	if policy.Fixed {
		return policy.Base
	}
	delay := policy.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

var defaultPolicy = Policy{MaxAttempts: 3, Base: time.Second}

var policies = map[string]Policy{
	TypeRaceCompletion:    {MaxAttempts: 3, Base: time.Second},
	TypeLeaderboardUpdate: {MaxAttempts: 3, Base: 500 * time.Millisecond},
	TypeAchievementCheck:  {MaxAttempts: 2, Base: 2 * time.Second, Fixed: true},
}

func policyFor(jobType string) Policy {
	if policy, ok := policies[jobType]; ok {
		return policy
	}
	return defaultPolicy
}

// Job is a queued unit of work.
type Job struct {
	JobID      string          `json:"jobId"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt int64           `json:"enqueuedAt"`
	NotBefore  int64           `json:"notBefore,omitempty"`
}

// Handler executes a job.
type Handler func(ctx context.Context, job Job) error

// Backend is the durable queue storage.
type Backend interface {
	// Push appends a serialized job to the named queue.
	Push(queue string, data []byte) error
	// Pop removes the head of the named queue. ErrEmpty is returned
	// when nothing is queued.
	Pop(queue string) ([]byte, error)
	// Len returns the queue depth.
	Len(queue string) (int64, error)
	// Close releases the backend.
	Close() error
}

// ErrEmpty is returned by Pop on an empty queue.
var ErrEmpty = errs.Class("queue empty")

// Records persists job diagnostics.
type Records interface {
	RecordJob(ctx context.Context, record scoredb.JobRecord) error
}

// Config tunes the job queue.
type Config struct {
	PollInterval    time.Duration `help:"delay between queue polls" default:"250ms"`
	RetainCompleted int           `help:"completed jobs kept for inspection" default:"100"`
	RetainFailed    int           `help:"failed jobs kept for inspection" default:"100"`
}

// Service is the job queue.
type Service struct {
	log     *zap.Logger
	config  Config
	backend Backend
	records Records

	Loop *sync2.Cycle

	mu        sync.Mutex
	handlers  map[string]Handler
	completed []Job
	failed    []Job
}

// NewService creates a job queue. A nil backend selects synchronous
// degradation: Submit runs the job inline.
func NewService(log *zap.Logger, backend Backend, records Records, config Config) *Service {
	if backend == nil {
		log.Warn("job queue backend unavailable, running jobs synchronously")
	}
	return &Service{
		log:      log,
		config:   config,
		backend:  backend,
		records:  records,
		Loop:     sync2.NewCycle(config.PollInterval),
		handlers: make(map[string]Handler),
	}
}

// Handle registers the handler for a job type. Must be called before
// Run.
func (service *Service) Handle(jobType string, handler Handler) {
	service.mu.Lock()
	service.handlers[jobType] = handler
	service.mu.Unlock()
}

// Submit enqueues a job. In synchronous degradation the job runs
// before Submit returns, retries included.
func (service *Service) Submit(ctx context.Context, jobType string, payload interface{}) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := json.Marshal(payload)
	if err != nil {
		return "", Error.Wrap(err)
	}
	job := Job{
		JobID:      keyid.New("job"),
		Type:       jobType,
		Payload:    data,
		EnqueuedAt: nowMillis(),
	}

	if service.backend == nil {
		return job.JobID, service.runSynchronously(ctx, job)
	}

	serialized, err := json.Marshal(job)
	if err != nil {
		return "", Error.Wrap(err)
	}
	if err := service.backend.Push(jobType, serialized); err != nil {
		service.log.Warn("queue push failed, running job synchronously",
			zap.String("type", jobType), zap.Error(err))
		return job.JobID, service.runSynchronously(ctx, job)
	}
	service.record(ctx, job, "queued", "")
	mon.Counter("jobs_submitted").Inc(1)
	return job.JobID, nil
}

// Run polls the queues until ctx is canceled.
func (service *Service) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if service.backend == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return service.Loop.Run(ctx, service.poll)
}

// Close stops polling.
func (service *Service) Close() error {
	service.Loop.Stop()
	return nil
}

func (service *Service) poll(ctx context.Context) error {
	for jobType := range service.snapshotHandlers() {
		for {
			data, err := service.backend.Pop(jobType)
			if ErrEmpty.Has(err) {
				break
			}
			if err != nil {
				service.log.Error("queue pop failed", zap.Error(err))
				break
			}

			var job Job
			if err := json.Unmarshal(data, &job); err != nil {
				service.log.Error("malformed job dropped", zap.Error(err))
				continue
			}
			if job.NotBefore > nowMillis() {
				if err := service.backend.Push(jobType, data); err != nil {
					service.log.Error("job requeue failed", zap.Error(err))
				}
				break
			}
			service.execute(ctx, job)
		}
	}
	return nil
}

// execute runs one attempt, requeueing with the policy delay on
// failure.
func (service *Service) execute(ctx context.Context, job Job) {
	handler := service.handlerFor(job.Type)
	if handler == nil {
		service.finishFailed(ctx, job, ErrUnknownType.New("%q", job.Type))
		return
	}

	job.Attempts++
	err := handler(ctx, job)
	if err == nil {
		service.finishCompleted(ctx, job)
		return
	}

	policy := policyFor(job.Type)
	if job.Attempts >= policy.MaxAttempts {
		service.finishFailed(ctx, job, err)
		return
	}

	job.NotBefore = nowMillis() + policy.Delay(job.Attempts).Milliseconds()
	service.record(ctx, job, "retrying", err.Error())
	data, marshalErr := json.Marshal(job)
	if marshalErr != nil {
		service.finishFailed(ctx, job, utils.CombineErrors(err, marshalErr))
		return
	}
	if pushErr := service.backend.Push(job.Type, data); pushErr != nil {
		service.finishFailed(ctx, job, utils.CombineErrors(err, pushErr))
	}
	mon.Counter("jobs_retried").Inc(1)
}

// runSynchronously executes the job inline with the full retry
// schedule.
func (service *Service) runSynchronously(ctx context.Context, job Job) error {
	handler := service.handlerFor(job.Type)
	if handler == nil {
		return ErrUnknownType.New("%q", job.Type)
	}

	policy := policyFor(job.Type)
	var err error
	for job.Attempts < policy.MaxAttempts {
		job.Attempts++
		err = handler(ctx, job)
		if err == nil {
			service.finishCompleted(ctx, job)
			return nil
		}
		if job.Attempts >= policy.MaxAttempts {
			break
		}
		select {
		case <-time.After(policy.Delay(job.Attempts)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	service.finishFailed(ctx, job, err)
	return Error.Wrap(err)
}

func (service *Service) finishCompleted(ctx context.Context, job Job) {
	service.mu.Lock()
	service.completed = retain(append(service.completed, job), service.config.RetainCompleted)
	service.mu.Unlock()
	service.record(ctx, job, "completed", "")
	mon.Counter("jobs_completed").Inc(1)
}

func (service *Service) finishFailed(ctx context.Context, job Job, err error) {
	service.mu.Lock()
	service.failed = retain(append(service.failed, job), service.config.RetainFailed)
	service.mu.Unlock()
	service.record(ctx, job, "failed", err.Error())
	service.log.Error("job failed permanently",
		zap.String("jobID", job.JobID), zap.String("type", job.Type),
		zap.Int("attempts", job.Attempts), zap.Error(err))
	mon.Counter("jobs_failed").Inc(1)
}

func (service *Service) record(ctx context.Context, job Job, status, lastError string) {
	if service.records == nil {
		return
	}
	err := service.records.RecordJob(ctx, scoredb.JobRecord{
		JobID:     job.JobID,
		Queue:     job.Type,
		Payload:   string(job.Payload),
		Status:    status,
		Attempts:  job.Attempts,
		LastError: lastError,
	})
	if err != nil {
		service.log.Debug("job record write failed", zap.Error(err))
	}
}

func (service *Service) handlerFor(jobType string) Handler {
	service.mu.Lock()
	defer service.mu.Unlock()
	return service.handlers[jobType]
}

func (service *Service) snapshotHandlers() map[string]Handler {
	service.mu.Lock()
	defer service.mu.Unlock()
	handlers := make(map[string]Handler, len(service.handlers))
	for jobType, handler := range service.handlers {
		handlers[jobType] = handler
	}
	return handlers
}

// Completed returns the retained completed jobs, oldest first.
func (service *Service) Completed() []Job {
	service.mu.Lock()
	defer service.mu.Unlock()
	return append([]Job{}, service.completed...)
}

// Failed returns the retained failed jobs, oldest first.
func (service *Service) Failed() []Job {
	service.mu.Lock()
	defer service.mu.Unlock()
	return append([]Job{}, service.failed...)
}

func retain(jobs []Job, limit int) []Job {
	if over := len(jobs) - limit; over > 0 {
		return jobs[over:]
	}
	return jobs
}

func nowMillis() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}
