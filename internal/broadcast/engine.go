package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iago/wa-lead-router/internal/channel"
	"github.com/iago/wa-lead-router/internal/domain"
	"github.com/iago/wa-lead-router/internal/logging"
	"github.com/iago/wa-lead-router/internal/policy"
	"github.com/iago/wa-lead-router/internal/repository"
	"github.com/iago/wa-lead-router/internal/schedule"
)

var (
	ErrAlreadyRunning = errors.New("a broadcast is already running")
	ErrInvalidFilter  = errors.New("invalid broadcast request")
	ErrNoTarget       = errors.New("no lead matches the broadcast filter")
)

// staleGrace is how long past its interval a running job may go without a
// save before it is considered abandoned by a dead process.
const staleGrace = 5 * time.Minute

const interruptedError = "interrupted by restart"

// Snapshot is the read model of a job, without its queue and media bytes.
type Snapshot struct {
	ID         string                 `json:"id,omitempty"`
	Status     domain.BroadcastStatus `json:"status"`
	Statuses   []string               `json:"statuses,omitempty"`
	AssignedTo string                 `json:"assigned_to,omitempty"`
	Source     string                 `json:"source,omitempty"`
	HasMedia   bool                   `json:"has_media"`
	Total      int                    `json:"total"`
	Processed  int                    `json:"processed"`
	Sent       int                    `json:"sent"`
	Failed     int                    `json:"failed"`
	Pending    int                    `json:"pending"`
	MaxRetries int                    `json:"max_retries"`
	IntervalMs int                    `json:"interval_ms"`
	StartedBy  string                 `json:"started_by,omitempty"`
	StartedAt  *time.Time             `json:"started_at,omitempty"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
	LastError  string                 `json:"last_error,omitempty"`
}

func snapshotOf(job *domain.BroadcastJob) Snapshot {
	if job == nil {
		return Snapshot{Status: domain.BroadcastStatusIdle}
	}
	startedAt := job.StartedAt
	snapshot := Snapshot{
		ID:         job.ID,
		Status:     job.Status,
		Statuses:   append([]string(nil), job.Filter.Statuses...),
		AssignedTo: job.Filter.AssignedTo,
		Source:     job.Filter.Source,
		HasMedia:   job.Media != nil,
		Total:      job.Total,
		Processed:  job.Processed,
		Sent:       job.Sent,
		Failed:     job.Failed,
		Pending:    len(job.Queue),
		MaxRetries: job.MaxRetries,
		IntervalMs: job.IntervalMs,
		StartedBy:  job.StartedBy,
		StartedAt:  &startedAt,
		LastError:  job.LastError,
	}
	if job.FinishedAt != nil {
		finishedAt := *job.FinishedAt
		snapshot.FinishedAt = &finishedAt
	}
	return snapshot
}

type Dependencies struct {
	Jobs    JobStore
	Store   repository.Store
	Channel channel.Channel
	Clock   schedule.Clock
	Logger  *zap.SugaredLogger
}

// Engine runs at most one throttled broadcast at a time. Sends are single
// flight: the next tick is scheduled only after the previous send returns.
type Engine struct {
	jobs    JobStore
	store   repository.Store
	channel channel.Channel
	clock   schedule.Clock
	logger  *zap.SugaredLogger

	mu    sync.Mutex
	ctx   context.Context
	timer schedule.Timer
	// owned is the id of the job this engine is driving, if any.
	owned string
}

func NewEngine(deps Dependencies) *Engine {
	jobs := deps.Jobs
	if jobs == nil {
		jobs = NewMemoryJobStore()
	}
	clock := deps.Clock
	if clock == nil {
		clock = schedule.RealClock{}
	}
	return &Engine{
		jobs:    jobs,
		store:   deps.Store,
		channel: deps.Channel,
		clock:   clock,
		logger:  logging.OrNop(deps.Logger).Named("broadcast"),
		ctx:     context.Background(),
	}
}

func (e *Engine) Start(ctx context.Context, request StartRequest, startedBy string) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	latest, err := e.latest(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if latest != nil && latest.Status == domain.BroadcastStatusRunning {
		return Snapshot{}, ErrAlreadyRunning
	}

	plan, err := request.validate()
	if err != nil {
		return Snapshot{}, err
	}

	targets, err := e.resolveTargets(ctx, plan.filter)
	if err != nil {
		return Snapshot{}, err
	}
	if len(targets) == 0 {
		return Snapshot{}, ErrNoTarget
	}

	job := &domain.BroadcastJob{
		ID:         uuid.NewString(),
		Status:     domain.BroadcastStatusRunning,
		Filter:     plan.filter,
		Message:    plan.message,
		Media:      plan.media,
		Queue:      targets,
		Total:      len(targets),
		MaxRetries: plan.maxRetries,
		IntervalMs: plan.intervalMs,
		StartedBy:  startedBy,
		StartedAt:  e.clock.Now(),
	}
	if err := e.persist(ctx, job); err != nil {
		return Snapshot{}, errors.Wrap(err, "save broadcast job")
	}
	e.owned = job.ID

	// Ticks outlive the request that started the job.
	e.ctx = context.WithoutCancel(ctx)
	e.schedule(job.ID, 0)

	e.logger.Infow("broadcast started",
		"job_id", job.ID,
		"targets", job.Total,
		"interval_ms", job.IntervalMs,
		"max_retries", job.MaxRetries,
		"has_media", job.Media != nil,
		"started_by", startedBy,
	)
	return snapshotOf(job), nil
}

// resolveTargets lists the filtered leads, one target per normalized phone.
func (e *Engine) resolveTargets(ctx context.Context, filter domain.LeadFilter) ([]domain.BroadcastTarget, error) {
	var leads []domain.Lead
	err := e.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		leads, err = tx.ListLeads(ctx, filter)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "list broadcast leads")
	}

	seen := make(map[string]struct{}, len(leads))
	targets := make([]domain.BroadcastTarget, 0, len(leads))
	for _, lead := range leads {
		phone := domain.NormalizePhone(lead.Phone)
		if phone == "" {
			continue
		}
		if _, dup := seen[phone]; dup {
			continue
		}
		seen[phone] = struct{}{}
		targets = append(targets, domain.BroadcastTarget{LeadID: lead.ID, Phone: phone})
	}
	return targets, nil
}

// schedule arms the next tick. Callers hold e.mu.
func (e *Engine) schedule(jobID string, delay time.Duration) {
	e.timer = e.clock.AfterFunc(delay, func() { e.tick(jobID) })
}

func (e *Engine) tick(jobID string) {
	e.mu.Lock()
	ctx := e.ctx
	job, err := e.jobs.Get(ctx, jobID)
	if err != nil || job.Status != domain.BroadcastStatusRunning {
		e.mu.Unlock()
		return
	}
	if len(job.Queue) == 0 {
		e.finish(ctx, job, domain.BroadcastStatusCompleted, "")
		e.mu.Unlock()
		return
	}

	target := job.Queue[0]
	job.Queue = job.Queue[1:]
	if err := e.persist(ctx, job); err != nil {
		e.finish(ctx, job, domain.BroadcastStatusError, err.Error())
		e.mu.Unlock()
		return
	}
	message, media := job.Message, job.Media
	e.mu.Unlock()

	result := e.send(ctx, target.Phone, message, media)
	providerID, reason := channel.Describe(result)
	logErr := e.logDelivery(ctx, jobID, target, result.OK(), providerID, reason)

	e.mu.Lock()
	defer e.mu.Unlock()

	job, err = e.jobs.Get(ctx, jobID)
	if err != nil {
		e.logger.Errorw("reload broadcast job", "job_id", jobID, "error", err)
		return
	}
	switch {
	case result.OK():
		job.Sent++
		job.Processed++
	case target.Attempts < job.MaxRetries:
		target.Attempts++
		job.Queue = append(job.Queue, target)
	default:
		job.Failed++
		job.Processed++
		job.LastError = reason
	}
	if !result.OK() {
		e.logger.Warnw("broadcast send failed",
			"job_id", jobID,
			"lead_id", target.LeadID,
			"to", policy.MaskPhone(target.Phone),
			"attempt", target.Attempts+1,
			"error", reason,
		)
	}

	if logErr != nil {
		e.finish(ctx, job, domain.BroadcastStatusError, logErr.Error())
		return
	}
	if job.Status != domain.BroadcastStatusRunning {
		// Stopped while the send was in flight.
		e.save(ctx, job)
		return
	}
	if len(job.Queue) == 0 || job.Processed >= job.Total {
		e.finish(ctx, job, domain.BroadcastStatusCompleted, "")
		return
	}
	e.save(ctx, job)
	e.schedule(jobID, time.Duration(job.IntervalMs)*time.Millisecond)
}

func (e *Engine) send(ctx context.Context, to, message string, media *domain.BroadcastMedia) channel.SendResult {
	if media != nil {
		return e.channel.SendMedia(ctx, to, message, channel.Media{
			Data:     media.Data,
			MimeType: media.MimeType,
			Filename: media.Filename,
		})
	}
	return e.channel.SendText(ctx, to, message)
}

func (e *Engine) logDelivery(
	ctx context.Context,
	jobID string,
	target domain.BroadcastTarget,
	sent bool,
	providerID, reason string,
) error {
	delivery := &domain.BroadcastDelivery{
		ID:                uuid.NewString(),
		JobID:             jobID,
		LeadID:            target.LeadID,
		Phone:             target.Phone,
		Attempt:           target.Attempts + 1,
		Status:            domain.DeliveryStatusFailed,
		ProviderMessageID: providerID,
		Error:             reason,
		CreatedAt:         e.clock.Now(),
	}
	if sent {
		delivery.Status = domain.DeliveryStatusSent
	}
	err := e.store.InTx(ctx, func(tx repository.Tx) error {
		return tx.AppendDelivery(ctx, delivery)
	})
	return errors.Wrap(err, "log broadcast delivery")
}

// finish moves job to a terminal status. Callers hold e.mu.
func (e *Engine) finish(ctx context.Context, job *domain.BroadcastJob, status domain.BroadcastStatus, lastError string) {
	finishedAt := e.clock.Now()
	job.Status = status
	job.FinishedAt = &finishedAt
	if lastError != "" {
		job.LastError = lastError
	}
	e.timer = nil
	if e.owned == job.ID {
		e.owned = ""
	}
	e.save(ctx, job)

	e.logger.Infow("broadcast finished",
		"job_id", job.ID,
		"status", status,
		"sent", job.Sent,
		"failed", job.Failed,
		"total", job.Total,
	)
}

func (e *Engine) save(ctx context.Context, job *domain.BroadcastJob) {
	if err := e.persist(ctx, job); err != nil {
		e.logger.Errorw("save broadcast job", "job_id", job.ID, "error", err)
	}
}

func (e *Engine) persist(ctx context.Context, job *domain.BroadcastJob) error {
	job.UpdatedAt = e.clock.Now()
	return e.jobs.Save(ctx, job)
}

// Stop halts the running job. An in-flight send still completes and is logged,
// but no further tick fires.
func (e *Engine) Stop(ctx context.Context) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	job, err := e.latest(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if job == nil || job.Status != domain.BroadcastStatusRunning {
		return snapshotOf(job), nil
	}

	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.owned = ""
	finishedAt := e.clock.Now()
	job.Status = domain.BroadcastStatusStopped
	job.FinishedAt = &finishedAt
	if err := e.persist(ctx, job); err != nil {
		return Snapshot{}, errors.Wrap(err, "save broadcast job")
	}
	e.logger.Infow("broadcast stopped", "job_id", job.ID, "processed", job.Processed, "total", job.Total)
	return snapshotOf(job), nil
}

// Status returns the current or most recent job, or an idle snapshot.
func (e *Engine) Status(ctx context.Context) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, err := e.latest(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return snapshotOf(job), nil
}

// Deliveries returns the send log of a job.
func (e *Engine) Deliveries(ctx context.Context, jobID string) ([]domain.BroadcastDelivery, error) {
	var deliveries []domain.BroadcastDelivery
	err := e.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		deliveries, err = tx.ListDeliveries(ctx, jobID)
		return err
	})
	return deliveries, errors.Wrap(err, "list broadcast deliveries")
}

// latest loads the most recent job, closing it as interrupted when it claims to
// run but no live process has saved it recently. Callers hold e.mu.
func (e *Engine) latest(ctx context.Context) (*domain.BroadcastJob, error) {
	job, err := e.jobs.Latest(ctx)
	if errors.Is(err, ErrJobNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load broadcast job")
	}
	if e.abandoned(job) {
		e.logger.Warnw("closing abandoned broadcast",
			"job_id", job.ID,
			"last_update", job.UpdatedAt,
			"processed", job.Processed,
			"total", job.Total,
		)
		e.finish(ctx, job, domain.BroadcastStatusError, interruptedError)
	}
	return job, nil
}

func (e *Engine) abandoned(job *domain.BroadcastJob) bool {
	if job.Status != domain.BroadcastStatusRunning || job.ID == e.owned {
		return false
	}
	lastSeen := job.UpdatedAt
	if lastSeen.IsZero() {
		lastSeen = job.StartedAt
	}
	deadline := lastSeen.Add(time.Duration(job.IntervalMs)*time.Millisecond + staleGrace)
	return e.clock.Now().After(deadline)
}

// Recover closes a job left running by a previous process. It is meant to run
// once at startup; a job still saved recently by another instance is left
// alone.
func (e *Engine) Recover(ctx context.Context) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, err := e.latest(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return snapshotOf(job), nil
}
