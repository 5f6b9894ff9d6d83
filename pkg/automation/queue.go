// Package automation implements the Automation Queue (spec.md §4.11): a
// durable, deduped priority queue over the Evidence Store's
// automation_jobs table, consumed by the Run Orchestrator at round
// boundaries. A robfig/cron sweep promotes cooldown jobs back to queued
// once their next_run_at elapses, both as a step the Orchestrator runs
// itself and as a standalone periodic tick for long-idle runs.
package automation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron"

	"github.com/spec-harvester/harvester/pkg/domain"
	"github.com/spec-harvester/harvester/pkg/events"
	"github.com/spec-harvester/harvester/pkg/store"
)

// DefaultPriorities are the §4.11 default priorities per job type (lower
// runs sooner).
var DefaultPriorities = map[domain.JobType]int{
	domain.JobRepairSearch:       20,
	domain.JobDeficitRediscovery: 35,
	domain.JobStalenessRefresh:   55,
	domain.JobDomainBackoff:      65,
}

// JobRequest is the caller-facing shape of a proposed automation job,
// before it's turned into a domain.AutomationJob row. Priority defaults
// from DefaultPriorities when zero.
type JobRequest struct {
	Type         domain.JobType
	Domain       string
	QueryNorm    string
	FieldTargets []string
	Reason       string
	Payload      string
	Priority     int
}

// DedupeKey computes the {type, domain, query-norm, field-targets, reason}
// dedupe key from §4.11: a stable, order-independent hash so the same
// logical job proposed twice in one round (or across rounds) collapses to
// one row instead of piling up duplicates.
func DedupeKey(r JobRequest) string {
	targets := append([]string(nil), r.FieldTargets...)
	sort.Strings(targets)
	h := sha256.New()
	for _, part := range []string{string(r.Type), r.Domain, r.QueryNorm, strings.Join(targets, ","), r.Reason} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Queue wraps the Evidence Store's automation_jobs table with the §4.11
// dedupe-on-enqueue and status-transition rules.
type Queue struct {
	store *store.Store
	bus   *events.Bus
}

// New builds a Queue over the Evidence Store.
func New(st *store.Store, bus *events.Bus) *Queue {
	return &Queue{store: st, bus: bus}
}

// Enqueue proposes a job, computing its dedupe key and priority and
// upserting it per EnqueueJob's rules: a job already queued or running
// for the same dedupe key is left alone rather than duplicated.
func (q *Queue) Enqueue(ctx context.Context, r JobRequest) (domain.AutomationJob, error) {
	priority := r.Priority
	if priority == 0 {
		priority = DefaultPriorities[r.Type]
	}
	if priority == 0 {
		priority = 50
	}

	job := domain.AutomationJob{
		JobID:      uuid.NewString(),
		JobType:    r.Type,
		Priority:   priority,
		Status:     domain.JobQueued,
		DedupeKey:  DedupeKey(r),
		ReasonTags: nonEmpty(r.Reason),
		Payload:    r.Payload,
	}
	if err := q.store.EnqueueJob(ctx, job); err != nil {
		return domain.AutomationJob{}, fmt.Errorf("automation: enqueue: %w", err)
	}
	q.publish(events.KindRepairQueryEnqueued, job, map[string]any{"reason": r.Reason, "domain": r.Domain})
	return job, nil
}

// Lease claims the highest-priority eligible job and flips it to running.
func (q *Queue) Lease(ctx context.Context, now time.Time) (domain.AutomationJob, bool, error) {
	job, ok, err := q.store.LeaseJob(ctx, now)
	if err != nil {
		return domain.AutomationJob{}, false, fmt.Errorf("automation: lease: %w", err)
	}
	return job, ok, nil
}

// Complete marks a leased job done.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	if err := q.store.CompleteJob(ctx, jobID); err != nil {
		return fmt.Errorf("automation: complete: %w", err)
	}
	return nil
}

// Fail marks a leased job failed with no further automatic retry.
func (q *Queue) Fail(ctx context.Context, jobID string) error {
	if err := q.store.FailJob(ctx, jobID); err != nil {
		return fmt.Errorf("automation: fail: %w", err)
	}
	return nil
}

// Cooldown parks a leased job until nextRunAt.
func (q *Queue) Cooldown(ctx context.Context, jobID string, nextRunAt time.Time) error {
	if err := q.store.CooldownJob(ctx, jobID, nextRunAt); err != nil {
		return fmt.Errorf("automation: cooldown: %w", err)
	}
	return nil
}

// PromoteDue flips every cooldown job past its next_run_at back to
// queued, returning the count promoted — called at each Orchestrator
// round boundary per spec.md §4.11.
func (q *Queue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	n, err := q.store.PromoteCooldownJobs(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("automation: promote due: %w", err)
	}
	return n, nil
}

// Pending lists every job currently queued, ordered by priority.
func (q *Queue) Pending(ctx context.Context) ([]domain.AutomationJob, error) {
	jobs, err := q.store.ListJobs(ctx, domain.JobQueued)
	if err != nil {
		return nil, fmt.Errorf("automation: pending: %w", err)
	}
	return jobs, nil
}

func (q *Queue) publish(kind events.Kind, job domain.AutomationJob, payload map[string]any) {
	if q.bus == nil {
		return
	}
	payload["job_id"] = job.JobID
	payload["job_type"] = string(job.JobType)
	payload["priority"] = job.Priority
	q.bus.Publish(events.StageAutomation, kind, job.JobID, payload)
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}

// Sweeper runs a periodic cron tick promoting cooldown jobs to queued,
// for long-idle runs where no round boundary would otherwise trigger
// PromoteDue.
type Sweeper struct {
	cron *cron.Cron
}

// StartSweep schedules a robfig/cron v1 spec, whose first field is seconds
// (e.g. "0 * * * * *" for once a minute), that calls PromoteDue. Callers should also call PromoteDue explicitly at
// round boundaries; this is the standalone backstop for idle periods.
func (q *Queue) StartSweep(spec string) (*Sweeper, error) {
	c := cron.New()
	if err := c.AddFunc(spec, func() {
		_, _ = q.PromoteDue(context.Background(), time.Now())
	}); err != nil {
		return nil, fmt.Errorf("automation: start sweep: %w", err)
	}
	c.Start()
	return &Sweeper{cron: c}, nil
}

// Stop halts the cron sweep.
func (s *Sweeper) Stop() {
	if s == nil || s.cron == nil {
		return
	}
	s.cron.Stop()
}
