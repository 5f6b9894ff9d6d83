package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spec-harvester/harvester/pkg/domain"
)

// PutSource inserts or replaces a Source Registry row (spec.md §3). Crawl
// status updates reuse this path — source_id is stable over URL
// normalization, so callers resolve the id before calling.
func (s *Store) PutSource(ctx context.Context, src domain.Source) error {
	var fetchedAt *string
	if src.FetchedAt != nil {
		v := src.FetchedAt.UTC().Format(time.RFC3339Nano)
		fetchedAt = &v
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sources (source_id, run_id, url, host, root_domain, tier, method, crawl_status, http_status, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET
			crawl_status = excluded.crawl_status,
			http_status  = excluded.http_status,
			fetched_at   = excluded.fetched_at,
			method       = excluded.method`,
		src.SourceID, src.RunID, src.URL, src.Host, src.RootDomain, int(src.Tier), src.Method,
		string(src.CrawlStatus), src.HTTPStatus, fetchedAt)
	if err != nil {
		return fmt.Errorf("store: put source: %w", err)
	}
	return nil
}

// GetSource reads back a Source by id.
func (s *Store) GetSource(ctx context.Context, sourceID string) (domain.Source, error) {
	var row struct {
		SourceID    string  `db:"source_id"`
		RunID       string  `db:"run_id"`
		URL         string  `db:"url"`
		Host        string  `db:"host"`
		RootDomain  string  `db:"root_domain"`
		Tier        int     `db:"tier"`
		Method      string  `db:"method"`
		CrawlStatus string  `db:"crawl_status"`
		HTTPStatus  int     `db:"http_status"`
		FetchedAt   *string `db:"fetched_at"`
	}
	if err := s.DB.GetContext(ctx, &row, `SELECT * FROM sources WHERE source_id = ?`, sourceID); err != nil {
		return domain.Source{}, fmt.Errorf("store: get source: %w", err)
	}
	out := domain.Source{
		SourceID: row.SourceID, RunID: row.RunID, URL: row.URL, Host: row.Host,
		RootDomain: row.RootDomain, Tier: domain.Tier(row.Tier), Method: row.Method,
		CrawlStatus: domain.CrawlStatus(row.CrawlStatus), HTTPStatus: row.HTTPStatus,
	}
	if row.FetchedAt != nil {
		if t, err := time.Parse(time.RFC3339Nano, *row.FetchedAt); err == nil {
			out.FetchedAt = &t
		}
	}
	return out, nil
}

// PutAssertion inserts an Assertion row plus its Evidence Ref in one
// transaction, indexing the evidence snippet along the way (§4.1 Put +
// §3 Assertion/Evidence Ref).
func (s *Store) PutAssertion(ctx context.Context, a domain.Assertion, quote string) (snippetID string, putStatus PutStatus, err error) {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return "", "", fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO assertions (assertion_id, source_id, field_key, context_kind, context_ref, value_raw, value_normalized, unit, candidate_id, method, evidence_broken)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.AssertionID, a.SourceID, a.FieldKey, string(a.ContextKind), a.ContextRef,
		a.ValueRaw, a.ValueNormalized, a.Unit, a.CandidateID, a.Method, boolToInt(a.EvidenceBroken))
	if err != nil {
		return "", "", fmt.Errorf("store: insert assertion: %w", err)
	}

	snippetID = contentHash(quote)
	var existingText string
	err = tx.GetContext(ctx, &existingText, `SELECT text FROM snippets WHERE snippet_id = ?`, snippetID)
	switch {
	case err == sql.ErrNoRows:
		putStatus = StatusNew
		_, err = tx.ExecContext(ctx, `INSERT INTO snippets (snippet_id, text, created_at) VALUES (?, ?, ?)`,
			snippetID, quote, time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return "", "", fmt.Errorf("store: insert snippet: %w", err)
		}
	case err != nil:
		return "", "", fmt.Errorf("store: lookup snippet: %w", err)
	case existingText == quote:
		putStatus = StatusReused
	default:
		putStatus = StatusUpdated
		if _, err = tx.ExecContext(ctx, `UPDATE snippets SET text = ? WHERE snippet_id = ?`, quote, snippetID); err != nil {
			return "", "", fmt.Errorf("store: update snippet: %w", err)
		}
	}

	var src struct {
		URL  string `db:"url"`
		Tier int    `db:"tier"`
	}
	if err := tx.GetContext(ctx, &src, `SELECT url, tier FROM sources WHERE source_id = ?`, a.SourceID); err != nil {
		return "", "", fmt.Errorf("store: lookup source for evidence ref: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO evidence_refs (source_id, assertion_id, snippet_id, quote, url, tier, retrieved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(assertion_id, snippet_id) DO NOTHING`,
		a.SourceID, a.AssertionID, snippetID, quote, src.URL, src.Tier, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", "", fmt.Errorf("store: insert evidence ref: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", "", fmt.Errorf("store: commit: %w", err)
	}
	return snippetID, putStatus, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ListAssertions returns all assertions recorded for a field_key, used by
// Consensus and the NeedSet's min-refs deficit calculation.
func (s *Store) ListAssertions(ctx context.Context, fieldKey string) ([]domain.Assertion, error) {
	type row struct {
		AssertionID     string `db:"assertion_id"`
		SourceID        string `db:"source_id"`
		FieldKey        string `db:"field_key"`
		ContextKind     string `db:"context_kind"`
		ContextRef      string `db:"context_ref"`
		ValueRaw        string `db:"value_raw"`
		ValueNormalized string `db:"value_normalized"`
		Unit            string `db:"unit"`
		CandidateID     string `db:"candidate_id"`
		Method          string `db:"method"`
		EvidenceBroken  int    `db:"evidence_broken"`
	}
	var rows []row
	if err := s.DB.SelectContext(ctx, &rows, `SELECT * FROM assertions WHERE field_key = ?`, fieldKey); err != nil {
		return nil, fmt.Errorf("store: list assertions: %w", err)
	}
	out := make([]domain.Assertion, len(rows))
	for i, r := range rows {
		out[i] = domain.Assertion{
			AssertionID: r.AssertionID, SourceID: r.SourceID, FieldKey: r.FieldKey,
			ContextKind: domain.ContextKind(r.ContextKind), ContextRef: r.ContextRef,
			ValueRaw: r.ValueRaw, ValueNormalized: r.ValueNormalized, Unit: r.Unit,
			CandidateID: r.CandidateID, Method: r.Method, EvidenceBroken: r.EvidenceBroken != 0,
		}
	}
	return out, nil
}

// UpsertFieldState records the current selected value/candidate/confidence
// for a product field (§3 Field State).
func (s *Store) UpsertFieldState(ctx context.Context, fs domain.FieldState) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO field_state (product_id, field_key, selected_value, selected_candidate, confidence, flags)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(product_id, field_key) DO UPDATE SET
			selected_value = excluded.selected_value,
			selected_candidate = excluded.selected_candidate,
			confidence = excluded.confidence,
			flags = excluded.flags`,
		fs.ProductID, fs.FieldKey, fs.SelectedValue, fs.SelectedCandidate, fs.Confidence, joinFlags(fs.Flags))
	if err != nil {
		return fmt.Errorf("store: upsert field state: %w", err)
	}
	return nil
}

// GetFieldState returns the current item-level Field State for a product
// field, or ok=false if nothing has been selected yet.
func (s *Store) GetFieldState(ctx context.Context, productID, fieldKey string) (domain.FieldState, bool, error) {
	var row struct {
		ProductID         string  `db:"product_id"`
		FieldKey          string  `db:"field_key"`
		SelectedValue     string  `db:"selected_value"`
		SelectedCandidate string  `db:"selected_candidate"`
		Confidence        float64 `db:"confidence"`
		Flags             string  `db:"flags"`
	}
	err := s.DB.GetContext(ctx, &row, `SELECT * FROM field_state WHERE product_id = ? AND field_key = ?`, productID, fieldKey)
	if err == sql.ErrNoRows {
		return domain.FieldState{ProductID: productID, FieldKey: fieldKey}, false, nil
	}
	if err != nil {
		return domain.FieldState{}, false, fmt.Errorf("store: get field state: %w", err)
	}
	return domain.FieldState{
		ProductID: row.ProductID, FieldKey: row.FieldKey, SelectedValue: row.SelectedValue,
		SelectedCandidate: row.SelectedCandidate, Confidence: row.Confidence, Flags: splitFlags(row.Flags),
	}, true, nil
}

// ListEvidenceRefs returns every Evidence Ref recorded against a field_key,
// consumed by the NeedSet Engine's deficit scoring and the Extraction
// Context Assembler's ranking.
func (s *Store) ListEvidenceRefs(ctx context.Context, fieldKey string) ([]domain.EvidenceRef, error) {
	type row struct {
		SourceID    string `db:"source_id"`
		AssertionID string `db:"assertion_id"`
		SnippetID   string `db:"snippet_id"`
		Quote       string `db:"quote"`
		URL         string `db:"url"`
		Tier        int    `db:"tier"`
		RetrievedAt string `db:"retrieved_at"`
	}
	var rows []row
	err := s.DB.SelectContext(ctx, &rows, `
		SELECT er.* FROM evidence_refs er
		JOIN assertions a ON a.assertion_id = er.assertion_id
		WHERE a.field_key = ?`, fieldKey)
	if err != nil {
		return nil, fmt.Errorf("store: list evidence refs: %w", err)
	}
	out := make([]domain.EvidenceRef, len(rows))
	for i, r := range rows {
		ref := domain.EvidenceRef{
			SourceID: r.SourceID, AssertionID: r.AssertionID, SnippetID: r.SnippetID,
			Quote: r.Quote, URL: r.URL, Tier: domain.Tier(r.Tier),
		}
		if t, err := time.Parse(time.RFC3339Nano, r.RetrievedAt); err == nil {
			ref.RetrievedAt = t
		}
		out[i] = ref
	}
	return out, nil
}

// SourceTierByHost returns the best (lowest-numbered, most trusted) tier
// observed so far among sources crawled for host, or ok=false if the host
// hasn't been seen this run — used as Discovery triage's tierOf classifier.
func (s *Store) SourceTierByHost(ctx context.Context, host string) (domain.Tier, bool, error) {
	var tier sql.NullInt64
	err := s.DB.GetContext(ctx, &tier, `SELECT MIN(tier) FROM sources WHERE host = ?`, host)
	if err != nil {
		return 0, false, fmt.Errorf("store: source tier by host: %w", err)
	}
	if !tier.Valid {
		return 0, false, nil
	}
	return domain.Tier(tier.Int64), true, nil
}

func joinFlags(flags []string) string {
	out := ""
	for i, f := range flags {
		if i > 0 {
			out += ","
		}
		out += f
	}
	return out
}

func splitFlags(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}

// EnqueueJob upserts an automation_jobs row keyed on dedupe_key (§4.11): a
// job already queued or running for the same dedupe key is left alone
// (its reason_tags/payload are refreshed in place); a job found in a
// terminal status (done/failed/cooldown) is reactivated back to queued,
// matching "a freshly proposed job never duplicates one already pending".
func (s *Store) EnqueueJob(ctx context.Context, job domain.AutomationJob) error {
	var nextRunAt *string
	if job.NextRunAt != nil {
		v := job.NextRunAt.UTC().Format(time.RFC3339Nano)
		nextRunAt = &v
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO automation_jobs (job_id, job_type, priority, status, dedupe_key, reason_tags, payload, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dedupe_key) DO UPDATE SET
			reason_tags = excluded.reason_tags,
			payload     = excluded.payload,
			status      = CASE WHEN automation_jobs.status IN ('queued', 'running') THEN automation_jobs.status ELSE 'queued' END,
			next_run_at = CASE WHEN automation_jobs.status IN ('queued', 'running') THEN automation_jobs.next_run_at ELSE NULL END`,
		job.JobID, string(job.JobType), job.Priority, string(job.Status), job.DedupeKey, joinFlags(job.ReasonTags), job.Payload, nextRunAt)
	if err != nil {
		return fmt.Errorf("store: enqueue job: %w", err)
	}
	return nil
}

type jobRow struct {
	JobID      string  `db:"job_id"`
	JobType    string  `db:"job_type"`
	Priority   int     `db:"priority"`
	Status     string  `db:"status"`
	DedupeKey  string  `db:"dedupe_key"`
	ReasonTags string  `db:"reason_tags"`
	Payload    string  `db:"payload"`
	NextRunAt  *string `db:"next_run_at"`
}

func (r jobRow) toDomain() domain.AutomationJob {
	job := domain.AutomationJob{
		JobID: r.JobID, JobType: domain.JobType(r.JobType), Priority: r.Priority,
		Status: domain.JobStatus(r.Status), DedupeKey: r.DedupeKey,
		ReasonTags: splitFlags(r.ReasonTags), Payload: r.Payload,
	}
	if r.NextRunAt != nil {
		if t, err := time.Parse(time.RFC3339Nano, *r.NextRunAt); err == nil {
			job.NextRunAt = &t
		}
	}
	return job
}

// LeaseJob atomically claims the highest-priority (lowest number) queued
// job whose next_run_at has elapsed (or is unset), flipping it to
// "running" so a concurrent leaser can't also take it.
func (s *Store) LeaseJob(ctx context.Context, now time.Time) (domain.AutomationJob, bool, error) {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.AutomationJob{}, false, fmt.Errorf("store: lease job: begin tx: %w", err)
	}
	defer tx.Rollback()

	var row jobRow
	err = tx.GetContext(ctx, &row, `
		SELECT * FROM automation_jobs
		WHERE status = 'queued' AND (next_run_at IS NULL OR next_run_at <= ?)
		ORDER BY priority ASC
		LIMIT 1`, now.UTC().Format(time.RFC3339Nano))
	if err == sql.ErrNoRows {
		return domain.AutomationJob{}, false, nil
	}
	if err != nil {
		return domain.AutomationJob{}, false, fmt.Errorf("store: lease job: select: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE automation_jobs SET status = 'running' WHERE job_id = ?`, row.JobID); err != nil {
		return domain.AutomationJob{}, false, fmt.Errorf("store: lease job: claim: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.AutomationJob{}, false, fmt.Errorf("store: lease job: commit: %w", err)
	}
	row.Status = "running"
	return row.toDomain(), true, nil
}

// CompleteJob marks a leased job done.
func (s *Store) CompleteJob(ctx context.Context, jobID string) error {
	return s.setJobStatus(ctx, jobID, domain.JobDone, nil)
}

// FailJob marks a leased job failed (no further automatic retry; a fresh
// Enqueue with the same dedupe key reactivates it).
func (s *Store) FailJob(ctx context.Context, jobID string) error {
	return s.setJobStatus(ctx, jobID, domain.JobFailed, nil)
}

// CooldownJob parks a job until nextRunAt, after which the cron sweep (or
// an explicit PromoteCooldownJobs call) returns it to queued.
func (s *Store) CooldownJob(ctx context.Context, jobID string, nextRunAt time.Time) error {
	return s.setJobStatus(ctx, jobID, domain.JobCooldown, &nextRunAt)
}

func (s *Store) setJobStatus(ctx context.Context, jobID string, status domain.JobStatus, nextRunAt *time.Time) error {
	var v *string
	if nextRunAt != nil {
		s := nextRunAt.UTC().Format(time.RFC3339Nano)
		v = &s
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE automation_jobs SET status = ?, next_run_at = ? WHERE job_id = ?`, string(status), v, jobID)
	if err != nil {
		return fmt.Errorf("store: set job status: %w", err)
	}
	return nil
}

// PromoteCooldownJobs flips every cooldown job whose next_run_at has
// elapsed back to queued, returning the count promoted.
func (s *Store) PromoteCooldownJobs(ctx context.Context, now time.Time) (int, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE automation_jobs SET status = 'queued', next_run_at = NULL
		WHERE status = 'cooldown' AND next_run_at IS NOT NULL AND next_run_at <= ?`,
		now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("store: promote cooldown jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListJobs returns every automation job in the given status, ordered by
// priority.
func (s *Store) ListJobs(ctx context.Context, status domain.JobStatus) ([]domain.AutomationJob, error) {
	var rows []jobRow
	if err := s.DB.SelectContext(ctx, &rows, `SELECT * FROM automation_jobs WHERE status = ? ORDER BY priority ASC`, string(status)); err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
	}
	out := make([]domain.AutomationJob, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// AppendAudit records an append-only audit_log row for a review lane
// transition (§3 invariant 8).
func (s *Store) AppendAudit(ctx context.Context, runID, laneKind, keyJSON, event, detail string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO audit_log (run_id, lane_kind, key_json, event, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		runID, laneKind, keyJSON, event, detail, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: append audit: %w", err)
	}
	return nil
}

// StuckReviewKeys counts key_review_state rows that are still fully
// untouched (ai_status and user_status both pending) and whose earliest
// audit_log entry is older than since, returning that count and the age
// in hours of the single oldest one. Backs the harvest-api stuck-review-
// queue notification; zero rows returns (0, 0, nil).
func (s *Store) StuckReviewKeys(ctx context.Context, since time.Time) (int, float64, error) {
	var row struct {
		Count     int     `db:"count"`
		OldestAge float64 `db:"oldest_age_hours"`
	}
	err := s.DB.GetContext(ctx, &row, `
		WITH first_seen AS (
			SELECT k.lane_kind, k.key_json, MIN(a.created_at) AS created_at
			FROM key_review_state k
			JOIN audit_log a ON a.lane_kind = k.lane_kind AND a.key_json = k.key_json
			WHERE k.ai_status = 'pending' AND k.user_status = 'pending'
			GROUP BY k.lane_kind, k.key_json
			HAVING MIN(a.created_at) < ?
		)
		SELECT
			COUNT(*) AS count,
			COALESCE(MAX((julianday('now') - julianday(created_at)) * 24), 0) AS oldest_age_hours
		FROM first_seen`,
		since.UTC().Format(time.RFC3339Nano))
	if err == sql.ErrNoRows {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("store: stuck review keys: %w", err)
	}
	return row.Count, row.OldestAge, nil
}

// PutRun inserts or updates a Run row (§3 Run entity).
func (s *Store) PutRun(ctx context.Context, run domain.Run) error {
	var endedAt *string
	if run.EndedAt != nil {
		v := run.EndedAt.UTC().Format(time.RFC3339Nano)
		endedAt = &v
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO runs (run_id, product_id, category, started_at, ended_at, phase_cursor, status, stop_reason, rounds, tier_downgraded)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			ended_at        = excluded.ended_at,
			phase_cursor    = excluded.phase_cursor,
			status          = excluded.status,
			stop_reason     = excluded.stop_reason,
			rounds          = excluded.rounds,
			tier_downgraded = excluded.tier_downgraded`,
		run.RunID, run.ProductID, run.Category, run.StartedAt.UTC().Format(time.RFC3339Nano), endedAt,
		string(run.PhaseCursor), string(run.Status), string(run.StopReason), run.Rounds, boolToInt(run.TierDowngraded))
	if err != nil {
		return fmt.Errorf("store: put run: %w", err)
	}
	return nil
}

// ReviewStateRow is the persisted shape of one key_review_state row,
// carrying the lane_kind/key_json pair alongside the review.KeyState it
// resolves to (§3 Key Review State).
type ReviewStateRow struct {
	LaneKind           string
	KeyJSON            string
	AIStatus           string // pending | confirmed
	UserStatus         string // pending | accepted | overridden
	Override           bool
	SelectedCandidate  string
	SelectedValue      string
	Confidence         float64
}

// UpsertReviewState writes the current lane state for (laneKind, keyJSON),
// the two independent status fields tracked separately from the closed
// review.LaneState so the lane's AI-confirm and user-accept axes can be
// read back independently by the review API.
func (s *Store) UpsertReviewState(ctx context.Context, row ReviewStateRow) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO key_review_state (lane_kind, key_json, ai_status, user_status, override, selected_candidate, selected_value, confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(lane_kind, key_json) DO UPDATE SET
			ai_status          = excluded.ai_status,
			user_status        = excluded.user_status,
			override           = excluded.override,
			selected_candidate = excluded.selected_candidate,
			selected_value     = excluded.selected_value,
			confidence         = excluded.confidence`,
		row.LaneKind, row.KeyJSON, row.AIStatus, row.UserStatus, boolToInt(row.Override),
		row.SelectedCandidate, row.SelectedValue, row.Confidence)
	if err != nil {
		return fmt.Errorf("store: upsert review state: %w", err)
	}
	return nil
}

// GetReviewState reads back one (laneKind, keyJSON) row. ok is false if no
// row exists yet (the key has never been touched).
func (s *Store) GetReviewState(ctx context.Context, laneKind, keyJSON string) (ReviewStateRow, bool, error) {
	var row struct {
		LaneKind          string  `db:"lane_kind"`
		KeyJSON           string  `db:"key_json"`
		AIStatus          string  `db:"ai_status"`
		UserStatus        string  `db:"user_status"`
		Override          int     `db:"override"`
		SelectedCandidate string  `db:"selected_candidate"`
		SelectedValue     string  `db:"selected_value"`
		Confidence        float64 `db:"confidence"`
	}
	err := s.DB.GetContext(ctx, &row, `SELECT * FROM key_review_state WHERE lane_kind = ? AND key_json = ?`, laneKind, keyJSON)
	if err == sql.ErrNoRows {
		return ReviewStateRow{}, false, nil
	}
	if err != nil {
		return ReviewStateRow{}, false, fmt.Errorf("store: get review state: %w", err)
	}
	return ReviewStateRow{
		LaneKind: row.LaneKind, KeyJSON: row.KeyJSON, AIStatus: row.AIStatus, UserStatus: row.UserStatus,
		Override: row.Override != 0, SelectedCandidate: row.SelectedCandidate, SelectedValue: row.SelectedValue,
		Confidence: row.Confidence,
	}, true, nil
}

// EnsureListValue finds or inserts the canonical list_values row for
// (fieldKey, normalizedValue), never upserting over an existing row with a
// different display value (invariant 3: shared-lane accepts select an
// existing row or remain unlinked — this is the "or create the first one"
// half of that for enum/list fields with no master yet).
func (s *Store) EnsureListValue(ctx context.Context, fieldKey, normalizedValue, displayValue string) (id string, err error) {
	err = s.DB.GetContext(ctx, &id, `SELECT id FROM list_values WHERE field_key = ? AND value_norm = ?`, fieldKey, normalizedValue)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("store: lookup list value: %w", err)
	}
	id = uuid.NewString()
	_, err = s.DB.ExecContext(ctx, `INSERT INTO list_values (id, field_key, value_norm, display_value) VALUES (?, ?, ?, ?)`,
		id, fieldKey, normalizedValue, displayValue)
	if err != nil {
		return "", fmt.Errorf("store: insert list value: %w", err)
	}
	return id, nil
}

// LinkItemToListValue upserts the product's item_list_links row for
// field_key, pointing it at listValueID.
func (s *Store) LinkItemToListValue(ctx context.Context, productID, fieldKey, listValueID string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO item_list_links (product_id, field_key, list_value_id)
		VALUES (?, ?, ?)
		ON CONFLICT(product_id, field_key) DO UPDATE SET list_value_id = excluded.list_value_id`,
		productID, fieldKey, listValueID)
	if err != nil {
		return fmt.Errorf("store: link item to list value: %w", err)
	}
	return nil
}

// RelinkEnumItems implements review.EnumLinkSyncer: every item currently
// linked to field_key whose own field_state.selected_value normalizes to
// normalizedValue is relinked onto that canonical list_values row
// (invariant 4: canonical rename propagates to every linked item, the
// reverse never happens). An item whose grid_key lane is Overridden is
// skipped — SPEC_FULL.md's decided precedence keeps a manual override
// ahead of a later shared-lane rename.
func (s *Store) RelinkEnumItems(ctx context.Context, key domain.EnumKey, normalizedValue string) (int, error) {
	listValueID, err := s.EnsureListValue(ctx, key.FieldKey, normalizedValue, normalizedValue)
	if err != nil {
		return 0, err
	}

	var productIDs []string
	err = s.DB.SelectContext(ctx, &productIDs, `
		SELECT product_id FROM field_state WHERE field_key = ? AND selected_value = ?`,
		key.FieldKey, normalizedValue)
	if err != nil {
		return 0, fmt.Errorf("store: relink enum items: select: %w", err)
	}

	relinked := 0
	for _, pid := range productIDs {
		overridden, err := s.itemLaneOverridden(ctx, domain.GridKey{ProductID: pid, FieldKey: key.FieldKey})
		if err != nil {
			return relinked, err
		}
		if overridden {
			continue
		}
		if err := s.LinkItemToListValue(ctx, pid, key.FieldKey, listValueID); err != nil {
			return relinked, err
		}
		relinked++
	}
	return relinked, nil
}

// RelinkItems adapts RelinkEnumItems to review.EnumLinkSyncer's interface
// name, so *Store can be passed directly as a SharedLane's Sync.
func (s *Store) RelinkItems(ctx context.Context, key domain.EnumKey, normalizedValue string) (int, error) {
	return s.RelinkEnumItems(ctx, key, normalizedValue)
}

func (s *Store) itemLaneOverridden(ctx context.Context, key domain.GridKey) (bool, error) {
	row, ok, err := s.GetReviewState(ctx, "grid", key.JSON())
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return row.UserStatus == "overridden", nil
}

// RenameListValue renames a canonical list_values row's display value and
// relinks every non-overridden item currently pointing at it — used by the
// shared-lane canonical rename operation (invariant 4). The old normalized
// value is replaced by the new one so future RelinkEnumItems calls resolve
// to the same row instead of creating a second one. An item whose grid_key
// lane is Overridden keeps its own selected_value (override wins).
func (s *Store) RenameListValue(ctx context.Context, listValueID, newNormalizedValue, newDisplayValue string) (relinked int, err error) {
	var fieldKey string
	if err := s.DB.GetContext(ctx, &fieldKey, `SELECT field_key FROM list_values WHERE id = ?`, listValueID); err != nil {
		return 0, fmt.Errorf("store: rename list value: lookup field key: %w", err)
	}

	var productIDs []string
	if err := s.DB.SelectContext(ctx, &productIDs,
		`SELECT product_id FROM item_list_links WHERE list_value_id = ?`, listValueID); err != nil {
		return 0, fmt.Errorf("store: rename list value: select linked items: %w", err)
	}

	var toRelink []string
	for _, pid := range productIDs {
		overridden, err := s.itemLaneOverridden(ctx, domain.GridKey{ProductID: pid, FieldKey: fieldKey})
		if err != nil {
			return 0, err
		}
		if !overridden {
			toRelink = append(toRelink, pid)
		}
	}

	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: rename list value: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err = tx.ExecContext(ctx,
		`UPDATE list_values SET value_norm = ?, display_value = ? WHERE id = ?`,
		newNormalizedValue, newDisplayValue, listValueID); err != nil {
		return 0, fmt.Errorf("store: rename list value: update: %w", err)
	}

	relinked = 0
	for _, pid := range toRelink {
		res, err := tx.ExecContext(ctx,
			`UPDATE field_state SET selected_value = ? WHERE product_id = ? AND field_key = ? AND selected_value != ?`,
			newNormalizedValue, pid, fieldKey, newNormalizedValue)
		if err != nil {
			return 0, fmt.Errorf("store: rename list value: relink: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			relinked++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: rename list value: commit: %w", err)
	}
	return relinked, nil
}

// CountPendingReviews reports how many review keys are still sitting in
// ai_pending or ai_confirmed-but-not-yet-decided state, plus the age in
// hours of the earliest audit event recorded against any of them — the signal a harvest-api
// cron job watches to page a human before the queue silently grows stale.
func (s *Store) CountPendingReviews(ctx context.Context, now time.Time) (count int, oldestAgeHours float64, err error) {
	if err := s.DB.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM key_review_state WHERE user_status = 'pending'`); err != nil {
		return 0, 0, fmt.Errorf("store: count pending reviews: %w", err)
	}
	if count == 0 {
		return 0, 0, nil
	}

	var oldest sql.NullString
	err = s.DB.GetContext(ctx, &oldest, `
		SELECT MIN(a.created_at)
		FROM audit_log a
		JOIN key_review_state r ON r.lane_kind = a.lane_kind AND r.key_json = a.key_json
		WHERE r.user_status = 'pending'`)
	if err != nil {
		return count, 0, fmt.Errorf("store: oldest pending review: %w", err)
	}
	if !oldest.Valid {
		return count, 0, nil
	}
	ts, perr := time.Parse(time.RFC3339, oldest.String)
	if perr != nil {
		return count, 0, nil
	}
	return count, now.Sub(ts).Hours(), nil
}
