// Package fetch implements the Fetch Scheduler (spec.md §4.3): a bounded
// concurrent fetcher with host pacing, dual-source (static/headless)
// fallback, and lane budgets.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/spec-harvester/harvester/pkg/events"
	"github.com/spec-harvester/harvester/pkg/fetch/lane"
	"github.com/spec-harvester/harvester/pkg/frontier"
)

// Target is one URL queued for fetch, tagged with the doc_hint Discovery
// assigned it.
type Target struct {
	SourceID string
	URL      string
	DocKind  string
}

// Result is the outcome of fetching one Target.
type Result struct {
	Target  Target
	Outcome Outcome
	Method  string // "http" | "headless"
	Body    []byte
	Err     error
}

// Scheduler drives the fetch lane: HostPacer admission, dual-source
// fallback, and cooperative cancellation.
type Scheduler struct {
	client   *http.Client
	pacer    *HostPacer
	frontier *frontier.Frontier
	headless *HeadlessFetcher
	policy   FetchPolicy
	fallback FallbackPolicy
	bus      *events.Bus
}

// NewScheduler builds a Scheduler.
func NewScheduler(client *http.Client, pacer *HostPacer, fr *frontier.Frontier, headless *HeadlessFetcher, policy FetchPolicy, fb FallbackPolicy, bus *events.Bus) *Scheduler {
	return &Scheduler{client: client, pacer: pacer, frontier: fr, headless: headless, policy: policy, fallback: fb, bus: bus}
}

// Run fetches every target using a bounded pool sized by concurrency,
// returning one Result per target (order not guaranteed — across hosts
// scheduling is work-conserving per spec.md §4.3). The supplied ctx is
// the per-run cancellation token; workers drain in-flight requests and
// mark the remainder OutcomeInterrupted rather than erroring.
func (s *Scheduler) Run(ctx context.Context, targets []Target, concurrency int) []Result {
	if concurrency <= 0 {
		concurrency = 1
	}
	pool := lane.NewPool(ctx, "fetch", concurrency)
	results := make([]Result, len(targets))

	for i, t := range targets {
		i, t := i, t
		pool.Submit(func(ctx context.Context) error {
			results[i] = s.fetchOne(ctx, t)
			return nil
		})
	}
	_ = pool.Wait()
	for i := range results {
		if results[i].Outcome == "" {
			results[i] = Result{Target: targets[i], Outcome: OutcomeInterrupted}
		}
	}
	return results
}

func (s *Scheduler) fetchOne(ctx context.Context, t Target) Result {
	select {
	case <-ctx.Done():
		return Result{Target: t, Outcome: OutcomeInterrupted}
	default:
	}

	host, shape, err := frontier.PathShape(t.URL, t.DocKind)
	if err != nil {
		return Result{Target: t, Outcome: OutcomeBadContent, Err: err}
	}

	if s.frontier != nil {
		admitted, reason, err := s.frontier.Admit(ctx, t.URL, t.DocKind)
		if err == nil && !admitted {
			s.publish(events.KindSourceFetchSkipped, t.SourceID, map[string]any{"reason": reason})
			return Result{Target: t, Outcome: OutcomeBlocked}
		}
	}

	if s.pacer != nil {
		if err := s.pacer.Acquire(ctx, host); err != nil {
			return Result{Target: t, Outcome: OutcomeInterrupted}
		}
		defer s.pacer.Release(host)
	}

	s.publish(events.KindFetchStarted, t.SourceID, map[string]any{"url": t.URL})

	resp, method, ferr := s.fetchWithRetry(ctx, t)
	outcome := Classify(resp, ferr)

	if s.fallback.Enabled && method == "http" && resp != nil && RequiresHeadlessEscalation(outcome, JSRequired(resp.Body)) {
		if headlessResp, herr := s.headless.Fetch(ctx, t.URL); herr == nil {
			resp, ferr, method = headlessResp, nil, "headless"
			outcome = Classify(resp, ferr)
		}
	}

	if s.frontier != nil {
		_ = s.frontier.RecordOutcome(ctx, host, outcome == OutcomeBlocked || outcome == OutcomeRateLimited)
		if outcome == OutcomeNotFound {
			if promoted, _ := s.frontier.RecordPathFailure(ctx, host, shape, t.SourceID); promoted {
				s.publish(events.KindRepairQueryEnqueued, t.SourceID, map[string]any{"reason": "dead_path_pattern"})
			}
		}
	}

	s.publish(events.KindFetchFinished, t.SourceID, map[string]any{"outcome": string(outcome), "method": method})

	body := []byte(nil)
	if resp != nil {
		body = resp.Body
	}
	return Result{Target: t, Outcome: outcome, Method: method, Body: body, Err: ferr}
}

// fetchWithRetry retries only OutcomeNetworkError-classified attempts, up
// to FetchRetryBudget, with exponential backoff via go-retry — spec.md §7
// Transient error class and §8's `retries(u) ≤ fetch_retry_budget`
// property.
func (s *Scheduler) fetchWithRetry(ctx context.Context, t Target) (*Response, string, error) {
	backoff, err := retry.NewExponential(time.Duration(s.policy.RetryBackoffMS) * time.Millisecond)
	if err != nil {
		backoff, _ = retry.NewConstant(500 * time.Millisecond)
	}
	backoff = retry.WithMaxRetries(uint64(s.policy.RetryBudget), backoff)

	var resp *Response
	var lastErr error
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, ferr := s.doHTTP(ctx, t.URL)
		resp, lastErr = r, ferr
		if !Classify(r, ferr).Retryable() {
			return nil
		}
		if ferr == nil {
			ferr = fmt.Errorf("fetch: status %d", r.StatusCode)
		}
		return retry.RetryableError(ferr)
	})
	if err != nil && lastErr == nil {
		lastErr = err
	}
	return resp, "http", lastErr
}

func (s *Scheduler) doHTTP(ctx context.Context, rawURL string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: build request: %w", err)
	}
	req.Header.Set("User-Agent", s.policy.UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return nil, fmt.Errorf("fetch: read body: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, ContentType: resp.Header.Get("Content-Type"), Body: body}, nil
}

func (s *Scheduler) publish(kind events.Kind, scope string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.StageFetch, kind, scope, payload)
}
