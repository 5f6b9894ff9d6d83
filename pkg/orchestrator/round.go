package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spec-harvester/harvester/pkg/automation"
	"github.com/spec-harvester/harvester/pkg/consensus"
	"github.com/spec-harvester/harvester/pkg/discovery"
	"github.com/spec-harvester/harvester/pkg/discovery/rerank"
	"github.com/spec-harvester/harvester/pkg/domain"
	"github.com/spec-harvester/harvester/pkg/events"
	"github.com/spec-harvester/harvester/pkg/fetch"
	"github.com/spec-harvester/harvester/pkg/frontier"
	"github.com/spec-harvester/harvester/pkg/llmrouter"
	"github.com/spec-harvester/harvester/pkg/needset"
	"github.com/spec-harvester/harvester/pkg/output"
	"github.com/spec-harvester/harvester/pkg/retrieval"
	"github.com/spec-harvester/harvester/pkg/store"
)

// runDiscovery builds this round's SearchProfile from the ranked NeedSet,
// runs it through every configured Provider, triages the raw hits, and
// returns the deduped, admissible fetch targets (spec.md §4.6 step 3).
func (r *Runner) runDiscovery(ctx context.Context, runID string, round int, ident discovery.Identity, needs []needset.NeedRow, contracts []domain.FieldContract) ([]fetch.Target, error) {
	if r.deps.Planner == nil {
		return nil, nil
	}
	byKey := map[string]domain.FieldContract{}
	for _, c := range contracts {
		byKey[c.FieldKey] = c
	}

	needFields := make([]discovery.NeedField, 0, len(needs))
	for _, n := range needs {
		needFields = append(needFields, discovery.NeedField{FieldKey: n.FieldKey, Aliases: byKey[n.FieldKey].Aliases})
	}

	queries, err := r.deps.Planner.Plan(ctx, ident, needFields)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: plan search profile: %w", err)
	}
	r.publish(runID, events.KindSearchStarted, map[string]any{"query_count": len(queries)})
	if r.deps.Archive != nil {
		r.deps.Archive.RecordSearchProfile(round, queries)
	}

	seen := map[string]bool{}
	apps := map[string]discovery.Applicability{}
	docKinds := map[string]string{}
	var admissible []discovery.Result
	for _, q := range queries {
		for _, provider := range r.deps.Providers {
			results, err := provider.Search(ctx, q, r.deps.SearchLimit)
			if err != nil {
				continue // a degraded provider doesn't abort discovery for the round
			}
			for _, res := range results {
				key := discovery.CanonicalizeURL(res.URL)
				if seen[key] {
					continue
				}
				app := discovery.Evaluate(res, ident, q, r.tierOf)
				if !app.IdentityMatch || !app.DocKindMatch {
					continue
				}
				seen[key] = true
				apps[res.URL] = app
				docKinds[res.URL] = string(q.DocHint)
				admissible = append(admissible, res)
			}
		}
	}

	ranked := rerank.Fast(admissible, apps)
	targets := make([]fetch.Target, 0, len(ranked))
	for _, s := range ranked {
		targets = append(targets, fetch.Target{SourceID: uuid.NewString(), URL: s.Result.URL, DocKind: docKinds[s.Result.URL]})
	}
	r.publish(runID, events.KindSearchFinished, map[string]any{"target_count": len(targets)})
	return targets, nil
}

func (r *Runner) tierOf(rawURL string) float64 {
	host := hostOf(rawURL)
	if host == "" || r.deps.Store == nil {
		return 0
	}
	tier, ok, err := r.deps.Store.SourceTierByHost(context.Background(), host)
	if err != nil || !ok {
		return 0
	}
	return float64(tier)
}

// fetchParseIndex runs targets through the Fetch Scheduler, then the
// Parser Bank ladder, then indexes every resulting assertion's evidence
// into the Evidence Store. Returns whether this round had to fall back to
// a tier below tier-1 for every admitted source (spec.md §8 "tier-1
// sources blocked" boundary behavior).
func (r *Runner) fetchParseIndex(ctx context.Context, runID string, targets []fetch.Target) bool {
	if len(targets) == 0 || r.deps.Scheduler == nil {
		return false
	}
	results := r.deps.Scheduler.Run(ctx, targets, r.deps.Lanes.Fetch)

	sawTier1 := false
	sawBelowTier1 := false
	for _, res := range results {
		if res.Outcome != fetch.OutcomeOK || len(res.Body) == 0 {
			r.publish(runID, events.KindSourceFetchSkipped, map[string]any{"url": res.Target.URL, "outcome": string(res.Outcome)})
			r.enqueueFetchRepair(ctx, runID, res)
			continue
		}
		host := hostOf(res.Target.URL)
		if r.deps.Archive != nil {
			r.deps.Archive.RecordNetworkResponse(host, output.NetworkResponse{
				URL: res.Target.URL, Method: res.Method, Size: len(res.Body), Outcome: string(res.Outcome),
			})
		}
		tier := r.classifyTier(host)
		if tier == domain.TierManufacturer {
			sawTier1 = true
		} else {
			sawBelowTier1 = true
		}

		src := domain.Source{
			SourceID: res.Target.SourceID, RunID: runID, URL: res.Target.URL, Host: host,
			RootDomain: frontier.RootDomain(host), Tier: tier, Method: res.Method,
			CrawlStatus: domain.CrawlOK, FetchedAt: timePtr(r.now()),
		}
		if err := r.deps.Store.PutSource(ctx, src); err != nil {
			continue
		}

		artifact := domain.Artifact{
			ArtifactID: uuid.NewString(), SourceID: src.SourceID, Kind: domain.ArtifactHTML,
			Body: res.Body, Size: int64(len(res.Body)),
		}
		if r.deps.Archive != nil {
			if rel, aerr := r.deps.Archive.SaveRawPage(host, res.Body); aerr == nil {
				artifact.Path = rel
			}
		}
		if _, err := r.deps.Store.PutArtifact(ctx, artifact); err != nil {
			continue
		}

		if r.deps.Ladder == nil {
			continue
		}
		raws, method, err := r.deps.Ladder.Run(ctx, artifact)
		if err != nil || len(raws) == 0 {
			continue
		}
		r.publish(runID, events.KindParseFinished, map[string]any{"source_id": src.SourceID, "method": method, "count": len(raws)})
		for _, raw := range raws {
			assertion := domain.Assertion{
				AssertionID: uuid.NewString(), SourceID: src.SourceID, FieldKey: raw.FieldKey,
				ContextKind: domain.ContextScalar, ValueRaw: raw.RawValue, ValueNormalized: raw.RawValue,
				Unit: raw.Unit, Method: method,
			}
			if _, _, err := r.deps.Store.PutAssertion(ctx, assertion, raw.EvidenceQuote); err == nil {
				r.publish(runID, events.KindIndexFinished, map[string]any{"source_id": src.SourceID, "field_key": raw.FieldKey})
			}
		}
		r.publish(runID, events.KindSourceProcessed, map[string]any{"source_id": src.SourceID, "url": src.URL})
	}
	return sawBelowTier1 && !sawTier1
}

func (r *Runner) classifyTier(host string) domain.Tier {
	tier, ok, err := r.deps.Store.SourceTierByHost(context.Background(), host)
	if err != nil || !ok {
		return domain.TierUnverified
	}
	return tier
}

func timePtr(t time.Time) *time.Time { return &t }

// extractAndAggregate assembles the Extraction Context packet, runs the
// LLM Router's extract role (and, only when deterministic consensus
// changed from the previous round, its validate role — the decided
// answer to spec.md §9's staleness re-extraction question), aggregates
// every candidate through Consensus, and persists the resulting Field
// State and primary review lane. Returns whether the selected value
// changed from prev.
func (r *Runner) extractAndAggregate(ctx context.Context, runID, productID string, contract domain.FieldContract, prev consensus.Selection) (bool, consensus.Selection, []domain.Candidate, error) {
	candidates, err := r.buildCandidates(ctx, contract.FieldKey)
	if err != nil {
		return false, consensus.Selection{}, nil, err
	}

	if r.deps.Router != nil && len(candidates) > 0 {
		evidence, err := r.deps.Store.ListEvidenceRefs(ctx, contract.FieldKey)
		if err == nil && len(evidence) > 0 {
			packet, perr := retrieval.Assemble(ctx, r.deps.Assembler, contract, evidence)
			if perr == nil {
				r.publish(runID, events.KindPhase07PrimeSources, map[string]any{
					"field_key": contract.FieldKey, "prime_count": len(packet.PrimeSources), "support_count": len(packet.SupportRows),
				})
				if r.deps.Archive != nil {
					r.deps.Archive.RecordRetrieval(contract.FieldKey, packet)
				}
				cand, trace, cerr := r.deps.Router.Call(ctx, llmrouter.RoleExtract, packet, r.deps.Schema)
				r.recordTrace(contract.FieldKey, trace)
				if cerr == nil {
					candidates = append(candidates, stampCandidate(cand, packet, contract))
				}
			}
		}
	}

	selection, err := r.deps.Consensus.Aggregate(ctx, contract.FieldKey, candidates)
	if err != nil {
		return false, consensus.Selection{}, nil, fmt.Errorf("orchestrator: aggregate consensus: %w", err)
	}

	changed := selection.SelectedValue != prev.SelectedValue
	if changed && r.deps.Router != nil && prev.SelectedValue != "" {
		evidence, err := r.deps.Store.ListEvidenceRefs(ctx, contract.FieldKey)
		if err == nil && len(evidence) > 0 {
			if packet, perr := retrieval.Assemble(ctx, r.deps.Assembler, contract, evidence); perr == nil {
				_, trace, _ := r.deps.Router.Call(ctx, llmrouter.RoleValidate, packet, r.deps.Schema)
				r.recordTrace(contract.FieldKey, trace)
			}
		}
	}

	if selection.SelectedValue == "" {
		return changed, selection, candidates, nil
	}

	if err := r.deps.Store.UpsertFieldState(ctx, domain.FieldState{
		ProductID: productID, FieldKey: contract.FieldKey, SelectedValue: selection.SelectedValue,
		Confidence: selection.Confidence, Flags: reasonFlags(selection.ReasonCodes),
	}); err != nil {
		return changed, selection, candidates, fmt.Errorf("orchestrator: upsert field state: %w", err)
	}

	gridKey := domain.GridKey{ProductID: productID, FieldKey: contract.FieldKey}
	existing, _, err := r.deps.Store.GetReviewState(ctx, "grid", gridKey.JSON())
	if err != nil {
		return changed, selection, candidates, err
	}
	if existing.UserStatus == "overridden" {
		return changed, selection, candidates, nil // item override wins over a fresh AI selection
	}
	if err := r.deps.Store.UpsertReviewState(ctx, store.ReviewStateRow{
		LaneKind: "grid", KeyJSON: gridKey.JSON(), AIStatus: "pending",
		UserStatus: "pending", SelectedValue: selection.SelectedValue, Confidence: selection.Confidence,
	}); err != nil {
		return changed, selection, candidates, fmt.Errorf("orchestrator: upsert review state: %w", err)
	}
	return changed, selection, candidates, nil
}

func (r *Runner) recordTrace(fieldKey string, trace llmrouter.Trace) {
	if r.deps.Archive == nil || trace.Role == "" {
		return
	}
	r.deps.Archive.RecordExtraction(output.ExtractionRecord{
		FieldKey: fieldKey, Role: string(trace.Role), Model: trace.Model,
		PromptPreview: trace.PromptPreview, ResponsePreview: trace.ResponsePreview, Status: trace.Status,
	})
}

func stampCandidate(c domain.Candidate, packet retrieval.Packet, contract domain.FieldContract) domain.Candidate {
	c.FieldKey = contract.FieldKey
	c.Method = "llm"
	c.Tier = domain.TierUnverified
	if len(packet.PrimeSources) > 0 {
		c.Tier = packet.PrimeSources[0].Ref.Tier
		c.SourceID = packet.PrimeSources[0].Ref.SourceID
		c.RootDomain = packet.PrimeSources[0].RootDomain
	}
	return c
}

func reasonFlags(reasons []consensus.ReasonCode) []string {
	out := make([]string, len(reasons))
	for i, r := range reasons {
		out[i] = string(r)
	}
	return out
}

// buildCandidates joins every assertion recorded for fieldKey with its
// evidence ref (for tier/retrieved_at/root_domain) into the domain.Candidate
// shape Consensus expects.
func (r *Runner) buildCandidates(ctx context.Context, fieldKey string) ([]domain.Candidate, error) {
	assertions, err := r.deps.Store.ListAssertions(ctx, fieldKey)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: list assertions: %w", err)
	}
	refs, err := r.deps.Store.ListEvidenceRefs(ctx, fieldKey)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: list evidence refs: %w", err)
	}
	refByAssertion := map[string]domain.EvidenceRef{}
	for _, ref := range refs {
		refByAssertion[ref.AssertionID] = ref
	}

	out := make([]domain.Candidate, 0, len(assertions))
	for _, a := range assertions {
		ref := refByAssertion[a.AssertionID]
		out = append(out, domain.Candidate{
			CandidateID: a.AssertionID, FieldKey: a.FieldKey, Value: a.ValueNormalized, Unit: a.Unit,
			Tier: ref.Tier, SourceID: a.SourceID, AssertionID: a.AssertionID,
			RootDomain: frontier.RootDomain(hostOf(ref.URL)), RetrievedAt: ref.RetrievedAt, Method: a.Method,
		})
	}
	return out, nil
}

// enqueueFetchRepair records the next round's follow-up for a fetch that
// failed terminally this round: a repair_search for a dead URL (spec.md
// §4.2), a domain_backoff for a blocked or rate-limited host (§4.11).
func (r *Runner) enqueueFetchRepair(ctx context.Context, runID string, res fetch.Result) {
	if r.deps.Automation == nil {
		return
	}
	host := hostOf(res.Target.URL)
	switch res.Outcome {
	case fetch.OutcomeNotFound:
		_, _ = r.deps.Automation.Enqueue(ctx, automation.JobRequest{
			Type: domain.JobRepairSearch, Domain: host, QueryNorm: res.Target.DocKind, Reason: "dead_url",
		})
		r.publish(runID, events.KindRepairQueryEnqueued, map[string]any{"domain": host, "doc_hint": res.Target.DocKind})
	case fetch.OutcomeBlocked, fetch.OutcomeRateLimited:
		_, _ = r.deps.Automation.Enqueue(ctx, automation.JobRequest{
			Type: domain.JobDomainBackoff, Domain: host, Reason: string(res.Outcome),
		})
	}
}

// enqueueAutomation proposes deficit_rediscovery jobs for fields whose
// need score is still driven by a refs or tier deficit after this round's
// fetch/extract pass, and staleness_refresh jobs for fields whose need is
// driven by freshness decay (spec.md §4.11).
func (r *Runner) enqueueAutomation(ctx context.Context, needs []needset.NeedRow) {
	if r.deps.Automation == nil {
		return
	}
	for _, n := range needs {
		for _, reason := range n.Reasons {
			switch reason {
			case needset.ReasonRefsDeficit, needset.ReasonTierDeficit:
				_, _ = r.deps.Automation.Enqueue(ctx, automation.JobRequest{
					Type: domain.JobDeficitRediscovery, FieldTargets: []string{n.FieldKey}, Reason: string(reason),
				})
			case needset.ReasonStale:
				_, _ = r.deps.Automation.Enqueue(ctx, automation.JobRequest{
					Type: domain.JobStalenessRefresh, FieldTargets: []string{n.FieldKey}, Reason: string(reason),
				})
			default:
				continue
			}
			break
		}
	}
}

func (r *Runner) buildSummary(runID, productID, category string, status domain.RunStatus, stopReason domain.StopReason, rounds int, tierDowngraded bool, contracts []domain.FieldContract, sel map[string]consensus.Selection, cands map[string][]domain.Candidate) RunSummary {
	fields := make([]FieldSummary, 0, len(contracts))
	for _, c := range contracts {
		s := sel[c.FieldKey]
		fields = append(fields, FieldSummary{
			FieldKey: c.FieldKey, SelectedValue: s.SelectedValue, Confidence: s.Confidence,
			ReasonCodes: reasonFlags(s.ReasonCodes),
		})
	}
	return RunSummary{
		RunID: runID, ProductID: productID, Category: category, Status: status, StopReason: stopReason,
		Rounds: rounds, TierDowngraded: tierDowngraded, Fields: fields, Candidates: cands, Counters: map[string]int{},
	}
}
