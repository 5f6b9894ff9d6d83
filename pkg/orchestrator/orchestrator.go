// Package orchestrator implements the Run Orchestrator (spec.md §4.12):
// the round loop that drives every other component from a product
// identity lock through to a finalized Field State, checking the seven
// stop conditions after each round's NeedSet computation.
package orchestrator

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/google/uuid"

	"github.com/spec-harvester/harvester/internal/config"
	"github.com/spec-harvester/harvester/internal/identity"
	"github.com/spec-harvester/harvester/pkg/automation"
	"github.com/spec-harvester/harvester/pkg/consensus"
	"github.com/spec-harvester/harvester/pkg/discovery"
	"github.com/spec-harvester/harvester/pkg/domain"
	"github.com/spec-harvester/harvester/pkg/events"
	"github.com/spec-harvester/harvester/pkg/fetch"
	"github.com/spec-harvester/harvester/pkg/frontier"
	"github.com/spec-harvester/harvester/pkg/llmrouter"
	"github.com/spec-harvester/harvester/pkg/needset"
	"github.com/spec-harvester/harvester/pkg/output"
	"github.com/spec-harvester/harvester/pkg/parse"
	"github.com/spec-harvester/harvester/pkg/retrieval"
	"github.com/spec-harvester/harvester/pkg/store"
)

// CatalogProvider resolves a category's field contracts. This is the
// brand/catalog registry spec.md §6 names as an external collaborator
// referenced only by interface — the Orchestrator never owns contract
// authoring.
type CatalogProvider interface {
	FieldContracts(ctx context.Context, category string) ([]domain.FieldContract, error)
}

// Deps wires every collaborator the round loop drives. A zero-value field
// is only acceptable where the component tolerates it: Store, Catalog,
// NeedSet, and Consensus are required; a nil Bus, Planner, Scheduler,
// Ladder, Router, Automation, or Archive skips the step it drives, and
// the round loop does not read Frontier.
type Deps struct {
	Store       *store.Store
	Bus         *events.Bus
	Catalog     CatalogProvider
	Frontier    *frontier.Frontier
	Scheduler   *fetch.Scheduler
	Ladder      *parse.Ladder
	Planner     discovery.Planner
	Providers   []discovery.Provider
	Assembler   retrieval.Assembler
	Router      *llmrouter.Router
	Schema      *openapi3.Schema
	Consensus   consensus.Engine
	NeedSet     needset.Engine
	Automation  *automation.Queue
	Archive     *output.Archive
	Convergence config.Convergence
	Lanes       config.LaneConcurrency
	SearchLimit int
	TopNeeds    int
}

// FieldSummary is one field's finalized state, as written to
// provenance/fields.provenance.json by the CLI shell.
type FieldSummary struct {
	FieldKey      string
	SelectedValue string
	Confidence    float64
	ReasonCodes   []string
}

// RunSummary is the Runner.Run return value, the in-memory counterpart of
// summary.json.
type RunSummary struct {
	RunID          string
	ProductID      string
	Category       string
	Status         domain.RunStatus
	StopReason     domain.StopReason
	Rounds         int
	TierDowngraded bool
	Fields         []FieldSummary
	Candidates     map[string][]domain.Candidate
	Counters       map[string]int
}

// Runner drives the round loop over one set of Deps.
type Runner struct {
	deps Deps
	now  func() time.Time
}

// New builds a Runner. now defaults to time.Now; tests override it for
// deterministic wall-clock-budget behavior.
func New(deps Deps) *Runner {
	if deps.TopNeeds == 0 {
		deps.TopNeeds = 12
	}
	if deps.SearchLimit == 0 {
		deps.SearchLimit = 10
	}
	return &Runner{deps: deps, now: time.Now}
}

// Run executes the round loop from spec.md §4.12 to completion: compute
// NeedSet, check stop conditions, build and execute a SearchProfile,
// fetch/parse/index, retrieve and extract/validate, aggregate consensus,
// emit automation jobs, loop.
func (r *Runner) Run(ctx context.Context, category string, ident identity.ProductIdentity, seedURLs []string) (RunSummary, error) {
	if err := ident.Validate(); err != nil {
		return RunSummary{}, fmt.Errorf("orchestrator: invalid identity: %w", err)
	}

	contracts, err := r.deps.Catalog.FieldContracts(ctx, category)
	if err != nil {
		return RunSummary{}, fmt.Errorf("orchestrator: load field contracts: %w", err)
	}

	productID := ident.ProductID()
	runID := uuid.NewString()
	started := r.now()

	run := domain.Run{
		RunID: runID, ProductID: productID, Category: category, StartedAt: started,
		PhaseCursor: domain.PhaseNeedSet, Status: domain.RunActive, Counters: map[string]int{},
	}
	if err := r.deps.Store.PutRun(ctx, run); err != nil {
		return RunSummary{}, fmt.Errorf("orchestrator: create run: %w", err)
	}
	r.publish(runID, events.KindRunContext, map[string]any{
		"product_id": productID, "category": category, "brand": ident.Brand, "model": ident.Model,
	})

	pending := seedTargets(seedURLs)
	discIdentity := discovery.Identity{Brand: ident.Brand, Model: ident.Model, Variant: ident.Variant}

	var (
		stopReason       domain.StopReason
		round            int
		noProgressStreak int
		lowQualityStreak int
		identityLocked   bool
		tierDowngraded   bool
		lastConsensus    = map[string]consensus.Selection{}
		lastCandidates   = map[string][]domain.Candidate{}
	)

	for {
		round++
		if ctx.Err() != nil {
			stopReason = domain.StopCancelled
			break
		}
		if r.deps.Convergence.WallClockBudget > 0 && r.now().Sub(started) > r.deps.Convergence.WallClockBudget {
			stopReason = domain.StopWallClockBudget
			break
		}

		needs, err := r.computeNeedSet(ctx, productID, contracts, identityLocked)
		if err != nil {
			return RunSummary{}, err
		}
		r.publish(runID, events.KindNeedSetComputed, map[string]any{"round": round, "need_count": len(needs)})
		if r.deps.Archive != nil {
			r.deps.Archive.RecordNeedSet(round, needs)
		}

		if reason, stop := stopCondition(needs, round, noProgressStreak, lowQualityStreak, r.deps.Convergence); stop {
			stopReason = reason
			break
		}

		targets := pending
		pending = nil
		if len(needs) > 0 {
			discovered, derr := r.runDiscovery(ctx, runID, round, discIdentity, needs, contracts)
			if derr != nil {
				return RunSummary{}, derr
			}
			targets = append(targets, discovered...)
		}

		if len(targets) == 0 && round == 1 {
			stopReason = domain.StopNoSources
			break
		}

		downgraded := r.fetchParseIndex(ctx, runID, targets)
		tierDowngraded = tierDowngraded || downgraded

		fieldDelta := false
		lowQualityRound := true
		for _, contract := range contracts {
			changed, selection, candidates, err := r.extractAndAggregate(ctx, runID, productID, contract, lastConsensus[contract.FieldKey])
			if err != nil {
				return RunSummary{}, fmt.Errorf("orchestrator: field %s: %w", contract.FieldKey, err)
			}
			lastConsensus[contract.FieldKey] = selection
			if len(candidates) > 0 {
				lastCandidates[contract.FieldKey] = candidates
			}
			if changed {
				fieldDelta = true
			}
			if selection.Confidence >= r.deps.Convergence.ConfidenceGate {
				lowQualityRound = false
			}
			if contract.RequiredLevel == domain.RequiredIdentity && hasReason(selection.ReasonCodes, consensus.ReasonConflict) && allTierOne(selection) {
				stopReason = domain.StopIdentityConflict
			}
			if contract.RequiredLevel == domain.RequiredIdentity && selection.SelectedValue != "" && selection.Confidence >= r.deps.Convergence.ConfidenceGate {
				identityLocked = true
			}
		}
		if stopReason == domain.StopIdentityConflict {
			break
		}

		if fieldDelta {
			noProgressStreak = 0
		} else {
			noProgressStreak++
		}
		if lowQualityRound {
			lowQualityStreak++
		} else {
			lowQualityStreak = 0
		}

		r.enqueueAutomation(ctx, needs)
		if r.deps.Automation != nil {
			_, _ = r.deps.Automation.PromoteDue(ctx, r.now())
		}
	}

	status := domain.RunCompleted
	if stopReason == domain.StopCancelled {
		status = domain.RunInterrupted
	}
	ended := r.now()
	run.Status = status
	run.StopReason = stopReason
	run.Rounds = round
	run.TierDowngraded = tierDowngraded
	run.EndedAt = &ended
	if err := r.deps.Store.PutRun(ctx, run); err != nil {
		return RunSummary{}, fmt.Errorf("orchestrator: finalize run: %w", err)
	}

	summary := r.buildSummary(runID, productID, category, status, stopReason, round, tierDowngraded, contracts, lastConsensus, lastCandidates)
	r.publish(runID, events.KindRunCompleted, map[string]any{
		"status": string(status), "stop_reason": string(stopReason), "rounds": round, "tier_downgraded": tierDowngraded,
	})
	return summary, nil
}

func (r *Runner) computeNeedSet(ctx context.Context, productID string, contracts []domain.FieldContract, identityLocked bool) ([]needset.NeedRow, error) {
	engine := r.deps.NeedSet
	engine.IdentityLocked = identityLocked
	var rows []needset.NeedRow
	for _, contract := range contracts {
		state, _, err := r.deps.Store.GetFieldState(ctx, productID, contract.FieldKey)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: get field state: %w", err)
		}
		evidence, err := r.deps.Store.ListEvidenceRefs(ctx, contract.FieldKey)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: list evidence: %w", err)
		}
		row := engine.Compute(contract, state, evidence)
		if row.Need > 0 {
			rows = append(rows, row)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Need > rows[j].Need })
	if len(rows) > r.deps.TopNeeds {
		rows = rows[:r.deps.TopNeeds]
	}
	return rows, nil
}

// stopCondition checks the four of spec.md §4.12's seven stop conditions
// that depend only on the NeedSet and the round counters: all fields
// gated, max rounds, no progress, and low quality. Cancellation,
// wall-clock budget, no sources, and identity fast-fail are checked where
// their inputs are available, in Run itself.
func stopCondition(needs []needset.NeedRow, round, noProgressStreak, lowQualityStreak int, conv config.Convergence) (domain.StopReason, bool) {
	if len(needs) == 0 {
		return domain.StopAllFieldsGated, true
	}
	if conv.MaxRounds > 0 && round >= conv.MaxRounds {
		return domain.StopMaxRounds, true
	}
	if conv.NoProgressLimit > 0 && noProgressStreak >= conv.NoProgressLimit {
		return domain.StopNoProgress, true
	}
	if conv.MaxLowQualityRounds > 0 && lowQualityStreak >= conv.MaxLowQualityRounds {
		return domain.StopLowQuality, true
	}
	return "", false
}

func hasReason(reasons []consensus.ReasonCode, want consensus.ReasonCode) bool {
	for _, r := range reasons {
		if r == want {
			return true
		}
	}
	return false
}

func allTierOne(s consensus.Selection) bool {
	for _, c := range s.Clusters {
		for _, m := range c.Members {
			if m.Tier != domain.TierManufacturer {
				return false
			}
		}
	}
	return len(s.Clusters) > 0
}

func seedTargets(urls []string) []fetch.Target {
	out := make([]fetch.Target, 0, len(urls))
	for _, u := range urls {
		out = append(out, fetch.Target{SourceID: uuid.NewString(), URL: u, DocKind: string(discovery.DocSpec)})
	}
	return out
}

func (r *Runner) publish(runID string, kind events.Kind, payload map[string]any) {
	if r.deps.Bus == nil {
		return
	}
	r.deps.Bus.Publish(events.StageOrchestrate, kind, runID, payload)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}
