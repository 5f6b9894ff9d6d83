// Package domain holds the shared entity types from spec.md §3 that more
// than one component needs: Run, Source, Artifact, Assertion, Evidence
// Ref, Candidate, Field State, and the review-lane keys. Keeping them in
// one leaf package (no component-specific behavior) avoids the import
// cycles that would otherwise appear between store, consensus, and
// review.
package domain

import (
	"encoding/json"
	"time"
)

// Tier is the source trust class from the GLOSSARY (1 = manufacturer
// official, 4 = unverified).
type Tier int

const (
	TierManufacturer Tier = 1
	TierLab          Tier = 2
	TierRetailer     Tier = 3
	TierUnverified   Tier = 4
)

// RequiredLevel is the NeedSet §4.5 required_weight key.
type RequiredLevel string

const (
	RequiredIdentity RequiredLevel = "identity"
	RequiredCritical RequiredLevel = "critical"
	RequiredRequired RequiredLevel = "required"
	RequiredExpected RequiredLevel = "expected"
	RequiredOptional RequiredLevel = "optional"
)

// RunPhase tracks the orchestrator's phase_cursor (§3 Run entity).
type RunPhase string

const (
	PhaseNeedSet    RunPhase = "needset"
	PhaseDiscovery  RunPhase = "discovery"
	PhaseFetch      RunPhase = "fetch"
	PhaseRetrieval  RunPhase = "retrieval"
	PhaseExtraction RunPhase = "extraction"
	PhaseConsensus  RunPhase = "consensus"
	PhaseAutomation RunPhase = "automation"
	PhaseDone       RunPhase = "done"
)

// RunStatus is the Run entity's terminal/non-terminal state.
type RunStatus string

const (
	RunActive      RunStatus = "active"
	RunCompleted   RunStatus = "completed"
	RunFailed      RunStatus = "failed"
	RunInterrupted RunStatus = "interrupted"
)

// StopReason names which §4.12 stop condition ended the run.
type StopReason string

const (
	StopAllFieldsGated    StopReason = "all_required_fields_gated"
	StopMaxRounds         StopReason = "max_rounds"
	StopNoProgress        StopReason = "no_progress_limit"
	StopLowQuality        StopReason = "max_low_quality_rounds"
	StopIdentityConflict  StopReason = "identity_fast_fail"
	StopWallClockBudget   StopReason = "wall_clock_budget"
	StopCancelled         StopReason = "cancellation"
	StopNoSources         StopReason = "no_sources"
)

// Run is the §3 Run entity.
type Run struct {
	RunID       string
	ProductID   string
	Category    string
	StartedAt   time.Time
	EndedAt     *time.Time
	PhaseCursor RunPhase
	Status      RunStatus
	StopReason  StopReason
	Rounds      int
	TierDowngraded bool
	Counters    map[string]int
}

// CrawlStatus is the Source Registry's lifecycle, mirroring the Frontier
// state machine in spec.md §4.2.
type CrawlStatus string

const (
	CrawlQueued   CrawlStatus = "queued"
	CrawlInFlight CrawlStatus = "in_flight"
	CrawlOK       CrawlStatus = "ok"
	CrawlBlocked  CrawlStatus = "blocked"
	CrawlNotFound CrawlStatus = "not_found"
	CrawlBadContent CrawlStatus = "bad_content"
	CrawlCooldown CrawlStatus = "cooldown"
	CrawlDeadPath CrawlStatus = "dead_path"
	CrawlInterrupted CrawlStatus = "interrupted"
)

// Source is the §3 Source Registry entity. Evidence-only: no model
// metadata (invariant 1).
type Source struct {
	SourceID   string
	RunID      string
	URL        string
	Host       string
	RootDomain string
	Tier       Tier
	Method     string // "http" | "headless"
	CrawlStatus CrawlStatus
	HTTPStatus int
	FetchedAt  *time.Time
}

// ArtifactKind enumerates the §3 Artifact kinds.
type ArtifactKind string

const (
	ArtifactHTML       ArtifactKind = "html"
	ArtifactDOM        ArtifactKind = "dom"
	ArtifactJSONLD     ArtifactKind = "jsonld"
	ArtifactGraph      ArtifactKind = "graph"
	ArtifactTable      ArtifactKind = "table"
	ArtifactImage      ArtifactKind = "image"
	ArtifactScreenshot ArtifactKind = "screenshot"
	ArtifactMetadata   ArtifactKind = "metadata"
)

// Artifact is the §3 Artifact entity, immutable after capture.
type Artifact struct {
	ArtifactID  string
	SourceID    string
	Kind        ArtifactKind
	Path        string
	ContentHash string
	MIME        string
	Size        int64
	Body        []byte // in-memory payload for the current round; Path is the durable copy
}

// ContextKind is the Assertion's context_kind (§3).
type ContextKind string

const (
	ContextScalar    ContextKind = "scalar"
	ContextComponent ContextKind = "component"
	ContextList      ContextKind = "list"
)

// Assertion is the §3 Assertion entity: a field/value pair extracted from
// a single source.
type Assertion struct {
	AssertionID    string
	SourceID       string
	FieldKey       string
	ContextKind    ContextKind
	ContextRef     string
	ValueRaw       string
	ValueNormalized string
	Unit           string
	CandidateID    string
	Method         string
	EvidenceBroken bool
}

// EvidenceRef is the §3 Evidence Ref entity.
type EvidenceRef struct {
	SourceID    string
	AssertionID string
	SnippetID   string
	Quote       string
	URL         string
	Tier        Tier
	RetrievedAt time.Time
}

// Candidate is a ranked, merged per-field value proposal (GLOSSARY).
type Candidate struct {
	CandidateID   string
	FieldKey      string
	Value         string
	Unit          string
	Score         float64
	Tier          Tier
	SourceID      string
	AssertionID   string
	RootDomain    string
	RetrievedAt   time.Time
	ExtractModel  string
	ValidateModel string
	// Method is the parser.Ladder rung (or "llm") that produced the
	// underlying assertion, consumed by the Consensus Engine's
	// method_weight table (§4.9 step 2).
	Method string
}

// FieldState is the §3 item-level Field State entity.
type FieldState struct {
	ProductID         string
	FieldKey          string
	SelectedValue     string
	SelectedCandidate string
	Confidence        float64
	Flags             []string
}

// GridKey identifies the item review lane (product_id, field_key).
type GridKey struct {
	ProductID string `json:"product_id"`
	FieldKey  string `json:"field_key"`
}

// JSON renders the deterministic key_review_state.key_json form.
func (k GridKey) JSON() string { return mustJSON(k) }

// ComponentKey identifies the shared component review lane.
type ComponentKey struct {
	ComponentIdentifier string `json:"component_identifier"`
	Property            string `json:"property"`
}

// JSON renders the deterministic key_review_state.key_json form.
func (k ComponentKey) JSON() string { return mustJSON(k) }

// EnumKey identifies the shared enum review lane.
type EnumKey struct {
	FieldKey      string `json:"field_key"`
	EnumValueNorm string `json:"enum_value_norm"`
}

// JSON renders the deterministic key_review_state.key_json form.
func (k EnumKey) JSON() string { return mustJSON(k) }

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		// Only plain string-field structs are ever passed here; Marshal
		// cannot fail for them.
		panic(err)
	}
	return string(b)
}

// JobType enumerates the §4.11 Automation Job kinds.
type JobType string

const (
	JobRepairSearch       JobType = "repair_search"
	JobStalenessRefresh   JobType = "staleness_refresh"
	JobDeficitRediscovery JobType = "deficit_rediscovery"
	JobDomainBackoff      JobType = "domain_backoff"
)

// JobStatus is the Automation Job's lifecycle state (§4.11).
type JobStatus string

const (
	JobQueued   JobStatus = "queued"
	JobRunning  JobStatus = "running"
	JobDone     JobStatus = "done"
	JobFailed   JobStatus = "failed"
	JobCooldown JobStatus = "cooldown"
)

// AutomationJob is the §3 Automation Job entity: a durable, deduped
// repair/staleness/deficit/backoff job consumed by the Orchestrator at
// round boundaries.
type AutomationJob struct {
	JobID      string
	JobType    JobType
	Priority   int
	Status     JobStatus
	DedupeKey  string
	ReasonTags []string
	Payload    string // job-type-specific JSON payload, e.g. {domain, doc_hint, field_targets, reason}
	NextRunAt  *time.Time
}

// FieldContract is the per-category, per-field policy surface consulted
// by NeedSet, Retrieval, and Consensus: required level, preferred tier
// order, minimum distinct-source refs, and aliases used by Discovery.
type FieldContract struct {
	FieldKey        string
	RequiredLevel   RequiredLevel
	PreferredTiers  []Tier
	MinDistinctRefs int
	Aliases         []string
}
