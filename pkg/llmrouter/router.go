// Package llmrouter is the §4.8 LLM Router: one configured model per role,
// a token-budget-aware call path, and a schema-enforced response contract
// with a single degrade-without-schema retry before giving up in favor of
// deterministic extraction.
package llmrouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/getkin/kin-openapi/openapi3"
	"github.com/pkoukk/tiktoken-go"
	"github.com/sethvargo/go-retry"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/bedrock"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/googleai/vertex"

	"github.com/spec-harvester/harvester/internal/config"
	"github.com/spec-harvester/harvester/pkg/domain"
	"github.com/spec-harvester/harvester/pkg/events"
	"github.com/spec-harvester/harvester/pkg/retrieval"
)

// Role names one of the §4.8 call sites.
type Role string

const (
	RolePlan      Role = "plan"
	RoleFast      Role = "fast"
	RoleTriage    Role = "triage"
	RoleReasoning Role = "reasoning"
	RoleExtract   Role = "extract"
	RoleValidate  Role = "validate"
	RoleWrite     Role = "write"
)

// ErrSchemaAbandoned is returned once both the schema-enforced attempt and
// its no-schema retry have failed — callers degrade to deterministic
// extraction rather than retrying further.
var ErrSchemaAbandoned = errors.New("llmrouter: schema-enforced call abandoned after retry")

// TokenUsage records the encoder-estimated token counts of one call.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
}

// Trace is appended to the event bus for every Call, successful or not.
type Trace struct {
	Role            Role
	Model           string
	PromptPreview   string
	ResponsePreview string
	Usage           TokenUsage
	Status          string // "ok" | "schema_retry" | "abandoned" | "error"
	Err             string
}

const previewLen = 240

type roleBinding struct {
	role     Role
	primary  llms.Model
	fallback llms.Model
	cfg      config.RoleModel
}

// Router holds one configured model per role.
type Router struct {
	bindings map[Role]roleBinding
	bus      *events.Bus
	encoder  *tiktoken.Tiktoken
}

// NewRouter builds every configured role's primary (and, if named, fallback)
// model. A role whose provider can't be built returns an error immediately
// — callers construct the Router once at startup, matching the fail-fast
// posture of the rest of the ambient stack.
func NewRouter(ctx context.Context, cfg config.Config, bus *events.Bus) (*Router, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("llmrouter: load token encoder: %w", err)
	}

	r := &Router{bindings: map[Role]roleBinding{}, bus: bus, encoder: enc}
	for name, roleCfg := range cfg.Roles {
		model, err := buildModel(ctx, roleCfg.Provider, roleCfg.Model)
		if err != nil {
			return nil, fmt.Errorf("llmrouter: build role %q: %w", name, err)
		}

		var fallback llms.Model
		if roleCfg.FallbackModel != "" {
			fallback, err = buildModel(ctx, roleCfg.Provider, roleCfg.FallbackModel)
			if err != nil {
				return nil, fmt.Errorf("llmrouter: build role %q fallback: %w", name, err)
			}
		}

		r.bindings[Role(name)] = roleBinding{role: Role(name), primary: model, fallback: fallback, cfg: roleCfg}
	}
	return r, nil
}

func buildModel(ctx context.Context, provider, model string) (llms.Model, error) {
	switch strings.ToLower(provider) {
	case "anthropic":
		return newAnthropicModel(model), nil
	case "bedrock":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("llmrouter: load aws config: %w", err)
		}
		return bedrock.New(bedrock.WithModel(model), bedrock.WithClient(bedrockruntime.NewFromConfig(awsCfg)))
	case "vertex", "vertexai":
		return vertex.New(ctx, googleai.WithDefaultModel(model))
	default:
		return nil, fmt.Errorf("llmrouter: unsupported provider %q", provider)
	}
}

// Call renders the packet into a prompt, invokes the role's primary model
// under the role's token budget, and validates the JSON response against
// schema. On schema validation failure it retries once without enforcing
// the schema; on persistent failure it returns ErrSchemaAbandoned. Every
// call publishes one Trace to the event bus.
func (r *Router) Call(ctx context.Context, role Role, packet retrieval.Packet, schema *openapi3.Schema) (domain.Candidate, Trace, error) {
	binding, ok := r.bindings[role]
	if !ok {
		return domain.Candidate{}, Trace{}, fmt.Errorf("llmrouter: role %q is not configured", role)
	}

	prompt := renderPrompt(packet)
	raw, usage, err := r.invoke(ctx, binding.primary, prompt, binding.cfg.TokenBudget)
	if err != nil && binding.fallback != nil {
		raw, usage, err = r.invoke(ctx, binding.fallback, prompt, binding.cfg.TokenBudget)
	}
	if err != nil {
		trace := r.newTrace(role, binding, prompt, "", usage, "error", err)
		r.publish(trace)
		return domain.Candidate{}, trace, err
	}

	decoded, verr := validateSchema(raw, schema)
	if verr == nil {
		trace := r.newTrace(role, binding, prompt, raw, usage, "ok", nil)
		r.publish(trace)
		return toCandidate(packet, decoded), trace, nil
	}

	// Single degrade-without-schema retry (go-retry, one extra attempt).
	backoff, _ := retry.NewConstant(200 * time.Millisecond)
	backoff = retry.WithMaxRetries(0, backoff)

	var retryDecoded map[string]any
	rerr := retry.Do(ctx, backoff, func(ctx context.Context) error {
		rawRetry, _, ierr := r.invoke(ctx, binding.primary, prompt+"\n\nRespond as plain JSON, no prose.", binding.cfg.TokenBudget)
		if ierr != nil {
			return retry.RetryableError(ierr)
		}
		var m map[string]any
		if jerr := json.Unmarshal([]byte(rawRetry), &m); jerr != nil {
			return retry.RetryableError(jerr)
		}
		retryDecoded = m
		raw = rawRetry
		return nil
	})

	if rerr != nil {
		trace := r.newTrace(role, binding, prompt, raw, usage, "abandoned", ErrSchemaAbandoned)
		r.publish(trace)
		return domain.Candidate{}, trace, ErrSchemaAbandoned
	}

	trace := r.newTrace(role, binding, prompt, raw, usage, "schema_retry", nil)
	r.publish(trace)
	return toCandidate(packet, retryDecoded), trace, nil
}

func (r *Router) invoke(ctx context.Context, model llms.Model, prompt string, tokenBudget int) (string, TokenUsage, error) {
	if model == nil {
		return "", TokenUsage{}, fmt.Errorf("llmrouter: model not configured")
	}
	promptTokens := len(r.encoder.Encode(prompt, nil, nil))

	opts := []llms.CallOption{llms.WithJSONMode()}
	if tokenBudget > 0 {
		opts = append(opts, llms.WithMaxTokens(tokenBudget))
	}

	resp, err := llms.GenerateFromSinglePrompt(ctx, model, prompt, opts...)
	if err != nil {
		return "", TokenUsage{}, err
	}

	usage := TokenUsage{
		PromptTokens:     promptTokens,
		CompletionTokens: len(r.encoder.Encode(resp, nil, nil)),
	}
	return resp, usage, nil
}

func (r *Router) newTrace(role Role, binding roleBinding, prompt, response string, usage TokenUsage, status string, err error) Trace {
	t := Trace{
		Role:            role,
		Model:           binding.cfg.Model,
		PromptPreview:   preview(prompt),
		ResponsePreview: preview(response),
		Usage:           usage,
		Status:          status,
	}
	if err != nil {
		t.Err = err.Error()
	}
	return t
}

func (r *Router) publish(t Trace) {
	if r.bus == nil {
		return
	}
	kind := events.KindLLMFinished
	if t.Status == "error" || t.Status == "abandoned" {
		kind = events.KindLLMFailed
	}
	r.bus.Publish(events.StageLLM, kind, string(t.Role), map[string]any{
		"model": t.Model, "status": t.Status,
		"prompt_tokens": t.Usage.PromptTokens, "completion_tokens": t.Usage.CompletionTokens,
		"error": t.Err,
	})
}

func preview(s string) string {
	if len(s) <= previewLen {
		return s
	}
	return s[:previewLen]
}

func validateSchema(raw string, schema *openapi3.Schema) (map[string]any, error) {
	var decoded map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("llmrouter: response is not valid JSON: %w", err)
	}
	if schema == nil {
		return decoded, nil
	}
	if err := schema.VisitJSON(decoded); err != nil {
		return nil, fmt.Errorf("llmrouter: response failed schema validation: %w", err)
	}
	return decoded, nil
}

// toCandidate maps the decoded response's conventional "value"/"unit"/
// "confidence" keys onto a domain.Candidate for the packet's field. Roles
// answering with additional keys (e.g. write's prose) are still decoded;
// callers that need the full payload should inspect Trace.ResponsePreview
// or call Router.Call with a schema that captures what they need.
func toCandidate(packet retrieval.Packet, decoded map[string]any) domain.Candidate {
	c := domain.Candidate{FieldKey: packet.Contract.FieldKey}
	if v, ok := decoded["value"].(string); ok {
		c.Value = v
	}
	if u, ok := decoded["unit"].(string); ok {
		c.Unit = u
	}
	if sc, ok := decoded["confidence"].(float64); ok {
		c.Score = sc
	}
	return c
}

func renderPrompt(packet retrieval.Packet) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Field: %s (required_level=%s)\n", packet.Contract.FieldKey, packet.Contract.RequiredLevel)
	b.WriteString("Prime sources:\n")
	for _, p := range packet.PrimeSources {
		fmt.Fprintf(&b, "- [tier %d, %s] %q\n", p.Ref.Tier, p.RootDomain, p.Ref.Quote)
	}
	if len(packet.SupportRows) > 0 {
		b.WriteString("Contradictory support rows:\n")
		for _, s := range packet.SupportRows {
			fmt.Fprintf(&b, "- [tier %d, %s] %q\n", s.Ref.Tier, s.RootDomain, s.Ref.Quote)
		}
	}
	b.WriteString("\nRespond as JSON: {\"value\": \"...\", \"unit\": \"...\", \"confidence\": 0.0}")
	return b.String()
}
