package rerank_test

import (
	"context"
	"testing"

	"github.com/spec-harvester/harvester/pkg/discovery"
	"github.com/spec-harvester/harvester/pkg/discovery/rerank"
)

func TestFastRanksByWeightedApplicability(t *testing.T) {
	results := []discovery.Result{
		{URL: "https://strong.example/a", Title: "strong"},
		{URL: "https://weak.example/b", Title: "weak"},
	}
	applicability := map[string]discovery.Applicability{
		"https://strong.example/a": {IdentityMatch: true, DocKindMatch: true, TierScore: 1},
		"https://weak.example/b":   {IdentityMatch: false, DocKindMatch: false, TierScore: 0.1},
	}

	ranked := rerank.Fast(results, applicability)
	if ranked[0].Result.URL != "https://strong.example/a" {
		t.Errorf("expected strong result first, got %+v", ranked)
	}
}

func TestLLMFallsBackToFastRankingOnError(t *testing.T) {
	fast := []rerank.Scored{{Result: discovery.Result{URL: "https://a"}, Score: 0.9}}
	out := rerank.LLM(context.Background(), func(ctx context.Context, prompt string) (string, error) {
		return "", context.DeadlineExceeded
	}, "prompt", fast, nil)
	if len(out) != 1 || out[0].Result.URL != "https://a" {
		t.Errorf("expected fast ranking unchanged on error, got %+v", out)
	}
}

func TestLLMReordersByParsedURLList(t *testing.T) {
	fast := []rerank.Scored{
		{Result: discovery.Result{URL: "https://a"}, Score: 0.9},
		{Result: discovery.Result{URL: "https://b"}, Score: 0.5},
	}
	out := rerank.LLM(context.Background(), func(ctx context.Context, prompt string) (string, error) {
		return "https://b,https://a", nil
	}, "prompt", fast, func(raw string) []string {
		return []string{"https://b", "https://a"}
	})
	if out[0].Result.URL != "https://b" {
		t.Errorf("expected LLM-reordered result first, got %+v", out)
	}
}
