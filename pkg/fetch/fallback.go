package fetch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// FetchPolicy is the explicit per-lane HTTP client configuration from
// spec.md §9's redesign flag (replacing "dynamic HTTP client
// configuration" with an enumerated struct).
type FetchPolicy struct {
	Headless        bool
	RetryBudget     int
	RetryBackoffMS  int
	UserAgent       string
	RespectRobots   bool
}

// DefaultFetchPolicy matches the politeness posture implied by spec.md.
func DefaultFetchPolicy() FetchPolicy {
	return FetchPolicy{
		RetryBudget:    3,
		RetryBackoffMS: 500,
		UserAgent:      "SpecHarvester/1.0 (+evidence-gathering bot)",
		RespectRobots:  true,
	}
}

// FallbackPolicy decides when to escalate a static HTTP fetch to a
// headless browser fetch (spec.md §4.3): on 403 or robots deny, a bot
// challenge, a content-type mismatch or empty body, or a JS-required
// heuristic. Escalation needs a static response, so a transport failure,
// a timeout included, is not escalated.
type FallbackPolicy struct {
	Enabled bool
	Timeout time.Duration
}

// jsRequiredMarkers are substrings seen in the static HTML of
// JS-shell pages (near-empty body with a root mount node and no content).
var jsRequiredMarkers = []string{`id="root"></div>`, `id="app"></div>`, `you need to enable javascript`}

// JSRequired heuristically detects a client-rendered shell from the
// static response body.
func JSRequired(body []byte) bool {
	lower := strings.ToLower(string(body))
	if len(strings.TrimSpace(lower)) < 400 {
		for _, m := range jsRequiredMarkers {
			if strings.Contains(lower, m) {
				return true
			}
		}
	}
	return strings.Contains(lower, "you need to enable javascript")
}

// HeadlessFetcher drives go-rod to render a page and capture its DOM
// after load, used by FallbackPolicy escalation.
type HeadlessFetcher struct {
	timeout time.Duration
}

// NewHeadlessFetcher builds a fetcher bounded by timeout per page.
func NewHeadlessFetcher(timeout time.Duration) *HeadlessFetcher {
	return &HeadlessFetcher{timeout: timeout}
}

// Fetch launches a headless Chromium instance, navigates to rawURL,
// waits for load, and returns the rendered DOM as a Response. The
// browser and its launcher are torn down before returning.
func (h *HeadlessFetcher) Fetch(ctx context.Context, rawURL string) (*Response, error) {
	launchURL, err := launcher.New().Headless(true).Launch()
	if err != nil {
		return nil, fmt.Errorf("fetch: launch headless browser: %w", err)
	}

	browser := rod.New().ControlURL(launchURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("fetch: connect headless browser: %w", err)
	}
	defer browser.MustClose()

	timeout := h.timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	pageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	page, err := browser.Context(pageCtx).Page(proto.TargetCreateTarget{URL: rawURL})
	if err != nil {
		return nil, fmt.Errorf("fetch: open page: %w", err)
	}
	defer page.Close()

	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("fetch: wait load: %w", err)
	}

	html, err := page.HTML()
	if err != nil {
		return nil, fmt.Errorf("fetch: read rendered html: %w", err)
	}
	return &Response{StatusCode: 200, ContentType: "text/html", Body: []byte(html)}, nil
}
