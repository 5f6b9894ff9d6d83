package fetch

import (
	"net/http"
	"strings"
)

// Outcome is the closed enum from spec.md §4.3: one constructor path per
// classification rule (status code ranges, robots.txt deny, content
// sniffing).
type Outcome string

const (
	OutcomeOK            Outcome = "ok"
	OutcomeNotFound      Outcome = "not_found"
	OutcomeBlocked       Outcome = "blocked"
	OutcomeRateLimited   Outcome = "rate_limited"
	OutcomeLoginWall     Outcome = "login_wall"
	OutcomeBotChallenge  Outcome = "bot_challenge"
	OutcomeBadContent    Outcome = "bad_content"
	OutcomeNetworkError  Outcome = "network_error"
	OutcomeInterrupted   Outcome = "interrupted"
)

// Response is the subset of an HTTP response Classify needs, kept
// provider-agnostic so both the static client and the headless fetcher
// can produce one.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
	RobotsDeny  bool
}

var botChallengeMarkers = []string{"cf-chl", "challenge-platform", "captcha", "attention required"}
var loginWallMarkers = []string{"sign in to continue", "please log in", "/login?redirect"}

// Classify maps a fetch attempt into one Outcome. err, when non-nil, takes
// precedence (network-level failure); otherwise resp drives the
// classification.
func Classify(resp *Response, err error) Outcome {
	if err != nil {
		return OutcomeNetworkError
	}
	if resp == nil {
		return OutcomeNetworkError
	}
	if resp.RobotsDeny {
		return OutcomeBlocked
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return OutcomeRateLimited
	case resp.StatusCode == http.StatusForbidden:
		return OutcomeBlocked
	case resp.StatusCode == http.StatusUnauthorized:
		return OutcomeLoginWall
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return OutcomeNotFound
	case resp.StatusCode >= 500:
		return OutcomeNetworkError
	}

	lowerBody := strings.ToLower(string(resp.Body))
	for _, m := range botChallengeMarkers {
		if strings.Contains(lowerBody, m) {
			return OutcomeBotChallenge
		}
	}
	for _, m := range loginWallMarkers {
		if strings.Contains(lowerBody, m) {
			return OutcomeLoginWall
		}
	}

	if resp.ContentType != "" && !strings.Contains(resp.ContentType, "html") &&
		!strings.Contains(resp.ContentType, "json") && !strings.Contains(resp.ContentType, "pdf") {
		return OutcomeBadContent
	}
	if len(resp.Body) == 0 {
		return OutcomeBadContent
	}
	return OutcomeOK
}

// Retryable reports whether the fetch retry budget (spec.md §7 Transient
// class) applies to this outcome.
func (o Outcome) Retryable() bool {
	switch o {
	case OutcomeNetworkError:
		return true
	default:
		return false
	}
}

// RequiresHeadlessEscalation reports whether FallbackPolicy should retry
// this attempt through the headless browser (spec.md §4.3).
func RequiresHeadlessEscalation(o Outcome, jsRequired bool) bool {
	return o == OutcomeBlocked || o == OutcomeBotChallenge || o == OutcomeBadContent || jsRequired
}
