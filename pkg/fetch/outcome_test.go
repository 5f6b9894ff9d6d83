package fetch_test

import (
	"errors"
	"testing"

	"github.com/spec-harvester/harvester/pkg/fetch"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		resp *fetch.Response
		err  error
		want fetch.Outcome
	}{
		{"network error", nil, errors.New("dial tcp: timeout"), fetch.OutcomeNetworkError},
		{"not found", &fetch.Response{StatusCode: 404}, nil, fetch.OutcomeNotFound},
		{"gone", &fetch.Response{StatusCode: 410}, nil, fetch.OutcomeNotFound},
		{"forbidden", &fetch.Response{StatusCode: 403}, nil, fetch.OutcomeBlocked},
		{"rate limited", &fetch.Response{StatusCode: 429}, nil, fetch.OutcomeRateLimited},
		{"unauthorized", &fetch.Response{StatusCode: 401}, nil, fetch.OutcomeLoginWall},
		{"robots deny", &fetch.Response{StatusCode: 200, RobotsDeny: true}, nil, fetch.OutcomeBlocked},
		{"server error", &fetch.Response{StatusCode: 503}, nil, fetch.OutcomeNetworkError},
		{"bot challenge body", &fetch.Response{StatusCode: 200, ContentType: "text/html", Body: []byte("Attention Required! cf-chl token")}, nil, fetch.OutcomeBotChallenge},
		{"non-html content type", &fetch.Response{StatusCode: 200, ContentType: "application/octet-stream", Body: []byte("binary")}, nil, fetch.OutcomeBadContent},
		{"empty body", &fetch.Response{StatusCode: 200, ContentType: "text/html", Body: nil}, nil, fetch.OutcomeBadContent},
		{"ok html", &fetch.Response{StatusCode: 200, ContentType: "text/html", Body: []byte("<html>hi</html>")}, nil, fetch.OutcomeOK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := fetch.Classify(tc.resp, tc.err)
			if got != tc.want {
				t.Errorf("Classify() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	if !fetch.OutcomeNetworkError.Retryable() {
		t.Error("network error should be retryable")
	}
	if fetch.OutcomeNotFound.Retryable() {
		t.Error("not_found should not be retryable (structural, §7)")
	}
}

func TestRequiresHeadlessEscalation(t *testing.T) {
	if !fetch.RequiresHeadlessEscalation(fetch.OutcomeBlocked, false) {
		t.Error("blocked should escalate to headless")
	}
	if !fetch.RequiresHeadlessEscalation(fetch.OutcomeOK, true) {
		t.Error("js-required heuristic should escalate even on an ok static fetch")
	}
	if fetch.RequiresHeadlessEscalation(fetch.OutcomeNotFound, false) {
		t.Error("not_found should not escalate")
	}
}
