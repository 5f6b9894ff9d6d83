package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spec-harvester/harvester/pkg/shared/httpclient"
)

// HTTPProvider is the concrete Provider over a JSON search API: a GET
// endpoint taking a query string and a result count, answering
// {"results":[{"url","title","snippet"}]}. Which backend it points at is
// purely configuration — the SERP triage downstream never sees the
// provider, only Results.
type HTTPProvider struct {
	name     string
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPProvider builds a provider against endpoint, authenticated with
// apiKey as a bearer token when non-empty.
func NewHTTPProvider(name, endpoint, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		name: name, endpoint: endpoint, apiKey: apiKey,
		client: httpclient.NewDefaultClient(),
	}
}

// Name implements Provider.
func (p *HTTPProvider) Name() string { return p.name }

type searchAPIResponse struct {
	Results []struct {
		URL     string `json:"url"`
		Title   string `json:"title"`
		Snippet string `json:"snippet"`
	} `json:"results"`
}

// Search implements Provider.
func (p *HTTPProvider) Search(ctx context.Context, q Query, limit int) ([]Result, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return nil, fmt.Errorf("discovery: provider %s: bad endpoint: %w", p.name, err)
	}
	params := u.Query()
	params.Set("q", q.Text)
	if limit > 0 {
		params.Set("count", strconv.Itoa(limit))
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: provider %s: build request: %w", p.name, err)
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discovery: provider %s: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery: provider %s: status %d", p.name, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("discovery: provider %s: read body: %w", p.name, err)
	}
	var decoded searchAPIResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("discovery: provider %s: decode: %w", p.name, err)
	}

	out := make([]Result, 0, len(decoded.Results))
	for _, r := range decoded.Results {
		if r.URL == "" {
			continue
		}
		out = append(out, Result{Provider: p.name, URL: r.URL, Title: r.Title, Snippet: r.Snippet})
	}
	return out, nil
}
