package external

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPAIClient is a concrete AIClient. It probes each supported model's API
// with a cheap authenticated GET, mirroring ai.py's test_bot_connection_async
// probe loop (try each vendor client in turn, return the first that accepts
// the key) without depending on either vendor's SDK: the real AI-client
// adapter is an external text service reachable only through its own call
// contract, so a bare HTTP probe is the whole of what the orchestration
// plane needs from it.
type HTTPAIClient struct {
	httpClient *http.Client
	probes     []modelProbe
}

type modelProbe struct {
	model      string
	url        string
	authHeader string
}

// NewHTTPAIClient creates an HTTPAIClient. timeout bounds each probe.
func NewHTTPAIClient(timeout time.Duration) *HTTPAIClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPAIClient{
		httpClient: &http.Client{Timeout: timeout},
		probes: []modelProbe{
			{model: "gemini", url: "https://generativelanguage.googleapis.com/v1beta/models", authHeader: "x-goog-api-key"},
			{model: "sonnet", url: "https://api.anthropic.com/v1/models", authHeader: "x-api-key"},
		},
	}
}

// DetectModel tries each known model in turn, mirroring
// detect_ai_model_async's gemini-then-sonnet probe order.
func (c *HTTPAIClient) DetectModel(ctx context.Context, apiKey string) (string, error) {
	for _, p := range c.probes {
		ok, err := c.probe(ctx, p, apiKey)
		if err != nil {
			continue
		}
		if ok {
			return p.model, nil
		}
	}
	return "", nil
}

// TestConnection checks that apiKey is accepted by model.
func (c *HTTPAIClient) TestConnection(ctx context.Context, model, apiKey string) (bool, error) {
	for _, p := range c.probes {
		if p.model == model {
			return c.probe(ctx, p, apiKey)
		}
	}
	return false, fmt.Errorf("unsupported AI model %q", model)
}

func (c *HTTPAIClient) probe(ctx context.Context, p modelProbe, apiKey string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set(p.authHeader, apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}
