package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quantfleet/cascade/pkg/models"
)

// Completer abstracts the model transport so the policy has no compile-time
// dependency on any provider.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

const systemPrompt = `You are the final risk authority on an equity trading desk. ` +
	`Given a candidate trade signal and portfolio context, answer with strict JSON: ` +
	`{"approved": <bool>, "confidence": <number 0-100>, "reasoning": <string>}. No other text.`

// HTTPCompleter calls an OpenAI-style chat-completions endpoint.
type HTTPCompleter struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// NewHTTPCompleter builds a completer for the given endpoint. The timeout
// bounds the whole call; the policy's failover handles expiry.
func NewHTTPCompleter(endpoint, apiKey, model string, timeout time.Duration) *HTTPCompleter {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &HTTPCompleter{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{Timeout: timeout},
	}
}

func (c *HTTPCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	payload := map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": prompt},
		},
		"temperature": 0.1,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("completion call: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode completion response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("completion response has no choices")
	}
	return out.Choices[0].Message.Content, nil
}

// LLM asks a Completer for the verdict and falls back to the wrapped policy
// on any transport, timeout or parse failure. Errors never reach the
// authority loop.
type LLM struct {
	completer Completer
	fallback  Policy
	log       *zap.Logger
}

// NewLLM wraps completer with fallback as the failover policy.
func NewLLM(completer Completer, fallback Policy, log *zap.Logger) *LLM {
	return &LLM{completer: completer, fallback: fallback, log: log}
}

func (p *LLM) Decide(ctx context.Context, sig *models.Signal, dc DecisionContext) (Decision, error) {
	raw, err := p.completer.Complete(ctx, buildPrompt(sig, dc))
	if err != nil {
		p.log.Warn("llm policy failed, using deterministic fallback",
			zap.String("symbol", sig.Symbol),
			zap.Error(err))
		return p.fallback.Decide(ctx, sig, dc)
	}

	var verdict struct {
		Approved   bool    `json:"approved"`
		Confidence float64 `json:"confidence"`
		Reasoning  string  `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &verdict); err != nil {
		p.log.Warn("llm verdict unparseable, using deterministic fallback",
			zap.String("symbol", sig.Symbol),
			zap.Error(err))
		return p.fallback.Decide(ctx, sig, dc)
	}
	if verdict.Confidence < 0 || verdict.Confidence > 100 {
		p.log.Warn("llm verdict out of range, using deterministic fallback",
			zap.String("symbol", sig.Symbol),
			zap.Float64("confidence", verdict.Confidence))
		return p.fallback.Decide(ctx, sig, dc)
	}

	return Decision{
		Approved:   verdict.Approved,
		Confidence: verdict.Confidence,
		Reasoning:  verdict.Reasoning,
		Policy:     "llm",
	}, nil
}

func buildPrompt(sig *models.Signal, dc DecisionContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Candidate signal: symbol %s, composite score %.1f/100, emitted by %s at %s.\n",
		sig.Symbol, sig.Score, sig.AgentID, sig.Timestamp.Format(time.RFC3339))
	if sector, ok := sig.MetaString(models.MetaSector); ok {
		fmt.Fprintf(&b, "Sector: %s.\n", sector)
	}
	fmt.Fprintf(&b, "Portfolio: %.1f%% sector exposure, %d open sector positions, portfolio risk %.2f, market regime %s.\n",
		dc.SectorExposure*100, dc.SectorPositions, dc.PortfolioRisk, dc.Regime)
	if len(dc.RecentNews) > 0 {
		b.WriteString("Recent headlines:\n")
		for _, h := range dc.RecentNews {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}
	b.WriteString("Approve or reject this trade.")
	return b.String()
}

// extractJSON trims whatever the model wrapped around the verdict object,
// code fences included.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
