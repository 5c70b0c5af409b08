// Package models defines the signal record that flows through the validation
// hierarchy and the naming conventions for streams and time-series keys.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Metadata keys stamped by each tier. A tier only ever adds keys; values
// written by an earlier tier are immutable from then on, so the final-stream
// record carries the full provenance of every stage that touched it.
const (
	// tier 4 (scanners)
	MetaScanType       = "scan_type" // "light" or "deep"
	MetaScoreBreakdown = "score_breakdown"
	MetaPrice          = "price"
	MetaVolume         = "volume"
	MetaChangePct      = "change_pct"
	MetaTrend          = "trend"
	MetaSentiment      = "sentiment"
	MetaFlowRatio      = "flow_ratio"

	// tier 3 (supervisors)
	MetaSupervisorID       = "supervisor_id"
	MetaReliabilityScore   = "reliability_score"
	MetaPeerConsensus      = "peer_consensus"
	MetaCombinedConfidence = "combined_confidence"

	// tier 2 (validators)
	MetaValidatorID       = "validator_id"
	MetaSector            = "sector"
	MetaSectorRiskScore   = "sector_risk_score"
	MetaSectorExposurePct = "sector_exposure_pct"

	// tier 1 (final authority)
	MetaFinalConfidence = "final_confidence"
	MetaReasoning       = "reasoning"
	MetaDecisionPolicy  = "decision_policy"
	MetaPositionSize    = "position_size"
	MetaMaxLoss         = "max_loss"
)

// Signal is an open, forward-extensible record identified by an instrument
// symbol and the worker that first emitted it. The fixed core is set at
// tier 4; every later tier annotates through Meta only.
type Signal struct {
	Symbol    string         `json:"symbol"`
	AgentID   string         `json:"agent_id"`
	Score     float64        `json:"score"`
	Timestamp time.Time      `json:"timestamp"`
	Meta      map[string]any `json:"meta,omitempty"`

	// ID is the stream entry id assigned on publish; informational only
	// and not part of the wire payload.
	ID string `json:"-"`
}

// NewSignal creates a tier-4 signal with the fixed core populated.
func NewSignal(symbol, agentID string, score float64) *Signal {
	return &Signal{
		Symbol:    symbol,
		AgentID:   agentID,
		Score:     score,
		Timestamp: time.Now().UTC(),
		Meta:      make(map[string]any),
	}
}

// SetMeta adds a metadata field. Overwriting an existing key violates the
// additive invariant and is rejected.
func (s *Signal) SetMeta(key string, value any) error {
	if s.Meta == nil {
		s.Meta = make(map[string]any)
	}
	if _, exists := s.Meta[key]; exists {
		return fmt.Errorf("meta key %q already set", key)
	}
	s.Meta[key] = value
	return nil
}

// MetaFloat reads a numeric metadata field. JSON round-trips turn numbers
// into float64; json.Number and integer writes are handled for callers that
// set values in process.
func (s *Signal) MetaFloat(key string) (float64, bool) {
	v, ok := s.Meta[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// MetaString reads a string metadata field.
func (s *Signal) MetaString(key string) (string, bool) {
	v, ok := s.Meta[key]
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

// Clone returns a copy with its own Meta map so concurrent consumers never
// share mutable state.
func (s *Signal) Clone() *Signal {
	out := *s
	out.Meta = make(map[string]any, len(s.Meta))
	for k, v := range s.Meta {
		out.Meta[k] = v
	}
	return &out
}

// Encode marshals the signal into the stream entry field map. The whole
// record rides in a single "data" field so that consumers decode exactly
// what the producer wrote, unknown keys included.
func (s *Signal) Encode() (map[string]any, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal signal: %w", err)
	}
	return map[string]any{
		"symbol": s.Symbol,
		"data":   string(raw),
	}, nil
}

// DecodeSignal reverses Encode. The id is the stream entry id the record
// arrived under.
func DecodeSignal(id string, values map[string]any) (*Signal, error) {
	raw, ok := values["data"]
	if !ok {
		return nil, fmt.Errorf("stream entry %s: missing data field", id)
	}
	data, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("stream entry %s: data field is %T, want string", id, raw)
	}
	var sig Signal
	if err := json.Unmarshal([]byte(data), &sig); err != nil {
		return nil, fmt.Errorf("unmarshal signal %s: %w", id, err)
	}
	if sig.Meta == nil {
		sig.Meta = make(map[string]any)
	}
	sig.ID = id
	return &sig, nil
}
