package models

import "fmt"

// Stream naming convention shared by the pipeline, the bridge and the
// control plane. Validated and approved streams are per-worker; universe
// and final are shared.
const (
	StreamUniverse = "signals:universe"
	StreamFinal    = "signals:final"

	StreamPrefixSignals = "signals:"
	StreamPrefixNews    = "news:"
)

// Consumer-group names. One group per tier: within a group each entry goes
// to exactly one consumer.
const (
	GroupSupervisors = "supervisors"
	GroupValidators  = "validators"
	GroupAuthority   = "authority"
	GroupBridge      = "websocket_bridge"
	GroupEgress      = "egress"
)

// ValidatedStream names the per-supervisor output stream.
func ValidatedStream(supervisorID string) string {
	return "signals:validated:" + supervisorID
}

// ApprovedStream names the per-validator output stream.
func ApprovedStream(validatorID string) string {
	return "signals:approved:" + validatorID
}

// AgentPerformanceKey names the time series of validation outcomes (1 pass,
// 0 reject) that supervisors write for each originating agent. The
// reliability gate reads it back as win-rate.
func AgentPerformanceKey(agentID string) string {
	return "signals:performance:" + agentID
}

// TierPerformanceKey names the per-worker emitted-score series, e.g.
// "scanners:performance:scanner_007".
func TierPerformanceKey(tier, workerID string) string {
	return fmt.Sprintf("%s:performance:%s", tier, workerID)
}
