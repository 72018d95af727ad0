// Package routestate is the single thread-safe source of truth for
// per-backend runtime health and adaptive confidence state. It is
// modeled as a sharded concurrent map, one cell per backend key, so that
// selector reads never contend with each other and writes only ever
// take a lock on the affected key.
package routestate

import "time"

// ErrorKind classifies a failure for retry policy, confidence penalties,
// and HTTP egress mapping (see pkg/apierr).
type ErrorKind string

const (
	ErrNetwork     ErrorKind = "Network"
	ErrTimeout     ErrorKind = "Timeout"
	ErrAuth        ErrorKind = "Auth"
	ErrRateLimit   ErrorKind = "RateLimit"
	ErrServerError ErrorKind = "ServerError"
	ErrModelError  ErrorKind = "ModelError"
	ErrBadRequest  ErrorKind = "BadRequest"
)

// ProbeMethod is the causal method recorded against an UnhealthyEntry so
// recovery probes stay consistent with whatever detected the failure.
type ProbeMethod string

const (
	MethodModelList ProbeMethod = "ModelList"
	MethodChat      ProbeMethod = "Chat"
	MethodNetwork   ProbeMethod = "Network"
)

// RecoveryStage is the per-request passive-recovery weight stage.
type RecoveryStage string

const (
	StageFull RecoveryStage = "Full"
	Stage100  RecoveryStage = "S100"
	Stage50   RecoveryStage = "S50"
	Stage30   RecoveryStage = "S30"
	Stage10   RecoveryStage = "S10"
)

// BackendHealth is a point-in-time copy of one backend's counters. It is
// returned by value from GetSnapshot so callers can't mutate store state
// by accident.
type BackendHealth struct {
	Healthy               bool
	ConsecutiveFailures   uint32
	ConsecutiveSuccesses  uint32
	TotalRequests         uint64
	SuccessfulRequests    uint64
	FailedRequests        uint64
	LatencyEMAms          float64
	ErrorCounts           map[ErrorKind]uint32
	LastRequestAt         time.Time
	LastSuccessAt         time.Time
	LastFailureAt         time.Time
	ConnectivityOK        bool
	LastConnectivityCheck time.Time
}

// UnhealthyEntry is present only for backends currently excluded from
// healthy-only selection.
type UnhealthyEntry struct {
	FirstFailureAt     time.Time
	LastFailureAt      time.Time
	FailureCount       uint32
	LastRecoveryAt     time.Time
	RecoveryAttempts   uint32
	FailureCheckMethod ProbeMethod
}

// SmartAiState is the SmartAI confidence/stage state for one backend.
type SmartAiState struct {
	Confidence              float64
	WeightRecoveryStage     RecoveryStage
	RecentSuccessesInStage  uint32
	LastConfidenceUpdateAt  time.Time
}
