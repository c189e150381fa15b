// Package task types - request, contract and response shapes for the bridge.
//
// DESIGN: Types shared by every pipeline stage:
//   - Request:   what callers submit (immutable once admitted)
//   - Plan:      derived routing decision, consumed exactly once by execution
//   - Contract:  normalized, downstream-agnostic payload sent to any target
//   - Response:  what callers receive; usage and cost are always present
//
// Defined here ONCE so policy, registry, pipeline and bridge share them without
// circular imports.
package task

import "time"

// =============================================================================
// ENUMS
// =============================================================================

// GovernanceMode is the operational policy flag.
type GovernanceMode string

const (
	GovernanceDemo    GovernanceMode = "DEMO"
	GovernanceLive    GovernanceMode = "LIVE"
	GovernanceStandby GovernanceMode = "STANDBY"
)

// Valid reports whether m is a known mode. Empty is valid (defaults to DEMO).
func (m GovernanceMode) Valid() bool {
	switch m {
	case "", GovernanceDemo, GovernanceLive, GovernanceStandby:
		return true
	}
	return false
}

// Tier is a cost/quality class of model.
type Tier string

const (
	TierEconomy  Tier = "ECONOMY"
	TierStandard Tier = "STANDARD"
	TierPremium  Tier = "PREMIUM"
)

// Tiers lists tiers from cheapest to most capable.
var Tiers = []Tier{TierEconomy, TierStandard, TierPremium}

// Rank returns the tier's position in Tiers, or -1.
func (t Tier) Rank() int {
	for i, tier := range Tiers {
		if tier == t {
			return i
		}
	}
	return -1
}

// Valid reports whether t is a known tier. Empty is valid (defaults to STANDARD).
func (t Tier) Valid() bool { return t == "" || t.Rank() >= 0 }

// Locality is where inference may run.
type Locality string

const (
	LocalityLocalOnly    Locality = "LOCAL_ONLY"
	LocalityPreferLocal  Locality = "PREFER_LOCAL"
	LocalityExternalOnly Locality = "EXTERNAL_ONLY"
)

// Valid reports whether l is a known locality. Empty is valid (no explicit request).
func (l Locality) Valid() bool {
	switch l {
	case "", LocalityLocalOnly, LocalityPreferLocal, LocalityExternalOnly:
		return true
	}
	return false
}

// Strategy is how a request is dispatched.
type Strategy string

const (
	StrategyAgent  Strategy = "agent"
	StrategyDirect Strategy = "direct"
)

// Routing methods reported in response metadata.
const (
	RoutingAgent    = "agent"
	RoutingDirect   = "direct"
	RoutingFallback = "fallback"
	RoutingBatch    = "batch"
)

// =============================================================================
// REQUEST
// =============================================================================

// Options carries routing and generation parameters.
type Options struct {
	TaskType             string         `json:"taskType,omitempty"`
	StageID              string         `json:"stageId,omitempty"`
	RequestedTier        Tier           `json:"requestedTier,omitempty"`
	RequestedLocality    Locality       `json:"requestedLocality,omitempty"`
	GovernanceMode       GovernanceMode `json:"governanceMode,omitempty"`
	RequirePhiCompliance bool           `json:"requirePhiCompliance,omitempty"`
	MaxTokens            int            `json:"maxTokens,omitempty"`
	Temperature          *float64       `json:"temperature,omitempty"`
	// Sequential declares ordering dependencies between batch items.
	Sequential bool `json:"sequential,omitempty"`
}

// Metadata carries caller-side correlation fields.
type Metadata struct {
	AgentID      string `json:"agentId,omitempty"`
	ProjectID    string `json:"projectId,omitempty"`
	RunID        string `json:"runId,omitempty"`
	ThreadID     string `json:"threadId,omitempty"`
	StageRange   string `json:"stageRange,omitempty"`
	CurrentStage string `json:"currentStage,omitempty"`
}

// Request is a Task Request as submitted to invoke and stream.
type Request struct {
	Prompt   string   `json:"prompt"`
	Options  Options  `json:"options"`
	Metadata Metadata `json:"metadata"`
}

// BatchRequest is submitted to batch.
type BatchRequest struct {
	Prompts  []string `json:"prompts"`
	Options  Options  `json:"options"`
	Metadata Metadata `json:"metadata"`
}

// Item returns the single-prompt request for batch item i.
func (b *BatchRequest) Item(i int) Request {
	return Request{Prompt: b.Prompts[i], Options: b.Options, Metadata: b.Metadata}
}

// Identity is the caller resolved by the identity middleware.
type Identity struct {
	CallerID string `json:"callerId"`
	Role     string `json:"role,omitempty"`
}

// =============================================================================
// CONTRACT
// =============================================================================

// ContractConfig is the generation config of a Task Contract.
type ContractConfig struct {
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"maxTokens"`
	Stream      bool     `json:"stream"`
}

// ContractMetadata is the request metadata forwarded downstream.
type ContractMetadata struct {
	Metadata
	RequestID string `json:"requestId"`
	StageID   string `json:"stageId,omitempty"`
	CallerID  string `json:"callerId,omitempty"`
	Tier      Tier   `json:"tier"`
}

// Contract is the normalized payload sent to any specialist endpoint or model.
type Contract struct {
	TaskID          string           `json:"taskId"`
	TaskType        string           `json:"taskType"`
	Input           string           `json:"input"`
	Config          ContractConfig   `json:"config"`
	RequestMetadata ContractMetadata `json:"requestMetadata"`
}

// =============================================================================
// PLAN
// =============================================================================

// Target is one concrete downstream candidate.
type Target struct {
	Endpoint string   `json:"endpoint"`
	URL      string   `json:"url"`
	Kind     string   `json:"kind"`
	Locality string   `json:"locality"`
	Model    string   `json:"model"`
	Strategy Strategy `json:"strategy"`
}

// Plan is the Dispatch Plan derived once per request.
type Plan struct {
	Strategy          Strategy
	Primary           Target
	Fallbacks         []Target
	ResolvedTier      Tier
	RequestedTier     Tier
	InferenceLocality Locality
	TierDowngraded    bool
	TierUpgraded      bool
	TierReason        string
	Contract          Contract
}

// =============================================================================
// RESPONSE
// =============================================================================

// Usage is token usage; zero-filled when unknown.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Cost is dollar cost; zero-filled when unknown.
type Cost struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
	Total  float64 `json:"total"`
}

// ResponseMetadata describes how a response was produced.
type ResponseMetadata struct {
	RequestID         string   `json:"requestId"`
	CorrelationID     string   `json:"correlationId,omitempty"`
	RoutingMethod     string   `json:"routingMethod"`
	BridgeVersion     string   `json:"bridgeVersion"`
	Target            string   `json:"target,omitempty"`
	InferenceLocality Locality `json:"inferenceLocality,omitempty"`
	RequestedTier     Tier     `json:"requestedTier,omitempty"`
	TierDowngraded    bool     `json:"tierDowngraded"`
	TierUpgraded      bool     `json:"tierUpgraded,omitempty"`
	TierReason        string   `json:"tierReason,omitempty"`
	Attempts          int      `json:"attempts,omitempty"`
}

// Response is the Bridge Response.
type Response struct {
	Content      string           `json:"content"`
	Usage        Usage            `json:"usage"`
	Cost         Cost             `json:"cost"`
	Model        string           `json:"model"`
	Tier         Tier             `json:"tier"`
	FinishReason string           `json:"finishReason"`
	Metadata     ResponseMetadata `json:"metadata"`
}

// ItemError is the per-item error of a batch.
type ItemError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BatchItemResult is one entry of a batch response, correlated by Index.
type BatchItemResult struct {
	Index     int        `json:"index"`
	Content   string     `json:"content,omitempty"`
	Error     *ItemError `json:"error,omitempty"`
	Usage     Usage      `json:"usage"`
	Cost      Cost       `json:"cost"`
	Model     string     `json:"model,omitempty"`
	Tier      Tier       `json:"tier,omitempty"`
	LatencyMs int64      `json:"latencyMs"`

	// Completed is false when the item never ran (batch cancelled first).
	Completed bool `json:"-"`
}

// GroupSummary describes one execution group of a batch.
type GroupSummary struct {
	Strategy string `json:"processingStrategy"`
	Size     int    `json:"size"`
}

// BatchResponse aggregates per-item results.
type BatchResponse struct {
	Responses      []BatchItemResult `json:"responses"`
	SuccessCount   int               `json:"successCount"`
	ErrorCount     int               `json:"errorCount"`
	TotalCost      float64           `json:"totalCost"`
	AverageLatency float64           `json:"averageLatency"`
	Groups         []GroupSummary    `json:"groups"`
	Metadata       ResponseMetadata  `json:"metadata"`
}

// =============================================================================
// COMPLETION - normalized downstream result
// =============================================================================

// Completion is a downstream result after adapter normalization.
type Completion struct {
	Content      string
	Usage        Usage
	Cost         *Cost // reported by the target, if any
	Model        string
	FinishReason string
	Latency      time.Duration
}
