// Package modelrouter is the Model Router: it picks which model tier (and
// which vendor backs that tier) should service one extraction call, tracks
// per-tier health with circuit breakers, and estimates call cost.
package modelrouter

// Tier names a cost/capability band. Exactly three tiers are supported:
// the cheapest and fastest, a balanced middle, and the most capable.
type Tier string

const (
	TierLowest  Tier = "lowest"
	TierMid     Tier = "mid"
	TierHighest Tier = "highest"
)

// OutputFormat constrains how a tier's response must be shaped.
type OutputFormat string

const (
	OutputFormatText   OutputFormat = "text"
	OutputFormatJSON   OutputFormat = "json_object"
	OutputFormatSchema OutputFormat = "json_schema"
)

// TierRequest is what a caller (the orchestration loop, the synthesizer,
// the agent pool) supplies when asking the router to pick a tier.
type TierRequest struct {
	Complexity        float64
	Budget            float64
	AccuracyTarget    float64
	ReasoningRequired bool
	OutputFormat      OutputFormat
	// Advisory is an optional complexity-adjustment signal a caller may
	// supply from a past-run lookup. The router is free to ignore it; it
	// never affects correctness, only tie-breaking within a band.
	Advisory *float64
}

// TierConfig is the resolved, ready-to-call configuration for one tier.
// Callers never construct this directly — only SelectTier and BoundTier do — so an
// illegal per-tier parameter combination can never reach a provider call.
type TierConfig struct {
	Tier            Tier
	ProviderName    string
	Model           string
	MaxOutputTokens int
	Temperature     float32
	ResponseFormat  OutputFormat
}

// Request is a provider-agnostic content generation request.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	Tier         TierConfig
	OutputSchema map[string]interface{}
}

// Response is a provider-agnostic content generation response.
type Response struct {
	Text         string
	Tier         Tier
	ProviderName string
	Model        string
	InputTokens  int
	OutputTokens int
}
