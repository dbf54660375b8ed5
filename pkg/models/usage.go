package models

// Usage accumulates token and price counters for a run. Persisted on the
// message record at stream end; callers use EmptyUsage rather than nil when
// the graph runtime produced no accumulator.
type Usage struct {
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	TotalPrice       float64 `json:"total_price"`
	Currency         string  `json:"currency"`
	Latency          float64 `json:"latency"`
}

// EmptyUsage is the explicit zero-usage sentinel.
func EmptyUsage() *Usage {
	return &Usage{Currency: "USD"}
}

// Add folds another usage sample into the accumulator.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}

	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.TotalPrice += other.TotalPrice
	u.Latency += other.Latency

	if u.Currency == "" {
		u.Currency = other.Currency
	}
}
