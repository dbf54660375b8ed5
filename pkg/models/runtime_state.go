package models

// RuntimeState is the graph runtime's live counter snapshot. The engine
// mutates it while the run progresses; the cycle manager reads it at run
// finish for token/step totals. A run cannot finish without one.
type RuntimeState struct {
	TotalTokens int64  `json:"total_tokens"`
	TotalSteps  int    `json:"total_steps"`
	Usage       *Usage `json:"usage,omitempty"`
}
