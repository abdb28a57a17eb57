package generate

import "context"

// Message is one history entry handed to the text generator.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request carries the ordered conversation history plus the resolved
// side facts (verified provider, outstanding requirements) the engine
// wants the generator to take as ground truth.
type Request struct {
	History   []Message         `json:"history"`
	SideFacts map[string]string `json:"side_facts,omitempty"`
}

// Reply is the generator's raw output. Any state marker is embedded in
// Text and extracted downstream; the engine never trusts it directly.
type Reply struct {
	Text string `json:"text"`
}

// Generator proposes the next free-text reply. Implementations may time
// out; the engine maps a timeout to a deterministic fallback transition.
type Generator interface {
	Generate(ctx context.Context, req Request) (Reply, error)
}
