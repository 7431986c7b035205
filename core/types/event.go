package types

// Event represents a typed event emitted during state transitions. Events are
// observational only and never consumed by the engine itself.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
