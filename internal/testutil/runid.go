package testutil

// FixedRunIDGenerator generates the same run id every time.
//
// This enables deterministic test execution and golden snapshot comparison.
//
// Thread-safety: FixedRunIDGenerator is stateless and safe for concurrent use.
type FixedRunIDGenerator struct {
	id string
}

// NewFixedRunIDGenerator creates a new fixed run id generator.
// If id is empty, Generate() returns "test-run-default".
func NewFixedRunIDGenerator(id string) *FixedRunIDGenerator {
	if id == "" {
		id = "test-run-default"
	}
	return &FixedRunIDGenerator{id: id}
}

// Generate returns the fixed run id.
//
// Implements loop.RunIDGenerator interface.
func (g *FixedRunIDGenerator) Generate() string {
	return g.id
}
