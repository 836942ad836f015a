package snapshot

import (
	"fmt"

	"swarmview/mirror/internal/grid"
)

// AgentRecord is one agent entry of a published snapshot.
type AgentRecord struct {
	ID       int
	Position grid.Position
	Carrying bool
}

// FoodRecord is one food entry. Food has no identity beyond its position.
type FoodRecord struct {
	Position grid.Position
}

// Snapshot is one decoded publication of the remote simulation. It is never
// mutated after Decode returns.
type Snapshot struct {
	Agents []AgentRecord
	Food   []FoodRecord
	// Deposit is nil when the snapshot carries no (valid) deposit cell.
	Deposit *grid.Position

	// AgentsPresent and FoodPresent are false when the section was missing or
	// ill-shaped. A present but empty section is a valid, empty set.
	AgentsPresent bool
	FoodPresent   bool

	Diagnostics []Diagnostic
}

// FoodPositions returns the food positions in snapshot order, duplicates included.
func (s *Snapshot) FoodPositions() []grid.Position {
	if s == nil {
		return nil
	}
	out := make([]grid.Position, 0, len(s.Food))
	for _, food := range s.Food {
		out = append(out, food.Position)
	}
	return out
}

// DiagnosticKind classifies a degraded part of a snapshot.
type DiagnosticKind string

const (
	MalformedAgent   DiagnosticKind = "malformed_agent"
	MalformedFood    DiagnosticKind = "malformed_food"
	MalformedDeposit DiagnosticKind = "malformed_deposit"
	MissingSection   DiagnosticKind = "missing_section"
	DuplicateAgent   DiagnosticKind = "duplicate_agent"
)

// Diagnostic records a skipped record or section. Index is -1 for whole sections.
type Diagnostic struct {
	Kind    DiagnosticKind `json:"kind"`
	Section string         `json:"section"`
	Index   int            `json:"index"`
	Detail  string         `json:"detail"`
}

func (d Diagnostic) String() string {
	if d.Index < 0 {
		return fmt.Sprintf("%s %s: %s", d.Kind, d.Section, d.Detail)
	}
	return fmt.Sprintf("%s %s[%d]: %s", d.Kind, d.Section, d.Index, d.Detail)
}
