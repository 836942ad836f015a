package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"swarmview/mirror/internal/grid"
)

var (
	// ErrUndecodable means the payload is not a JSON object at all. The cycle is
	// treated like a transport failure: nothing is reconciled.
	ErrUndecodable = errors.New("snapshot: undecodable payload")
	// ErrSimulationComplete is returned for the terminal {"message": ...} payload
	// the simulation serves once it has run out of steps.
	ErrSimulationComplete = errors.New("snapshot: simulation complete")
)

const (
	sectionAgents  = "agents"
	sectionFood    = "food"
	sectionDeposit = "deposit_cell"
)

type wireAgent struct {
	ID         agentID       `json:"id"`
	Position   grid.Position `json:"position"`
	IsCarrying bool          `json:"is_carrying"`
}

// agentID accepts integral floats the same way positions do.
type agentID int

func (id *agentID) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("agent id: %w", err)
	}
	v, ok := grid.Integral(n)
	if !ok {
		return fmt.Errorf("agent id %s is not an integer", n)
	}
	*id = agentID(v)
	return nil
}

type wireFood struct {
	Position grid.Position `json:"position"`
}

// Decode parses a published payload. Malformed records and sections are
// skipped and reported as diagnostics; only a payload that is not a JSON
// object (or the completion message) yields an error.
func Decode(raw []byte) (*Snapshot, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrUndecodable)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil || fields == nil {
		if err == nil {
			err = errors.New("null document")
		}
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}

	//1.- A bare message without state sections marks the end of the run.
	_, hasAgents := fields[sectionAgents]
	_, hasFood := fields[sectionFood]
	_, hasDeposit := fields[sectionDeposit]
	if message, ok := fields["message"]; ok && !hasAgents && !hasFood && !hasDeposit {
		var text string
		_ = json.Unmarshal(message, &text)
		return nil, fmt.Errorf("%w: %s", ErrSimulationComplete, strings.TrimSpace(text))
	}

	//2.- Each section degrades on its own into diagnostics.
	snap := &Snapshot{}
	snap.decodeAgents(fields[sectionAgents])
	snap.decodeFood(fields[sectionFood])
	snap.decodeDeposit(fields[sectionDeposit])
	return snap, nil
}

func (s *Snapshot) diagnose(kind DiagnosticKind, section string, index int, format string, args ...any) {
	s.Diagnostics = append(s.Diagnostics, Diagnostic{
		Kind:    kind,
		Section: section,
		Index:   index,
		Detail:  fmt.Sprintf(format, args...),
	})
}

func (s *Snapshot) decodeAgents(raw json.RawMessage) {
	items, ok := s.section(sectionAgents, raw)
	if !ok {
		return
	}
	s.AgentsPresent = true
	s.Agents = make([]AgentRecord, 0, len(items))
	seen := make(map[int]int, len(items))
	for idx, item := range items {
		if err := validate(agentSchema.Validate, item); err != nil {
			s.diagnose(MalformedAgent, sectionAgents, idx, "%v", err)
			continue
		}
		var agent wireAgent
		if err := json.Unmarshal(item, &agent); err != nil {
			s.diagnose(MalformedAgent, sectionAgents, idx, "%v", err)
			continue
		}
		id := int(agent.ID)
		if first, dup := seen[id]; dup {
			s.diagnose(DuplicateAgent, sectionAgents, idx, "agent %d already listed at index %d", id, first)
			continue
		}
		seen[id] = idx
		s.Agents = append(s.Agents, AgentRecord{ID: id, Position: agent.Position, Carrying: agent.IsCarrying})
	}
}

func (s *Snapshot) decodeFood(raw json.RawMessage) {
	items, ok := s.section(sectionFood, raw)
	if !ok {
		return
	}
	s.FoodPresent = true
	s.Food = make([]FoodRecord, 0, len(items))
	for idx, item := range items {
		if err := validate(foodSchema.Validate, item); err != nil {
			s.diagnose(MalformedFood, sectionFood, idx, "%v", err)
			continue
		}
		var pos grid.Position
		if trimmed := bytes.TrimSpace(item); len(trimmed) > 0 && trimmed[0] == '[' {
			if err := json.Unmarshal(trimmed, &pos); err != nil {
				s.diagnose(MalformedFood, sectionFood, idx, "%v", err)
				continue
			}
		} else {
			var food wireFood
			if err := json.Unmarshal(trimmed, &food); err != nil {
				s.diagnose(MalformedFood, sectionFood, idx, "%v", err)
				continue
			}
			pos = food.Position
		}
		s.Food = append(s.Food, FoodRecord{Position: pos})
	}
}

func (s *Snapshot) decodeDeposit(raw json.RawMessage) {
	if isNull(raw) {
		return
	}
	var pos grid.Position
	if err := json.Unmarshal(raw, &pos); err != nil {
		s.diagnose(MalformedDeposit, sectionDeposit, -1, "%v", err)
		return
	}
	s.Deposit = &pos
}

// section splits a list section into raw records. A missing, null or
// non-array section is reported and skipped.
func (s *Snapshot) section(name string, raw json.RawMessage) ([]json.RawMessage, bool) {
	if isNull(raw) {
		s.diagnose(MissingSection, name, -1, "section missing or null")
		return nil, false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		s.diagnose(MissingSection, name, -1, "section is not a list: %v", err)
		return nil, false
	}
	return items, true
}

func validate(check func(any) error, item json.RawMessage) error {
	decoder := json.NewDecoder(bytes.NewReader(item))
	decoder.UseNumber()
	var doc any
	if err := decoder.Decode(&doc); err != nil {
		return err
	}
	return check(doc)
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
