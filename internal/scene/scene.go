package scene

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"swarmview/mirror/internal/grid"
	"swarmview/mirror/internal/reconcile"
)

// DefaultFoodHeight is the world height at which food and agents are placed.
const DefaultFoodHeight = 0.12

// Spawn is one agent the mirror registers at startup.
type Spawn struct {
	ID       int    `yaml:"id"`
	Position [2]int `yaml:"position"`
}

// Cell returns the spawn position as a grid cell.
func (s Spawn) Cell() grid.Position { return grid.At(s.Position[0], s.Position[1]) }

// Scene describes the static setup of the mirrored world.
type Scene struct {
	Agents      []Spawn     `yaml:"agents"`
	CarryOffset *[3]float64 `yaml:"carry_offset,omitempty"`
	FoodHeight  *float64    `yaml:"food_height,omitempty"`
}

// Offset returns the carried item offset, falling back to the default.
func (s Scene) Offset() reconcile.Offset {
	if s.CarryOffset == nil {
		return reconcile.DefaultCarryOffset
	}
	return reconcile.Offset(*s.CarryOffset)
}

// Height returns the placement height, falling back to the default.
func (s Scene) Height() float64 {
	if s.FoodHeight == nil {
		return DefaultFoodHeight
	}
	return *s.FoodHeight
}

// FromIDs builds a scene spawning ids at the origin.
func FromIDs(ids []int) Scene {
	scene := Scene{Agents: make([]Spawn, 0, len(ids))}
	for _, id := range ids {
		scene.Agents = append(scene.Agents, Spawn{ID: id})
	}
	return scene
}

// Load reads a scene file. An empty path yields a scene spawning fallbackIDs.
func Load(path string, fallbackIDs []int) (Scene, error) {
	if strings.TrimSpace(path) == "" {
		return FromIDs(fallbackIDs), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Scene{}, err
	}
	var scene Scene
	if err := yaml.Unmarshal(raw, &scene); err != nil {
		return Scene{}, fmt.Errorf("%s: %w", path, err)
	}
	if len(scene.Agents) == 0 {
		scene.Agents = FromIDs(fallbackIDs).Agents
	}
	if err := scene.Validate(); err != nil {
		return Scene{}, fmt.Errorf("%s: %w", path, err)
	}
	return scene, nil
}

// Validate rejects duplicate or negative agent ids and a negative height.
func (s Scene) Validate() error {
	var problems []string
	seen := make(map[int]struct{}, len(s.Agents))
	for _, spawn := range s.Agents {
		if spawn.ID < 0 {
			problems = append(problems, fmt.Sprintf("agent id %d is negative", spawn.ID))
		}
		if _, dup := seen[spawn.ID]; dup {
			problems = append(problems, fmt.Sprintf("agent id %d is listed twice", spawn.ID))
		}
		seen[spawn.ID] = struct{}{}
	}
	if s.Height() < 0 {
		problems = append(problems, "food_height must not be negative")
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}
