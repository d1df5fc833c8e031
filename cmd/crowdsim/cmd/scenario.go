package cmd

import (
	"fmt"
	"io/ioutil"

	"gopkg.in/yaml.v2"
)

// Scenario describes a crowd simulation run: which navmesh to load, the
// agents to spawn on it, and the pathfinding budgets to drive the Crowd
// with.
type Scenario struct {
	// Navmesh is the path to a binary navmesh file, in the format written
	// by detour.NavMesh.ToWriter/SaveToFile and read back by detour.Decode.
	// Building that file is out of scope for this tool.
	Navmesh string `yaml:"navmesh"`

	MaxAgents      int     `yaml:"maxAgents"`
	MaxAgentRadius float32 `yaml:"maxAgentRadius"`

	// Budget knobs, see crowd.Crowd's MaxRequestsPerUpdate/
	// QuickSearchIterations/MaxIterationsPerUpdate fields. Zero keeps the
	// crowd package defaults.
	MaxRequestsPerUpdate   int   `yaml:"maxRequestsPerUpdate"`
	QuickSearchIterations  int32 `yaml:"quickSearchIterations"`
	MaxIterationsPerUpdate int32 `yaml:"maxIterationsPerUpdate"`

	Agents []AgentSpec `yaml:"agents"`

	// TickSeconds is the simulated delta-time per Crowd.Update call.
	TickSeconds float32 `yaml:"tickSeconds"`
	// Ticks bounds how many updates `run` performs before exiting. 0 means
	// 1000 updates with --headless, and no bound in the interactive view,
	// which then runs until the user quits.
	Ticks int `yaml:"ticks"`
}

// AgentSpec places one agent at a starting position with a target to
// walk towards, and its physical envelope.
type AgentSpec struct {
	Start  [3]float32 `yaml:"start"`
	Target [3]float32 `yaml:"target"`

	Radius          float32 `yaml:"radius"`
	Height          float32 `yaml:"height"`
	MaxAcceleration float32 `yaml:"maxAcceleration"`
	MaxSpeed        float32 `yaml:"maxSpeed"`
}

// LoadScenario reads and validates a YAML scenario file.
func LoadScenario(path string) (*Scenario, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario file: %w", err)
	}

	var s Scenario
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parsing scenario file: %w", err)
	}

	if s.Navmesh == "" {
		return nil, fmt.Errorf("scenario: navmesh path is required")
	}
	if s.MaxAgents <= 0 {
		s.MaxAgents = len(s.Agents)
	}
	if s.MaxAgents <= 0 {
		return nil, fmt.Errorf("scenario: maxAgents must be > 0")
	}
	if s.MaxAgentRadius <= 0 {
		for _, a := range s.Agents {
			if a.Radius > s.MaxAgentRadius {
				s.MaxAgentRadius = a.Radius
			}
		}
	}
	if s.MaxAgentRadius <= 0 {
		return nil, fmt.Errorf("scenario: maxAgentRadius must be > 0")
	}
	if s.TickSeconds <= 0 {
		s.TickSeconds = 1.0 / 20.0
	}

	return &s, nil
}
