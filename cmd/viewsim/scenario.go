package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kolkov/regionviews/internal/cluster"
)

// Scenario is the YAML schema the simulator replays.
type Scenario struct {
	Cluster   cluster.Config `yaml:"cluster"`
	Regions   []Region       `yaml:"regions"`
	Instances []Instance     `yaml:"instances"`
	Script    []Step         `yaml:"script"`
}

// Region declares one node of the region tree. Top-level entries are
// roots; children nest under their parent.
type Region struct {
	ID       uint64   `yaml:"id"`
	Span     [2]int64 `yaml:"span"`
	Children []Region `yaml:"children"`
}

// Instance declares a physical instance and the view over it.
type Instance struct {
	// Name is how script steps refer to the view.
	Name string `yaml:"name"`
	// Region is the id of the region the view covers.
	Region uint64 `yaml:"region"`
	// Space is the owning address space.
	Space uint32 `yaml:"space"`
	// Redop, when nonzero, makes this a reduction instance.
	Redop uint32 `yaml:"redop"`
}

// Step is one scripted action.
type Step struct {
	// Op is one of: read, write, reduce, trigger.
	Op string `yaml:"op"`
	// View names the target instance (read/write/reduce).
	View string `yaml:"view"`
	// Child, when set, routes the access through the subview of that
	// color.
	Child *int32 `yaml:"child"`
	// Fields lists the accessed field indices.
	Fields []uint32 `yaml:"fields"`
	// Redop is the reduction operator for reduce steps.
	Redop uint32 `yaml:"redop"`
	// Name labels the access's completion event so later trigger steps
	// can fire it.
	Name string `yaml:"name"`
}

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if sc.Cluster.Nodes == 0 {
		def := cluster.DefaultConfig()
		sc.Cluster.Nodes = def.Nodes
	}
	if sc.Cluster.MailboxDepth == 0 {
		sc.Cluster.MailboxDepth = cluster.DefaultConfig().MailboxDepth
	}
	if err := sc.validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (sc *Scenario) validate() error {
	if len(sc.Regions) == 0 {
		return fmt.Errorf("scenario declares no regions")
	}
	if len(sc.Instances) == 0 {
		return fmt.Errorf("scenario declares no instances")
	}
	names := make(map[string]bool, len(sc.Instances))
	for _, inst := range sc.Instances {
		if inst.Name == "" {
			return fmt.Errorf("instance over region %d has no name", inst.Region)
		}
		if names[inst.Name] {
			return fmt.Errorf("duplicate instance name %q", inst.Name)
		}
		names[inst.Name] = true
		if int(inst.Space) >= sc.Cluster.Nodes {
			return fmt.Errorf("instance %q owned by space %d of a %d-node cluster",
				inst.Name, inst.Space, sc.Cluster.Nodes)
		}
	}
	labels := make(map[string]bool)
	for i, step := range sc.Script {
		switch step.Op {
		case "read", "write", "reduce":
			if !names[step.View] {
				return fmt.Errorf("step %d targets unknown view %q", i+1, step.View)
			}
			if len(step.Fields) == 0 {
				return fmt.Errorf("step %d accesses no fields", i+1)
			}
			if step.Op == "reduce" && step.Redop == 0 {
				return fmt.Errorf("step %d reduces with no operator", i+1)
			}
			if step.Name != "" {
				if labels[step.Name] {
					return fmt.Errorf("duplicate step name %q", step.Name)
				}
				labels[step.Name] = true
			}
		case "trigger":
			if !labels[step.Name] {
				return fmt.Errorf("step %d triggers unknown access %q", i+1, step.Name)
			}
		default:
			return fmt.Errorf("step %d has unknown op %q", i+1, step.Op)
		}
	}
	return nil
}
