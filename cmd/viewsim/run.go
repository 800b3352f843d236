package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/kolkov/regionviews/internal/cluster"
	"github.com/kolkov/regionviews/internal/regiontree"
	"github.com/kolkov/regionviews/internal/views"
	"github.com/kolkov/regionviews/internal/views/event"
	"github.com/kolkov/regionviews/internal/views/fieldmask"
	"github.com/kolkov/regionviews/internal/views/usage"
)

func runCommand(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	logLevel := fs.String("log", "", "zerolog level for cluster tracing (debug, info, ...)")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: viewsim run [-log level] <scenario.yaml>")
		os.Exit(1)
	}

	sc, err := LoadScenario(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "viewsim: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		sc.Cluster.LogLevel = *logLevel
	}

	if err := replay(sc, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "viewsim: %v\n", err)
		os.Exit(1)
	}
}

// simManager is the simulator's instance manager. Offsets are synthetic:
// the analysis only cares about their identity, not real addresses.
type simManager struct {
	id    views.DistributedID
	redop usage.RedopID
}

func (m *simManager) ID() views.DistributedID { return m.id }
func (m *simManager) UseEvent() event.Event   { return event.NoEvent }

func (m *simManager) ComputeCopyOffsets(mask fieldmask.Mask) []views.FieldOffset {
	fields := mask.Fields()
	out := make([]views.FieldOffset, len(fields))
	for i, f := range fields {
		out[i] = views.FieldOffset{Inst: m.id, Field: f, Offset: uint64(f) * 8}
	}
	return out
}

func (m *simManager) Redop() usage.RedopID { return m.redop }
func (m *simManager) IsFoldable() bool     { return true }

func (m *simManager) FindFieldOffsets(mask fieldmask.Mask) []views.FieldOffset {
	return m.ComputeCopyOffsets(mask)
}

// replay builds the world a scenario describes and walks its script,
// writing one line per step.
func replay(sc *Scenario, out io.Writer) error {
	tab := event.NewTable()
	tree := regiontree.New(tab, regiontree.AutoComplete())
	for _, r := range sc.Regions {
		root := tree.NewRoot(r.ID, r.Span[0], r.Span[1])
		addChildren(root, r.Children)
	}

	c, err := cluster.New(sc.Cluster, tab, tree)
	if err != nil {
		return err
	}
	defer c.Shutdown()

	instances := make(map[string]views.InstanceView, len(sc.Instances))
	for i, inst := range sc.Instances {
		node := c.Node(views.AddressSpaceID(inst.Space))
		region := tree.Lookup(inst.Region)
		if region == nil {
			return fmt.Errorf("instance %q over unknown region %d", inst.Name, inst.Region)
		}
		mgr := &simManager{id: views.DistributedID(1000 + i), redop: usage.RedopID(inst.Redop)}
		for s := 0; s < c.Size(); s++ {
			c.Node(views.AddressSpaceID(s)).RegisterManager(mgr)
		}
		var v views.InstanceView
		if inst.Redop != 0 {
			rv := views.NewReductionView(node, node.NewDistributedID(),
				views.AddressSpaceID(inst.Space), region, mgr)
			node.RegisterView(rv)
			v = rv
		} else {
			mv := views.NewMaterializedView(node, node.NewDistributedID(),
				views.AddressSpaceID(inst.Space), region, mgr, nil)
			node.RegisterView(mv)
			v = mv
		}
		instances[inst.Name] = v
	}

	accesses := make(map[string]event.Event)
	for i, step := range sc.Script {
		if step.Op == "trigger" {
			tab.Trigger(accesses[step.Name])
			fmt.Fprintf(out, "%3d  trigger %-12s\n", i+1, step.Name)
			continue
		}

		var use usage.Usage
		switch step.Op {
		case "read":
			use = usage.Usage{Privilege: usage.ReadOnly, Coherence: usage.Exclusive}
		case "write":
			use = usage.Usage{Privilege: usage.ReadWrite, Coherence: usage.Exclusive}
		case "reduce":
			use = usage.Usage{Privilege: usage.Reduce, Coherence: usage.Exclusive,
				Redop: usage.RedopID(step.Redop)}
		}
		mask := fieldmask.Of(fieldIDs(step.Fields)...)

		target := instances[step.View]
		if step.Child != nil {
			mv, ok := target.(*views.MaterializedView)
			if !ok {
				return fmt.Errorf("step %d routes through a child of a reduction view", i+1)
			}
			target = mv.GetMaterializedSubview(views.Color(*step.Child))
		}

		term := tab.NewUserEvent()
		if step.Name != "" {
			accesses[step.Name] = term
		}
		wait := target.AddUser(use, term, mask, nil)

		decision := "ready"
		if wait != event.NoEvent && !tab.HasTriggered(wait) {
			decision = "waits"
		}
		fmt.Fprintf(out, "%3d  %-7s %-12s fields %-12v %s\n",
			i+1, step.Op, step.View, step.Fields, decision)
	}

	ops := tree.Ops()
	fmt.Fprintf(out, "\n%d data movement operations issued\n", len(ops))
	return nil
}

// addChildren assigns colors in declaration order, starting from zero
// under each parent. Script steps address children by that color.
func addChildren(parent *regiontree.Node, children []Region) {
	for i, r := range children {
		child := parent.AddChild(r.ID, views.Color(i), r.Span[0], r.Span[1])
		addChildren(child, r.Children)
	}
}

func fieldIDs(fields []uint32) []fieldmask.FieldID {
	out := make([]fieldmask.FieldID, len(fields))
	for i, f := range fields {
		out[i] = fieldmask.FieldID(f)
	}
	return out
}
