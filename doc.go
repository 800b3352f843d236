// Package regionviews provides coherence tracking for physical views of
// hierarchically partitioned data.
//
// A view is the bookkeeping attached to one physical copy of a region of
// data: who is reading it, who is writing it, which reductions are
// pending, and which fields each of those touch. Given that bookkeeping,
// the package answers the central scheduling question of a task-based
// runtime: before a new access may start, which previously registered
// accesses must it wait for?
//
// # Quick Start
//
// Open an engine, describe the region tree, attach instances, and
// register accesses:
//
//	eng, err := regionviews.Open(regionviews.Options{Spaces: 1})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer eng.Close()
//
//	root := eng.AddRegion(1, 0, 1000)
//	inst := eng.NewInstance("a", root, 0)
//
//	r := inst.Read(0)        // runs immediately
//	w := inst.Write(0)       // must wait for the reader
//	if w.Blocked() {
//		r.Complete()     // the reader finishes
//	}                        // now w.Ready() is true
//
// # What the analysis knows
//
// Dependences are classified per overlapping field, with the usual
// refinements: readers never wait on readers, reductions with the same
// operator interleave, accesses through provably disjoint subregions
// ignore each other, and atomic or simultaneous coherence relaxes
// ordering that exclusive coherence would impose.
//
// Multiple address spaces are simulated in-process. Views created in one
// space can be resolved from another; registrations made through a
// replica propagate to the owner, so the analysis gives the same answer
// no matter where an access is registered.
//
// # API Overview
//
// The package provides:
//   - Engine lifecycle: [Open], [Engine.Close]
//   - Region trees: [Engine.AddRegion], [Region.AddChild]
//   - Instances and views: [Engine.NewInstance], [Engine.NewReductionInstance]
//   - Access registration: [Instance.Read], [Instance.Write], [Instance.Reduce]
//   - Completion plumbing: [Access.Complete], [Access.Ready], [Access.Blocked]
//   - Version information: [GetInfo], [Version]
package regionviews
