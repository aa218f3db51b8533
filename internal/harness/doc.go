// Package harness runs replication scenarios against in-process nodes.
//
// A scenario (YAML, see LoadScenario) declares a handful of nodes on one
// shared router.MemoryNetwork and a list of steps: initializing and
// updating dimensions, forking and merging branches, merging one node's
// state into another, sending, syncing and receiving messages while links
// go down and come back.
//
// Every step is executed against a real node.Node and appends one or more
// TraceEvents to the Result. Events carry the operation, its outcome (a
// merge strategy, "queued", "buffered", an error code) and the node clock
// afterwards. They never carry digests or message IDs, so a trace reads
// the same for any codec and can be compared against a golden file with
// RunWithGolden.
//
// Time is a testutil.ManualTime that only moves on an "advance" step, and
// message IDs come from testutil.SequentialIDs, so two runs of the same
// scenario produce identical traces.
package harness
