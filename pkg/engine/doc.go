// Package engine implements the reconciliation core: it builds a dependency
// graph from a declarative resource document, diffs it against the recorded
// applied state, orders the resulting operations into a staged plan, and
// executes the plan through providers with bounded concurrency and retry.
//
// The top-level entry point is the Reconciler, which drives repeated cycles
// of graph -> diff -> plan -> execute and records each cycle's outcome. The
// individual pieces (BuildGraph, Differ, BuildPlan, Executor) are usable on
// their own, which is how the one-shot CLI commands consume them.
package engine
