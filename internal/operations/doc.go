// Package operations plans and runs a population query: one root
// collection plus nested associations that may live on different
// connections with different join capabilities.
//
// # Planning
//
// New turns normalized criteria (joins ordered shallow to deep, plus the
// path schema) into a list of operations, root first:
//   - Without joins the whole query is a single fetch.
//   - Otherwise the root operation is indexed at the collection identity.
//     Each join looks up the operation owning its parent path. A join
//     leaving a junction looks one level deeper, at the junction's own
//     path, so its rows reattach to the junction rows that point at them.
//   - A join is folded into the operation it found when both collections
//     live on that operation's connection and the adapter joins natively:
//     any join for DeepJoin adapters, only joins whose parent is the
//     operation's own collection for FlatJoin adapters. The operation then
//     switches from fetch to join.
//   - Anything else becomes a dependent operation of the one it found.
//
// A join whose lookup path has no operation yet is a *StructuralError.
//
// # Execution
//
// Run fetches the root first. An empty root ends the run with an empty
// result. Otherwise the root rows seed a cursor and the root signals
// completion. Every dependent operation waits for its parent's signal,
// reads the parent keys from the cursor, fetches the children matching
// them, merges them at its path and signals in turn. Siblings run
// concurrently; the first adapter error cancels the rest and is returned
// unchanged.
//
// Once all operations finished, unresolved to-one placeholders become nil
// and a final pass removes junction rows and gives every populated to-many
// association an empty list when nothing was merged into it.
package operations
