// Package dtensor implements operator dispatch and sharding propagation for
// distributed tensors: tensors that are logically single but physically partitioned
// (sharded, replicated or partial) across a device mesh.
//
// The flow for one operator call:
//
//  1. The call's distributed-tensor arguments are replaced by their sharding
//     descriptors (mesh.Spec), producing an OpSchema.
//  2. The sharding rule registered for the operator derives the output descriptor(s)
//     from the input descriptors (OutputSharding). If the input placements are not
//     acceptable, the rule may instead suggest alternative input schemas; the driver
//     retries once with the first suggestion and marks the inputs for redistribution.
//  3. The Dispatcher redistributes inputs if needed, runs the operator on the local
//     shards, and wraps the results with the propagated output descriptor(s),
//     preserving in-place and out-variant semantics of the underlying operator.
//
// Sharding rules are pure functions OpSchema -> OutputSharding: they never touch data
// or communicate. Communication happens only in redistribution and in custom operator
// paths such as the tensor-parallel convolution in the ops package.
package dtensor
