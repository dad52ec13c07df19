// Package checkpoint persists run State snapshots and the dispatch ledger.
//
// MemoryStore keeps both in process; KVStore keeps them in a NATS JetStream
// key-value bucket so that queued runs can be queried from any instance and
// a redelivered run never repeats a completed dispatch.
//
// Both implement orchestrator.CheckpointStore and orchestrator.DispatchLedger.
package checkpoint
