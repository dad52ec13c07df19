// Package bus carries status snapshots and queued work.
//
// EventBus implementations: MemoryBus (in process) and NATSBus (core NATS
// subjects). Both accept NATS-style wildcards in Subscribe, so a watcher can
// follow every run with "runs.status.>".
//
// Queue implementations: MemoryQueue and JetStreamQueue. JetStreamQueue
// publishes envelopes on a work-queue stream with the run id as message id,
// so a double enqueue inside the duplicate window is dropped by the server.
package bus
