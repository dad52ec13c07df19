// Package orchestrator turns an inbound task into a governed, auditable,
// retryable multi-stage run.
//
// # Overview
//
// Every run follows the same stage graph:
//
//	policy_gate → context → plan → reflect → dispatch → review → retry_control
//	     ↑                                                          │
//	     └──────────────────────── RETRY ───────────────────────────┤
//	                                                                └→ memory (COMPLETE)
//
// A blocking directive ends the run at the policy gate with status blocked
// and no plugin is ever called.
//
// # Key Components
//
// ## Runner
//
// The Runner owns the State of a run and drives the stage functions in a
// small loop. Each stage returns the next stage; the loop checks for
// cancellation between stages, recovers panics into an InternalFault, and
// checkpoints and publishes a status snapshot after every stage.
//
// ## Review loop
//
// The Sentinel classifies the outcome of an attempt into ReviewIssues. The
// RetryController escalates on any non-actionable issue of high severity,
// retries while actionable issues remain and budget allows, and otherwise
// completes. The retry count never exceeds MaxRetries.
//
// ## Collaborators
//
// Policy directives, context retrieval, plugins, memory, the event bus and
// the checkpoint store are interfaces. Every call into them runs with a
// bounded timeout; failures become Faults that the Sentinel reports as
// EXECUTION issues.
//
// # Usage Example
//
//	runner, err := orchestrator.NewRunner(orchestrator.DefaultRunnerConfig(), orchestrator.Deps{
//		Policy:      policyStore,
//		Context:     contextProvider,
//		Plugins:     registry,
//		Checkpoints: checkpoints,
//		Bus:         bus,
//		Logger:      logger,
//	})
//	svc := orchestrator.NewService(runner, queue, checkpoints, bus, logger)
//	st, err := svc.Submit(ctx, task, nil)
package orchestrator
