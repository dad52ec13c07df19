// Package logging provides structured, context-aware logging on top of zap.
//
// Every method takes a context so that correlation fields are attached
// automatically:
//   - trace_id / span_id from the active OpenTelemetry span
//   - run.id from WithRunID
//   - run.stage and run.attempt from WithStage
//   - request.id from WithRequestID
//
// Output goes to stdout (JSON or console) and optionally to an OTEL log
// provider through the otelzap bridge. Sensitive keys and bearer/api-key
// patterns are redacted by RedactingEncoder before they reach stdout.
// Entries below Error are sampled when sampling is enabled.
//
// Tests use NewTestLogger, which records entries for assertions:
//
//	logger := logging.NewTestLogger()
//	runner, _ := orchestrator.NewRunner(cfg, orchestrator.Deps{Logger: logger.Logger})
//	logger.AssertLogged(t, zapcore.WarnLevel, "policy store unavailable")
package logging
