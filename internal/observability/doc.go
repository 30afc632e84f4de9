// Package observability provides structured logging, Prometheus metrics and
// OpenTelemetry tracing for tek.
//
// # Logging
//
// Logging is built on slog. NewLogger adds redaction of API keys and bearer
// tokens, and picks up request, session and connection IDs stored in the
// context:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//	ctx = observability.WithSessionID(ctx, session.ID)
//	logger.InfoContext(ctx, "turn started", "model", model)
//
// # Metrics
//
// NewMetrics registers the tek_* collectors on the given registerer. A nil
// *Metrics is valid and records nothing, so components take metrics as an
// optional dependency:
//
//	reg := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(reg)
//	metrics.RecordLLMRequest("anthropic", "claude-sonnet-4", elapsed.Seconds(), in, out)
//
// Useful queries:
//
//	rate(tek_agent_turns_total{status="error"}[5m])
//	histogram_quantile(0.95, rate(tek_llm_request_duration_seconds_bucket[5m]))
//	increase(tek_schedule_runs_total{outcome="skipped_overlap"}[1h])
//
// # Tracing
//
// NewTracer exports spans over OTLP/gRPC when an endpoint is configured.
// The returned shutdown function flushes pending spans:
//
//	tracer, shutdown, err := observability.NewTracer(observability.TraceConfig{
//	    ServiceName:  "tek",
//	    Endpoint:     "localhost:4317",
//	    SamplingRate: 0.1,
//	})
//	defer shutdown(context.Background())
//
//	ctx, span := tracer.TraceTurn(ctx, sessionID, model)
//	defer span.End()
//
// A nil *Tracer starts no-op spans.
package observability
