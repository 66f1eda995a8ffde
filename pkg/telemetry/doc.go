// Package telemetry provides observability instrumentation for the autonomic server.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and an in-process event publisher.
//
// # Usage
//
// Initialize telemetry at startup and shut it down on exit:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("manager")
//	logger.WithOperation("controller", "main_operation").Info("Sensor activated")
//	logger.WithError(err).Warn("Failed to read resource")
//
// # Tracing
//
// Every invocation gets one span named operation.invoke carrying the
// invocation, controller, operation and trigger attributes. State transitions
// are recorded as span events.
//
// Supported exporters: "otlp" (OTLP/gRPC), "stdout" and "none".
//
// # Metrics
//
// Key metrics exposed (namespace "autonomic" by default):
//
//   - autonomic_invocations_started_total{controller,operation,trigger}
//   - autonomic_invocations_completed_total{controller,operation,state}
//   - autonomic_invocation_duration_seconds{controller,operation,state}
//   - autonomic_retry_attempts_total{controller,operation}
//   - autonomic_rejections_total{controller,operation,reason}
//   - autonomic_operation_locked{controller,operation}
//   - autonomic_active_invocations
//   - autonomic_sensor_firings_total{controller,operation,outcome}
//   - autonomic_drift_detections_total{controller}
//   - autonomic_corrections_total{controller,status}
//
// A nil or disabled *Metrics is a valid no-op collector, so components can
// record unconditionally.
//
// # Events
//
// The publisher fans audit events out to subscribers, optionally through a
// bounded buffer that is flushed in batches:
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
package telemetry
