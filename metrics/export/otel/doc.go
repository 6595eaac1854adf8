// Package otel binds rfsauth counters to OpenTelemetry observable instruments.
//
// [NewExporter] registers one Int64ObservableCounter per engine counter and, for the
// validate latency histogram, a bucket gauge carrying an "le" attribute plus a count
// gauge. A single callback reads [rfsauth.Engine.MetricsSnapshot] per collection.
//
// Callers own the MeterProvider.
package otel
