// Package prometheus exposes rfsauth counters through a prometheus.Collector.
//
// [NewCollector] reads [rfsauth.Engine.MetricsSnapshot] on every scrape. Counter
// names are prefixed rfsauth_ and end in _total; the single histogram is
// rfsauth_validate_latency_seconds.
//
// The collector is not registered anywhere by default. Register it with your own
// registry, or mount [Collector.Handler], which uses a private one.
package prometheus
