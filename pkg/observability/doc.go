// Package observability provides structured logging, Prometheus metrics and
// graceful-shutdown helpers shared by the fileharbor services.
//
// Logging uses slog with a JSON handler; Logger carries contextual fields
// through WithField/WithFields/WithError. Metrics covers the HTTP surface,
// permission resolution latency and outcome, permission-cache effectiveness
// and invalidation cascades. A nil *Metrics is safe to use everywhere and
// records nothing, which keeps tests free of registry bookkeeping.
package observability
