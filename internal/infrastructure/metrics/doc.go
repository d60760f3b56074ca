// Package metrics builds the Prometheus registry for the process.
//
// Collectors go on a private registry rather than the global default, so
// tests can build as many as they like:
//
//	reg := metrics.NewRegistry(cacheMetrics.Collectors()...)
//	router.Handle("/metrics", metrics.Handler(reg))
package metrics
