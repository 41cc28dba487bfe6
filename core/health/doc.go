// Package health provides net/http handlers for liveness and readiness probes.
//
//	mux.Handle("GET /health/live", health.Liveness())
//	mux.Handle("GET /health/ready", health.Readiness(log,
//		pg.Healthcheck(pool),
//		fanout.Healthcheck,
//		association.Healthcheck,
//	))
//
// A check is any func(context.Context) error.
package health
