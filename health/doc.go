// Package health aggregates readiness checks for the gateway and serves
// them over HTTP.
//
// A Registry runs every Checker concurrently under the request's deadline.
// The overall status is the worst individual status, and the HTTP Handler
// answers 503 only when that is unhealthy.
//
//	registry := health.NewRegistry()
//	registry.Register(health.NewBrokerChecker(connManager))
//	registry.Register(health.NewPendingChecker(bridge, 1000))
//	router.Handle("/api/ready", health.NewHandler(registry, 5*time.Second))
package health
