// Package health aggregates component health for the /healthz endpoint.
//
// Components register a Check with a Monitor. Checks run on every
// request, so they must be cheap: report cached state, or at most one
// short round trip.
//
//	monitor := health.NewMonitor()
//	monitor.Register("nats", func() health.Status {
//		if client.IsHealthy() {
//			return health.NewHealthy("nats", "connected")
//		}
//		return health.NewUnhealthy("nats", "disconnected")
//	})
//	mux.Handle("/healthz", monitor.Handler("labbridge"))
//
// Aggregation is worst-wins: any unhealthy sub-status makes the system
// unhealthy (HTTP 503), otherwise any degraded one makes it degraded
// (HTTP 200). Error text passed through FromError is stripped of URLs,
// paths, addresses and credentials before it is served.
package health
