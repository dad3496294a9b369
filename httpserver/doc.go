/*
Package httpserver hosts the replica API.

The server wraps a chi router with request logging, health probes and an
optional pprof mount, and runs a separate Prometheus listener when a metrics
address is configured.

# Endpoints

  - GET /livez: liveness probe
  - GET /readyz: readiness probe, 503 while draining
  - GET /drain and /undrain: toggle readiness for load balancers
  - /debug/pprof/*: profiling, when enabled

Routes added with Mount are served next to these.

# Shutdown

Shutdown marks the server not ready, waits DrainDuration so load balancers
stop sending traffic, then stops accepting connections and waits up to
GracefulShutdownDuration for in-flight requests.

	srv, err := httpserver.New(cfg)
	srv.Mount(replicahandler.NewHandler(name, attestation, store, secret, logger))
	if err := srv.RunInBackground(); err != nil { ... }
	defer srv.Shutdown()
*/
package httpserver
