// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, hot-reload, runtime metrics and debug introspection layer
// for hioload-tcp.
//
// Provides concurrent-safe state handling primitives including:
//   - Immutable snapshot config reads and validated atomic updates
//   - Reload listeners notified after each accepted update
//   - Prometheus counters and gauges for connections and reactors
//   - Debug probe registration and logrus setup for the example programs
package control
