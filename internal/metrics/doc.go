// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Live and accepted client connections
//   - Dropped inbound frames by reason
//   - Event and action handler failures
//   - Query errors and automatic reconnects per database handle
package metrics
