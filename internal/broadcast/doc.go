// Package broadcast implements the process-wide event bus.
//
// The bus decouples producers from consumers:
//   - Subscriptions are (event, handler, owner) triples
//   - Call invokes handlers synchronously, in registration order
//   - A failing handler never stops its siblings
//   - OffOwner removes everything a component registered in one call
//
// Database handles own a Bus of their own for handle-scoped events.
package broadcast
