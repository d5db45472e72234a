// Package app wires a sockethub instance together and runs it.
//
// Startup order:
//  1. Prepare hook
//  2. error log activation
//  3. database handles created (configuration errors are fatal)
//  4. database handles connected (failures are reported, startup continues)
//  5. HTTP router built, "Before HTTP Routes" broadcast, sessions resolved,
//     services registered, websocket endpoint mounted, server listening
//  6. Ready hook
package app
