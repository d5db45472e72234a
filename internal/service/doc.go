// Package service dispatches client messages and HTTP routes to services.
//
// A Service declares named tables of actions, routes and bus events, plus
// optional Libraries contributing more of the same. Registering a service
// binds every table entry:
//
//   - actions fire on "Client Data Received" for each payload key they name,
//     sorted by key, with the wildcard "*" last; services sharing a key all fire
//   - routes mount on the HTTP router ("/path" is GET, "post:/path" is POST, ...)
//   - events subscribe to the process bus under the service or library identity
//
// Handler errors and panics are isolated per invocation and reported.
package service
