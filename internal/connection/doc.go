// Package connection implements the client connection registry.
//
// The Registry:
//   - Holds every live client connection, keyed by a generated id
//   - Filters inbound frames (text only, at most MaxMessageLength UTF-16 units,
//     valid JSON, non-falsy) before broadcasting "Client Data Received"
//   - Broadcasts "Connection Accepted" and "Connection Closed"
//   - Sends JSON replies without surfacing transport errors
//
// Server adapts gorilla/websocket connections onto the Registry.
package connection
