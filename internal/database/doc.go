// Package database provides named database handles over heterogeneous backends.
//
// Each configured database becomes one handle:
//   - Relational (PostgreSQL via pgx, SQLite via modernc): one live connection,
//     formatted query results, automatic reconnect when the connection is lost
//   - Document (MongoDB): connection lifecycle only, model access is left to the driver
//
// Handles publish "Connection Established", "Error" and "Request Error" on
// their own bus; the Manager relays them to the process bus and the logs.
package database
