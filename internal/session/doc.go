// Package session resolves the session attached to a client handshake.
//
// Sessions are referenced by a signed cookie ("s:<id>.<signature>") and
// loaded from a Store: in memory, or a table on a relational database handle.
package session
