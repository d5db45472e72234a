// Package errorlog persists reported errors into a relational table.
//
// The store attaches itself when the configured database handle announces
// "Database Connection Established" and writes one row per report:
// date, type and a JSON data column holding {memory, details}.
package errorlog
