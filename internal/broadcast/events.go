package broadcast

// Process bus events.
const (
	// EventConnectionAccepted carries (*connection.Record).
	EventConnectionAccepted = "Connection Accepted"

	// EventClientDataReceived carries (*connection.Record, decoded payload).
	EventClientDataReceived = "Client Data Received"

	// EventConnectionClosed carries (*connection.Record).
	EventConnectionClosed = "Connection Closed"

	// EventDatabaseConnectionEstablished carries (database.Handle).
	EventDatabaseConnectionEstablished = "Database Connection Established"

	// EventBeforeHTTPRoutes carries (chi.Router) before services mount routes.
	EventBeforeHTTPRoutes = "Before HTTP Routes"
)

// Handle-scoped events, published on a database handle's own bus.
const (
	// EventConnectionEstablished carries (database.Handle).
	EventConnectionEstablished = "Connection Established"

	// EventError carries (error).
	EventError = "Error"

	// EventRequestError carries (sql string, args []any, err error).
	EventRequestError = "Request Error"
)
