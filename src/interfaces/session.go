package interfaces

// -----------------------------------------------------------------------------
// ISession is a connected downstream client (websocket or test double).
// -----------------------------------------------------------------------------

type ISession interface {

	// ID returns the unique session identifier
	ID() string

	// -----------------------------------------------------------------------------

	// Send pushes a named event with its payload to the client. A failed
	// send means the client is gone; the caller tears the session down.
	Send(event string, payload interface{}) error
}
